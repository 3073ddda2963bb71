package peer

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

// managerFixture drives a Manager from the test goroutine; posted callbacks
// only run on flush.
type managerFixture struct {
	m      *Manager
	mb     *mailbox
	sent   []protocol.Message
	events []Event
	conns  map[domain.ParticipantID]*fakeConn

	newErr    error
	acceptErr error
}

func newManagerFixture(self domain.ParticipantID) *managerFixture {
	f := &managerFixture{mb: newMailbox(), conns: make(map[domain.ParticipantID]*fakeConn)}
	f.m = newManager(managerDeps{
		self:    self,
		session: testSession,
		send: func(msg protocol.Message) error {
			f.sent = append(f.sent, msg)
			return nil
		},
		newConn: func(remote domain.ParticipantID) (core.PeerConnection, error) {
			if f.newErr != nil {
				return nil, f.newErr
			}
			c := newFakeConn(self, remote)
			c.acceptErr = f.acceptErr
			f.conns[remote] = c
			return c, nil
		},
		tracks:          func() (audio, video webrtc.TrackLocal) { return nil, nil },
		post:            f.mb.push,
		emit:            func(ev Event) { f.events = append(f.events, ev) },
		candidateBuffer: 2,
		pendingPeers:    2,
	})
	f.m.sup = &Supervisor{clock: clock.NewMock(), restartTimeout: 10 * time.Second, failureWindow: 30 * time.Second, m: f.m}
	return f
}

func (f *managerFixture) flush() {
	for _, fn := range f.mb.drain() {
		fn()
	}
}

func (f *managerFixture) state(remote domain.ParticipantID) LinkState {
	l, ok := f.m.Link(remote)
	if !ok {
		return LinkClosed
	}
	return l.State()
}

func (f *managerFixture) count(kind EventKind) int {
	n := 0
	for _, ev := range f.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

var offerFromRemote = protocol.DescriptionPayload{SDP: protocol.SDP{Type: "offer", SDP: "v=0 remote"}}

func candidate(n int) protocol.Candidate {
	return protocol.Candidate{Candidate: fmt.Sprintf("candidate:%d 1 udp 1 10.0.0.%d 5000 typ host", n, n)}
}

func TestGlareSmallerIDKeepsOwnOffer(t *testing.T) {
	f := newManagerFixture("a")
	f.m.OnUserJoined("b")
	if got := f.state("b"); got != LinkOfferSent {
		t.Fatalf("state = %s, want offer-sent", got)
	}

	f.m.OnOffer("b", offerFromRemote)

	if got := f.state("b"); got != LinkOfferSent {
		t.Fatalf("state = %s after glare, want offer-sent", got)
	}
	if st := f.conns["b"].stats(); st.answers != 0 {
		t.Fatalf("answered the colliding offer")
	}
	if len(f.sent) != 1 || f.sent[0].Type != protocol.TypeOffer {
		t.Fatalf("sent %+v, want only the own offer", f.sent)
	}
}

func TestGlareLargerIDYieldsOnFreshConnection(t *testing.T) {
	f := newManagerFixture("b")
	f.m.OnUserJoined("a")
	pending := f.conns["a"]

	f.m.OnOffer("a", offerFromRemote)

	if !pending.stats().closed {
		t.Fatalf("connection holding the pending offer kept")
	}
	fresh := f.conns["a"]
	if fresh == pending {
		t.Fatalf("offer accepted without a fresh connection")
	}
	if st := fresh.stats(); st.answers != 1 || st.offers != 0 {
		t.Fatalf("fresh connection offers=%d answers=%d, want 0/1", st.offers, st.answers)
	}
	l, ok := f.m.Link("a")
	if !ok || l.State() != LinkConnected {
		t.Fatalf("link = %v %v, want connected", l, ok)
	}
	if l.Initiator {
		t.Fatalf("yielding side still marked as initiator")
	}
	if f.count(EventLinkNegotiationFailed) != 0 {
		t.Fatalf("events = %+v", f.events)
	}
	last := f.sent[len(f.sent)-1]
	if last.Type != protocol.TypeAnswer || last.ToID != "a" || last.FromID != "b" {
		t.Fatalf("last sent = %s to %s from %s, want answer b->a", last.Type, last.ToID, last.FromID)
	}

	// The answer to the abandoned offer may still arrive; it is stale.
	f.m.OnAnswer("a", protocol.DescriptionPayload{SDP: protocol.SDP{Type: "answer", SDP: "v=0"}})
	if f.count(EventLinkNegotiationFailed) != 0 || f.state("a") != LinkConnected {
		t.Fatalf("stale answer disturbed the link: %s %+v", f.state("a"), f.events)
	}
}

func TestGlareYieldKeepsBufferedCandidates(t *testing.T) {
	f := newManagerFixture("b")
	f.m.OnUserJoined("a")
	f.m.OnICECandidate("a", candidate(1))

	f.m.OnOffer("a", offerFromRemote)

	if got := f.conns["a"].stats().candidates; got != 1 {
		t.Fatalf("fresh connection got %d buffered candidates, want 1", got)
	}
}

// After a yield only the original offerer restarts ICE, so a later failure
// on both sides produces a single restart offer.
func TestGlareYieldLeavesSingleRestarter(t *testing.T) {
	small := newManagerFixture("a")
	large := newManagerFixture("b")
	small.m.OnUserJoined("b")
	large.m.OnUserJoined("a")
	small.m.OnOffer("b", offerFromRemote)
	large.m.OnOffer("a", offerFromRemote)

	for _, f := range []*managerFixture{small, large} {
		var remote domain.ParticipantID = "a"
		if f == small {
			remote = "b"
		}
		l, _ := f.m.Link(remote)
		f.m.sup.OnTransportState(l, core.TransportConnected)
		f.m.sup.OnTransportState(l, core.TransportFailed)
	}

	if got := small.conns["b"].stats().restartOffers; got != 1 {
		t.Fatalf("initiator restart offers = %d, want 1", got)
	}
	if got := large.conns["a"].stats().offers; got != 0 {
		t.Fatalf("yielding side offered %d times", got)
	}
	if small.state("b") != LinkOfferSent || large.state("a") != LinkReconnecting {
		t.Fatalf("states = %s / %s", small.state("b"), large.state("a"))
	}
}

func TestCandidatesBufferedUntilRemoteDescription(t *testing.T) {
	f := newManagerFixture("b")
	for i := 1; i <= 4; i++ {
		f.m.OnICECandidate("a", candidate(i))
	}
	if got := f.m.pending.len("a"); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}
	f.m.OnICECandidate("x", candidate(5))
	f.m.OnICECandidate("y", candidate(6))
	if got := f.m.pending.len("y"); got != 0 {
		t.Fatalf("third peer buffered %d candidates, want 0", got)
	}
	if f.m.pending.dropped != 3 {
		t.Fatalf("dropped = %d, want 3", f.m.pending.dropped)
	}

	f.m.OnOffer("a", offerFromRemote)

	c := f.conns["a"]
	c.mu.Lock()
	applied := append([]webrtc.ICECandidateInit(nil), c.candidates...)
	c.mu.Unlock()
	if len(applied) != 2 || applied[0].Candidate != candidate(1).Candidate || applied[1].Candidate != candidate(2).Candidate {
		t.Fatalf("applied %+v, want candidates 1 and 2 in order", applied)
	}
	if f.m.pending.len("a") != 0 {
		t.Fatalf("buffer not emptied after replay")
	}

	f.m.OnICECandidate("a", candidate(7))
	if got := c.stats().candidates; got != 3 {
		t.Fatalf("late candidate not applied directly: %d", got)
	}

	f.m.OnUserLeft("x")
	if f.m.pending.len("x") != 0 {
		t.Fatalf("candidates of a departed peer kept")
	}
}

func TestConnectionFactoryErrorFailsLink(t *testing.T) {
	f := newManagerFixture("a")
	f.newErr = errors.New("no ports")

	f.m.OnUserJoined("b")

	if _, ok := f.m.Link("b"); ok {
		t.Fatalf("link kept after factory error")
	}
	if len(f.events) != 1 || f.events[0].Kind != EventLinkNegotiationFailed || !errors.Is(f.events[0].Err, domain.ErrLinkNegotiationFailed) {
		t.Fatalf("events = %+v", f.events)
	}
}

func TestRejectedOfferClosesLink(t *testing.T) {
	f := newManagerFixture("b")
	f.acceptErr = errors.New("bad sdp")

	f.m.OnOffer("a", offerFromRemote)

	if _, ok := f.m.Link("a"); ok {
		t.Fatalf("link kept after rejected offer")
	}
	if !f.conns["a"].stats().closed {
		t.Fatalf("connection not closed")
	}
	if f.count(EventLinkNegotiationFailed) != 1 {
		t.Fatalf("events = %+v", f.events)
	}
	for _, msg := range f.sent {
		if msg.Type == protocol.TypeAnswer {
			t.Fatalf("answer sent for rejected offer")
		}
	}
}

func TestStaleLinkCallbacksIgnored(t *testing.T) {
	f := newManagerFixture("a")
	f.m.OnUserJoined("b")
	old := f.conns["b"]
	f.m.OnUserJoined("b")
	if f.conns["b"] == old {
		t.Fatalf("link not replaced")
	}
	if !old.stats().closed {
		t.Fatalf("replaced connection not closed")
	}

	old.setTransport(core.TransportFailed)
	f.flush()

	if f.count(EventLinkReconnecting) != 0 {
		t.Fatalf("failure of a replaced connection handled")
	}
	if got := f.state("b"); got != LinkOfferSent {
		t.Fatalf("current link state = %s, want offer-sent", got)
	}
}

func TestCloseAllClosesEveryLink(t *testing.T) {
	f := newManagerFixture("a")
	for _, id := range []domain.ParticipantID{"b", "c", "d"} {
		f.m.OnUserJoined(id)
	}
	f.m.OnICECandidate("e", candidate(1))

	f.m.CloseAll()

	if len(f.m.States()) != 0 {
		t.Fatalf("links left: %v", f.m.States())
	}
	for id, c := range f.conns {
		if !c.stats().closed {
			t.Fatalf("%s not closed", id)
		}
	}
	if f.m.pending.len("e") != 0 {
		t.Fatalf("pending candidates kept")
	}
}

func TestParticipantsListClosesVanishedLinks(t *testing.T) {
	f := newManagerFixture("a")
	f.m.OnUserJoined("b")
	f.m.OnUserJoined("c")

	f.m.OnParticipantsList([]domain.Participant{{ID: "b"}})

	if _, ok := f.m.Link("c"); ok {
		t.Fatalf("link to vanished participant kept")
	}
	if _, ok := f.m.Link("b"); !ok {
		t.Fatalf("link to present participant closed")
	}
}

func TestLinkTransitions(t *testing.T) {
	cases := []struct {
		from, to LinkState
		ok       bool
	}{
		{LinkIdle, LinkOfferSent, true},
		{LinkIdle, LinkOfferReceived, true},
		{LinkIdle, LinkConnected, false},
		{LinkOfferSent, LinkConnected, true},
		{LinkOfferSent, LinkOfferReceived, true},
		{LinkOfferReceived, LinkOfferSent, false},
		{LinkConnected, LinkOfferReceived, true},
		{LinkConnected, LinkOfferSent, false},
		{LinkConnected, LinkReconnecting, true},
		{LinkReconnecting, LinkOfferSent, true},
		{LinkReconnecting, LinkConnected, true},
		{LinkOfferSent, LinkClosed, true},
		{LinkClosed, LinkConnected, false},
		{LinkClosed, LinkReconnecting, false},
		{LinkClosed, LinkClosed, false},
	}
	for _, tc := range cases {
		t.Run(tc.from.String()+"->"+tc.to.String(), func(t *testing.T) {
			if got := canTransition(tc.from, tc.to); got != tc.ok {
				t.Fatalf("canTransition = %v, want %v", got, tc.ok)
			}
		})
	}
}
