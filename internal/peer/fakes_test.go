package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshcast/internal/adapters/loopback"
	"github.com/dkeye/meshcast/internal/app"
	"github.com/dkeye/meshcast/internal/app/orch"
	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/media"
)

const testSession = domain.SessionID("S")

// fakeConn models the signaling state of a peer connection. Like pion it
// refuses a remote offer while its own offer is pending and has no local
// rollback. It reports the transport connected as soon as both descriptions
// are applied, unless held.
type fakeConn struct {
	local, remote domain.ParticipantID

	mu            sync.Mutex
	signaling     webrtc.SignalingState
	remoteSet     bool
	offers        int
	restartOffers int
	answers       int
	replaces      int
	candidates    []webrtc.ICECandidateInit
	tracks        map[domain.MediaKind]webrtc.TrackLocal
	closed        bool
	hold          bool
	acceptErr     error

	onICE   func(webrtc.ICECandidateInit)
	onState func(core.TransportState)
}

func newFakeConn(local, remote domain.ParticipantID) *fakeConn {
	return &fakeConn{
		local:     local,
		remote:    remote,
		signaling: webrtc.SignalingStateStable,
		tracks:    make(map[domain.MediaKind]webrtc.TrackLocal),
	}
}

func (c *fakeConn) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.SessionDescription{}, errors.New("closed")
	}
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	c.offers++
	if iceRestart {
		c.restartOffers++
	}
	c.gatherLocked()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("v=0 offer %s>%s #%d", c.local, c.remote, c.offers)}, nil
}

func (c *fakeConn) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acceptErr != nil {
		return webrtc.SessionDescription{}, c.acceptErr
	}
	if c.signaling == webrtc.SignalingStateHaveLocalOffer {
		return webrtc.SessionDescription{}, errors.New("offer while have-local-offer")
	}
	c.signaling = webrtc.SignalingStateStable
	c.remoteSet = true
	c.answers++
	c.gatherLocked()
	c.connectLocked()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: fmt.Sprintf("v=0 answer %s>%s", c.local, c.remote)}, nil
}

func (c *fakeConn) AcceptAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("answer without offer")
	}
	c.signaling = webrtc.SignalingStateStable
	c.remoteSet = true
	c.connectLocked()
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remoteSet {
		return errors.New("remote description not set")
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *fakeConn) AttachTrack(kind domain.MediaKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracks[kind] = track
	return nil
}

func (c *fakeConn) ReplaceTrack(kind domain.MediaKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tracks[kind]; !ok {
		return errors.New("no sender")
	}
	c.tracks[kind] = track
	c.replaces++
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnStateChange(fn func(core.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *fakeConn) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		go fn(core.TransportClosed)
	}
	return nil
}

// setTransport injects a transport state change, as the ICE agent would.
func (c *fakeConn) setTransport(st core.TransportState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	fn(st)
}

func (c *fakeConn) setHold(hold bool) {
	c.mu.Lock()
	c.hold = hold
	c.mu.Unlock()
}

func (c *fakeConn) gatherLocked() {
	if fn := c.onICE; fn != nil {
		cand := webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s 1 udp 1 10.0.0.1 5000 typ host", c.local)}
		go fn(cand)
	}
}

func (c *fakeConn) connectLocked() {
	if fn := c.onState; fn != nil && !c.hold {
		go fn(core.TransportConnected)
	}
}

type connStats struct {
	offers, restartOffers, answers, replaces, candidates int
	closed                                               bool
	video                                                webrtc.TrackLocal
}

func (c *fakeConn) stats() connStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return connStats{
		offers:        c.offers,
		restartOffers: c.restartOffers,
		answers:       c.answers,
		replaces:      c.replaces,
		candidates:    len(c.candidates),
		closed:        c.closed,
		video:         c.tracks[domain.MediaVideo],
	}
}

// fakeNet hands out fakeConns and remembers the latest one per direction.
type fakeNet struct {
	mu    sync.Mutex
	conns map[[2]domain.ParticipantID]*fakeConn
	hold  map[domain.ParticipantID]bool
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		conns: make(map[[2]domain.ParticipantID]*fakeConn),
		hold:  make(map[domain.ParticipantID]bool),
	}
}

func (n *fakeNet) factory(local domain.ParticipantID) ConnectionFactory {
	return func(remote domain.ParticipantID) (core.PeerConnection, error) {
		c := newFakeConn(local, remote)
		n.mu.Lock()
		c.hold = n.hold[local]
		n.conns[[2]domain.ParticipantID{local, remote}] = c
		n.mu.Unlock()
		return c, nil
	}
}

func (n *fakeNet) conn(local, remote domain.ParticipantID) *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[[2]domain.ParticipantID{local, remote}]
}

func (n *fakeNet) holdAll(local domain.ParticipantID) {
	n.mu.Lock()
	n.hold[local] = true
	n.mu.Unlock()
}

type harness struct {
	t        *testing.T
	relay    *orch.SignalingRelay
	sessions *app.SessionManager
	net      *fakeNet
	clock    *clock.Mock
	tune     func(*JoinOptions)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, nil)
}

func newHarnessWith(t *testing.T, authz core.Authorizer) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sessions := app.NewSessionManager(ctx)
	return &harness{
		t:        t,
		relay:    orch.New(app.NewRegistry(), sessions, app.SimplePolicy{}, authz),
		sessions: sessions,
		net:      newFakeNet(),
		clock:    clock.NewMock(),
	}
}

type member struct {
	*SessionContext
	id    domain.ParticipantID
	wire  *loopback.Conn
	media *media.Controller
}

func (h *harness) options(id domain.ParticipantID, wire RelayChannel, ctl *media.Controller) JoinOptions {
	opts := JoinOptions{
		SessionID:       testSession,
		DisplayName:     string(id),
		Role:            domain.RoleAttendee,
		Video:           true,
		Audio:           true,
		Relay:           wire,
		Media:           ctl,
		Connections:     h.net.factory(id),
		Clock:           h.clock,
		RestartTimeout:  10 * time.Second,
		FailureWindow:   30 * time.Second,
		CandidateBuffer: 8,
		PendingPeers:    8,
		EventBuffer:     256,
	}
	if h.tune != nil {
		h.tune(&opts)
	}
	return opts
}

func (h *harness) join(id domain.ParticipantID) *member {
	h.t.Helper()
	m, err := h.tryJoin(id, media.IdleDevices{})
	if err != nil {
		h.t.Fatalf("join %s: %v", id, err)
	}
	return m
}

// tryJoin returns the member even on error so callers can inspect its media.
func (h *harness) tryJoin(id domain.ParticipantID, devices media.Devices) (*member, error) {
	wire := loopback.Dial(h.relay, id, 256)
	h.t.Cleanup(func() { _ = wire.Close() })
	ctl := media.NewController(devices)
	m := &member{id: id, wire: wire, media: ctl}
	s, err := JoinSession(context.Background(), h.options(id, wire, ctl))
	if err != nil {
		return m, err
	}
	h.t.Cleanup(s.Leave)
	m.SessionContext = s
	return m, nil
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitEvent consumes events until one of kind for remote shows up.
func waitEvent(t *testing.T, m *member, kind EventKind, remote domain.ParticipantID) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-m.Events():
			if !ok {
				t.Fatalf("%s: events closed while waiting for %s", m.id, kind)
			}
			if ev.Kind == kind && ev.Remote == remote {
				return ev
			}
		case <-timeout:
			t.Fatalf("%s: timed out waiting for %s from %s", m.id, kind, remote)
		}
	}
}

func allConnected(m *member, want int) func() bool {
	return func() bool {
		states := m.LinkStates()
		if len(states) != want {
			return false
		}
		for _, st := range states {
			if st != LinkConnected {
				return false
			}
		}
		return true
	}
}
