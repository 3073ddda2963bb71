package orch_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/mock/gomock"

	"github.com/dkeye/meshcast/internal/app"
	"github.com/dkeye/meshcast/internal/app/orch"
	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/core/mocks"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

const room = domain.SessionID("room-1")

type fakeConn struct {
	mu       sync.Mutex
	frames   []protocol.Message
	full     bool
	canceled bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("buffer full")
	}
	msg, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, msg)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) ofType(t protocol.Type) []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.Message
	for _, m := range c.frames {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (c *fakeConn) wasCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}

type fixture struct {
	relay    *orch.SignalingRelay
	sessions *app.SessionManager
}

func newFixture(t *testing.T, authz core.Authorizer) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sessions := app.NewSessionManager(ctx)
	return &fixture{relay: orch.New(app.NewRegistry(), sessions, app.SimplePolicy{}, authz), sessions: sessions}
}

func (f *fixture) connect(id domain.ParticipantID) *fakeConn {
	c := &fakeConn{}
	f.relay.Connect(id, c, func() {
		c.mu.Lock()
		c.canceled = true
		c.mu.Unlock()
	})
	return c
}

func (f *fixture) join(t *testing.T, id domain.ParticipantID, session domain.SessionID) {
	t.Helper()
	if err := f.relay.Join(context.Background(), id, protocol.NewJoin(session, string(id), domain.RoleAttendee)); err != nil {
		t.Fatalf("join %s: %v", id, err)
	}
}

func mustList(t *testing.T, c *fakeConn) protocol.ParticipantsListPayload {
	t.Helper()
	lists := c.ofType(protocol.TypeParticipantsList)
	if len(lists) == 0 {
		t.Fatal("no participants-list received")
	}
	p, err := lists[len(lists)-1].ParticipantsList()
	if err != nil {
		t.Fatalf("decode list: %v", err)
	}
	return p
}

func TestJoinSendsListAndAnnounces(t *testing.T) {
	f := newFixture(t, nil)
	a, b := f.connect("a"), f.connect("b")

	f.join(t, "a", room)
	if got := mustList(t, a); got.Self.ID != "a" || len(got.Participants) != 0 {
		t.Fatalf("first joiner list = %+v", got)
	}

	f.join(t, "b", room)
	list := mustList(t, b)
	if len(list.Participants) != 1 || list.Participants[0].ID != "a" {
		t.Fatalf("second joiner list = %+v", list)
	}
	joined := a.ofType(protocol.TypeUserJoined)
	if len(joined) != 1 {
		t.Fatalf("a got %d user-joined, want 1", len(joined))
	}
	p, err := joined[0].UserJoined()
	if err != nil || p.Participant.ID != "b" {
		t.Fatalf("user-joined payload = %+v, %v", p, err)
	}
	if len(b.ofType(protocol.TypeUserJoined)) != 0 {
		t.Fatal("joiner must not see its own user-joined")
	}
}

func TestRejoinIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("a")
	b := f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)
	f.join(t, "a", room)

	if n := len(b.ofType(protocol.TypeUserJoined)); n != 0 {
		t.Fatalf("b got %d user-joined after rejoin, want 0", n)
	}
	s, ok := f.sessions.Get(room)
	if !ok || s.MemberCount() != 2 {
		t.Fatalf("member count wrong: ok=%v", ok)
	}
}

func TestRelayAddressedOverwritesSender(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("a")
	b, c := f.connect("b"), f.connect("c")
	for _, id := range []domain.ParticipantID{"a", "b", "c"} {
		f.join(t, id, room)
	}

	offer := protocol.NewDescription(protocol.TypeOffer, room, "mallory", "b", protocol.SDP{Type: "offer", SDP: "v=0"}, false)
	f.relay.Dispatch(context.Background(), "a", offer)

	got := b.ofType(protocol.TypeOffer)
	if len(got) != 1 || got[0].FromID != "a" {
		t.Fatalf("b offers = %+v", got)
	}
	if len(c.ofType(protocol.TypeOffer)) != 0 {
		t.Fatal("addressed message leaked to c")
	}
}

func TestRelayToAbsentRecipientDropped(t *testing.T) {
	f := newFixture(t, nil)
	a := f.connect("a")
	f.join(t, "a", room)

	f.relay.Relay("a", protocol.NewICECandidate(room, "a", "ghost", protocol.Candidate{Candidate: "candidate:1"}))
	if n := len(a.ofType(protocol.TypeError)); n != 0 {
		t.Fatalf("sender got %d errors for absent recipient", n)
	}
}

func TestRelayRejections(t *testing.T) {
	tests := []struct {
		name   string
		joined bool
		msg    protocol.Message
		code   string
	}{
		{"before join", false, protocol.NewToggleMedia(room, "a", domain.MediaAudio, false), protocol.CodeNotJoined},
		{"other session", true, protocol.NewToggleMedia("elsewhere", "a", domain.MediaAudio, false), protocol.CodeNotJoined},
		{"relay-only type", true, protocol.NewUserLeft(room, "a"), protocol.CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			a := f.connect("a")
			if tt.joined {
				f.join(t, "a", room)
			}
			f.relay.Dispatch(context.Background(), "a", tt.msg)
			errs := a.ofType(protocol.TypeError)
			if len(errs) != 1 {
				t.Fatalf("got %d error replies, want 1", len(errs))
			}
			info, err := errs[0].ErrorInfo()
			if err != nil || info.Code != tt.code {
				t.Fatalf("error reply = %+v, %v; want code %s", info, err, tt.code)
			}
		})
	}
}

func TestLeaveBroadcastsAndDestroysEmptySession(t *testing.T) {
	f := newFixture(t, nil)
	a := f.connect("a")
	f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)

	f.relay.Dispatch(context.Background(), "b", protocol.NewLeave(room, "b"))
	left := a.ofType(protocol.TypeUserLeft)
	if len(left) != 1 || left[0].FromID != "b" {
		t.Fatalf("a user-left = %+v", left)
	}

	s, _ := f.sessions.Get(room)
	f.relay.Leave("a")
	if _, ok := f.sessions.Get(room); ok {
		t.Fatal("empty session still registered")
	}
	<-s.Done()
}

func TestReconnectEndsPreviousMembership(t *testing.T) {
	f := newFixture(t, nil)
	old := f.connect("a")
	b := f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)

	fresh := f.connect("a")
	if !old.wasCanceled() {
		t.Fatal("replaced connection not canceled")
	}
	left := b.ofType(protocol.TypeUserLeft)
	if len(left) != 1 || left[0].FromID != "a" {
		t.Fatalf("b user-left = %+v", left)
	}

	f.relay.Disconnect("a", old)
	if n := len(b.ofType(protocol.TypeUserLeft)); n != 1 {
		t.Fatalf("stale disconnect broadcast again: user-left = %d", n)
	}

	f.join(t, "a", room)
	if n := len(b.ofType(protocol.TypeUserJoined)); n != 2 {
		t.Fatalf("b user-joined = %d, want 2", n)
	}
	if list := mustList(t, fresh); len(list.Participants) != 1 || list.Participants[0].ID != "b" {
		t.Fatalf("fresh list = %+v", list)
	}

	f.relay.Relay("b", protocol.NewToggleMedia(room, "b", domain.MediaVideo, false))
	if len(fresh.ofType(protocol.TypeToggleMedia)) != 1 {
		t.Fatal("roster still points at the replaced handle")
	}
	if len(old.ofType(protocol.TypeToggleMedia)) != 0 {
		t.Fatal("replaced handle still receives relays")
	}

	f.relay.Disconnect("a", fresh)
	if n := len(b.ofType(protocol.TypeUserLeft)); n != 2 {
		t.Fatalf("b user-left = %d, want 2", n)
	}
}

func TestLeaveBoundToReplacedHandleIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	old := f.connect("a")
	b := f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)

	f.connect("a")
	f.join(t, "a", room)
	before := len(b.ofType(protocol.TypeUserLeft))

	// A disconnect that passed its registry check before the rebind.
	orch.LeaveBound(f.relay, "a", old)
	if n := len(b.ofType(protocol.TypeUserLeft)); n != before {
		t.Fatalf("user-left = %d, want %d", n, before)
	}
	if got, ok := f.relay.Registry.SessionOf("a"); !ok || got != room {
		t.Fatalf("session association = %q, %v", got, ok)
	}
}

func TestLeaveForOtherSessionIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("a")
	b := f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)

	f.relay.Dispatch(context.Background(), "a", protocol.NewLeave("room-2", "a"))
	if n := len(b.ofType(protocol.TypeUserLeft)); n != 0 {
		t.Fatalf("leave for another session removed member: user-left = %d", n)
	}

	f.relay.Dispatch(context.Background(), "a", protocol.NewLeave(room, "a"))
	if n := len(b.ofType(protocol.TypeUserLeft)); n != 1 {
		t.Fatalf("user-left = %d, want 1", n)
	}
}

func TestMediaFlagsTrackedForLateJoiners(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("a")
	c := f.connect("c")
	f.join(t, "a", room)
	f.relay.Relay("a", protocol.NewToggleMedia(room, "a", domain.MediaVideo, false))
	f.relay.Relay("a", protocol.NewScreenShare(room, "a", true))
	f.join(t, "c", room)

	list := mustList(t, c)
	if len(list.Participants) != 1 {
		t.Fatalf("list = %+v", list)
	}
	p := list.Participants[0]
	if p.Media.VideoEnabled || !p.Media.AudioEnabled || !p.ScreenSharing {
		t.Fatalf("late joiner sees %+v", p)
	}
}

func TestSlowMemberIsKicked(t *testing.T) {
	f := newFixture(t, nil)
	a := f.connect("a")
	b := f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()
	f.relay.Relay("a", protocol.NewToggleMedia(room, "a", domain.MediaAudio, false))

	if !b.wasCanceled() {
		t.Fatal("slow member not canceled")
	}
	if n := len(a.ofType(protocol.TypeUserLeft)); n != 1 {
		t.Fatalf("a user-left = %d, want 1", n)
	}
}

func TestJoinOtherSessionLeavesPrevious(t *testing.T) {
	f := newFixture(t, nil)
	f.connect("a")
	b := f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)
	f.join(t, "a", "room-2")

	if n := len(b.ofType(protocol.TypeUserLeft)); n != 1 {
		t.Fatalf("b user-left = %d, want 1", n)
	}
	if s, ok := f.sessions.Get("room-2"); !ok || s.MemberCount() != 1 {
		t.Fatal("a is not in room-2")
	}
}

func TestJoinAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		allowed bool
		err     error
		code    string
	}{
		{"denied", false, nil, protocol.CodeUnauthorized},
		{"lookup failure", false, errors.New("directory down"), protocol.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			authz := mocks.NewMockAuthorizer(ctrl)
			authz.EXPECT().IsAuthorized(gomock.Any(), domain.ParticipantID("a"), room).Return(tt.allowed, tt.err)

			f := newFixture(t, authz)
			a := f.connect("a")
			err := f.relay.Join(context.Background(), "a", protocol.NewJoin(room, "Ann", domain.RoleInitiator))
			if err == nil {
				t.Fatal("join succeeded")
			}
			errs := a.ofType(protocol.TypeError)
			if len(errs) != 1 {
				t.Fatalf("got %d error replies", len(errs))
			}
			if info, _ := errs[0].ErrorInfo(); info.Code != tt.code {
				t.Fatalf("code = %s, want %s", info.Code, tt.code)
			}
			if _, ok := f.sessions.Get(room); ok {
				t.Fatal("session created for rejected join")
			}
		})
	}
}

func TestEvictSession(t *testing.T) {
	f := newFixture(t, nil)
	a, b := f.connect("a"), f.connect("b")
	f.join(t, "a", room)
	f.join(t, "b", room)

	f.relay.EvictSession(room)
	if !a.wasCanceled() || !b.wasCanceled() {
		t.Fatal("members not canceled")
	}
	if _, ok := f.sessions.Get(room); ok {
		t.Fatal("evicted session still registered")
	}
}
