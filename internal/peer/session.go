// Package peer is the participant side of a session: it joins through the
// relay and keeps one negotiated peer link per remote participant.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/media"
	"github.com/dkeye/meshcast/internal/protocol"
)

// RelayChannel is the participant's connection to the signaling relay.
// Messages is closed when the connection is lost. The caller owns the
// channel and closes it after Leave.
type RelayChannel interface {
	Send(protocol.Message) error
	Messages() <-chan protocol.Message
}

type JoinOptions struct {
	SessionID   domain.SessionID
	DisplayName string
	Role        domain.Role
	Video       bool
	Audio       bool

	Relay       RelayChannel
	Media       *media.Controller
	Connections ConnectionFactory
	// Clock drives join, restart and watchdog timers; nil means wall clock.
	Clock clock.Clock

	JoinTimeout     time.Duration
	GatherTimeout   time.Duration
	RestartTimeout  time.Duration
	FailureWindow   time.Duration
	CandidateBuffer int
	PendingPeers    int
	EventBuffer     int
}

func (o JoinOptions) withDefaults() JoinOptions {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.RestartTimeout <= 0 {
		o.RestartTimeout = 10 * time.Second
	}
	if o.FailureWindow <= 0 {
		o.FailureWindow = 30 * time.Second
	}
	if o.CandidateBuffer <= 0 {
		o.CandidateBuffer = 32
	}
	if o.PendingPeers <= 0 {
		o.PendingPeers = 64
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 64
	}
	return o
}

// SessionContext is a joined session. All state lives on one dispatch
// goroutine; the exported methods hand work to it and wait.
type SessionContext struct {
	id    domain.SessionID
	self  domain.Participant
	relay RelayChannel
	media *media.Controller

	mb      *mailbox
	manager *Manager
	roster  map[domain.ParticipantID]domain.Participant
	events  chan Event

	stopping  bool
	done      chan struct{}
	err       error
	leaveOnce sync.Once
	logger    zerolog.Logger
}

// JoinSession acquires local media, joins through the relay and waits for the
// current roster. Media is released on every error path.
func JoinSession(ctx context.Context, opts JoinOptions) (*SessionContext, error) {
	opts = opts.withDefaults()
	logger := log.With().Str("module", "peer.session").Str("session", string(opts.SessionID)).Logger()

	if _, err := opts.Media.Acquire(ctx, opts.Video, opts.Audio); err != nil {
		opts.Media.Release()
		return nil, err
	}
	fail := func(err error) (*SessionContext, error) {
		opts.Media.Release()
		return nil, err
	}

	if err := opts.Relay.Send(protocol.NewJoin(opts.SessionID, opts.DisplayName, opts.Role)); err != nil {
		if errors.Is(err, domain.ErrMalformed) || errors.Is(err, domain.ErrRelayUnavailable) {
			return fail(err)
		}
		return fail(fmt.Errorf("send join: %w: %v", domain.ErrRelayUnavailable, err))
	}

	list, early, err := awaitRoster(ctx, opts)
	if err != nil {
		// The relay may have admitted us after we stopped waiting.
		if lerr := opts.Relay.Send(protocol.NewLeave(opts.SessionID, "")); lerr != nil {
			logger.Debug().Err(lerr).Msg("leave after failed join not sent")
		}
		return fail(err)
	}

	s := &SessionContext{
		id:     opts.SessionID,
		self:   list.Self,
		relay:  opts.Relay,
		media:  opts.Media,
		mb:     newMailbox(),
		roster: make(map[domain.ParticipantID]domain.Participant, len(list.Participants)),
		events: make(chan Event, opts.EventBuffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("self", string(list.Self.ID)).Logger(),
	}
	s.manager = newManager(managerDeps{
		self:            list.Self.ID,
		session:         opts.SessionID,
		send:            opts.Relay.Send,
		newConn:         opts.Connections,
		tracks:          s.outgoingTracks,
		post:            s.mb.push,
		emit:            s.emit,
		candidateBuffer: opts.CandidateBuffer,
		pendingPeers:    opts.PendingPeers,
	})
	s.manager.sup = &Supervisor{
		clock:          opts.Clock,
		restartTimeout: opts.RestartTimeout,
		failureWindow:  opts.FailureWindow,
		gatherTimeout:  opts.GatherTimeout,
		m:              s.manager,
	}

	s.onParticipantsList(list)
	for _, msg := range early {
		s.handle(msg)
	}
	s.logger.Info().Int("participants", len(list.Participants)).Msg("joined session")
	go s.run()
	return s, nil
}

func awaitRoster(ctx context.Context, opts JoinOptions) (protocol.ParticipantsListPayload, []protocol.Message, error) {
	timer := opts.Clock.Timer(opts.JoinTimeout)
	defer timer.Stop()

	var early []protocol.Message
	for {
		select {
		case <-ctx.Done():
			return protocol.ParticipantsListPayload{}, nil, ctx.Err()
		case <-timer.C:
			return protocol.ParticipantsListPayload{}, nil, fmt.Errorf("no participants-list after %s: %w", opts.JoinTimeout, domain.ErrRelayUnavailable)
		case msg, ok := <-opts.Relay.Messages():
			if !ok {
				return protocol.ParticipantsListPayload{}, nil, fmt.Errorf("relay closed during join: %w", domain.ErrRelayUnavailable)
			}
			switch msg.Type {
			case protocol.TypeParticipantsList:
				if msg.SessionID != opts.SessionID {
					continue
				}
				list, err := msg.ParticipantsList()
				return list, early, err
			case protocol.TypeError:
				info, err := msg.ErrorInfo()
				if err != nil {
					return protocol.ParticipantsListPayload{}, nil, err
				}
				if info.Code == protocol.CodeUnauthorized {
					return protocol.ParticipantsListPayload{}, nil, fmt.Errorf("%s: %w", info.Message, domain.ErrUnauthorized)
				}
				return protocol.ParticipantsListPayload{}, nil, fmt.Errorf("join rejected: %s: %s", info.Code, info.Message)
			default:
				early = append(early, msg)
			}
		}
	}
}

func (s *SessionContext) run() {
	defer close(s.done)
	defer close(s.events)
	for !s.stopping {
		select {
		case <-s.mb.notify:
			for _, fn := range s.mb.drain() {
				fn()
			}
		case msg, ok := <-s.relay.Messages():
			if !ok {
				s.relayLost()
				continue
			}
			s.handle(msg)
		}
	}
	s.logger.Info().Msg("session loop stopped")
}

// call runs fn on the dispatch goroutine and waits for it.
func (s *SessionContext) call(fn func()) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}
	finished := make(chan struct{})
	s.mb.push(func() {
		defer close(finished)
		if !s.stopping {
			fn()
		}
	})
	select {
	case <-finished:
		return nil
	case <-s.done:
		return domain.ErrSessionClosed
	}
}

func (s *SessionContext) handle(msg protocol.Message) {
	if msg.SessionID != s.id && msg.Type != protocol.TypeError {
		s.logger.Debug().Str("type", string(msg.Type)).Str("for", string(msg.SessionID)).Msg("message for another session dropped")
		return
	}
	if msg.Type.Addressed() && msg.ToID != s.self.ID {
		s.logger.Debug().Str("type", string(msg.Type)).Str("to", string(msg.ToID)).Msg("misaddressed message dropped")
		return
	}
	var err error
	switch msg.Type {
	case protocol.TypeParticipantsList:
		var list protocol.ParticipantsListPayload
		if list, err = msg.ParticipantsList(); err == nil {
			s.onParticipantsList(list)
		}
	case protocol.TypeUserJoined:
		var p protocol.UserJoinedPayload
		if p, err = msg.UserJoined(); err == nil && p.Participant.ID != s.self.ID {
			s.roster[p.Participant.ID] = p.Participant
			s.manager.OnUserJoined(p.Participant.ID)
			joined := p.Participant
			s.emit(Event{Kind: EventParticipantJoined, Remote: joined.ID, Participant: &joined})
		}
	case protocol.TypeUserLeft:
		var p protocol.UserLeftPayload
		if p, err = msg.UserLeft(); err == nil {
			delete(s.roster, p.ParticipantID)
			s.manager.OnUserLeft(p.ParticipantID)
			s.emit(Event{Kind: EventPeerLeft, Remote: p.ParticipantID})
		}
	case protocol.TypeOffer:
		var p protocol.DescriptionPayload
		if p, err = msg.Description(); err == nil {
			s.manager.OnOffer(msg.FromID, p)
		}
	case protocol.TypeAnswer:
		var p protocol.DescriptionPayload
		if p, err = msg.Description(); err == nil {
			s.manager.OnAnswer(msg.FromID, p)
		}
	case protocol.TypeICECandidate:
		var p protocol.CandidatePayload
		if p, err = msg.Candidate(); err == nil {
			s.manager.OnICECandidate(msg.FromID, p.Candidate)
		}
	case protocol.TypeToggleMedia:
		var p protocol.ToggleMediaPayload
		if p, err = msg.ToggleMedia(); err == nil {
			if rp, ok := s.roster[msg.FromID]; ok {
				rp.Media.Set(p.Kind, p.Enabled)
				s.roster[msg.FromID] = rp
				s.emit(Event{Kind: EventMediaToggled, Remote: msg.FromID, Participant: &rp})
			}
		}
	case protocol.TypeScreenShareStart, protocol.TypeScreenShareStop:
		if rp, ok := s.roster[msg.FromID]; ok {
			rp.ScreenSharing = msg.Type == protocol.TypeScreenShareStart
			s.roster[msg.FromID] = rp
			s.emit(Event{Kind: EventScreenShareChanged, Remote: msg.FromID, Participant: &rp})
		}
	case protocol.TypeError:
		if info, ierr := msg.ErrorInfo(); ierr == nil {
			s.logger.Warn().Str("code", info.Code).Str("message", info.Message).Msg("relay error")
		}
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("bad message dropped")
	}
}

func (s *SessionContext) onParticipantsList(list protocol.ParticipantsListPayload) {
	s.self = list.Self
	s.roster = make(map[domain.ParticipantID]domain.Participant, len(list.Participants))
	for _, p := range list.Participants {
		if p.ID != s.self.ID {
			s.roster[p.ID] = p
		}
	}
	s.manager.OnParticipantsList(list.Participants)
}

func (s *SessionContext) relayLost() {
	s.logger.Error().Msg("relay connection lost")
	s.emit(Event{Kind: EventRelayUnavailable, Err: domain.ErrRelayUnavailable})
	s.teardown(domain.ErrRelayUnavailable)
}

func (s *SessionContext) teardown(err error) {
	s.manager.CloseAll()
	s.media.Release()
	s.err = err
	s.stopping = true
}

func (s *SessionContext) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("event", ev.Kind.String()).Str("remote", string(ev.Remote)).Msg("event buffer full, dropped")
	}
}

func (s *SessionContext) outgoingTracks() (audio, video webrtc.TrackLocal) {
	st := s.media.State()
	if st.Mic != nil {
		audio = st.Mic.Track
	}
	if v := s.media.OutgoingVideo(); v != nil {
		video = v.Track
	}
	return audio, video
}

// Leave sends leave, closes every link and releases local media. It returns
// once everything is torn down and is safe to call more than once.
func (s *SessionContext) Leave() {
	s.leaveOnce.Do(func() {
		_ = s.call(func() {
			if err := s.relay.Send(protocol.NewLeave(s.id, s.self.ID)); err != nil {
				s.logger.Warn().Err(err).Msg("leave not delivered")
			}
			s.teardown(nil)
		})
		<-s.done
		s.logger.Info().Msg("left session")
	})
}

// ToggleMedia mutes or unmutes a local track and tells the others. It never
// renegotiates.
func (s *SessionContext) ToggleMedia(kind domain.MediaKind, enabled bool) error {
	var err error
	if cerr := s.call(func() {
		if err = s.media.SetEnabled(kind, enabled); err != nil {
			return
		}
		s.self.Media.Set(kind, enabled)
		err = s.relay.Send(protocol.NewToggleMedia(s.id, s.self.ID, kind, enabled))
	}); cerr != nil {
		return cerr
	}
	return err
}

// StartScreenShare swaps the screen in for the camera on every link.
func (s *SessionContext) StartScreenShare(ctx context.Context) error {
	select {
	case <-s.done:
		return domain.ErrSessionClosed
	default:
	}
	track, err := s.media.AcquireScreenShare(ctx)
	if err != nil {
		return err
	}
	if cerr := s.call(func() {
		s.manager.ReplaceOutgoingVideoTrack(track.Track)
		s.self.ScreenSharing = true
		err = s.relay.Send(protocol.NewScreenShare(s.id, s.self.ID, true))
	}); cerr != nil {
		s.media.StopScreenShare()
		return cerr
	}
	return err
}

// StopScreenShare puts the camera (or nothing) back on every link.
func (s *SessionContext) StopScreenShare() error {
	var err error
	if cerr := s.call(func() {
		var video webrtc.TrackLocal
		if cam := s.media.State().Camera; cam != nil {
			video = cam.Track
		}
		s.manager.ReplaceOutgoingVideoTrack(video)
		s.media.StopScreenShare()
		s.self.ScreenSharing = false
		err = s.relay.Send(protocol.NewScreenShare(s.id, s.self.ID, false))
	}); cerr != nil {
		return cerr
	}
	return err
}

func (s *SessionContext) ID() domain.SessionID { return s.id }

func (s *SessionContext) Self() domain.Participant {
	var p domain.Participant
	if err := s.call(func() { p = s.self }); err != nil {
		return domain.Participant{}
	}
	return p
}

// Events is closed once the session is torn down.
func (s *SessionContext) Events() <-chan Event { return s.events }

// Participants returns the other members, sorted by id.
func (s *SessionContext) Participants() []domain.Participant {
	var out []domain.Participant
	_ = s.call(func() {
		out = make([]domain.Participant, 0, len(s.roster))
		for _, p := range s.roster {
			out = append(out, p)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *SessionContext) LinkStates() map[domain.ParticipantID]LinkState {
	var out map[domain.ParticipantID]LinkState
	_ = s.call(func() { out = s.manager.States() })
	return out
}

func (s *SessionContext) Done() <-chan struct{} { return s.done }

// Err is nil while running or after Leave, and domain.ErrRelayUnavailable
// after relay loss.
func (s *SessionContext) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}
