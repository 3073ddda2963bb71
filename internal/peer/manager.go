package peer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

// ConnectionFactory opens the peer connection toward one remote participant.
type ConnectionFactory func(remote domain.ParticipantID) (core.PeerConnection, error)

// Manager keeps one Link per remote participant. It is not safe for
// concurrent use: every method runs on the session's dispatch goroutine, and
// connection callbacks are funnelled back there through post.
type Manager struct {
	self    domain.ParticipantID
	session domain.SessionID

	send    func(protocol.Message) error
	newConn ConnectionFactory
	tracks  func() (audio, video webrtc.TrackLocal)
	post    func(func())
	emit    func(Event)
	sup     *Supervisor

	links   map[domain.ParticipantID]*Link
	pending *candidateBuffer
	gen     uint64
	logger  zerolog.Logger
}

type managerDeps struct {
	self            domain.ParticipantID
	session         domain.SessionID
	send            func(protocol.Message) error
	newConn         ConnectionFactory
	tracks          func() (audio, video webrtc.TrackLocal)
	post            func(func())
	emit            func(Event)
	candidateBuffer int
	pendingPeers    int
}

func newManager(d managerDeps) *Manager {
	return &Manager{
		self:    d.self,
		session: d.session,
		send:    d.send,
		newConn: d.newConn,
		tracks:  d.tracks,
		post:    d.post,
		emit:    d.emit,
		links:   make(map[domain.ParticipantID]*Link),
		pending: newCandidateBuffer(d.candidateBuffer, d.pendingPeers),
		logger:  log.With().Str("module", "peer.manager").Str("self", string(d.self)).Str("session", string(d.session)).Logger(),
	}
}

func (m *Manager) Link(remote domain.ParticipantID) (*Link, bool) {
	l, ok := m.links[remote]
	return l, ok
}

func (m *Manager) States() map[domain.ParticipantID]LinkState {
	out := make(map[domain.ParticipantID]LinkState, len(m.links))
	for id, l := range m.links {
		out[id] = l.state
	}
	return out
}

// OnParticipantsList records the roster seen at join. The local side is the
// newcomer, so it never offers; links to ids no longer present are closed.
func (m *Manager) OnParticipantsList(others []domain.Participant) {
	present := make(map[domain.ParticipantID]struct{}, len(others))
	for _, p := range others {
		present[p.ID] = struct{}{}
	}
	for id := range m.links {
		if _, ok := present[id]; !ok {
			m.CloseLink(id)
		}
	}
}

// OnUserJoined makes the established side offer toward the newcomer.
func (m *Manager) OnUserJoined(remote domain.ParticipantID) {
	if remote == m.self {
		return
	}
	if _, ok := m.links[remote]; ok {
		m.logger.Info().Str("remote", string(remote)).Msg("replacing stale link")
		m.CloseLink(remote)
	}
	l, err := m.newLink(remote, true)
	if err != nil {
		m.negotiationFailed(remote, err)
		return
	}
	if err := m.offer(l, false); err != nil {
		m.fail(l, err)
	}
}

func (m *Manager) OnOffer(from domain.ParticipantID, p protocol.DescriptionPayload) {
	offer, err := p.SDP.ToPion()
	if err != nil {
		m.logger.Warn().Err(err).Str("remote", string(from)).Msg("bad offer dropped")
		return
	}

	l := m.links[from]
	if l != nil && l.state == LinkOfferSent {
		if m.self < from {
			m.logger.Info().Str("remote", string(from)).Msg("glare: keeping own offer")
			return
		}
		// The pending offer cannot be rolled back, so the connection is
		// replaced and this side becomes the answerer.
		m.closeLink(l)
		l = nil
		m.logger.Info().Str("remote", string(from)).Msg("glare: yielding to remote offer")
	}
	if l == nil {
		if l, err = m.newLink(from, false); err != nil {
			m.negotiationFailed(from, err)
			return
		}
	}

	l.setState(LinkOfferReceived)
	answer, err := l.conn.AcceptOffer(offer)
	if err != nil {
		m.fail(l, fmt.Errorf("accept offer: %w", err))
		return
	}
	m.remoteDescriptionSet(l)
	msg := protocol.NewDescription(protocol.TypeAnswer, m.session, m.self, from, protocol.SDPFromPion(answer), false)
	if err := m.send(msg); err != nil {
		m.fail(l, fmt.Errorf("send answer: %w", err))
		return
	}
	l.setState(LinkConnected)
}

func (m *Manager) OnAnswer(from domain.ParticipantID, p protocol.DescriptionPayload) {
	l := m.links[from]
	if l == nil || l.state != LinkOfferSent {
		m.logger.Debug().Str("remote", string(from)).Msg("stale answer ignored")
		return
	}
	answer, err := p.SDP.ToPion()
	if err != nil {
		m.fail(l, err)
		return
	}
	if err := l.conn.AcceptAnswer(answer); err != nil {
		m.fail(l, fmt.Errorf("accept answer: %w", err))
		return
	}
	m.remoteDescriptionSet(l)
	l.setState(LinkConnected)
}

func (m *Manager) OnICECandidate(from domain.ParticipantID, c protocol.Candidate) {
	if l := m.links[from]; l != nil && l.remoteDescSet {
		if err := l.conn.AddICECandidate(c.ToPion()); err != nil {
			m.logger.Warn().Err(err).Str("remote", string(from)).Msg("candidate discarded")
		}
		return
	}
	if !m.pending.push(from, c.ToPion()) {
		m.logger.Warn().Str("remote", string(from)).Uint64("dropped", m.pending.dropped).Msg("candidate buffer full, discarded")
	}
}

// OnUserLeft closes the link without any reconnection attempt.
func (m *Manager) OnUserLeft(remote domain.ParticipantID) {
	m.CloseLink(remote)
	m.pending.drop(remote)
}

// ReplaceOutgoingVideoTrack swaps the video sender's track on every live
// link in place. No offer or answer is exchanged.
func (m *Manager) ReplaceOutgoingVideoTrack(track webrtc.TrackLocal) {
	for id, l := range m.links {
		if err := l.conn.ReplaceTrack(domain.MediaVideo, track); err != nil {
			m.logger.Warn().Err(err).Str("remote", string(id)).Msg("replace video track")
		}
	}
}

func (m *Manager) CloseLink(remote domain.ParticipantID) {
	l, ok := m.links[remote]
	if !ok {
		return
	}
	m.pending.drop(remote)
	m.closeLink(l)
}

// closeLink closes l but keeps candidates buffered for its remote.
func (m *Manager) closeLink(l *Link) {
	delete(m.links, l.Remote)
	m.sup.forget(l)
	l.setState(LinkClosed)
	if err := l.conn.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("close connection")
	}
	l.logger.Info().Msg("link closed")
}

// CloseAll closes every link concurrently and returns once all are closed.
func (m *Manager) CloseAll() {
	var wg conc.WaitGroup
	for id, l := range m.links {
		delete(m.links, id)
		m.sup.forget(l)
		l.setState(LinkClosed)
		wg.Go(func() {
			if err := l.conn.Close(); err != nil {
				l.logger.Warn().Err(err).Msg("close connection")
			}
		})
	}
	wg.Wait()
	m.pending = newCandidateBuffer(m.pending.perPeer, m.pending.maxPeers)
}

func (m *Manager) newLink(remote domain.ParticipantID, initiator bool) (*Link, error) {
	conn, err := m.newConn(remote)
	if err != nil {
		return nil, err
	}
	m.gen++
	gen := m.gen
	l := &Link{
		Remote:    remote,
		Initiator: initiator,
		conn:      conn,
		gen:       gen,
		logger:    m.logger.With().Str("remote", string(remote)).Uint64("gen", gen).Logger(),
	}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.post(func() { m.onLocalCandidate(remote, gen, c) })
	})
	conn.OnStateChange(func(st core.TransportState) {
		m.post(func() {
			if l := m.current(remote, gen); l != nil {
				m.sup.OnTransportState(l, st)
			}
		})
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.post(func() {
			if m.current(remote, gen) != nil {
				m.emit(Event{Kind: EventRemoteTrack, Remote: remote, Track: track})
			}
		})
	})

	audio, video := m.tracks()
	if err := conn.AttachTrack(domain.MediaAudio, audio); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("attach audio: %w", err)
	}
	if err := conn.AttachTrack(domain.MediaVideo, video); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("attach video: %w", err)
	}

	m.links[remote] = l
	m.sup.watch(l)
	return l, nil
}

// current returns the link for remote only while it is still generation gen.
func (m *Manager) current(remote domain.ParticipantID, gen uint64) *Link {
	if l, ok := m.links[remote]; ok && l.gen == gen {
		return l
	}
	return nil
}

func (m *Manager) offer(l *Link, iceRestart bool) error {
	desc, err := l.conn.CreateOffer(iceRestart)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	msg := protocol.NewDescription(protocol.TypeOffer, m.session, m.self, l.Remote, protocol.SDPFromPion(desc), iceRestart)
	if err := m.send(msg); err != nil {
		return fmt.Errorf("send offer: %w", err)
	}
	l.setState(LinkOfferSent)
	return nil
}

func (m *Manager) onLocalCandidate(remote domain.ParticipantID, gen uint64, c webrtc.ICECandidateInit) {
	if m.current(remote, gen) == nil {
		return
	}
	if err := m.send(protocol.NewICECandidate(m.session, m.self, remote, protocol.CandidateFromPion(c))); err != nil {
		m.logger.Warn().Err(err).Str("remote", string(remote)).Msg("send candidate")
	}
}

func (m *Manager) remoteDescriptionSet(l *Link) {
	l.remoteDescSet = true
	for _, c := range m.pending.take(l.Remote) {
		if err := l.conn.AddICECandidate(c); err != nil {
			l.logger.Warn().Err(err).Msg("buffered candidate discarded")
		}
	}
}

func (m *Manager) fail(l *Link, err error) {
	m.CloseLink(l.Remote)
	m.negotiationFailed(l.Remote, err)
}

func (m *Manager) negotiationFailed(remote domain.ParticipantID, err error) {
	m.logger.Warn().Err(err).Str("remote", string(remote)).Msg("link negotiation failed")
	m.emit(Event{Kind: EventLinkNegotiationFailed, Remote: remote, Err: fmt.Errorf("%w: %v", domain.ErrLinkNegotiationFailed, err)})
}
