// Package rtc implements core.PeerConnection on top of pion/webrtc.
package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

var ErrNoSender = errors.New("no sender for media kind")

type WebRTCConnection struct {
	pc     *webrtc.PeerConnection
	remote domain.ParticipantID
	logger zerolog.Logger

	mu      sync.Mutex
	senders map[domain.MediaKind]*webrtc.RTPSender
}

// Factory creates one WebRTCConnection per remote participant.
type Factory struct {
	API    *webrtc.API
	Config webrtc.Configuration
}

func (f *Factory) New(remote domain.ParticipantID) (core.PeerConnection, error) {
	return NewWebRTCConnection(f.API, f.Config, remote)
}

func NewWebRTCConnection(api *webrtc.API, cfg webrtc.Configuration, remote domain.ParticipantID) (*WebRTCConnection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &WebRTCConnection{
		pc:      pc,
		remote:  remote,
		logger:  log.With().Str("module", "webrtc").Str("remote", string(remote)).Logger(),
		senders: make(map[domain.MediaKind]*webrtc.RTPSender),
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.logger.Debug().Str("peer_connection_state", s.String()).Msg("Peer state")
	})
	return c, nil
}

func (c *WebRTCConnection) CreateOffer(iceRestart bool) (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (c *WebRTCConnection) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := validateSDP(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (c *WebRTCConnection) AcceptAnswer(answer webrtc.SessionDescription) error {
	if err := validateSDP(answer); err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(answer)
}

func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AttachTrack adds a sender for kind. A nil track reserves a transceiver so
// a track can be swapped in later without renegotiation.
func (c *WebRTCConnection) AttachTrack(kind domain.MediaKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.senders[kind]; ok {
		return fmt.Errorf("%s sender already attached", kind)
	}

	var sender *webrtc.RTPSender
	if track != nil {
		s, err := c.pc.AddTrack(track)
		if err != nil {
			return err
		}
		sender = s
	} else {
		tr, err := c.pc.AddTransceiverFromKind(codecType(kind), webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
		if err != nil {
			return err
		}
		sender = tr.Sender()
	}
	c.senders[kind] = sender
	go c.drainRTCP(sender)
	return nil
}

func (c *WebRTCConnection) ReplaceTrack(kind domain.MediaKind, track webrtc.TrackLocal) error {
	c.mu.Lock()
	sender, ok := c.senders[kind]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", kind, ErrNoSender)
	}
	return sender.ReplaceTrack(track)
}

func (c *WebRTCConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil {
			fn(cand.ToJSON())
		}
	})
}

func (c *WebRTCConnection) OnStateChange(fn func(core.TransportState)) {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		c.logger.Info().Str("ice_state", s.String()).Msg("ICE state")
		fn(transportState(s))
	})
}

func (c *WebRTCConnection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info().
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		fn(track, receiver)
	})
}

func (c *WebRTCConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		c.logger.Error().Err(err).Msg("close error")
		return err
	}
	c.logger.Info().Msg("closed")
	return nil
}

// SignalingState is exposed for diagnostics and tests.
func (c *WebRTCConnection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

// drainRTCP reads sender reports so interceptors keep running.
func (c *WebRTCConnection) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func validateSDP(desc webrtc.SessionDescription) error {
	var sd sdp.SessionDescription
	if err := sd.UnmarshalString(desc.SDP); err != nil {
		return fmt.Errorf("%s sdp: %w: %v", desc.Type, domain.ErrMalformed, err)
	}
	if len(sd.MediaDescriptions) == 0 {
		return fmt.Errorf("%s sdp without media: %w", desc.Type, domain.ErrMalformed)
	}
	return nil
}

func codecType(kind domain.MediaKind) webrtc.RTPCodecType {
	if kind == domain.MediaAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

func transportState(s webrtc.ICEConnectionState) core.TransportState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return core.TransportChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return core.TransportConnected
	case webrtc.ICEConnectionStateDisconnected:
		return core.TransportDisconnected
	case webrtc.ICEConnectionStateFailed:
		return core.TransportFailed
	case webrtc.ICEConnectionStateClosed:
		return core.TransportClosed
	}
	return core.TransportNew
}
