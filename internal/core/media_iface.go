package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshcast/internal/domain"
)

// TransportState is the connectivity of one peer link's ICE transport.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportChecking
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

// PeerConnection is the host platform's negotiated media transport for one
// remote participant.
type PeerConnection interface {
	// CreateOffer creates and applies a local offer. iceRestart regenerates
	// ICE credentials without touching tracks.
	CreateOffer(iceRestart bool) (webrtc.SessionDescription, error)
	// AcceptOffer applies a remote offer and returns the applied local answer.
	AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	AcceptAnswer(answer webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// AttachTrack adds an outgoing sender for kind.
	AttachTrack(kind domain.MediaKind, track webrtc.TrackLocal) error
	// ReplaceTrack swaps the track on the existing sender for kind in place.
	ReplaceTrack(kind domain.MediaKind, track webrtc.TrackLocal) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnStateChange(func(TransportState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	// Close should stop all underlying media resources.
	Close() error
}
