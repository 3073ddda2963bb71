package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshcast/internal/domain"
)

type EventKind int

const (
	EventParticipantJoined EventKind = iota
	EventPeerLeft
	EventMediaToggled
	EventScreenShareChanged
	EventRemoteTrack
	EventLinkConnected
	EventLinkReconnecting
	EventLinkDegraded
	EventLinkNegotiationFailed
	EventPeerUnreachable
	EventRelayUnavailable
)

func (k EventKind) String() string {
	switch k {
	case EventParticipantJoined:
		return "participant-joined"
	case EventPeerLeft:
		return "peer-left"
	case EventMediaToggled:
		return "media-toggled"
	case EventScreenShareChanged:
		return "screen-share-changed"
	case EventRemoteTrack:
		return "remote-track"
	case EventLinkConnected:
		return "link-connected"
	case EventLinkReconnecting:
		return "link-reconnecting"
	case EventLinkDegraded:
		return "link-degraded"
	case EventLinkNegotiationFailed:
		return "link-negotiation-failed"
	case EventPeerUnreachable:
		return "peer-unreachable"
	case EventRelayUnavailable:
		return "relay-unavailable"
	}
	return "unknown"
}

// Event is something the application may want to render. Remote is empty
// for session-wide events.
type Event struct {
	Kind        EventKind
	Remote      domain.ParticipantID
	Participant *domain.Participant
	Track       *webrtc.TrackRemote
	Err         error
}
