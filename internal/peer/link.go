package peer

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOfferSent
	LinkOfferReceived
	LinkConnected
	LinkReconnecting
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOfferSent:
		return "offer-sent"
	case LinkOfferReceived:
		return "offer-received"
	case LinkConnected:
		return "connected"
	case LinkReconnecting:
		return "reconnecting"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

// allowed lists legal targets per state. Reconnecting and Closed are reachable
// from every live state and are handled in canTransition.
var allowed = map[LinkState][]LinkState{
	LinkIdle:          {LinkOfferSent, LinkOfferReceived},
	LinkOfferSent:     {LinkConnected, LinkOfferReceived},
	LinkOfferReceived: {LinkConnected},
	LinkConnected:     {LinkOfferReceived},
	LinkReconnecting:  {LinkOfferSent, LinkOfferReceived, LinkConnected},
}

func canTransition(from, to LinkState) bool {
	if from == LinkClosed {
		return false
	}
	if from == to || to == LinkClosed || to == LinkReconnecting {
		return true
	}
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Link is the negotiation state toward one remote participant. Only the
// owning session's dispatch goroutine touches it.
type Link struct {
	Remote domain.ParticipantID
	// Initiator marks the side that sent the first offer; only it drives ICE restarts.
	Initiator bool

	conn          core.PeerConnection
	gen           uint64
	state         LinkState
	transport     core.TransportState
	remoteDescSet bool

	lastFailure  time.Time
	restartTimer *clock.Timer
	gatherTimer  *clock.Timer
	degraded     bool

	logger zerolog.Logger
}

func (l *Link) State() LinkState { return l.state }

func (l *Link) setState(to LinkState) bool {
	if !canTransition(l.state, to) {
		l.logger.Warn().Str("from", l.state.String()).Str("to", to.String()).Msg("illegal link transition ignored")
		return false
	}
	if l.state != to {
		l.logger.Debug().Str("from", l.state.String()).Str("to", to.String()).Msg("link state")
	}
	l.state = to
	return true
}
