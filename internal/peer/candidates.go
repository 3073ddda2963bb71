package peer

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/meshcast/internal/domain"
)

// candidateBuffer holds remote ICE candidates that arrived before the remote
// description they belong to. Both the per-peer queue and the number of
// peers are bounded; overflow is discarded and counted.
type candidateBuffer struct {
	perPeer  int
	maxPeers int
	queues   map[domain.ParticipantID][]webrtc.ICECandidateInit
	dropped  uint64
}

func newCandidateBuffer(perPeer, maxPeers int) *candidateBuffer {
	return &candidateBuffer{
		perPeer:  perPeer,
		maxPeers: maxPeers,
		queues:   make(map[domain.ParticipantID][]webrtc.ICECandidateInit),
	}
}

func (b *candidateBuffer) push(from domain.ParticipantID, c webrtc.ICECandidateInit) bool {
	q, ok := b.queues[from]
	if !ok && len(b.queues) >= b.maxPeers {
		b.dropped++
		return false
	}
	if len(q) >= b.perPeer {
		b.dropped++
		return false
	}
	b.queues[from] = append(q, c)
	return true
}

// take returns the queue for from in arrival order and forgets it.
func (b *candidateBuffer) take(from domain.ParticipantID) []webrtc.ICECandidateInit {
	q := b.queues[from]
	delete(b.queues, from)
	return q
}

func (b *candidateBuffer) drop(from domain.ParticipantID) { delete(b.queues, from) }

func (b *candidateBuffer) len(from domain.ParticipantID) int { return len(b.queues[from]) }
