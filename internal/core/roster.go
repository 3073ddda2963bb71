package core

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/dkeye/meshcast/internal/domain"
)

var ErrNotMember = errors.New("not a session member")

// Roster is the membership set of one session. It is not safe for concurrent
// use: only the owning Session goroutine touches it, through Exec.
type Roster struct {
	session *domain.Session
	members map[domain.ParticipantID]MemberSession
	count   *atomic.Int32
	closing bool
	logger  *zerolog.Logger
}

func (r *Roster) Session() *domain.Session { return r.session }

func (r *Roster) MemberCount() int { return len(r.members) }

func (r *Roster) Member(id domain.ParticipantID) (MemberSession, bool) {
	ms, ok := r.members[id]
	return ms, ok
}

// AddMember inserts ms, or swaps the connection handle of an already present
// participant. added is false for the swap.
func (r *Roster) AddMember(ms MemberSession) (added bool) {
	id := ms.Meta().ID
	if cur, ok := r.members[id]; ok {
		cur.UpdateSignal(ms.Signal())
		r.logger.Info().Str("sid", string(id)).Msg("member handle replaced")
		return false
	}
	r.members[id] = ms
	r.count.Store(int32(len(r.members)))
	r.logger.Info().Str("sid", string(id)).Int("members", len(r.members)).Msg("member added")
	return true
}

func (r *Roster) RemoveMember(id domain.ParticipantID) (MemberSession, bool) {
	ms, ok := r.members[id]
	if !ok {
		return nil, false
	}
	delete(r.members, id)
	r.count.Store(int32(len(r.members)))
	r.logger.Info().Str("sid", string(id)).Int("members", len(r.members)).Msg("member removed")
	return ms, true
}

// Send delivers data to exactly one member.
func (r *Roster) Send(to domain.ParticipantID, data Frame) error {
	ms, ok := r.members[to]
	if !ok {
		return ErrNotMember
	}
	return ms.Signal().TrySend(data)
}

// Broadcast delivers data to every member except from.
func (r *Roster) Broadcast(from domain.ParticipantID, data Frame) PublishResult {
	res := PublishResult{}
	for id, m := range r.members {
		if id == from {
			continue
		}
		if err := m.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SendTo++
	}
	r.logger.Debug().Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// MembersSnapshot returns copies of every participant except the given one.
func (r *Roster) MembersSnapshot(except domain.ParticipantID) []domain.Participant {
	out := make([]domain.Participant, 0, len(r.members))
	for id, ms := range r.members {
		if id == except {
			continue
		}
		out = append(out, *ms.Meta())
	}
	return out
}

// Close marks the session for destruction once the current Exec returns.
func (r *Roster) Close() { r.closing = true }
