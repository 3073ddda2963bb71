package orch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

// joinAttempts bounds retries when a join races with the session being destroyed.
const joinAttempts = 3

// Join adds participant id to msg.SessionID. It sends the joiner the current
// participants-list and, unless id was already present, tells everyone else.
func (o *SignalingRelay) Join(ctx context.Context, id domain.ParticipantID, msg protocol.Message) error {
	payload, err := msg.Join()
	if err != nil {
		return err
	}
	sessionID := msg.SessionID

	ok, err := o.Authorizer.IsAuthorized(ctx, id, sessionID)
	if err != nil {
		o.reply(id, protocol.NewError(sessionID, protocol.CodeInternal, "authorization lookup failed"))
		return fmt.Errorf("authorize %s: %w", id, err)
	}
	if !ok {
		o.reply(id, protocol.NewError(sessionID, protocol.CodeUnauthorized, "not a member of this session"))
		return domain.ErrUnauthorized
	}

	sc, ok := o.Registry.GetSignal(id)
	if !ok {
		return fmt.Errorf("join %s: no signal connection", id)
	}
	if cur, ok := o.Registry.SessionOf(id); ok && cur != sessionID {
		log.Info().Str("module", "orch").Str("sid", string(id)).Str("from_session", string(cur)).Msg("leaving previous session")
		o.Leave(id)
	}

	participant, err := domain.NewParticipant(id, payload.DisplayName, payload.Role)
	if err != nil {
		return err
	}

	for attempt := 0; attempt < joinAttempts; attempt++ {
		s := o.Sessions.GetOrCreate(sessionID)
		var res core.PublishResult
		var added bool
		err := s.Exec(func(r *core.Roster) {
			added = r.AddMember(core.NewMemberSession(participant).UpdateSignal(sc))
			self := participant
			if !added {
				ms, _ := r.Member(id)
				ms.UpdateSignal(sc)
				self = ms.Meta()
				self.DisplayName = participant.DisplayName
				self.Role = participant.Role
			}
			if err := send(r, id, protocol.NewParticipantsList(sessionID, *self, r.MembersSnapshot(id))); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("sid", string(id)).Msg("participants-list not delivered")
			}
			if added {
				res = broadcast(r, id, protocol.NewUserJoined(sessionID, *self))
			}
		})
		if errors.Is(err, domain.ErrSessionClosed) {
			o.Sessions.Remove(sessionID, s)
			continue
		}
		o.Registry.UpdateSession(id, sessionID)
		log.Info().Str("module", "orch").Str("sid", string(id)).Str("session", string(sessionID)).Bool("rejoin", !added).Msg("joined")
		o.applyPolicy(s, res)
		return nil
	}
	return fmt.Errorf("join %s: %w", sessionID, domain.ErrSessionClosed)
}

// Leave removes id from its session and broadcasts user-left. The session is
// destroyed when its roster becomes empty.
func (o *SignalingRelay) Leave(id domain.ParticipantID) {
	o.leave(id, nil)
}

// leave removes id only while its roster entry is still bound to sc; a nil
// sc removes it unconditionally.
func (o *SignalingRelay) leave(id domain.ParticipantID, sc core.SignalConnection) {
	sessionID, ok := o.Registry.SessionOf(id)
	if !ok {
		return
	}
	s, ok := o.Sessions.Get(sessionID)
	if !ok {
		o.Registry.RemoveSession(id, sessionID)
		return
	}

	var res core.PublishResult
	var removed, rebound, empty bool
	err := s.Exec(func(r *core.Roster) {
		ms, ok := r.Member(id)
		if !ok {
			return
		}
		if sc != nil && ms.Signal() != sc {
			rebound = true
			return
		}
		r.RemoveMember(id)
		removed = true
		res = broadcast(r, id, protocol.NewUserLeft(sessionID, id))
		if r.MemberCount() == 0 {
			empty = true
			r.Close()
		}
	})
	if rebound {
		log.Debug().Str("module", "orch").Str("sid", string(id)).Msg("member already rebound, leave skipped")
		return
	}
	o.Registry.RemoveSession(id, sessionID)
	if err != nil || !removed {
		return
	}
	log.Info().Str("module", "orch").Str("sid", string(id)).Str("session", string(sessionID)).Msg("left")
	if empty {
		o.Sessions.Remove(sessionID, s)
	}
	o.applyPolicy(s, res)
}

// Disconnect tears down a closed signal connection. A connection that was
// already replaced by a newer one for the same participant is ignored.
func (o *SignalingRelay) Disconnect(id domain.ParticipantID, sc core.SignalConnection) {
	if !o.Registry.IsCurrent(id, sc) {
		log.Debug().Str("module", "orch").Str("sid", string(id)).Msg("stale connection closed")
		return
	}
	o.leave(id, sc)
	o.Registry.Unbind(id, sc)
}

// Kick removes id from its session and closes its connection.
func (o *SignalingRelay) Kick(id domain.ParticipantID) {
	o.Leave(id)
	o.Registry.Cancel(id)
}

// EvictSession kicks every member of a session.
func (o *SignalingRelay) EvictSession(sessionID domain.SessionID) {
	for _, snap := range o.Registry.MembersOfSession(sessionID) {
		o.Kick(snap.ID)
	}
}
