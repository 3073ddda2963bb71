package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

// Relay forwards msg from participant id. Addressed messages go to exactly
// one member and are dropped silently when it is absent; the rest are
// broadcast to every other member.
func (o *SignalingRelay) Relay(id domain.ParticipantID, msg protocol.Message) {
	logger := log.With().Str("module", "orch").Str("sid", string(id)).Str("type", string(msg.Type)).Logger()

	if msg.Type.RelayOriginated() || msg.Type == protocol.TypeJoin || msg.Type == protocol.TypeLeave {
		logger.Warn().Msg("client sent relay-only type")
		o.reply(id, protocol.NewError(msg.SessionID, protocol.CodeForbidden, string(msg.Type)))
		return
	}
	sessionID, ok := o.Registry.SessionOf(id)
	if !ok || sessionID != msg.SessionID {
		logger.Warn().Str("session", string(msg.SessionID)).Msg("sender is not a member")
		o.reply(id, protocol.NewError(msg.SessionID, protocol.CodeNotJoined, "join the session first"))
		return
	}
	s, ok := o.Sessions.Get(sessionID)
	if !ok {
		return
	}

	msg.FromID = id
	var res core.PublishResult
	err := s.Exec(func(r *core.Roster) {
		ms, ok := r.Member(id)
		if !ok {
			return
		}
		switch msg.Type {
		case protocol.TypeToggleMedia:
			if p, err := msg.ToggleMedia(); err == nil {
				ms.Meta().Media.Set(p.Kind, p.Enabled)
			}
		case protocol.TypeScreenShareStart:
			ms.Meta().ScreenSharing = true
		case protocol.TypeScreenShareStop:
			ms.Meta().ScreenSharing = false
		}

		if msg.ToID == "" {
			res = broadcast(r, id, msg)
			return
		}
		if _, ok := r.Member(msg.ToID); !ok {
			logger.Debug().Str("to", string(msg.ToID)).Msg("recipient not present, dropped")
			return
		}
		if err := send(r, msg.ToID, msg); err != nil {
			res.Dropped = append(res.Dropped, msg.ToID)
		} else {
			res.SendTo = 1
		}
	})
	if err != nil {
		logger.Debug().Err(err).Msg("relay on closed session")
		return
	}
	o.applyPolicy(s, res)
}
