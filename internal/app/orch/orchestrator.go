// Package orch implements the signaling relay: session membership and
// forwarding of addressed signaling messages between participants.
package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/app"
	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

type SignalingRelay struct {
	Registry   *app.Registry
	Sessions   core.SessionFactory
	Policy     app.Policy
	Authorizer core.Authorizer
}

func New(registry *app.Registry, sessions core.SessionFactory, policy app.Policy, authz core.Authorizer) *SignalingRelay {
	if authz == nil {
		authz = app.AllowAll{}
	}
	return &SignalingRelay{Registry: registry, Sessions: sessions, Policy: policy, Authorizer: authz}
}

// Connect registers a freshly opened signal connection. A previous
// connection for the same participant is cancelled and its membership ends
// with user-left, so peers drop links bound to the old connection and the
// next join is announced as new.
func (o *SignalingRelay) Connect(id domain.ParticipantID, sc core.SignalConnection, cancel context.CancelFunc) {
	prev, prevCancel := o.Registry.BindSignal(id, sc, cancel)
	if prev == nil {
		return
	}
	if prevCancel != nil {
		prevCancel()
	}
	o.leave(id, prev)
}

// Dispatch routes one decoded message received from participant id.
func (o *SignalingRelay) Dispatch(ctx context.Context, id domain.ParticipantID, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeJoin:
		if err := o.Join(ctx, id, msg); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("sid", string(id)).Msg("join rejected")
		}
	case protocol.TypeLeave:
		if cur, ok := o.Registry.SessionOf(id); ok && cur == msg.SessionID {
			o.Leave(id)
		}
	default:
		o.Relay(id, msg)
	}
}

func (o *SignalingRelay) applyPolicy(s *core.Session, res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(s, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("sid", string(slow)).Msg("kicking slow member")
			o.Kick(slow)
		case app.NoAction:
		}
	}
}

// send encodes msg for one roster member. Only call inside Session.Exec.
func send(r *core.Roster, to domain.ParticipantID, msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(msg.Type)).Msg("encode")
		return err
	}
	return r.Send(to, data)
}

// broadcast encodes msg for every member except from. Only call inside Session.Exec.
func broadcast(r *core.Roster, from domain.ParticipantID, msg protocol.Message) core.PublishResult {
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(msg.Type)).Msg("encode")
		return core.PublishResult{}
	}
	return r.Broadcast(from, data)
}

// reply answers a connection directly, outside of any roster.
func (o *SignalingRelay) reply(id domain.ParticipantID, msg protocol.Message) {
	sc, ok := o.Registry.GetSignal(id)
	if !ok {
		return
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encode reply")
		return
	}
	_ = sc.TrySend(data)
}
