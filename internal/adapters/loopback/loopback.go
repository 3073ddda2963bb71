// Package loopback connects an in-process participant straight to a
// SignalingRelay, without a network in between.
package loopback

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/app/orch"
	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

var ErrBackpressure = errors.New("loopback queue full")

// Conn is both ends of one relay connection. The participant side uses
// Send/Messages/Close; the relay side sees a core.SignalConnection.
type Conn struct {
	id    domain.ParticipantID
	relay *orch.SignalingRelay

	in   chan core.Frame
	out  chan protocol.Message
	msgs chan protocol.Message

	ctx    context.Context
	cancel context.CancelFunc
	server *serverSide
}

type serverSide struct{ c *Conn }

func (s *serverSide) TrySend(f core.Frame) error {
	select {
	case <-s.c.ctx.Done():
		return domain.ErrRelayUnavailable
	default:
	}
	select {
	case s.c.in <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *serverSide) Close() { s.c.cancel() }

// Dial registers participant id with relay and starts both pumps.
func Dial(relay *orch.SignalingRelay, id domain.ParticipantID, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     id,
		relay:  relay,
		in:     make(chan core.Frame, buffer),
		out:    make(chan protocol.Message, buffer),
		msgs:   make(chan protocol.Message, buffer),
		ctx:    ctx,
		cancel: cancel,
	}
	c.server = &serverSide{c: c}
	relay.Connect(id, c.server, cancel)
	go c.deliver()
	go c.dispatch()
	return c
}

// Send round-trips msg through the codec like a real wire would.
func (c *Conn) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	decoded, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	select {
	case <-c.ctx.Done():
		return domain.ErrRelayUnavailable
	default:
	}
	select {
	case c.out <- decoded:
		return nil
	case <-c.ctx.Done():
		return domain.ErrRelayUnavailable
	default:
		return ErrBackpressure
	}
}

func (c *Conn) Messages() <-chan protocol.Message { return c.msgs }

// Close drops the connection; the relay sees a disconnect.
func (c *Conn) Close() error {
	c.cancel()
	return nil
}

// deliver decodes frames queued by the relay for the participant.
func (c *Conn) deliver() {
	defer close(c.msgs)
	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.in:
			msg, err := protocol.Decode(f)
			if err != nil {
				log.Warn().Err(err).Str("module", "loopback").Str("sid", string(c.id)).Msg("dropping frame")
				continue
			}
			select {
			case c.msgs <- msg:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

// dispatch plays the read pump: messages reach the relay in send order.
func (c *Conn) dispatch() {
	defer c.relay.Disconnect(c.id, c.server)
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.out:
			c.relay.Dispatch(c.ctx, c.id, msg)
		}
	}
}
