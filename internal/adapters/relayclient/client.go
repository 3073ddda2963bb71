// Package relayclient is the participant side of the relay WebSocket.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

const (
	sendBuffer = 256
	writeWait  = 5 * time.Second
)

var ErrBackpressure = errors.New("relay send queue full")

// Conn implements peer.RelayChannel over a gorilla WebSocket.
type Conn struct {
	ws     *websocket.Conn
	send   chan []byte
	msgs   chan protocol.Message
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func Dial(ctx context.Context, url string, header http.Header) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w: %v", url, domain.ErrRelayUnavailable, err)
	}
	c := &Conn{
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		msgs:   make(chan protocol.Message, sendBuffer),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "relayclient").Str("url", url).Logger(),
	}
	go c.writePump()
	go c.readPump()
	return c, nil
}

func (c *Conn) Send(msg protocol.Message) error {
	b, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return domain.ErrRelayUnavailable
	default:
	}
	select {
	case c.send <- b:
		return nil
	case <-c.done:
		return domain.ErrRelayUnavailable
	default:
		return ErrBackpressure
	}
}

// Messages is closed when the socket dies or Close is called.
func (c *Conn) Messages() <-chan protocol.Message { return c.msgs }

func (c *Conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Warn().Err(err).Msg("write error")
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Conn) readPump() {
	defer close(c.msgs)
	defer c.Close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warn().Err(err).Msg("relay connection lost")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("dropping frame")
			continue
		}
		select {
		case c.msgs <- msg:
		case <-c.done:
			return
		}
	}
}
