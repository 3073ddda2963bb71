package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/protocol"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Msg("writePump ctx done")
			c.Close()
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping failed")
				c.Close()
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.ParticipantID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("sid", string(id)).Msg("readPump closing")
		cancel()
		c.Close()
		ctl.Relay.Disconnect(id, c)
	}()

	pongWait := ctl.opts.pongWait()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(id)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.limiter != nil && !c.limiter.Allow() {
			log.Warn().Str("module", "signal").Str("sid", string(id)).Msg("rate limited, frame dropped")
			continue
		}
		ctl.handleFrame(ctx, id, c, data)
	}
}

func (ctl *SignalWSController) handleFrame(ctx context.Context, id domain.ParticipantID, c *WsSignalConn, data []byte) {
	msg, err := protocol.Decode(data)
	switch {
	case errors.Is(err, protocol.ErrUnknownType):
		log.Warn().Str("module", "signal").Str("sid", string(id)).Str("type", string(msg.Type)).Msg("unknown signal")
		return
	case err != nil:
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(id)).Msg("bad frame")
		ctl.sendError(c, msg.SessionID, protocol.CodeMalformed, err.Error())
		return
	}
	ctl.Relay.Dispatch(ctx, id, msg)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, session domain.SessionID, code, text string) {
	b, err := protocol.Encode(protocol.NewError(session, code, text))
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendError encode")
		return
	}
	_ = c.TrySend(b)
}
