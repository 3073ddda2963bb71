package core

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/domain"
)

type op struct {
	fn   func(*Roster)
	done chan struct{}
}

// Session serializes every roster read and mutation of one session on a
// single goroutine. Frames queued by one op are therefore ordered with
// respect to frames queued by the next.
type Session struct {
	meta   *domain.Session
	roster *Roster
	count  atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	ops    chan op
	done   chan struct{}
	logger zerolog.Logger
}

func NewSession(parent context.Context, id domain.SessionID) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		meta:   &domain.Session{ID: id, CreatedAt: time.Now()},
		ctx:    ctx,
		cancel: cancel,
		ops:    make(chan op),
		done:   make(chan struct{}),
		logger: log.With().Str("module", "core.session").Str("session", string(id)).Logger(),
	}
	s.roster = &Roster{
		session: s.meta,
		members: make(map[domain.ParticipantID]MemberSession),
		count:   &s.count,
		logger:  &s.logger,
	}
	return s
}

func (s *Session) Meta() *domain.Session { return s.meta }

// MemberCount is safe to call from any goroutine.
func (s *Session) MemberCount() int { return int(s.count.Load()) }

func (s *Session) Info() SessionInfo {
	return SessionInfo{ID: s.meta.ID, MemberCount: s.MemberCount(), CreatedAt: s.meta.CreatedAt}
}

func (s *Session) Run() {
	defer close(s.done)
	s.logger.Info().Msg("session started")
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info().Msg("session stopped")
			return
		case o := <-s.ops:
			s.apply(o)
			if s.roster.closing {
				s.cancel()
				s.logger.Info().Msg("session destroyed")
				return
			}
		}
	}
}

func (s *Session) apply(o op) {
	defer close(o.done)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("session op panicked")
		}
	}()
	o.fn(s.roster)
}

// Exec runs fn on the session goroutine and waits for it. It returns
// domain.ErrSessionClosed once the session has been destroyed.
func (s *Session) Exec(fn func(*Roster)) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-s.done:
		return domain.ErrSessionClosed
	}
	<-o.done
	return nil
}

func (s *Session) Stop() { s.cancel() }

func (s *Session) Done() <-chan struct{} { return s.done }
