package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

// SessionManager is the in-memory SessionRegistry of one relay instance.
type SessionManager struct {
	ctx      context.Context
	mu       sync.RWMutex
	sessions map[domain.SessionID]*core.Session
}

func NewSessionManager(ctx context.Context) *SessionManager {
	return &SessionManager{ctx: ctx, sessions: make(map[domain.SessionID]*core.Session)}
}

func (m *SessionManager) GetOrCreate(id domain.SessionID) *core.Session {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.sessions[id]; ok {
		return s
	}
	s = core.NewSession(m.ctx, id)
	m.sessions[id] = s
	go s.Run()
	log.Info().Str("module", "app.sessions").Str("session", string(id)).Msg("session created")
	return s
}

func (m *SessionManager) Get(id domain.SessionID) (*core.Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *SessionManager) Remove(id domain.SessionID, s *core.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[id]; ok && cur == s {
		delete(m.sessions, id)
		s.Stop()
		log.Info().Str("module", "app.sessions").Str("session", string(id)).Msg("session removed")
	}
}

func (m *SessionManager) List() []core.SessionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Info())
	}
	return out
}
