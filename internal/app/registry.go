package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

type connEntry struct {
	SessionID domain.SessionID
	Signal    core.SignalConnection
	Cancel    context.CancelFunc
}

// Registry tracks live signal connections and the session each one joined.
// A connection is in at most one session at a time.
type Registry struct {
	mu    sync.RWMutex
	conns map[domain.ParticipantID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.ParticipantID]*connEntry)}
}

// BindSignal registers sc for id and returns the handle it replaced, if any.
// The session association survives the swap.
func (r *Registry) BindSignal(id domain.ParticipantID, sc core.SignalConnection, cancel context.CancelFunc) (prev core.SignalConnection, prevCancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.conns[id]
	if ok {
		prev, prevCancel = entry.Signal, entry.Cancel
		entry.Signal, entry.Cancel = sc, cancel
	} else {
		r.conns[id] = &connEntry{Signal: sc, Cancel: cancel}
	}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Bool("replaced", ok).Msg("bound signal")
	return prev, prevCancel
}

func (r *Registry) GetSignal(id domain.ParticipantID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.conns[id]; ok {
		return e.Signal, true
	}
	return nil, false
}

// IsCurrent reports whether sc is still the registered handle for id.
func (r *Registry) IsCurrent(id domain.ParticipantID, sc core.SignalConnection) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	return ok && e.Signal == sc
}

// Unbind removes id only while sc is its current handle.
func (r *Registry) Unbind(id domain.ParticipantID, sc core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok || e.Signal != sc {
		return false
	}
	delete(r.conns, id)
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("unbind signal")
	return true
}

func (r *Registry) SessionOf(id domain.ParticipantID) (domain.SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.SessionID == "" {
		return "", false
	}
	return e.SessionID, true
}

func (r *Registry) UpdateSession(id domain.ParticipantID, session domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.SessionID = session
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Str("session", string(session)).Msg("updated session")
	return true
}

// RemoveSession clears the association only while it still points at session.
func (r *Registry) RemoveSession(id domain.ParticipantID, session domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok && e.SessionID == session {
		e.SessionID = ""
		log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("removed session association")
	}
}

type regSnap struct {
	ID     domain.ParticipantID
	Signal core.SignalConnection
}

func (r *Registry) MembersOfSession(session domain.SessionID) []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.conns))
	for id, e := range r.conns {
		if e.SessionID == session {
			out = append(out, regSnap{ID: id, Signal: e.Signal})
		}
	}
	return out
}

// Cancel stops the connection's pumps; its teardown then runs through Disconnect.
func (r *Registry) Cancel(id domain.ParticipantID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("sid", string(id)).Msg("canceled connection")
	return true
}
