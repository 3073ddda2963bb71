package core

import (
	"context"
	"time"

	"github.com/dkeye/meshcast/internal/domain"
)

// MemberSession binds domain.Participant and its transport endpoint.
// This is what a roster stores and fans out to.
type MemberSession interface {
	Meta() *domain.Participant
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}

// PublishResult reports delivery stats/backpressure to the relay.
type PublishResult struct {
	SendTo  int
	Dropped []domain.ParticipantID
}

type SessionInfo struct {
	ID          domain.SessionID `json:"id"`
	MemberCount int              `json:"member_count"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SessionFactory owns the session -> actor mapping of one relay instance.
type SessionFactory interface {
	GetOrCreate(id domain.SessionID) *Session
	Get(id domain.SessionID) (*Session, bool)
	// Remove drops id only while it still maps to s.
	Remove(id domain.SessionID, s *Session)
	List() []SessionInfo
}

// Authorizer is the upstream membership directory.
//
//go:generate mockgen -source=session_iface.go -destination=mocks/session_iface_mock.go -package=mocks Authorizer
type Authorizer interface {
	IsAuthorized(ctx context.Context, participant domain.ParticipantID, session domain.SessionID) (bool, error)
}
