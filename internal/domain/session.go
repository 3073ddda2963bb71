package domain

import "time"

const MaxSessionIDLen = 128

type SessionID string

func (id SessionID) String() string { return string(id) }

// Session is the meta-data of a live session. The roster lives in core.
type Session struct {
	ID        SessionID
	CreatedAt time.Time
}
