// Package domain contains entities without transport or lifecycle logic, just meta-data
package domain

import (
	"fmt"

	"github.com/google/uuid"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

type ParticipantID string

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func (id ParticipantID) String() string { return string(id) }

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleAttendee  Role = "attendee"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleAttendee
}

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

type MediaFlags struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

// Set flips the flag for kind; unknown kinds are ignored.
func (f *MediaFlags) Set(kind MediaKind, enabled bool) {
	switch kind {
	case MediaAudio:
		f.AudioEnabled = enabled
	case MediaVideo:
		f.VideoEnabled = enabled
	}
}

// Participant is a member of a session as seen by everyone else in it.
type Participant struct {
	ID            ParticipantID `json:"id"`
	DisplayName   string        `json:"displayName"`
	Role          Role          `json:"role"`
	Media         MediaFlags    `json:"media"`
	ScreenSharing bool          `json:"screenSharing"`
}

// NewParticipant avoids raw literals in adapters and keeps validation in one place.
func NewParticipant(id ParticipantID, displayName string, role Role) (*Participant, error) {
	p := &Participant{ID: id, Role: role, Media: MediaFlags{AudioEnabled: true, VideoEnabled: true}}
	if err := p.SetDisplayName(displayName); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, fmt.Errorf("role %q: %w", role, ErrInvalidRole)
	}
	return p, nil
}

func (p *Participant) SetDisplayName(name string) error {
	if len(name) == 0 {
		return ErrDisplayNameEmpty
	}
	if len(name) > MaxDisplayNameLen {
		return ErrDisplayNameTooLong
	}
	p.DisplayName = name
	return nil
}
