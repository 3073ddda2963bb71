// Package protocol defines the signaling messages exchanged between participants and the relay.
package protocol

import (
	"github.com/goccy/go-json"

	"github.com/dkeye/meshcast/internal/domain"
)

type Type string

const (
	TypeJoin             Type = "join"
	TypeLeave            Type = "leave"
	TypeParticipantsList Type = "participants-list"
	TypeUserJoined       Type = "user-joined"
	TypeUserLeft         Type = "user-left"
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeICECandidate     Type = "ice-candidate"
	TypeToggleMedia      Type = "toggle-media"
	TypeScreenShareStart Type = "screen-share-start"
	TypeScreenShareStop  Type = "screen-share-stop"
	// TypeError is only ever sent by the relay.
	TypeError Type = "error"
)

var knownTypes = map[Type]struct{}{
	TypeJoin:             {},
	TypeLeave:            {},
	TypeParticipantsList: {},
	TypeUserJoined:       {},
	TypeUserLeft:         {},
	TypeOffer:            {},
	TypeAnswer:           {},
	TypeICECandidate:     {},
	TypeToggleMedia:      {},
	TypeScreenShareStart: {},
	TypeScreenShareStop:  {},
	TypeError:            {},
}

func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Addressed reports whether messages of this type go to exactly one participant.
func (t Type) Addressed() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Membership reports whether the type is a session-wide membership event.
func (t Type) Membership() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeParticipantsList, TypeUserJoined, TypeUserLeft:
		return true
	}
	return false
}

// RelayOriginated reports whether only the relay may emit the type.
func (t Type) RelayOriginated() bool {
	switch t {
	case TypeParticipantsList, TypeUserJoined, TypeUserLeft, TypeError:
		return true
	}
	return false
}

// Message is the envelope of every signaling frame. Payload stays raw until a
// typed accessor decodes it.
type Message struct {
	Type      Type                 `json:"type"`
	SessionID domain.SessionID     `json:"sessionId" validate:"required_unless=Type error,max=128"`
	FromID    domain.ParticipantID `json:"fromId,omitempty" validate:"max=64"`
	ToID      domain.ParticipantID `json:"toId,omitempty" validate:"max=64"`
	Payload   json.RawMessage      `json:"payload,omitempty"`
}

type JoinPayload struct {
	DisplayName string      `json:"displayName" validate:"required,max=36"`
	Role        domain.Role `json:"role" validate:"required,oneof=initiator attendee"`
}

type ParticipantsListPayload struct {
	Self         domain.Participant   `json:"self"`
	Participants []domain.Participant `json:"participants"`
}

type UserJoinedPayload struct {
	Participant domain.Participant `json:"participant"`
}

type UserLeftPayload struct {
	ParticipantID domain.ParticipantID `json:"participantId" validate:"required,max=64"`
}

type SDP struct {
	Type string `json:"type" validate:"required,oneof=offer answer"`
	SDP  string `json:"sdp" validate:"required"`
}

type DescriptionPayload struct {
	SDP        SDP  `json:"sdp"`
	ICERestart bool `json:"iceRestart,omitempty"`
}

type Candidate struct {
	Candidate        string  `json:"candidate" validate:"required"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

type CandidatePayload struct {
	Candidate Candidate `json:"candidate"`
}

type ToggleMediaPayload struct {
	Kind    domain.MediaKind `json:"kind" validate:"required,oneof=audio video"`
	Enabled bool             `json:"enabled"`
}

type ErrorPayload struct {
	Code    string `json:"code" validate:"required"`
	Message string `json:"message,omitempty"`
}

// Error codes carried by TypeError.
const (
	CodeMalformed    = "malformed"
	CodeUnauthorized = "unauthorized"
	CodeNotJoined    = "not_joined"
	CodeForbidden    = "forbidden_type"
	CodeInternal     = "internal"
)

func rawPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func NewJoin(session domain.SessionID, displayName string, role domain.Role) Message {
	return Message{Type: TypeJoin, SessionID: session, Payload: rawPayload(JoinPayload{DisplayName: displayName, Role: role})}
}

func NewLeave(session domain.SessionID, from domain.ParticipantID) Message {
	return Message{Type: TypeLeave, SessionID: session, FromID: from}
}

func NewParticipantsList(session domain.SessionID, self domain.Participant, others []domain.Participant) Message {
	if others == nil {
		others = []domain.Participant{}
	}
	return Message{
		Type:      TypeParticipantsList,
		SessionID: session,
		Payload:   rawPayload(ParticipantsListPayload{Self: self, Participants: others}),
	}
}

func NewUserJoined(session domain.SessionID, p domain.Participant) Message {
	return Message{Type: TypeUserJoined, SessionID: session, FromID: p.ID, Payload: rawPayload(UserJoinedPayload{Participant: p})}
}

func NewUserLeft(session domain.SessionID, id domain.ParticipantID) Message {
	return Message{Type: TypeUserLeft, SessionID: session, FromID: id, Payload: rawPayload(UserLeftPayload{ParticipantID: id})}
}

func NewDescription(t Type, session domain.SessionID, from, to domain.ParticipantID, sdp SDP, iceRestart bool) Message {
	return Message{
		Type:      t,
		SessionID: session,
		FromID:    from,
		ToID:      to,
		Payload:   rawPayload(DescriptionPayload{SDP: sdp, ICERestart: iceRestart}),
	}
}

func NewICECandidate(session domain.SessionID, from, to domain.ParticipantID, c Candidate) Message {
	return Message{
		Type:      TypeICECandidate,
		SessionID: session,
		FromID:    from,
		ToID:      to,
		Payload:   rawPayload(CandidatePayload{Candidate: c}),
	}
}

func NewToggleMedia(session domain.SessionID, from domain.ParticipantID, kind domain.MediaKind, enabled bool) Message {
	return Message{
		Type:      TypeToggleMedia,
		SessionID: session,
		FromID:    from,
		Payload:   rawPayload(ToggleMediaPayload{Kind: kind, Enabled: enabled}),
	}
}

func NewScreenShare(session domain.SessionID, from domain.ParticipantID, started bool) Message {
	t := TypeScreenShareStop
	if started {
		t = TypeScreenShareStart
	}
	return Message{Type: t, SessionID: session, FromID: from}
}

func NewError(session domain.SessionID, code, message string) Message {
	return Message{Type: TypeError, SessionID: session, Payload: rawPayload(ErrorPayload{Code: code, Message: message})}
}
