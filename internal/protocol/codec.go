package protocol

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/dkeye/meshcast/internal/domain"
)

// ErrUnknownType is returned by Decode for well-formed frames of a type this
// build does not know. Callers drop such frames with a warning.
var ErrUnknownType = errors.New("unknown signal type")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Encode validates msg and serializes it.
func Encode(msg Message) ([]byte, error) {
	if !msg.Type.Known() {
		return nil, fmt.Errorf("encode %q: %w", msg.Type, ErrUnknownType)
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %q: %w: %v", msg.Type, domain.ErrMalformed, err)
	}
	return b, nil
}

// Decode parses and validates a frame. Unknown JSON fields are ignored.
// The returned message carries at least the Type when err is ErrUnknownType.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", domain.ErrMalformed)
	}
	if !msg.Type.Known() {
		return msg, fmt.Errorf("%q: %w", msg.Type, ErrUnknownType)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks envelope addressing and the typed payload.
func (m Message) Validate() error {
	if err := validate.Struct(m); err != nil {
		return malformed(m.Type, err)
	}
	if m.Type.Addressed() && (m.FromID == "" || m.ToID == "") {
		return malformed(m.Type, errors.New("fromId and toId are required"))
	}
	if m.Type.Membership() && m.ToID != "" {
		return malformed(m.Type, errors.New("membership messages are never addressed"))
	}

	switch m.Type {
	case TypeJoin:
		_, err := m.Join()
		return err
	case TypeParticipantsList:
		_, err := m.ParticipantsList()
		return err
	case TypeUserJoined:
		_, err := m.UserJoined()
		return err
	case TypeUserLeft:
		_, err := m.UserLeft()
		return err
	case TypeOffer, TypeAnswer:
		_, err := m.Description()
		return err
	case TypeICECandidate:
		_, err := m.Candidate()
		return err
	case TypeToggleMedia:
		_, err := m.ToggleMedia()
		return err
	case TypeError:
		_, err := m.ErrorInfo()
		return err
	}
	return nil
}

func malformed(t Type, err error) error {
	return fmt.Errorf("%s: %w: %v", t, domain.ErrMalformed, err)
}

func decodePayload[T any](m Message) (T, error) {
	var v T
	if len(m.Payload) == 0 {
		return v, malformed(m.Type, errors.New("missing payload"))
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, malformed(m.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return v, malformed(m.Type, err)
	}
	return v, nil
}

func (m Message) Join() (JoinPayload, error) {
	return decodePayload[JoinPayload](m)
}

func (m Message) ParticipantsList() (ParticipantsListPayload, error) {
	p, err := decodePayload[ParticipantsListPayload](m)
	if err != nil {
		return p, err
	}
	if p.Self.ID == "" {
		return p, malformed(m.Type, errors.New("self.id is required"))
	}
	for _, other := range p.Participants {
		if other.ID == "" {
			return p, malformed(m.Type, errors.New("participant id is required"))
		}
	}
	return p, nil
}

func (m Message) UserJoined() (UserJoinedPayload, error) {
	p, err := decodePayload[UserJoinedPayload](m)
	if err != nil {
		return p, err
	}
	if p.Participant.ID == "" {
		return p, malformed(m.Type, errors.New("participant.id is required"))
	}
	return p, nil
}

func (m Message) UserLeft() (UserLeftPayload, error) {
	return decodePayload[UserLeftPayload](m)
}

func (m Message) Description() (DescriptionPayload, error) {
	p, err := decodePayload[DescriptionPayload](m)
	if err != nil {
		return p, err
	}
	if p.SDP.Type != string(m.Type) {
		return p, malformed(m.Type, fmt.Errorf("sdp.type=%q", p.SDP.Type))
	}
	return p, nil
}

func (m Message) Candidate() (CandidatePayload, error) {
	return decodePayload[CandidatePayload](m)
}

func (m Message) ToggleMedia() (ToggleMediaPayload, error) {
	return decodePayload[ToggleMediaPayload](m)
}

func (m Message) ErrorInfo() (ErrorPayload, error) {
	return decodePayload[ErrorPayload](m)
}
