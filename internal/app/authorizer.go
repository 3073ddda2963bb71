package app

import (
	"context"

	"github.com/dkeye/meshcast/internal/domain"
)

// AllowAll admits everyone; membership is expected to be enforced upstream.
type AllowAll struct{}

func (AllowAll) IsAuthorized(context.Context, domain.ParticipantID, domain.SessionID) (bool, error) {
	return true, nil
}

// StaticAuthorizer admits only listed sessions. An empty participant list
// admits anyone into that session.
type StaticAuthorizer struct {
	Sessions map[domain.SessionID][]domain.ParticipantID
}

func NewStaticAuthorizer(sessions map[string][]string) *StaticAuthorizer {
	a := &StaticAuthorizer{Sessions: make(map[domain.SessionID][]domain.ParticipantID, len(sessions))}
	for s, ids := range sessions {
		list := make([]domain.ParticipantID, 0, len(ids))
		for _, id := range ids {
			list = append(list, domain.ParticipantID(id))
		}
		a.Sessions[domain.SessionID(s)] = list
	}
	return a
}

func (a *StaticAuthorizer) IsAuthorized(_ context.Context, participant domain.ParticipantID, session domain.SessionID) (bool, error) {
	ids, ok := a.Sessions[session]
	if !ok {
		return false, nil
	}
	if len(ids) == 0 {
		return true, nil
	}
	for _, id := range ids {
		if id == participant {
			return true, nil
		}
	}
	return false, nil
}
