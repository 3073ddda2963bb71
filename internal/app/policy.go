package app

import (
	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	KickMember
)

type Policy interface {
	OnBackPressure(session *core.Session, member domain.ParticipantID) BackpressureAction
}

// SimplePolicy disconnects any member that cannot keep up; its peers then
// see a user-left and tear their links down.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*core.Session, domain.ParticipantID) BackpressureAction {
	return KickMember
}
