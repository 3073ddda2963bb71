package core

import "github.com/dkeye/meshcast/internal/domain"

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta   *domain.Participant
	signal SignalConnection
}

func NewMemberSession(meta *domain.Participant) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() *domain.Participant { return m.meta }
func (m *memberSession) Signal() SignalConnection  { return m.signal }

func (m *memberSession) UpdateSignal(sc SignalConnection) MemberSession {
	m.signal = sc
	return m
}
