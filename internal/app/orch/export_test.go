package orch

import (
	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

func LeaveBound(o *SignalingRelay, id domain.ParticipantID, sc core.SignalConnection) {
	o.leave(id, sc)
}
