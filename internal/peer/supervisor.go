package peer

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dkeye/meshcast/internal/core"
	"github.com/dkeye/meshcast/internal/domain"
)

// Supervisor reacts to transport state changes of links: it drives ICE
// restarts and gives up on peers that cannot be reached again.
type Supervisor struct {
	clock          clock.Clock
	restartTimeout time.Duration
	failureWindow  time.Duration
	gatherTimeout  time.Duration
	m              *Manager
}

func (s *Supervisor) OnTransportState(l *Link, st core.TransportState) {
	prev := l.transport
	l.transport = st
	switch st {
	case core.TransportConnected:
		stopTimer(&l.gatherTimer)
		stopTimer(&l.restartTimer)
		// A pending restart offer still completes through OnAnswer.
		if l.state == LinkReconnecting {
			l.setState(LinkConnected)
		}
		if prev != core.TransportConnected {
			l.logger.Info().Msg("transport connected")
			s.m.emit(Event{Kind: EventLinkConnected, Remote: l.Remote})
		}
	case core.TransportDisconnected, core.TransportFailed:
		s.onFailure(l, st)
	}
}

func (s *Supervisor) onFailure(l *Link, st core.TransportState) {
	now := s.clock.Now()
	switch {
	case l.restartTimer != nil:
		s.giveUp(l, fmt.Sprintf("transport %s during ICE restart", st))
		return
	case !l.lastFailure.IsZero() && now.Sub(l.lastFailure) < s.failureWindow:
		s.giveUp(l, fmt.Sprintf("transport %s again within %s", st, s.failureWindow))
		return
	}
	l.lastFailure = now
	l.setState(LinkReconnecting)
	l.logger.Warn().Str("transport", st.String()).Bool("initiator", l.Initiator).Msg("link reconnecting")
	s.m.emit(Event{Kind: EventLinkReconnecting, Remote: l.Remote})

	remote, gen := l.Remote, l.gen
	l.restartTimer = s.clock.AfterFunc(s.restartTimeout, func() {
		s.m.post(func() {
			if l := s.m.current(remote, gen); l != nil && l.restartTimer != nil {
				s.giveUp(l, "ICE restart timed out")
			}
		})
	})
	if !l.Initiator {
		// The original offerer restarts; this side answers its offer.
		return
	}
	if err := s.m.offer(l, true); err != nil {
		s.giveUp(l, err.Error())
	}
}

// watch raises EventLinkDegraded once if the link does not connect in time.
func (s *Supervisor) watch(l *Link) {
	if s.gatherTimeout <= 0 {
		return
	}
	remote, gen := l.Remote, l.gen
	l.gatherTimer = s.clock.AfterFunc(s.gatherTimeout, func() {
		s.m.post(func() {
			l := s.m.current(remote, gen)
			if l == nil || l.transport == core.TransportConnected || l.degraded {
				return
			}
			l.degraded = true
			l.logger.Warn().Dur("after", s.gatherTimeout).Msg("link not connected yet")
			s.m.emit(Event{Kind: EventLinkDegraded, Remote: remote})
		})
	})
}

func (s *Supervisor) forget(l *Link) {
	stopTimer(&l.gatherTimer)
	stopTimer(&l.restartTimer)
}

func (s *Supervisor) giveUp(l *Link, reason string) {
	l.logger.Warn().Str("reason", reason).Msg("peer unreachable")
	s.m.CloseLink(l.Remote)
	s.m.emit(Event{Kind: EventPeerUnreachable, Remote: l.Remote, Err: fmt.Errorf("%w: %s", domain.ErrPeerUnreachable, reason)})
}

func stopTimer(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
