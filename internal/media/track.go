package media

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/meshcast/internal/domain"
)

type TrackState int32

const (
	TrackLive TrackState = iota
	TrackMuted
	TrackStopped
)

func (s TrackState) String() string {
	switch s {
	case TrackLive:
		return "live"
	case TrackMuted:
		return "muted"
	case TrackStopped:
		return "stopped"
	}
	return "unknown"
}

// LocalTrack is one outgoing capture. Links only read it; the Controller
// owns its state.
type LocalTrack struct {
	Kind   domain.MediaKind
	Screen bool
	Track  *webrtc.TrackLocalStaticRTP

	state    atomic.Int32 // Zero by default (TrackLive)
	capture  Capture
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
	written  atomic.Uint64
}

func newLocalTrack(kind domain.MediaKind, screen bool, capture Capture, streamID string) (*LocalTrack, error) {
	id := string(kind)
	if screen {
		id = "screen"
	}
	tr, err := webrtc.NewTrackLocalStaticRTP(capture.Codec(), id, streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{Kind: kind, Screen: screen, Track: tr, capture: capture, done: make(chan struct{})}, nil
}

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) Enabled() bool { return t.State() == TrackLive }

// Written counts packets forwarded to the track since it was opened.
func (t *LocalTrack) Written() uint64 { return t.written.Load() }

func (t *LocalTrack) setEnabled(enabled bool) bool {
	from, to := int32(TrackMuted), int32(TrackLive)
	if !enabled {
		from, to = to, from
	}
	return t.state.CompareAndSwap(from, to) || t.state.Load() == to
}

func (t *LocalTrack) start(ctx context.Context, logger *zerolog.Logger) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.pump(ctx, logger)
}

// pump reads RTP packets from the capture and writes them to the track.
// Muted tracks keep draining the capture so that unmuting is instant.
func (t *LocalTrack) pump(ctx context.Context, logger *zerolog.Logger) {
	defer close(t.done)
	for {
		select {
		case <-ctx.Done():
			t.state.Store(int32(TrackStopped))
			return
		default:
		}
		pkt, err := t.capture.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				logger.Error().Err(err).Str("track", t.Track.ID()).Msg("capture read error, stopping track")
			}
			t.state.Store(int32(TrackStopped))
			return
		}
		switch t.State() {
		case TrackStopped:
			return
		case TrackMuted:
		case TrackLive:
			if err := t.Track.WriteRTP(pkt); err != nil {
				logger.Warn().Err(err).Str("track", t.Track.ID()).Msg("track write error")
				continue
			}
			t.written.Add(1)
		}
	}
}

// stop ends the pump and closes the capture. Safe to call more than once.
func (t *LocalTrack) stop() {
	t.stopOnce.Do(func() {
		t.state.Store(int32(TrackStopped))
		if t.cancel != nil {
			t.cancel()
		}
		_ = t.capture.Close()
		if t.cancel != nil {
			<-t.done
		}
	})
}
