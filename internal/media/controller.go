// Package media owns local capture: acquisition, enablement, screen share
// and release of the tracks every peer link sends.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/meshcast/internal/domain"
)

// LocalMediaState holds the currently open tracks; nil means not acquired.
type LocalMediaState struct {
	Camera *LocalTrack
	Mic    *LocalTrack
	Screen *LocalTrack
}

type Controller struct {
	devices  Devices
	streamID string

	mu     sync.Mutex
	state  LocalMediaState
	logger zerolog.Logger
}

func NewController(devices Devices) *Controller {
	streamID := "meshcast-" + uuid.NewString()
	return &Controller{
		devices:  devices,
		streamID: streamID,
		logger:   log.With().Str("module", "media").Str("stream", streamID).Logger(),
	}
}

// Acquire opens the requested captures. Already open tracks are reused. On
// error everything opened by this call is released again.
func (c *Controller) Acquire(ctx context.Context, wantVideo, wantAudio bool) (LocalMediaState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var opened []*LocalTrack
	fail := func(err error) (LocalMediaState, error) {
		for _, t := range opened {
			t.stop()
		}
		c.state = c.without(opened)
		return c.state, err
	}

	if wantVideo && c.state.Camera == nil {
		t, err := c.open(ctx, domain.MediaVideo, false, c.devices.OpenCamera)
		if err != nil {
			return fail(deviceError("camera", err))
		}
		opened = append(opened, t)
		c.state.Camera = t
	}
	if wantAudio && c.state.Mic == nil {
		t, err := c.open(ctx, domain.MediaAudio, false, c.devices.OpenMicrophone)
		if err != nil {
			return fail(deviceError("microphone", err))
		}
		opened = append(opened, t)
		c.state.Mic = t
	}
	c.logger.Info().Bool("video", c.state.Camera != nil).Bool("audio", c.state.Mic != nil).Msg("media acquired")
	return c.state, nil
}

// AcquireScreenShare opens a screen capture, or returns the one already open.
func (c *Controller) AcquireScreenShare(ctx context.Context) (*LocalTrack, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Screen != nil {
		return c.state.Screen, nil
	}
	t, err := c.open(ctx, domain.MediaVideo, true, c.devices.OpenScreen)
	if err != nil {
		if !errors.Is(err, domain.ErrUserCancelled) && !errors.Is(err, domain.ErrNotSupported) {
			err = fmt.Errorf("%w: %v", domain.ErrNotSupported, err)
		}
		return nil, fmt.Errorf("screen: %w", err)
	}
	c.state.Screen = t
	c.logger.Info().Msg("screen share started")
	return t, nil
}

// StopScreenShare releases only the screen track.
func (c *Controller) StopScreenShare() {
	c.mu.Lock()
	t := c.state.Screen
	c.state.Screen = nil
	c.mu.Unlock()
	if t != nil {
		t.stop()
		c.logger.Info().Msg("screen share stopped")
	}
}

// SetEnabled mutes or unmutes the camera or microphone. The track stays
// attached to every link; only packet forwarding changes.
func (c *Controller) SetEnabled(kind domain.MediaKind, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var t *LocalTrack
	switch kind {
	case domain.MediaAudio:
		t = c.state.Mic
	case domain.MediaVideo:
		t = c.state.Camera
	default:
		return fmt.Errorf("media kind %q: %w", kind, domain.ErrNotSupported)
	}
	if t == nil || !t.setEnabled(enabled) {
		return fmt.Errorf("%s: %w", kind, domain.ErrDeviceUnavailable)
	}
	c.logger.Debug().Str("kind", string(kind)).Bool("enabled", enabled).Msg("track enablement changed")
	return nil
}

// OutgoingVideo is the track links should send as video: the screen while
// sharing, the camera otherwise. It may be nil.
func (c *Controller) OutgoingVideo() *LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Screen != nil {
		return c.state.Screen
	}
	return c.state.Camera
}

func (c *Controller) State() LocalMediaState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Release stops every track. It is idempotent.
func (c *Controller) Release() {
	c.mu.Lock()
	st := c.state
	c.state = LocalMediaState{}
	c.mu.Unlock()

	var wg conc.WaitGroup
	for _, t := range []*LocalTrack{st.Camera, st.Mic, st.Screen} {
		if t == nil {
			continue
		}
		wg.Go(t.stop)
	}
	wg.Wait()
	c.logger.Info().Msg("media released")
}

func (c *Controller) open(ctx context.Context, kind domain.MediaKind, screen bool, openFn func(context.Context) (Capture, error)) (*LocalTrack, error) {
	capture, err := openFn(ctx)
	if err != nil {
		return nil, err
	}
	t, err := newLocalTrack(kind, screen, capture, c.streamID)
	if err != nil {
		_ = capture.Close()
		return nil, err
	}
	t.start(context.Background(), &c.logger)
	return t, nil
}

func (c *Controller) without(tracks []*LocalTrack) LocalMediaState {
	st := c.state
	for _, t := range tracks {
		switch t {
		case st.Camera:
			st.Camera = nil
		case st.Mic:
			st.Mic = nil
		case st.Screen:
			st.Screen = nil
		}
	}
	return st
}

func deviceError(device string, err error) error {
	if !errors.Is(err, domain.ErrDeviceDenied) && !errors.Is(err, domain.ErrDeviceUnavailable) {
		err = fmt.Errorf("%w: %v", domain.ErrDeviceUnavailable, err)
	}
	return fmt.Errorf("%s: %w", device, err)
}
