package media

import (
	"context"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// Capture is a host media source already packetized as RTP.
type Capture interface {
	Codec() webrtc.RTPCodecCapability
	// ReadRTP blocks until a packet is available. It returns io.EOF once the
	// capture is closed.
	ReadRTP() (*rtp.Packet, error)
	Close() error
}

// Devices opens host capture sources. Implementations report refusals with
// domain.ErrDeviceDenied / domain.ErrUserCancelled and missing hardware with
// domain.ErrDeviceUnavailable / domain.ErrNotSupported.
type Devices interface {
	OpenCamera(ctx context.Context) (Capture, error)
	OpenMicrophone(ctx context.Context) (Capture, error)
	OpenScreen(ctx context.Context) (Capture, error)
}

var (
	VideoCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	AudioCodec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// IdleDevices hands out captures that never produce a packet. Headless
// participants use it to negotiate links without real hardware.
type IdleDevices struct{}

func (IdleDevices) OpenCamera(context.Context) (Capture, error) {
	return newIdleCapture(VideoCodec), nil
}
func (IdleDevices) OpenMicrophone(context.Context) (Capture, error) {
	return newIdleCapture(AudioCodec), nil
}
func (IdleDevices) OpenScreen(context.Context) (Capture, error) {
	return newIdleCapture(VideoCodec), nil
}

type idleCapture struct {
	codec  webrtc.RTPCodecCapability
	once   sync.Once
	closed chan struct{}
}

func newIdleCapture(codec webrtc.RTPCodecCapability) *idleCapture {
	return &idleCapture{codec: codec, closed: make(chan struct{})}
}

func (c *idleCapture) Codec() webrtc.RTPCodecCapability { return c.codec }

func (c *idleCapture) ReadRTP() (*rtp.Packet, error) {
	<-c.closed
	return nil, io.EOF
}

func (c *idleCapture) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}
