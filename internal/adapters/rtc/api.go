package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	transport "github.com/pion/transport/v3"
	"github.com/pion/webrtc/v4"
)

type APIOptions struct {
	// Net replaces the host network stack, e.g. with a vnet.Net in tests.
	Net transport.Net
	// UDPPortMin and UDPPortMax restrict ICE host candidates when both are set.
	UDPPortMin, UDPPortMax uint16
}

// NewAPI builds a webrtc.API with the default codecs and interceptors and
// pion logging routed into zerolog.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory()}
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}
	if opts.UDPPortMin != 0 && opts.UDPPortMax != 0 {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortMin, opts.UDPPortMax); err != nil {
			return nil, fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
	), nil
}

// Configuration turns ICE server URLs into a pion configuration.
func Configuration(iceServers []string) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: iceServers}}
	}
	return cfg
}
