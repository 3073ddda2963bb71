// Command peer joins a session as a headless participant. It sends idle
// tracks and logs everything that happens in the session.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/meshcast/internal/adapters/relayclient"
	"github.com/dkeye/meshcast/internal/adapters/rtc"
	"github.com/dkeye/meshcast/internal/config"
	"github.com/dkeye/meshcast/internal/domain"
	"github.com/dkeye/meshcast/internal/media"
	"github.com/dkeye/meshcast/internal/peer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	fs := pflag.NewFlagSet("peer", pflag.ExitOnError)
	fs.String("relay", "", "relay websocket url")
	fs.String("session", "demo", "session to join")
	fs.String("name", "peer", "display name")
	fs.String("role", string(domain.RoleAttendee), "initiator or attendee")
	fs.Bool("video", true, "send video")
	fs.Bool("audio", true, "send audio")
	fs.String("log-level", "", "overrides log_level from the config file")
	_ = fs.Parse(os.Args[1:])

	v := config.New()
	_ = v.BindPFlag("session", fs.Lookup("session"))
	_ = v.BindPFlag("name", fs.Lookup("name"))
	_ = v.BindPFlag("role", fs.Lookup("role"))
	_ = v.BindPFlag("video", fs.Lookup("video"))
	_ = v.BindPFlag("audio", fs.Lookup("audio"))
	if fs.Changed("relay") {
		_ = v.BindPFlag("peer.relay_url", fs.Lookup("relay"))
	}
	if fs.Changed("log-level") {
		_ = v.BindPFlag("log_level", fs.Lookup("log-level"))
	}

	cfg, err := config.Decode(v)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.ApplyLogLevel(cfg.LogLevel)

	api, err := rtc.NewAPI(rtc.APIOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc api")
	}
	factory := &rtc.Factory{API: api, Config: rtc.Configuration(cfg.Peer.ICEServers)}

	relay, err := relayclient.Dial(ctx, cfg.Peer.RelayURL, nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.Peer.RelayURL).Msg("relay")
	}
	defer relay.Close()

	s, err := peer.JoinSession(ctx, peer.JoinOptions{
		SessionID:       domain.SessionID(v.GetString("session")),
		DisplayName:     v.GetString("name"),
		Role:            domain.Role(v.GetString("role")),
		Video:           v.GetBool("video"),
		Audio:           v.GetBool("audio"),
		Relay:           relay,
		Media:           media.NewController(media.IdleDevices{}),
		Connections:     factory.New,
		JoinTimeout:     cfg.Peer.JoinTimeout,
		GatherTimeout:   cfg.Peer.GatherTimeout,
		RestartTimeout:  cfg.Peer.RestartTimeout,
		FailureWindow:   cfg.Peer.FailureWindow,
		CandidateBuffer: cfg.Peer.CandidateBuffer,
		PendingPeers:    cfg.Peer.PendingPeers,
		EventBuffer:     cfg.Peer.EventBuffer,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	self := s.Self()
	log.Info().Str("session", string(s.ID())).Str("self", string(self.ID)).Int("participants", len(s.Participants())).Msg("joined")

	go func() {
		<-ctx.Done()
		s.Leave()
	}()

	for ev := range s.Events() {
		e := log.Info()
		if ev.Err != nil {
			e = log.Warn().Err(ev.Err)
		}
		if ev.Participant != nil {
			e = e.Str("name", ev.Participant.DisplayName).
				Bool("audio", ev.Participant.Media.AudioEnabled).
				Bool("video", ev.Participant.Media.VideoEnabled).
				Bool("screen", ev.Participant.ScreenSharing)
		}
		if ev.Track != nil {
			e = e.Str("track", ev.Track.Kind().String())
		}
		e.Str("remote", string(ev.Remote)).Msg(ev.Kind.String())
	}

	<-s.Done()
	if err := s.Err(); err != nil {
		log.Error().Err(err).Msg("session ended")
		os.Exit(1)
	}
	log.Info().Msg("left session")
}
