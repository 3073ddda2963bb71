package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`
	LogLevel   string        `mapstructure:"log_level"`

	Signal SignalConfig `mapstructure:"signal"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Peer   PeerConfig   `mapstructure:"peer"`
}

type SignalConfig struct {
	SendBuffer int     `mapstructure:"send_buffer"`
	RateLimit  float64 `mapstructure:"rate_limit"` // frames per second
	RateBurst  int     `mapstructure:"rate_burst"`
}

type AuthConfig struct {
	// Sessions restricts joins to the listed sessions; empty admits everyone.
	Sessions map[string][]string `mapstructure:"sessions"`
}

type PeerConfig struct {
	RelayURL        string        `mapstructure:"relay_url"`
	ICEServers      []string      `mapstructure:"ice_servers"`
	CandidateBuffer int           `mapstructure:"candidate_buffer"`
	PendingPeers    int           `mapstructure:"pending_peers"`
	JoinTimeout     time.Duration `mapstructure:"join_timeout"`
	GatherTimeout   time.Duration `mapstructure:"gather_timeout"`
	RestartTimeout  time.Duration `mapstructure:"restart_timeout"`
	FailureWindow   time.Duration `mapstructure:"failure_window"`
	EventBuffer     int           `mapstructure:"event_buffer"`
}

// New returns a viper instance with defaults set and the config file of the
// current CONFIG_ENV (or CONFIG_FILE) read in, when present.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	fileName := os.Getenv("CONFIG_FILE")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "change-me")
	v.SetDefault("log_level", "info")

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.rate_limit", 50)
	v.SetDefault("signal.rate_burst", 100)

	v.SetDefault("peer.relay_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("peer.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("peer.candidate_buffer", 32)
	v.SetDefault("peer.pending_peers", 64)
	v.SetDefault("peer.join_timeout", "10s")
	v.SetDefault("peer.gather_timeout", "15s")
	v.SetDefault("peer.restart_timeout", "10s")
	v.SetDefault("peer.failure_window", "30s")
	v.SetDefault("peer.event_buffer", 64)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}
	return v
}

func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Load reads the config, applies its log level and returns both the decoded
// Config and the viper instance for Watch.
func Load() (*Config, *viper.Viper, error) {
	v := New()
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	ApplyLogLevel(cfg.LogLevel)
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config ready")
	return cfg, v, nil
}

// ApplyLogLevel sets the global zerolog level; unknown levels fall back to info.
func ApplyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Watch re-applies log_level whenever the config file changes.
func Watch(v *viper.Viper) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := v.GetString("log_level")
		ApplyLogLevel(level)
		log.Info().Str("module", "config").Str("file", e.Name).Str("log_level", level).Msg("config reloaded")
	})
	v.WatchConfig()
}
