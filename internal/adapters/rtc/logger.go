package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type loggerFactory struct{}

// NewLoggerFactory routes pion's scoped loggers into the global zerolog logger.
func NewLoggerFactory() logging.LoggerFactory { return loggerFactory{} }

func (loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{z: log.With().Str("module", "pion").Str("scope", scope).Logger()}
}

type pionLogger struct {
	z zerolog.Logger
}

func (l *pionLogger) Trace(msg string) { l.z.Trace().Msg(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) {
	l.z.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	l.z.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Info(msg string) { l.z.Info().Msg(msg) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	l.z.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Warn(msg string) { l.z.Warn().Msg(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	l.z.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Error(msg string) { l.z.Error().Msg(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	l.z.Error().Msg(fmt.Sprintf(format, args...))
}
