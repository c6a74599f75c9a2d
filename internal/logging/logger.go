// Package logging builds the zerolog loggers used across feedrank and
// adapts them to the logging hooks of third-party libraries.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// Config configures the root logger.
type Config struct {
	// Level is one of trace, debug, info, warn, error. Default: info.
	Level string
	// Format is json or console. Default: json.
	Format string
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New builds a root logger from cfg and sets the global level.
func New(cfg Config) zerolog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFieldName = "time"
	zerolog.MessageFieldName = "message"

	out := cfg.Output
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: "15:04:05"}
	}
	return zerolog.New(out).With().Timestamp().Str("service", "feedrank").Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// CronLogger adapts a zerolog.Logger to robfig/cron's Logger interface.
type CronLogger struct {
	logger zerolog.Logger
}

// NewCronLogger wraps logger for use with cron.WithLogger.
func NewCronLogger(logger zerolog.Logger) CronLogger {
	return CronLogger{logger: logger}
}

func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// SupervisorHook logs suture supervisor events.
func SupervisorHook(logger zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		switch e.(type) {
		case suture.EventServicePanic, suture.EventServiceTerminate:
			logger.Error().Msg(e.String())
		case suture.EventBackoff, suture.EventStopTimeout:
			logger.Warn().Msg(e.String())
		default:
			logger.Info().Msg(e.String())
		}
	}
}
