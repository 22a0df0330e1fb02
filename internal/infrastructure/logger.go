package infrastructure

import (
	"os"
	"strings"

	"github.com/dlhauer/zulip/internal/config"
	"github.com/dlhauer/zulip/pkg/queue"
	"github.com/rs/zerolog"
)

// Logger wraps zerolog to keep the rest of the codebase decoupled from the
// logging backend.
type Logger struct {
	zerolog.Logger
}

// NewLogger builds the service logger from config: JSON output by default,
// human-readable console output when the format says so.
func NewLogger(cfg config.LoggingConfig, serviceName string) Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if strings.EqualFold(cfg.Format, "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		logger = zerolog.New(os.Stderr)
	}

	logger = logger.Level(level).With().
		Timestamp().
		Str("service", serviceName).
		Logger()

	return Logger{Logger: logger}
}

// QueueLogger adapts the service logger to the queue client's logging
// interface.
func (l Logger) QueueLogger() queue.Logger {
	return queueLogger{logger: l.Logger}
}

type queueLogger struct {
	logger zerolog.Logger
}

func (l queueLogger) Debug() queue.LogEvent { return queueLogEvent{evt: l.logger.Debug()} }
func (l queueLogger) Info() queue.LogEvent  { return queueLogEvent{evt: l.logger.Info()} }
func (l queueLogger) Warn() queue.LogEvent  { return queueLogEvent{evt: l.logger.Warn()} }
func (l queueLogger) Error() queue.LogEvent { return queueLogEvent{evt: l.logger.Error()} }

type queueLogEvent struct {
	evt *zerolog.Event
}

func (e queueLogEvent) Msg(msg string) {
	e.evt.Msg(msg)
}

func (e queueLogEvent) Err(err error) queue.LogEvent {
	return queueLogEvent{evt: e.evt.Err(err)}
}

func (e queueLogEvent) Str(key, value string) queue.LogEvent {
	return queueLogEvent{evt: e.evt.Str(key, value)}
}

func (e queueLogEvent) Int(key string, value int) queue.LogEvent {
	return queueLogEvent{evt: e.evt.Int(key, value)}
}
