package logger

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// ZerologLogger implements the ports.Logger interface on rs/zerolog,
// producing structured JSON output for deployments that ship logs to an
// aggregator.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger creates a JSON logger on os.Stderr at the given level.
func NewZerologLogger(level string) *ZerologLogger {
	zl := zerolog.New(os.Stderr).With().Timestamp().Logger()
	switch strings.ToUpper(level) {
	case "DEBUG":
		zl = zl.Level(zerolog.DebugLevel)
	case "WARN", "WARNING":
		zl = zl.Level(zerolog.WarnLevel)
	case "ERROR":
		zl = zl.Level(zerolog.ErrorLevel)
	default:
		zl = zl.Level(zerolog.InfoLevel)
	}
	return &ZerologLogger{logger: zl}
}

func withFields(ev *zerolog.Event, fields []map[string]interface{}) *zerolog.Event {
	if len(fields) > 0 && fields[0] != nil {
		ev = ev.Fields(fields[0])
	}
	return ev
}

// Debug logs a message at Debug level.
func (l *ZerologLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Debug(), fields).Msg(msg)
}

// Info logs a message at Info level.
func (l *ZerologLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Info(), fields).Msg(msg)
}

// Warn logs a message at Warning level.
func (l *ZerologLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Warn(), fields).Msg(msg)
}

// Error logs an error message at Error level.
func (l *ZerologLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	withFields(l.logger.Error().Err(err), fields).Msg(msg)
}
