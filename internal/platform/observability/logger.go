// Package observability configures zap logging, Cloud Trace propagation and request logging.
package observability

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/plankworks/api/internal/platform/requestctx"
)

const defaultLogLevel = "info"

// NewLogger builds a JSON logger whose keys match Cloud Logging's structured format.
func NewLogger(level string) (*zap.Logger, error) {
	atom := zap.NewAtomicLevel()
	if err := atom.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		_ = atom.UnmarshalText([]byte(defaultLogLevel))
	}

	cfg := zap.Config{
		Level:    atom,
		Encoding: "json",
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:    "message",
			TimeKey:       "timestamp",
			LevelKey:      "severity",
			CallerKey:     "caller",
			StacktraceKey: "stacktrace",
			EncodeTime:    zapcore.RFC3339NanoTimeEncoder,
			EncodeCaller:  zapcore.ShortCallerEncoder,
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				enc.AppendString(strings.ToUpper(l.String()))
			},
		},
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}
	return cfg.Build()
}

// FromContext returns the request-scoped logger.
func FromContext(ctx context.Context) *zap.Logger {
	return requestctx.Logger(ctx)
}

// EventLogger is the logging hook services accept: a dotted event name plus structured fields.
type EventLogger func(ctx context.Context, event string, fields map[string]any)

// NewEventLogger routes service events to the request logger when one is on the context and to
// base otherwise. Events containing "invariant" log at error, ".failed" and "_failed" events at warn.
func NewEventLogger(base *zap.Logger) EventLogger {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.Logger(ctx)
		if logger == requestctx.NoopLogger() {
			logger = base
		}
		zfields := make([]zap.Field, 0, len(fields)+1)
		zfields = append(zfields, zap.String("event", event))
		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			zfields = append(zfields, zap.Any(key, fields[key]))
		}

		switch eventLevel(event) {
		case zapcore.ErrorLevel:
			logger.Error(event, zfields...)
		case zapcore.WarnLevel:
			logger.Warn(event, zfields...)
		default:
			logger.Info(event, zfields...)
		}
	}
}

func eventLevel(event string) zapcore.Level {
	switch {
	case strings.Contains(event, "invariant"):
		return zapcore.ErrorLevel
	case strings.HasSuffix(event, ".failed"), strings.HasSuffix(event, "_failed"), strings.HasSuffix(event, ".unknown"):
		return zapcore.WarnLevel
	default:
		return zapcore.InfoLevel
	}
}
