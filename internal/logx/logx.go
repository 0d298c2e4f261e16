// Package logx provides the structured logging fields and component-scoped
// loggers shared by the Locker and its workers, so the core only ever needs
// a log(level, key=value...) sink (spec.md §9) rather than a logger
// singleton.
package logx

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard field names, kept consistent across components.
const (
	FieldQueue       = "queue"
	FieldJobID       = "job_id"
	FieldPriority    = "priority"
	FieldWorker      = "worker"
	FieldBufferSize  = "buffer_size"
	FieldPid         = "pid"
	FieldState       = "state"
	FieldError       = "error"
	FieldErrorCount  = "error_count"
	FieldJobClass    = "job_class"
	FieldDurationMS  = "duration_ms"
)

// New builds the root logger for the given level name ("debug", "info",
// "warn", "error", "fatal") writing to stdout, matching the CLI's
// --log-level flag (spec.md §6).
func New(level string, logInternals bool) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stdout"},
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if logInternals {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}

	return cfg.Build()
}

// ParseLevel maps the CLI's --log-level values onto zapcore levels. "fatal"
// is accepted as a level name (spec.md §6) and maps to zap's Error level, so
// the process does not exit on a log line the way zap's own Fatal would.
func ParseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.ErrorLevel, nil
	default:
		return 0, zapFieldErr(level)
	}
}

func zapFieldErr(level string) error {
	return &unknownLevelError{level: level}
}

type unknownLevelError struct{ level string }

func (e *unknownLevelError) Error() string {
	return "unknown log level: " + e.level
}

// Component returns a logger named for a single subsystem (e.g.
// "que.locker", "que.worker"), so log lines can be attributed without the
// caller threading a name through every call.
func Component(root *zap.Logger, name string) *zap.SugaredLogger {
	return root.Named(name).Sugar()
}
