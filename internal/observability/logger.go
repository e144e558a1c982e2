// Package observability defines shared logging and metrics primitives.
package observability

import "log"

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F builds a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// StdLogger adapts a standard library logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
}

// NewStdLogger wraps the provided std logger; a nil logger yields a no-op.
func NewStdLogger(inner *log.Logger) Logger {
	if inner == nil {
		return noopLogger{}
	}
	return &StdLogger{inner: inner}
}

// Debug logs at debug level.
func (l *StdLogger) Debug(msg string, fields ...Field) { l.print("DEBUG", msg, fields) }

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) { l.print("INFO", msg, fields) }

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) { l.print("ERROR", msg, fields) }

func (l *StdLogger) print(level, msg string, fields []Field) {
	if len(fields) == 0 {
		l.inner.Printf("%s %s", level, msg)
		return
	}
	args := make([]any, 0, len(fields)*2)
	format := "%s %s"
	for _, f := range fields {
		format += " %s=%v"
		args = append(args, f.Key, f.Value)
	}
	all := append([]any{level, msg}, args...)
	l.inner.Printf(format, all...)
}
