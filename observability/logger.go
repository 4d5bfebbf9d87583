// Package observability defines the logging primitives the storage backend
// emits through. The default logger discards everything; hosts that want
// rollback and teardown diagnostics install their own via SetLogger.
package observability

// Logger receives the structured diagnostics produced by the pool and the
// segment store, such as suppressed rollback failures and per-connection
// close errors during teardown.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field is a key/value pair attached to a log entry.
type Field struct {
	Key   string
	Value any
}

var defaultLogger Logger = noopLogger{}

// SetLogger installs the logger used by the backend. A nil logger restores
// the discarding default.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the logger currently installed.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}
