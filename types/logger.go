package types

// Logger defines methods for structured logging.
//
// Compatible with slog-style structured loggers; all methods accept
// alternating key-value pairs for structured fields.
type Logger interface {
	// Debug logs a message at DebugLevel with optional key-value fields.
	Debug(msg string, keysAndValues ...any)

	// Info logs a message at InfoLevel with optional key-value fields.
	Info(msg string, keysAndValues ...any)

	// Warn logs a message at WarnLevel with optional key-value fields.
	Warn(msg string, keysAndValues ...any)

	// Error logs a message at ErrorLevel with optional key-value fields.
	Error(msg string, keysAndValues ...any)
}
