package billing

// Field is a structured log field.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logger used across the engine.
// See logger/zerolog for the production adapter.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything.
type NoopLogger struct{}

func (n *NoopLogger) Debug(msg string, fields ...Field) {}
func (n *NoopLogger) Info(msg string, fields ...Field)  {}
func (n *NoopLogger) Warn(msg string, fields ...Field)  {}
func (n *NoopLogger) Error(msg string, fields ...Field) {}

// ErrField wraps err as the conventional "error" field.
func ErrField(err error) Field {
	return Field{Key: "error", Value: err}
}
