package entitle

// Field is one key/value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

// Logger is the structured logger the engine, syncer and adapters write to.
// Messages are short and constant; anything variable goes in fields so log
// backends can index it. See the zerolog and zap adapters under logger/.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// NoopLogger discards everything. It is the default when no Logger is configured.
type NoopLogger struct{}

var _ Logger = (*NoopLogger)(nil)

func (*NoopLogger) Debug(string, ...Field) {}
func (*NoopLogger) Info(string, ...Field)  {}
func (*NoopLogger) Warn(string, ...Field)  {}
func (*NoopLogger) Error(string, ...Field) {}
