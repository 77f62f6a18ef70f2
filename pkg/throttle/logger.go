package throttle

import "go.uber.org/zap"

// Field is a typed key/value pair attached to a log line. It exists so the
// core never imports a specific logging library's type into its public
// signature — only throttle.Field crosses the boundary.
type Field struct {
	Key   string
	Value interface{}
}

// F builds a Field. Short name because call sites chain several of these.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Logger is the capability the core depends on. Info is used for state
// transitions (decelerate, reaccelerate, cooling, breaker close);
// Warn is used for circuit-opened events, per the spec's §7 error-handling
// policy ("informational level for state transitions, warning for circuit
// opened").
type Logger interface {
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
}

// noopLogger discards everything. It is the default when no logger is
// configured, so the core never needs a nil check at call sites.
type noopLogger struct{}

func (noopLogger) Info(string, ...Field) {}
func (noopLogger) Warn(string, ...Field) {}

// NoopLogger is the zero-configuration Logger.
var NoopLogger Logger = noopLogger{}

// zapLogger adapts a *zap.SugaredLogger to the Logger interface.
type zapLogger struct {
	l *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger. Pass zap.NewProduction() or
// zap.NewDevelopment() depending on deployment target.
func NewZapLogger(l *zap.Logger) Logger {
	return &zapLogger{l: l.Sugar()}
}

func toArgs(fields []Field) []interface{} {
	args := make([]interface{}, 0, len(fields)*2)
	for _, f := range fields {
		args = append(args, f.Key, f.Value)
	}
	return args
}

func (z *zapLogger) Info(msg string, fields ...Field) {
	z.l.Infow(msg, toArgs(fields)...)
}

func (z *zapLogger) Warn(msg string, fields ...Field) {
	z.l.Warnw(msg, toArgs(fields)...)
}
