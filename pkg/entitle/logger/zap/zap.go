// Package zap adapts go.uber.org/zap to entitle.Logger.
package zap

import (
	"go.uber.org/zap"

	"github.com/mihaimyh/goentitle/pkg/entitle"
)

// Logger implements entitle.Logger using zap.
type Logger struct {
	logger *zap.Logger
}

// NewLogger creates a new zap logger adapter. A nil logger disables output.
func NewLogger(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...entitle.Field) {
	l.logger.Debug(msg, toZap(fields)...)
}

func (l *Logger) Info(msg string, fields ...entitle.Field) {
	l.logger.Info(msg, toZap(fields)...)
}

func (l *Logger) Warn(msg string, fields ...entitle.Field) {
	l.logger.Warn(msg, toZap(fields)...)
}

func (l *Logger) Error(msg string, fields ...entitle.Field) {
	l.logger.Error(msg, toZap(fields)...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.logger.Sync()
}

func toZap(fields []entitle.Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
