package keydex

import (
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// Logger interface matches the implementation of slog. Adapters for
// zap and logrus are provided below; the default discards everything.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger is the default logger that compiles to a no-op
type DiscardLogger struct{}

func (d DiscardLogger) Error(string, ...any) {}

func (d DiscardLogger) Warn(string, ...any) {}

func (d DiscardLogger) Info(string, ...any) {}

// zapLogger wraps a zap.Logger to implement Logger.
type zapLogger struct {
	logger *zap.Logger
}

// NewZapLogger creates a Logger from a zap.Logger.
func NewZapLogger(logger *zap.Logger) Logger {
	return &zapLogger{logger: logger}
}

func (z *zapLogger) Error(msg string, args ...any) {
	z.logger.Sugar().Errorw(msg, args...)
}

func (z *zapLogger) Warn(msg string, args ...any) {
	z.logger.Sugar().Warnw(msg, args...)
}

func (z *zapLogger) Info(msg string, args ...any) {
	z.logger.Sugar().Infow(msg, args...)
}

// logrusLogger wraps a logrus.Logger to implement Logger.
type logrusLogger struct {
	logger *logrus.Logger
}

// NewLogrusLogger creates a Logger from a logrus.Logger.
func NewLogrusLogger(logger *logrus.Logger) Logger {
	return &logrusLogger{logger: logger}
}

func (l *logrusLogger) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

func (l *logrusLogger) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

func (l *logrusLogger) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
