package redisclient

import (
	"go.uber.org/zap"
)

// zapLogger adapts a zap logger to the Logger interface
type zapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps a zap logger so it can be passed to WithLogger.
//
// Example:
//
//	zl, _ := zap.NewProduction()
//	conn, err := redisclient.Connect(ctx, "localhost:6379",
//		redisclient.WithLogger(redisclient.NewZapLogger(zl)),
//	)
func NewZapLogger(logger *zap.Logger) Logger {
	return &zapLogger{logger: logger}
}

func (zl *zapLogger) Debug(msg string, fields ...Field) {
	zl.logger.Debug(msg, convertFields(fields)...)
}

func (zl *zapLogger) Info(msg string, fields ...Field) {
	zl.logger.Info(msg, convertFields(fields)...)
}

func (zl *zapLogger) Error(msg string, fields ...Field) {
	zl.logger.Error(msg, convertFields(fields)...)
}

func convertFields(fields []Field) []zap.Field {
	result := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		result = append(result, zap.Any(field.Key, field.Value))
	}
	return result
}
