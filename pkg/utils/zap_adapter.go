package utils

import "go.uber.org/zap"

// ZapKVAdapter adapts zap.Logger to the key-value Logger interfaces used
// by the dispatcher and HTTP server.
type ZapKVAdapter struct {
	logger *zap.Logger
}

// NewZapKVAdapter wraps a zap logger
func NewZapKVAdapter(logger *zap.Logger) *ZapKVAdapter {
	return &ZapKVAdapter{logger: logger}
}

func (a *ZapKVAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Info(msg, convertToZapFields(keysAndValues...)...)
}

func (a *ZapKVAdapter) Error(msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, convertToZapFields(keysAndValues...)...)
}

// convertToZapFields converts key-value pairs to zap fields
func convertToZapFields(keysAndValues ...interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			continue
		}
		fields = append(fields, zap.Any(key, keysAndValues[i+1]))
	}
	return fields
}
