package stream

import (
	"go.uber.org/zap"
)

// LogObserver reports transitions to logger. Errors are logged at warn level,
// everything else at debug.
func LogObserver(logger *zap.Logger) Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(t Transition) {
		fields := []zap.Field{
			zap.String("session", t.SessionID),
			zap.Stringer("from", t.From),
			zap.Stringer("to", t.To),
		}
		if t.Err != nil {
			logger.Warn("stream session error", append(fields, zap.Error(t.Err))...)
			return
		}
		logger.Debug("stream session transition", fields...)
	}
}

