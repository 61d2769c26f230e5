package mongonode

import (
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapSink forwards driver log messages into zap.  The driver only emits
// messages for the components enabled in newLoggerOptions.
type zapSink struct {
	logger *zap.Logger
}

var _ options.LogSink = (*zapSink)(nil)

func (s *zapSink) Info(level int, message string, keysAndValues ...interface{}) {
	s.logger.Sugar().Debugw(message, keysAndValues...)
}

func (s *zapSink) Error(err error, message string, keysAndValues ...interface{}) {
	s.logger.Sugar().Warnw(message, append(keysAndValues, "error", err)...)
}

func newLoggerOptions(logger *zap.Logger) *options.LoggerOptions {
	level := options.LogLevelInfo
	if logger.Core().Enabled(zapcore.DebugLevel) {
		level = options.LogLevelDebug
	}

	return options.Logger().
		SetSink(&zapSink{logger: logger.Named("driver")}).
		SetComponentLevel(options.LogComponentTopology, level).
		SetComponentLevel(options.LogComponentConnection, options.LogLevelInfo)
}
