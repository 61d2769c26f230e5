package mongonode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestZapSinkForwardsMessages(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sink := &zapSink{logger: zap.New(core)}

	sink.Info(1, "server selected", "serverHost", "localhost:20000")
	sink.Error(errors.New("connection refused"), "connection failed", "serverHost", "localhost:20001")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "server selected", entries[0].Message)
	assert.Equal(t, "localhost:20000", entries[0].ContextMap()["serverHost"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "connection refused", entries[1].ContextMap()["error"])
}

func TestLoggerOptionsFollowLevel(t *testing.T) {
	debugCore, _ := observer.New(zapcore.DebugLevel)
	opts := newLoggerOptions(zap.New(debugCore))
	assert.Equal(t, options.LogLevelDebug, opts.ComponentLevels[options.LogComponentTopology])

	infoCore, _ := observer.New(zapcore.InfoLevel)
	opts = newLoggerOptions(zap.New(infoCore))
	assert.Equal(t, options.LogLevelInfo, opts.ComponentLevels[options.LogComponentTopology])
}
