package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestInitTelemetryWithoutEndpoint(t *testing.T) {
	ctx := context.Background()

	tracerProvider, meterProvider, err := initTelemetry(ctx, zaptest.NewLogger(t), "", true, true)
	require.NoError(t, err)
	require.NotNil(t, meterProvider)
	assert.Nil(t, tracerProvider)

	require.NoError(t, meterProvider.Shutdown(ctx))
}

func TestInitTelemetryRecordsSpans(t *testing.T) {
	ctx := context.Background()

	tracerProvider, meterProvider, err := initTelemetry(ctx, zaptest.NewLogger(t), "127.0.0.1:4317", true, false)
	require.NoError(t, err)
	require.NotNil(t, tracerProvider)
	require.NotNil(t, meterProvider)

	_, span := tracerProvider.Tracer("test").Start(ctx, "cluster.Setup")
	assert.True(t, span.IsRecording())
	span.End()

	// nothing listens on the endpoint, so exporting may fail
	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = tracerProvider.Shutdown(shutdownCtx)
	_ = meterProvider.Shutdown(shutdownCtx)
}

func TestInitTelemetryTracesDisabled(t *testing.T) {
	ctx := context.Background()

	tracerProvider, meterProvider, err := initTelemetry(ctx, zaptest.NewLogger(t), "127.0.0.1:4317", false, false)
	require.NoError(t, err)
	assert.Nil(t, tracerProvider)
	require.NoError(t, meterProvider.Shutdown(ctx))
}
