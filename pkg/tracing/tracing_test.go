package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "streamhub", cfg.ServiceName)
	assert.False(t, cfg.Enabled)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestSpans_NoProvider(t *testing.T) {
	ctx, span := TraceHubEvent(context.Background(), "send-message", "sess-1", "s1")
	require.NotNil(t, span)
	RecordError(ctx, errors.New("boom"))
	span.End()

	_, span = TraceHTTPRequest(context.Background(), "GET", "/api/streams/:id")
	span.End()
}
