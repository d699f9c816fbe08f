package correlation

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id := NewID()
	assert.Len(t, id, 12)
	assert.NotEqual(t, id, NewID(), "ids should be unique")
}

func TestContextRoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), "abc123def456")

	id, ok := ID(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc123def456", id)

	_, ok = ID(context.Background())
	assert.False(t, ok)
}

func TestHandlerInjectsCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithID(context.Background(), "abc123def456")
	logger.InfoContext(ctx, "frame dispatched")
	assert.Contains(t, buf.String(), `"correlation_id":"abc123def456"`)

	buf.Reset()
	logger.Info("no context id")
	assert.NotContains(t, buf.String(), "correlation_id")
}
