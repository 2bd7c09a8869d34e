package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, RequestID(ctx))

	ctx = WithRequestID(ctx, "req-123")
	assert.Equal(t, "req-123", RequestID(ctx))
}

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		logger := New(level, "text")
		assert.NotNil(t, logger, "level %s", level)
	}
	assert.NotNil(t, New("info", "json"))
}

func TestFromContextFallback(t *testing.T) {
	ctx := context.Background()
	assert.NotNil(t, FromContext(ctx))

	logger := New("info", "text")
	ctx = WithLogger(ctx, logger)
	assert.Equal(t, logger, FromContext(ctx))
}
