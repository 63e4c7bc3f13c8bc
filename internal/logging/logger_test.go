package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "none"} {
		t.Run(level, func(t *testing.T) {
			logger, err := NewLogger(level)
			require.NoError(t, err)
			assert.NotNil(t, logger.Logger)
		})
	}

	_, err := NewLogger("loud")
	assert.Error(t, err)
}

func TestWithRequestID(t *testing.T) {
	logger := Nop()
	ctx := context.WithValue(context.Background(), RequestIDKey, "abc")
	assert.NotNil(t, logger.WithRequestID(ctx))
	assert.Same(t, logger.Logger, logger.WithRequestID(context.Background()))
	assert.NotNil(t, OrNop(nil))
}
