package errors

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"same type", NoLockToken("/a"), ErrNoLockToken, true},
		{"wrapped", fmt.Errorf("committing: %w", BadLockToken("/a")), ErrBadLockToken, true},
		{"different type", BadLockToken("/a"), ErrNoLockToken, false},
		{"plain error", fmt.Errorf("boom"), ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.target))
		})
	}
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, StatusCode(PathNotFound("/x")))
	assert.Equal(t, http.StatusConflict, StatusCode(fmt.Errorf("x: %w", Conflict("/", "out of date"))))
	assert.Equal(t, http.StatusInternalServerError, StatusCode(fmt.Errorf("boom")))
}

func TestHookFailureMessage(t *testing.T) {
	err := HookFailure("pre-commit", "log message required")
	assert.Contains(t, err.Error(), "pre-commit hook failed")
	assert.Contains(t, err.Error(), "log message required")
	assert.Equal(t, ErrorTypeHookFailure, TypeOf(err))
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := FromContext(ctx.Err())
	assert.True(t, Is(err, ErrCancelled))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, FromContext(nil))
}
