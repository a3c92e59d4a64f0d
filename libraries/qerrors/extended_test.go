package qerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtendedTerminal(t *testing.T) {
	terminal := []Extended{SUCCESS, CLIENT_ERROR, SERVER_BAD, SERVER_ERROR, SERVER_CANCELLED, EXPIRED, CANCELLED, TIMEOUT_EXPIRED}
	for _, e := range terminal {
		assert.True(t, e.Terminal(), e.String())
	}
	notTerminal := []Extended{NONE, SERVER_QUEUED, SERVER_IN_PROGRESS, SERVER_IS_CANCELLING}
	for _, e := range notTerminal {
		assert.False(t, e.Terminal(), e.String())
	}
}

func TestExtendedRetryable(t *testing.T) {
	assert.True(t, SERVER_QUEUED.Retryable())
	assert.True(t, SERVER_IN_PROGRESS.Retryable())
	assert.False(t, SUCCESS.Retryable())
	assert.False(t, NONE.Retryable())
}

func TestErrorMessage(t *testing.T) {
	cause := errors.New("connection reset")
	err := New("worker01", "req-123", SERVER_ERROR, "out of disk", cause)
	msg := err.Error()
	assert.Contains(t, msg, "worker01")
	assert.Contains(t, msg, "req-123")
	assert.Contains(t, msg, "SERVER_ERROR")
	assert.Contains(t, msg, "out of disk")
	assert.Contains(t, msg, "connection reset")
	require.ErrorIs(t, err, err)
	assert.Equal(t, cause, err.Cause())
}

func TestFatalFuncRecords(t *testing.T) {
	var called bool
	var gotMsg string
	var f FatalFunc = func(msg string, fields ...zap.Field) {
		called = true
		gotMsg = msg
	}
	f("boom")
	assert.True(t, called)
	assert.Equal(t, "boom", gotMsg)
}
