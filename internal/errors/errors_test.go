package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"structured", New(KindNotFound, "image missing"), KindNotFound},
		{"wrapped in fmt", fmt.Errorf("outer: %w", New(KindTimeout, "slow")), KindTimeout},
		{"plain error", stderrors.New("boom"), KindInternal},
		{"nil", nil, Kind("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(New(KindUnavailable, "down")))
	assert.True(t, IsRetryable(New(KindTimeout, "slow")))
	assert.True(t, IsRetryable(New(KindRateLimited, "429")))
	assert.False(t, IsRetryable(New(KindInvalidInput, "bad")))
	assert.False(t, IsRetryable(New(KindNotConfirmed, "no")))
	assert.False(t, IsRetryable(nil))
}

func TestErrorIs_MatchesByKind(t *testing.T) {
	err := fmt.Errorf("context: %w", Newf(KindNotFound, "image %s", "abc"))
	assert.True(t, stderrors.Is(err, New(KindNotFound, "")))
	assert.False(t, stderrors.Is(err, New(KindTimeout, "")))
}

func TestWrap_NilCause(t *testing.T) {
	var err *Error = Wrap(KindInternal, "whatever", nil)
	assert.Nil(t, err)
}

func TestWrap_PreservesChain(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(KindUnavailable, "embedder unreachable", cause)
	require.NotNil(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindUnavailable, KindOf(err))
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
	}, func() error {
		calls++
		return New(KindInvalidInput, "bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, KindInvalidInput, KindOf(err))
}

func TestRetry_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
	}, func() error {
		calls++
		if calls < 3 {
			return New(KindTimeout, "slow")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1.0,
	}, func() error {
		calls++
		return New(KindUnavailable, "down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial + 2 retries
	assert.True(t, stderrors.Is(err, New(KindUnavailable, "")))
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return New(KindTimeout, "slow")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsClientKind(t *testing.T) {
	assert.True(t, IsClientKind(KindInvalidInput))
	assert.True(t, IsClientKind(KindNotFound))
	assert.True(t, IsClientKind(KindNotConfirmed))
	assert.True(t, IsClientKind(KindEmptyInput))
	assert.False(t, IsClientKind(KindInternal))
	assert.False(t, IsClientKind(KindUnavailable))
}
