package engine

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNoRetry_WrapsAndUnwraps(t *testing.T) {
	base := errors.New("command not found")
	wrapped := NoRetry(base)

	assert.True(t, IsNoRetry(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.False(t, IsNoRetry(base), "a plain error is not no-retry")
}

func TestNoRetry_Nil(t *testing.T) {
	assert.Nil(t, NoRetry(nil))
}

func TestRetryAfter_HintExtraction(t *testing.T) {
	base := fmt.Errorf("rate limited")
	wrapped := RetryAfter(base, 30*time.Second)

	delay, ok := retryAfterHint(wrapped)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, delay)
	assert.True(t, errors.Is(wrapped, base))
}

func TestRetryAfter_NegativeClampedToZero(t *testing.T) {
	wrapped := RetryAfter(errors.New("boom"), -5*time.Second)
	delay, ok := retryAfterHint(wrapped)
	assert.True(t, ok)
	assert.Equal(t, time.Duration(0), delay)
}

func TestRetryAfterHint_AbsentOnPlainError(t *testing.T) {
	_, ok := retryAfterHint(errors.New("plain"))
	assert.False(t, ok)
}
