package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	b := NewBreaker("test", 5, time.Minute)

	for i := 0; i < 4; i++ {
		b.OnFailure()
		assert.Equal(t, BreakerClosed, b.State())
		require.NoError(t, b.Allow())
	}

	b.OnFailure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute)

	b.OnFailure()
	b.OnFailure()
	b.OnSuccess()
	b.OnFailure()
	b.OnFailure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)

	b.OnFailure()
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, BreakerHalfOpen, b.State())

	// First probe is admitted, a second concurrent call is not.
	require.NoError(t, b.Allow())
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)
}

func TestBreakerProbeOutcome(t *testing.T) {
	b := NewBreaker("test", 1, 10*time.Millisecond)

	// Failed probe re-opens for a full recovery window.
	b.OnFailure()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.OnFailure()
	assert.ErrorIs(t, b.Allow(), ErrBreakerOpen)

	// Successful probe closes.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())
	b.OnSuccess()
	assert.Equal(t, BreakerClosed, b.State())
	require.NoError(t, b.Allow())
}
