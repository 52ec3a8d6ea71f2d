package peermanager

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestRetryIncResetSet(t *testing.T) {
	r := NewRetry(clock.NewMock())
	require.Equal(t, uint32(0), r.Count())

	r.Inc()
	r.Inc()
	require.Equal(t, uint32(2), r.Count())

	r.Set(5)
	require.Equal(t, uint32(5), r.Count())

	r.Reset()
	require.Equal(t, uint32(0), r.Count())
}

func TestRetryETAGrowsWithCountAndRespectsCeiling(t *testing.T) {
	r := NewRetry(clock.NewMock())
	r.Set(0)
	low := r.ETA()
	require.LessOrEqual(t, low, retryBaseDelay+MAX_RANDOM_NEXT_RETRY)

	r.Set(30) // deliberately huge, must not overflow or exceed the ceiling
	high := r.ETA()
	require.LessOrEqual(t, high, retryCeiling)
	require.Greater(t, high, retryBaseDelay)
}
