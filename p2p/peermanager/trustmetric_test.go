package peermanager

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestTrustMetricNoOpinionBeforeThreeIntervals(t *testing.T) {
	mock := clock.NewMock()
	tm := NewTrustMetric(TrustMetricConfig{Interval: time.Second, MaxHistory: 10, Alpha: 0.8}, mock)
	tm.Start()

	tm.AddGood(1)
	mock.Add(time.Second)
	tm.AddGood(1)
	mock.Add(time.Second)

	_, ok := tm.Score()
	require.False(t, ok, "fewer than 3 completed intervals must report no opinion")
}

func TestTrustMetricScoreAfterThreeIntervals(t *testing.T) {
	mock := clock.NewMock()
	tm := NewTrustMetric(TrustMetricConfig{Interval: time.Second, MaxHistory: 10, Alpha: 0.8}, mock)
	tm.Start()

	for i := 0; i < 4; i++ {
		tm.AddGood(10)
		mock.Add(time.Second)
	}

	score, ok := tm.Score()
	require.True(t, ok)
	require.InDelta(t, 100.0, score, 0.01, "all-good history should score near 100")
}

func TestTrustMetricKnockedOutOnAllBad(t *testing.T) {
	mock := clock.NewMock()
	tm := NewTrustMetric(TrustMetricConfig{Interval: time.Second, MaxHistory: 10, Alpha: 0.8}, mock)
	tm.Start()

	for i := 0; i < 4; i++ {
		tm.AddBad(10)
		mock.Add(time.Second)
	}

	score, ok := tm.Score()
	require.True(t, ok)
	require.Less(t, score, KnockedOutThreshold)
}

func TestTrustMetricPausedDoesNotRollIntervals(t *testing.T) {
	mock := clock.NewMock()
	tm := NewTrustMetric(TrustMetricConfig{Interval: time.Second, MaxHistory: 10, Alpha: 0.8}, mock)
	tm.Start()
	tm.Pause()

	tm.AddGood(5) // still accumulates while paused
	mock.Add(10 * time.Second)

	require.Equal(t, 0, tm.Intervals(), "paused metric must not roll interval boundaries")
}

func TestTrustMetricHistoryTrimmedToMaxHistory(t *testing.T) {
	mock := clock.NewMock()
	tm := NewTrustMetric(TrustMetricConfig{Interval: time.Second, MaxHistory: 3, Alpha: 0.8}, mock)
	tm.Start()

	for i := 0; i < 10; i++ {
		tm.AddGood(1)
		mock.Add(time.Second)
	}
	require.Equal(t, 3, tm.Intervals())
}

func TestTrustMetricResetHistoryClearsButKeepsConfig(t *testing.T) {
	mock := clock.NewMock()
	cfg := TrustMetricConfig{Interval: time.Second, MaxHistory: 10, Alpha: 0.8}
	tm := NewTrustMetric(cfg, mock)
	tm.Start()
	for i := 0; i < 4; i++ {
		tm.AddGood(1)
		mock.Add(time.Second)
	}
	require.Equal(t, 4, tm.Intervals())

	tm.ResetHistory()
	require.Equal(t, 0, tm.Intervals())
	_, ok := tm.Score()
	require.False(t, ok)
}
