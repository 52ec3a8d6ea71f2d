package peermanager

import (
	"sync"
	"time"
)

// TrustState is the TrustMetric's lifecycle state. A metric is Fresh until
// first started, Running while the peer is connected and accumulating
// observations, and Paused while the peer is offline — counters still
// accumulate in all states, but interval boundaries only roll over while
// Running.
type TrustState int

const (
	TrustFresh TrustState = iota
	TrustRunning
	TrustPaused
)

// NoOpinionIntervals is the minimum number of completed intervals before
// Score returns a real value instead of the "no opinion" sentinel.
const NoOpinionIntervals = 3

// KnockedOutThreshold is the score band referenced by the Manager's
// Worse-feedback logic; goodScoreDefault mirrors GOOD_TRUST_SCORE, which the
// periodic routine's dial preference uses.
const (
	KnockedOutThreshold = 40.0
	goodScoreDefault    = GOOD_TRUST_SCORE
)

type intervalSample struct {
	good, bad uint32
}

// TrustMetricConfig parametrizes interval length, history depth and the
// exponential decay applied when weighting older intervals.
type TrustMetricConfig struct {
	Interval   time.Duration
	MaxHistory int
	Alpha      float64 // in (0,1]; weight of interval i relative to i+1 is Alpha
}

// DefaultTrustMetricConfig matches the spec's illustrative defaults: a
// 60s interval, 200-interval history, and a decay that weighs the most
// recent few intervals heavily without discarding older ones outright.
func DefaultTrustMetricConfig() TrustMetricConfig {
	return TrustMetricConfig{
		Interval:   60 * time.Second,
		MaxHistory: 200,
		Alpha:      0.8,
	}
}

// TrustMetric is a time-windowed reputation aggregator: good/bad event
// counters accumulate within the current interval, and on every interval
// boundary the pair is pushed onto a bounded history used to compute an
// exponentially-weighted score on demand.
type TrustMetric struct {
	mu    sync.Mutex
	cfg   TrustMetricConfig
	clock Clock

	state        TrustState
	good, bad    uint32
	history      []intervalSample
	lastBoundary time.Time
}

// NewTrustMetric creates a Fresh metric using clk as its interval clock.
func NewTrustMetric(cfg TrustMetricConfig, clk Clock) *TrustMetric {
	return &TrustMetric{cfg: cfg, clock: clk, state: TrustFresh, lastBoundary: clk.Now()}
}

// Start transitions Fresh/Paused -> Running.
func (m *TrustMetric) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == TrustFresh {
		m.lastBoundary = m.clock.Now()
	}
	m.state = TrustRunning
}

// Pause transitions Running -> Paused. Counters keep accumulating (an
// event such as SessionFailed can add a bad-event to a metric being
// created for the first time, paused from the start).
func (m *TrustMetric) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != TrustFresh {
		m.state = TrustPaused
	}
}

// State returns the current lifecycle state.
func (m *TrustMetric) State() TrustState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AddGood records n good observations in the current interval.
func (m *TrustMetric) AddGood(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.good += n
}

// AddBad records n bad observations in the current interval.
func (m *TrustMetric) AddBad(n uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	m.bad += n
}

// Tick lets the periodic routine drive interval boundaries even for
// metrics that aren't actively accumulating events right now.
func (m *TrustMetric) Tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
}

// rollLocked pushes (good,bad) onto history and resets the counters for
// every interval boundary that has elapsed since lastBoundary, but only
// while Running. Must be called with mu held.
func (m *TrustMetric) rollLocked() {
	if m.state != TrustRunning {
		return
	}
	now := m.clock.Now()
	for now.Sub(m.lastBoundary) >= m.cfg.Interval {
		m.history = append(m.history, intervalSample{good: m.good, bad: m.bad})
		if len(m.history) > m.cfg.MaxHistory {
			m.history = m.history[len(m.history)-m.cfg.MaxHistory:]
		}
		m.good, m.bad = 0, 0
		m.lastBoundary = m.lastBoundary.Add(m.cfg.Interval)
	}
}

// Score returns the current trust score in [0,100] and true, or (0,
// false) if fewer than NoOpinionIntervals have completed — the "no
// opinion" sentinel the spec calls for.
func (m *TrustMetric) Score() (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	if len(m.history) < NoOpinionIntervals {
		return 0, false
	}
	var num, den, weight float64 = 0, 0, 1
	for i := len(m.history) - 1; i >= 0; i-- {
		s := m.history[i]
		total := s.good + s.bad
		ratio := 0.0
		if total > 0 {
			ratio = float64(s.good) / float64(total)
		}
		num += ratio * weight
		den += weight
		weight *= m.cfg.Alpha
	}
	if den == 0 {
		return 0, false
	}
	return (num / den) * 100, true
}

// Intervals returns the number of completed intervals in history, rolling
// over any elapsed boundaries first, as Score does.
func (m *TrustMetric) Intervals() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollLocked()
	return len(m.history)
}

// ResetHistory clears accumulated history and counters but keeps cfg,
// clock and lifecycle state untouched — used on automatic unban.
func (m *TrustMetric) ResetHistory() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
	m.good, m.bad = 0, 0
	m.lastBoundary = m.clock.Now()
}
