package reputation

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
)

// Metrics tracks reputation system metrics. The in-process maps back the
// JSON-facing GetXxx accessors http_handlers.go and the CLI use; the
// prom* fields are the same observations registered as real Prometheus
// collectors, gathered by ExportPrometheus instead of hand-built text.
type Metrics struct {
	mu sync.RWMutex

	reg *prometheus.Registry

	promEventsTotal       *prometheus.CounterVec
	promBansTotal         *prometheus.CounterVec
	promBanReasonsTotal   *prometheus.CounterVec
	promProcessingSeconds prometheus.Histogram
	promPeersGauge        prometheus.Gauge

	// Event counters
	eventCounts     map[EventType]int64
	eventRates      map[EventType]float64 // events per second
	lastEventUpdate time.Time

	// Score tracking
	peerScores     map[PeerID]float64
	scoreHistory   []ScoreHistoryPoint
	maxHistorySize int

	// Ban metrics
	tempBans      int64
	permanentBans int64
	totalBans     int64
	banReasons    map[string]int64

	// Performance metrics
	avgProcessingTime time.Duration
	maxProcessingTime time.Duration
	processingCount   int64
}

// ScoreHistoryPoint represents a historical score data point
type ScoreHistoryPoint struct {
	Timestamp time.Time
	AvgScore  float64
	MinScore  float64
	MaxScore  float64
	PeerCount int
}

// NewMetrics creates a new metrics tracker, registering its Prometheus
// collectors against reg. A nil reg gets a private registry, matching
// peermanager.NewNopMetrics's pattern for callers (tests, the CLI) that
// don't wire a shared registry.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		promEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw", Subsystem: "p2p_reputation", Name: "events_total",
			Help: "Total number of reputation events by type.",
		}, []string{"type"}),
		promBansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw", Subsystem: "p2p_reputation", Name: "bans_total",
			Help: "Total number of bans by type.",
		}, []string{"type"}),
		promBanReasonsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw", Subsystem: "p2p_reputation", Name: "ban_reasons_total",
			Help: "Total number of bans by reason.",
		}, []string{"reason"}),
		promProcessingSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "paw", Subsystem: "p2p_reputation", Name: "processing_seconds",
			Help:    "Event processing duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		promPeersGauge: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "paw", Subsystem: "p2p_reputation", Name: "peers",
			Help: "Total number of peers tracked.",
		}),
		eventCounts:     make(map[EventType]int64),
		eventRates:      make(map[EventType]float64),
		peerScores:      make(map[PeerID]float64),
		scoreHistory:    make([]ScoreHistoryPoint, 0, 1440), // 24h at 1min intervals
		maxHistorySize:  1440,
		banReasons:      make(map[string]int64),
		lastEventUpdate: time.Now(),
	}
}

// RecordEvent records an event occurrence
func (m *Metrics) RecordEvent(eventType EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.eventCounts[eventType]++
	m.promEventsTotal.WithLabelValues(eventType.String()).Inc()

	// Update rates every second
	now := time.Now()
	if now.Sub(m.lastEventUpdate) >= time.Second {
		duration := now.Sub(m.lastEventUpdate).Seconds()
		for et, count := range m.eventCounts {
			m.eventRates[et] = float64(count) / duration
		}
		m.lastEventUpdate = now
		// Reset counters for next interval
		m.eventCounts = make(map[EventType]int64)
	}
}

// UpdateScore updates peer score
func (m *Metrics) UpdateScore(peerID PeerID, score float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.peerScores[peerID] = score
	m.promPeersGauge.Set(float64(len(m.peerScores)))
}

// RecordBan records a ban event
func (m *Metrics) RecordBan(banType BanType) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalBans++

	switch banType {
	case BanTypeTemporary:
		m.tempBans++
		m.promBansTotal.WithLabelValues("temporary").Inc()
	case BanTypePermanent:
		m.permanentBans++
		m.promBansTotal.WithLabelValues("permanent").Inc()
	}
}

// RecordBanReason records the reason for a ban
func (m *Metrics) RecordBanReason(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.banReasons[reason]++
	m.promBanReasonsTotal.WithLabelValues(reason).Inc()
}

// RecordProcessingTime records event processing time
func (m *Metrics) RecordProcessingTime(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processingCount++

	// Update average
	totalTime := m.avgProcessingTime * time.Duration(m.processingCount-1)
	m.avgProcessingTime = (totalTime + duration) / time.Duration(m.processingCount)

	// Update max
	if duration > m.maxProcessingTime {
		m.maxProcessingTime = duration
	}
	m.promProcessingSeconds.Observe(duration.Seconds())
}

// AddScoreHistoryPoint adds a point to score history
func (m *Metrics) AddScoreHistoryPoint(point ScoreHistoryPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.scoreHistory = append(m.scoreHistory, point)

	// Keep only max size
	if len(m.scoreHistory) > m.maxHistorySize {
		m.scoreHistory = m.scoreHistory[len(m.scoreHistory)-m.maxHistorySize:]
	}
}

// GetEventCounts returns event counts
func (m *Metrics) GetEventCounts() map[EventType]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[EventType]int64, len(m.eventCounts))
	for et, count := range m.eventCounts {
		result[et] = count
	}
	return result
}

// GetEventRates returns event rates
func (m *Metrics) GetEventRates() map[EventType]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[EventType]float64, len(m.eventRates))
	for et, rate := range m.eventRates {
		result[et] = rate
	}
	return result
}

// GetBanMetrics returns ban statistics
func (m *Metrics) GetBanMetrics() BanMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reasons := make(map[string]int64, len(m.banReasons))
	for reason, count := range m.banReasons {
		reasons[reason] = count
	}

	return BanMetrics{
		TotalBans:     m.totalBans,
		TempBans:      m.tempBans,
		PermanentBans: m.permanentBans,
		BanReasons:    reasons,
	}
}

// GetProcessingMetrics returns processing performance metrics
func (m *Metrics) GetProcessingMetrics() ProcessingMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ProcessingMetrics{
		AvgProcessingTime: m.avgProcessingTime,
		MaxProcessingTime: m.maxProcessingTime,
		ProcessingCount:   m.processingCount,
	}
}

// GetScoreHistory returns score history
func (m *Metrics) GetScoreHistory() []ScoreHistoryPoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ScoreHistoryPoint, len(m.scoreHistory))
	copy(result, m.scoreHistory)
	return result
}

// BanMetrics holds ban statistics
type BanMetrics struct {
	TotalBans     int64
	TempBans      int64
	PermanentBans int64
	BanReasons    map[string]int64
}

// ProcessingMetrics holds processing performance metrics
type ProcessingMetrics struct {
	AvgProcessingTime time.Duration
	MaxProcessingTime time.Duration
	ProcessingCount   int64
}

// ExportPrometheus renders every collector registered against m's registry
// in the standard Prometheus text exposition format, the way an HTTP
// /metrics handler normally would via promhttp — gathered here instead of
// served directly so http_handlers.go can keep folding it into its own
// response instead of handing out the registry itself.
func (m *Metrics) ExportPrometheus() string {
	families, err := m.reg.Gather()
	if err != nil {
		return fmt.Sprintf("# error gathering metrics: %v\n", err)
	}

	var sb strings.Builder
	enc := expfmt.NewEncoder(&sb, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Sprintf("# error encoding metrics: %v\n", err)
		}
	}
	return sb.String()
}
