package peermanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes peer-manager activity to Prometheus via promauto, which
// registers real collectors against the Registerer passed to NewMetrics
// (p2p/reputation/metrics.go does the same for its own collectors).
// discovery.NewService builds its core with
// NewNopMetrics, whose private registry is not served by cmd/pawd's
// /metrics handler.
type Metrics struct {
	admissions      *prometheus.CounterVec
	admissionReject *prometheus.CounterVec
	disconnects     *prometheus.CounterVec
	bans            *prometheus.CounterVec
	replacements     prometheus.Counter
	connectFailures *prometheus.CounterVec
}

// NewMetrics registers the peer-manager's collectors against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw",
			Subsystem: "peermanager",
			Name:      "admissions_total",
			Help:      "Total number of sessions admitted, by direction.",
		}, []string{"direction"}),
		admissionReject: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw",
			Subsystem: "peermanager",
			Name:      "admission_rejected_total",
			Help:      "Total number of sessions rejected at admission, by reason.",
		}, []string{"reason"}),
		disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw",
			Subsystem: "peermanager",
			Name:      "disconnects_total",
			Help:      "Total number of peer disconnects, by reason.",
		}, []string{"reason"}),
		bans: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw",
			Subsystem: "peermanager",
			Name:      "bans_total",
			Help:      "Total number of bans issued, by reason.",
		}, []string{"reason"}),
		replacements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "paw",
			Subsystem: "peermanager",
			Name:      "replacements_total",
			Help:      "Total number of lower-trust peers evicted to admit a higher-trust newcomer.",
		}),
		connectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "paw",
			Subsystem: "peermanager",
			Name:      "connect_failures_total",
			Help:      "Total number of outbound dial failures, by error kind.",
		}, []string{"kind"}),
	}
}

// NewNopMetrics returns a Metrics backed by its own private registry, for
// callers (and tests) that don't want to wire a real Prometheus registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

func (m *Metrics) RecordAdmission(dir Direction) {
	m.admissions.WithLabelValues(dir.String()).Inc()
}

func (m *Metrics) RecordAdmissionRejected(reason string) {
	m.admissionReject.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordDisconnect(reason string) {
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordBan(reason string) {
	m.bans.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordReplacement() {
	m.replacements.Inc()
}

func (m *Metrics) RecordConnectFailed(kind ConnectionErrorKind) {
	m.connectFailures.WithLabelValues(kind.String()).Inc()
}
