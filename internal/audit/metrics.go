package audit

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "ticketdesk"

// Metrics instruments a ledger. A nil *Metrics is valid and records nothing.
type Metrics struct {
	recorded        *prometheus.CounterVec
	evicted         prometheus.Counter
	storageFailures *prometheus.CounterVec
	window          prometheus.Gauge
	violations      *prometheus.GaugeVec
	anonymized      prometheus.Counter
}

// NewMetrics registers the ledger collectors on reg. A nil reg builds
// unregistered collectors. Registering twice on one registry panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		recorded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "events_recorded_total",
			Help:      "Audit events appended to the ledger, by action domain.",
		}, []string{"domain"}),
		evicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "events_evicted_total",
			Help:      "Audit events dropped from the local window by FIFO eviction.",
		}),
		storageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "storage_failures_total",
			Help:      "Failed durable reads and writes of the audit window.",
		}, []string{"op"}),
		window: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "window_events",
			Help:      "Events currently held in the local audit window.",
		}),
		violations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "verify_violations",
			Help:      "Violations found by the most recent verification, by kind.",
		}, []string{"kind"}),
		anonymized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "audit",
			Name:      "anonymized_events_total",
			Help:      "Audit events rewritten by erasure requests.",
		}),
	}
}

func (m *Metrics) eventRecorded(action string) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(metricDomain(action)).Inc()
}

// otherDomain labels actions outside the known catalogue so callers cannot
// grow the label set.
const otherDomain = "other"

var knownDomains = func() map[string]struct{} {
	domains := make(map[string]struct{}, len(AllActionTypes))
	for _, action := range AllActionTypes {
		domain, _, _ := strings.Cut(action, ".")
		domains[domain] = struct{}{}
	}
	return domains
}()

func metricDomain(action string) string {
	domain, _, _ := strings.Cut(action, ".")
	if _, ok := knownDomains[domain]; !ok {
		return otherDomain
	}
	return domain
}

func (m *Metrics) eventsEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) storageFailed(op StorageOp) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(string(op)).Inc()
}

func (m *Metrics) windowSize(n int) {
	if m == nil {
		return
	}
	m.window.Set(float64(n))
}

func (m *Metrics) verified(result VerifyResult) {
	if m == nil {
		return
	}
	counts := map[ViolationKind]int{
		ViolationHashMismatch: 0,
		ViolationChainBreak:   0,
	}
	for _, violation := range result.Violations {
		counts[violation.Kind]++
	}
	for kind, count := range counts {
		m.violations.WithLabelValues(string(kind)).Set(float64(count))
	}
}

func (m *Metrics) eventsAnonymized(n int) {
	if m == nil {
		return
	}
	m.anonymized.Add(float64(n))
}
