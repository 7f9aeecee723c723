package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records reconciliation counters in Prometheus.
type Metrics struct {
	mutations      *prometheus.CounterVec
	rollbacks      *prometheus.CounterVec
	realtimeEvents *prometheus.CounterVec
	ledgerReaped   prometheus.Counter
	ledgerPending  prometheus.Gauge
	remoteCalls    *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papervault",
			Name:      "mutations_total",
			Help:      "Settled optimistic mutations",
		}, []string{"collection", "kind", "outcome"}),

		rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papervault",
			Name:      "rollbacks_total",
			Help:      "Local rollbacks by error class",
		}, []string{"class"}),

		// outcome: applied, suppressed, dropped
		realtimeEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "papervault",
			Name:      "realtime_events_total",
			Help:      "Realtime change events by merge outcome",
		}, []string{"collection", "event", "outcome"}),

		ledgerReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "papervault",
			Name:      "ledger_reaped_total",
			Help:      "Stale ledger entries removed by the reaper",
		}),

		ledgerPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "papervault",
			Name:      "ledger_pending",
			Help:      "Ledger entries awaiting settlement",
		}),

		remoteCalls: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "papervault",
			Name:      "remote_call_duration_seconds",
			Help:      "Remote store call latency",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"operation"}),
	}
}

func (m *Metrics) MutationSettled(collection, kind, outcome string) {
	m.mutations.WithLabelValues(collection, kind, outcome).Inc()
}

func (m *Metrics) Rollback(class string) {
	m.rollbacks.WithLabelValues(class).Inc()
}

func (m *Metrics) RealtimeEvent(collection, event, outcome string) {
	m.realtimeEvents.WithLabelValues(collection, event, outcome).Inc()
}

func (m *Metrics) LedgerReaped(n int) {
	m.ledgerReaped.Add(float64(n))
}

func (m *Metrics) LedgerPending(delta int) {
	m.ledgerPending.Add(float64(delta))
}

func (m *Metrics) RemoteCall(operation string, d time.Duration) {
	m.remoteCalls.WithLabelValues(operation).Observe(d.Seconds())
}
