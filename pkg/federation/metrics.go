package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"fedstore/pkg/crypto"
)

// Metrics tracks federation-wide Prometheus metrics. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	// Instance metrics
	InstancesRegistered prometheus.Counter
	InstancesOnline     prometheus.Gauge

	// Share metrics
	SharesCreated prometheus.Counter

	// Message metrics
	MessagesSigned   prometheus.Counter
	MessagesVerified *prometheus.CounterVec
	ReplaysBlocked   prometheus.Counter

	// Health check metrics
	ProbesTotal   prometheus.Counter
	ProbeFailures prometheus.Counter
	ProbeLatency  prometheus.Histogram

	// Retention metrics
	SharesExpired    prometheus.Counter
	ActivitiesPruned prometheus.Counter
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &Metrics{
		InstancesRegistered: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_instances_registered_total",
			Help: "Total number of instances registered through the handshake",
		}),
		InstancesOnline: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "federation_instances_online",
			Help: "Number of instances last seen online",
		}),
		SharesCreated: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_shares_created_total",
			Help: "Total number of federated shares created",
		}),
		MessagesSigned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_messages_signed_total",
			Help: "Total number of outbound messages signed",
		}),
		MessagesVerified: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "federation_messages_verified_total",
			Help: "Inbound message verifications by outcome",
		}, []string{"result"}),
		ReplaysBlocked: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_replays_blocked_total",
			Help: "Messages rejected because their nonce was already seen",
		}),
		ProbesTotal: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_health_probes_total",
			Help: "Total number of health probes attempted",
		}),
		ProbeFailures: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_health_probe_failures_total",
			Help: "Health probes that found the peer unreachable",
		}),
		ProbeLatency: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "federation_health_probe_latency_seconds",
			Help:    "Health probe round-trip latency",
			Buckets: prometheus.DefBuckets,
		}),
		SharesExpired: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_shares_expired_total",
			Help: "Shares transitioned to EXPIRED by the retention sweep",
		}),
		ActivitiesPruned: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "federation_activities_pruned_total",
			Help: "Activities deleted by the retention sweep",
		}),
	}
}

func (m *Metrics) InstanceRegistered() {
	if m != nil {
		m.InstancesRegistered.Inc()
	}
}

func (m *Metrics) ShareCreated() {
	if m != nil {
		m.SharesCreated.Inc()
	}
}

func (m *Metrics) MessageSigned() {
	if m != nil {
		m.MessagesSigned.Inc()
	}
}

func (m *Metrics) MessageVerified(result crypto.VerifyResult) {
	if m == nil {
		return
	}
	label := "valid"
	switch result.Status {
	case crypto.VerifyInvalid:
		label = "invalid"
	case crypto.VerifyError:
		label = "error"
	}
	m.MessagesVerified.WithLabelValues(label).Inc()
}

func (m *Metrics) ReplayBlocked() {
	if m != nil {
		m.ReplaysBlocked.Inc()
	}
}

func (m *Metrics) ProbeObserved(reachable bool, seconds float64) {
	if m == nil {
		return
	}
	m.ProbesTotal.Inc()
	m.ProbeLatency.Observe(seconds)
	if !reachable {
		m.ProbeFailures.Inc()
	}
}

func (m *Metrics) SetInstancesOnline(n int) {
	if m != nil {
		m.InstancesOnline.Set(float64(n))
	}
}

func (m *Metrics) SweepObserved(sharesExpired, activitiesPruned int64) {
	if m == nil {
		return
	}
	m.SharesExpired.Add(float64(sharesExpired))
	m.ActivitiesPruned.Add(float64(activitiesPruned))
}
