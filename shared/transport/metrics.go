package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the attempt/failure/reconnect counters spec SPEC_FULL.md's
// domain stack calls for. A caller embeds them in the Caller/Manager
// that needs them and registers them against a *prometheus.Registry of
// its choosing — shared/transport never reaches for the global default
// registerer so orchestrator and worker can each keep their own.
type Metrics struct {
	Attempts     *prometheus.CounterVec
	Failures     *prometheus.CounterVec
	Reconnects   prometheus.Counter
	CallDuration *prometheus.HistogramVec
}

// NewMetrics builds a Metrics with the given namespace (e.g. "worker",
// "orchestrator") and registers every collector against reg.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "call_attempts_total",
			Help:      "RPC attempts made by the retrying caller, labeled by outcome.",
		}, []string{"description", "state"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connection_failures_total",
			Help:      "Connection failures emitted by the connection manager, labeled by kind.",
		}, []string{"kind"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "reconnects_total",
			Help:      "Successful channel reconnects performed by the monitor loop.",
		}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "call_duration_seconds",
			Help:      "Wall-clock duration of completed retrying-caller calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"description", "state"}),
	}

	reg.MustRegister(m.Attempts, m.Failures, m.Reconnects, m.CallDuration)
	return m
}

// ObserveResult records a completed Call's outcome against description.
func (m *Metrics) ObserveResult(description string, result Result) {
	if m == nil {
		return
	}
	state := result.State.String()
	m.Attempts.WithLabelValues(description, state).Add(float64(result.Attempts))
	m.CallDuration.WithLabelValues(description, state).Observe(result.CallDuration.Seconds())
}

// ObserveFailure records a Connection Failure emitted by the manager.
func (m *Metrics) ObserveFailure(f Failure) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(f.Kind.String()).Inc()
}

// ObserveReconnect records one successful reconnect from the monitor loop.
func (m *Metrics) ObserveReconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}
