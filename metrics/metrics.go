// Package metrics exposes orchestrator activity as Prometheus metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/teur/pos"
)

const namespace = "teur_pos"

// Collector implements pos.Metrics.
type Collector struct {
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	releases    *prometheus.HistogramVec
	inFlight    prometheus.Gauge
}

var _ pos.Metrics = (*Collector)(nil)

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Payment attempt state transitions.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempt_failures_total",
			Help:      "Failed payment attempts by error kind.",
		}, []string{"kind"}),
		releases: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "release_duration_seconds",
			Help:      "Latency of token release calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"success"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "attempts_in_flight",
			Help:      "Payment attempts that have not reached DONE or FAILED.",
		}),
	}
	for _, col := range []prometheus.Collector{c.transitions, c.failures, c.releases, c.inFlight} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveTransition counts a transition and tracks attempts in flight.
func (c *Collector) ObserveTransition(from, to pos.State) {
	c.transitions.WithLabelValues(string(from), string(to)).Inc()
	started := from != pos.StateIdle
	switch {
	case !started && !to.Terminal():
		c.inFlight.Inc()
	case started && to.Terminal():
		c.inFlight.Dec()
	}
}

// ObserveFailure counts a failed attempt.
func (c *Collector) ObserveFailure(kind pos.ErrorKind) {
	if kind == "" {
		kind = "unknown"
	}
	c.failures.WithLabelValues(string(kind)).Inc()
}

// ObserveRelease records a release call.
func (c *Collector) ObserveRelease(success bool, d time.Duration) {
	c.releases.WithLabelValues(strconv.FormatBool(success)).Observe(d.Seconds())
}
