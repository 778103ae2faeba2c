// Package metrics exposes prometheus collectors for the connection loop
// and sync engine, registered against a caller-supplied registry so a
// single process hosting multiple stores doesn't double-register.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors groups every metric this module emits.
type Collectors struct {
	PushAttempts   *prometheus.CounterVec
	PullAttempts   *prometheus.CounterVec
	PushDuration   prometheus.Histogram
	PullDuration   prometheus.Histogram
	ConnLoopDelay  *prometheus.GaugeVec
	PendingCount   prometheus.Gauge
	Reauthed       *prometheus.CounterVec
}

// New builds and registers a fresh Collectors set against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		PushAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvsync",
			Name:      "push_attempts_total",
			Help:      "Push wire calls, labeled by outcome.",
		}, []string{"outcome"}),
		PullAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvsync",
			Name:      "pull_attempts_total",
			Help:      "Pull wire calls, labeled by outcome.",
		}, []string{"outcome"}),
		PushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kvsync",
			Name:      "push_duration_seconds",
			Help:      "Push wire call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		PullDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kvsync",
			Name:      "pull_duration_seconds",
			Help:      "Pull wire call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		ConnLoopDelay: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kvsync",
			Name:      "connloop_delay_seconds",
			Help:      "Current adaptive pacing delay, by direction.",
		}, []string{"direction"}),
		PendingCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kvsync",
			Name:      "pending_mutations",
			Help:      "Mutations in the pending log awaiting server acknowledgement.",
		}),
		Reauthed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kvsync",
			Name:      "reauth_total",
			Help:      "Reauthentication attempts, by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(c.PushAttempts, c.PullAttempts, c.PushDuration, c.PullDuration, c.ConnLoopDelay, c.PendingCount, c.Reauthed)
	return c
}

// ObservePush records one push attempt's outcome and duration.
func (c *Collectors) ObservePush(ok bool, seconds float64) {
	c.PushAttempts.WithLabelValues(outcomeLabel(ok)).Inc()
	c.PushDuration.Observe(seconds)
}

// ObservePull records one pull attempt's outcome and duration.
func (c *Collectors) ObservePull(ok bool, seconds float64) {
	c.PullAttempts.WithLabelValues(outcomeLabel(ok)).Inc()
	c.PullDuration.Observe(seconds)
}

func outcomeLabel(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
