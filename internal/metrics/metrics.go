// Package metrics holds the prometheus counters of the client.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	polls         *prometheus.CounterVec
	stages        *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// New creates the counters and registers them on reg when it is non-nil
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compact",
			Name:      "polls_total",
			Help:      "Balance polls by source and result.",
		}, []string{"source", "result"}),
		stages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compact",
			Name:      "action_stage_transitions_total",
			Help:      "Allocation and plain-call stage transitions.",
		}, []string{"stage"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "compact",
			Name:      "session_invalidations_total",
			Help:      "Session invalidations by reason.",
		}, []string{"reason"}),
	}
	if reg != nil {
		reg.MustRegister(m.polls, m.stages, m.invalidations)
	}
	return m
}

// Poll results
const (
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultStale     = "stale"
	ResultError     = "error"
)

func (m *Metrics) Poll(source, result string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(source, result).Inc()
}

func (m *Metrics) Stage(stage string) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Inc()
}

func (m *Metrics) SessionInvalidated(reason string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(reason).Inc()
}
