package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports scheduler and matcher statistics.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Dispatched   *prometheus.CounterVec
	SendLatency  prometheus.Histogram
	Pending      prometheus.Gauge
	Matches      *prometheus.CounterVec
	Stages       prometheus.Counter
	Conversation *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "scheduler",
			Name:      "tasks_total",
			Help:      "Dispatched send tasks by outcome.",
		}, []string{"result"}),
		SendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "troupe",
			Subsystem: "scheduler",
			Name:      "send_latency_seconds",
			Help:      "Transport send latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "troupe",
			Subsystem: "scheduler",
			Name:      "pending_tasks",
			Help:      "Tasks waiting for their scheduled time.",
		}),
		Matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "matcher",
			Name:      "matches_total",
			Help:      "Account-role matching outcomes.",
		}, []string{"outcome"}),
		Stages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "script",
			Name:      "stages_expanded_total",
			Help:      "Script stages expanded into tasks.",
		}),
		Conversation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "troupe",
			Subsystem: "script",
			Name:      "conversations_finished_total",
			Help:      "Conversations reaching a terminal status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.Dispatched, m.SendLatency, m.Pending, m.Matches, m.Stages, m.Conversation)
	}
	return m
}

func (m *Metrics) TaskFinished(ok bool, latency time.Duration) {
	if m == nil {
		return
	}
	result := "succeeded"
	if !ok {
		result = "failed"
	}
	m.Dispatched.WithLabelValues(result).Inc()
	m.SendLatency.Observe(latency.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

func (m *Metrics) MatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.Matches.WithLabelValues(outcome).Inc()
}

func (m *Metrics) StageExpanded() {
	if m == nil {
		return
	}
	m.Stages.Inc()
}

func (m *Metrics) ConversationFinished(status string) {
	if m == nil {
		return
	}
	m.Conversation.WithLabelValues(status).Inc()
}
