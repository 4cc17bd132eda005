package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.TaskFinished(true, 200*time.Millisecond)
	m.TaskFinished(false, time.Second)
	m.TaskFinished(true, 100*time.Millisecond)
	m.SetPending(7)
	m.MatchOutcome("degraded")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Dispatched.WithLabelValues("failed")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.Pending))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Matches.WithLabelValues("degraded")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.TaskFinished(true, time.Second)
	m.SetPending(1)
	m.MatchOutcome("ok")
	m.StageExpanded()
	m.ConversationFinished("completed")
}
