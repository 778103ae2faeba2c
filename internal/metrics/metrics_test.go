package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestObservePushIncrementsLabeledCounterAndHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObservePush(true, 0.25)
	c.ObservePush(false, 1.5)

	require.Equal(t, float64(1), counterValue(t, c.PushAttempts.WithLabelValues("ok")))
	require.Equal(t, float64(1), counterValue(t, c.PushAttempts.WithLabelValues("error")))

	var hm dto.Metric
	require.NoError(t, c.PushDuration.Write(&hm))
	require.Equal(t, uint64(2), hm.GetHistogram().GetSampleCount())
}

func TestObservePullIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObservePull(true, 0.1)

	require.Equal(t, float64(1), counterValue(t, c.PullAttempts.WithLabelValues("ok")))
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
