package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.WithinDuration(t, time.Now(), timer.start, time.Second)

	time.Sleep(20 * time.Millisecond)
	first := timer.Duration()
	assert.GreaterOrEqual(t, first, 20*time.Millisecond)

	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, timer.Duration(), first)
}

func TestTimerObservesHistograms(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "cyberrange_test_deploy_seconds",
		Help: "test",
	})
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "cyberrange_test_job_seconds",
		Help: "test",
	}, []string{"kind", "state"})

	timer := NewTimer()
	timer.ObserveDuration(h)
	timer.ObserveDurationVec(vec, "vm_create", "succeeded")
	timer.ObserveDurationVec(vec, "vm_create", "failed")

	assert.Equal(t, 1, testutil.CollectAndCount(h))
	assert.Equal(t, 2, testutil.CollectAndCount(vec))
}

func TestJobDurationLabels(t *testing.T) {
	before := testutil.CollectAndCount(JobDuration)
	NewTimer().ObserveDurationVec(JobDuration, "timer_test_kind")
	assert.Equal(t, before+1, testutil.CollectAndCount(JobDuration))
}
