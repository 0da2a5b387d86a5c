package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskMetrics(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.TaskStarted()
	m.TaskStarted()
	m.TaskFinished("run", "completed", 200*time.Millisecond)
	m.SessionRestarted("timeout")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.active))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("run", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.restarts.WithLabelValues("timeout")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "matl_task_duration_seconds"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.TaskStarted()
		m.TaskFinished("run", "failed", time.Second)
		m.SessionRestarted("cancelled")
	})
}
