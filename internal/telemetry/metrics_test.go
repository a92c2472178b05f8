package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordBreakerTransition(t *testing.T) {
	RecordBreakerTransition("metrics_test", "closed", "open", 2)
	RecordBreakerTransition("metrics_test", "open", "half-open", 1)

	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerTransitions.WithLabelValues("metrics_test", "closed", "open")))
	assert.Equal(t, 1.0, testutil.ToFloat64(BreakerState.WithLabelValues("metrics_test")))
}

func TestHandlerServesCollectors(t *testing.T) {
	RunsTotal.WithLabelValues("skipped").Inc()

	h := Handler()
	_ = Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "autopilot_runs_total"))
}
