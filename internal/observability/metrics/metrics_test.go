package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStepCounts(t *testing.T) {
	before := testutil.ToFloat64(stepExecutions.WithLabelValues("single", "ok"))
	ObserveStep("single", true, 5*time.Millisecond)
	after := testutil.ToFloat64(stepExecutions.WithLabelValues("single", "ok"))
	assert.Equal(t, before+1, after)
}

func TestSetHubAgents(t *testing.T) {
	SetHubAgents("metrics-test", map[string]int{"available": 2, "offline": 1})
	assert.Equal(t, 2.0, testutil.ToFloat64(hubAgents.WithLabelValues("metrics-test", "available")))
	assert.Equal(t, 1.0, testutil.ToFloat64(hubAgents.WithLabelValues("metrics-test", "offline")))
}

func TestHandlerExposesNamespace(t *testing.T) {
	ObserveSignal("sent", "ok")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "openmcp_hub_router_signals_total")
}
