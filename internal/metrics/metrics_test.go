package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordStatsFoldsHistograms(t *testing.T) {
	before := testutil.ToFloat64(GateRejections.WithLabelValues("ml_confidence"))
	exitsBefore := testutil.ToFloat64(EarlyExits.WithLabelValues("support_resistance"))
	signalsBefore := testutil.ToFloat64(SignalsFound)

	RecordStats(
		map[string]int{"ml_confidence": 3, "data_quality": 1},
		map[string]int{"support_resistance": 2, "support_resistance/no_level_pair": 4},
		5, 7,
	)

	assert.Equal(t, before+3, testutil.ToFloat64(GateRejections.WithLabelValues("ml_confidence")))
	// Both the bare stage and stage/reason keys land on the stage label.
	assert.Equal(t, exitsBefore+6, testutil.ToFloat64(EarlyExits.WithLabelValues("support_resistance")))
	assert.Equal(t, signalsBefore+5, testutil.ToFloat64(SignalsFound))
}

func TestRecordTaskOutcome(t *testing.T) {
	before := testutil.ToFloat64(TasksFinished.WithLabelValues("completed"))
	RecordTaskOutcome("completed", "1h", 12.5)
	assert.Equal(t, before+1, testutil.ToFloat64(TasksFinished.WithLabelValues("completed")))
}

func TestGinMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(GinMiddleware())
	router.GET("/api/v1/executions/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/executions/exec-123", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	count := testutil.CollectAndCount(APIRequestDuration)
	assert.Greater(t, count, 0)
}

func TestMetricsMux(t *testing.T) {
	srv := httptest.NewServer(newMux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
