package monitoring

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestSetupPrometheusMetrics_ServesMetricsEndpoint(t *testing.T) {
	r := gin.New()
	SetupPrometheusMetrics(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "acs_core_build_info")
}

func TestRecordRateLimitDecision_CountsByOutcome(t *testing.T) {
	allowedBefore := testutil.ToFloat64(rateLimitAllowedTotal.WithLabelValues("t1", "default"))
	blockedBefore := testutil.ToFloat64(rateLimitBlockedTotal.WithLabelValues("t1", "default"))
	failOpenBefore := testutil.ToFloat64(rateLimitFailOpenTotal.WithLabelValues("t1", "default"))

	RecordRateLimitDecision("t1", "default", true, false)
	RecordRateLimitDecision("t1", "default", false, false)
	RecordRateLimitDecision("t1", "default", true, true)

	assert.Equal(t, allowedBefore+2, testutil.ToFloat64(rateLimitAllowedTotal.WithLabelValues("t1", "default")))
	assert.Equal(t, blockedBefore+1, testutil.ToFloat64(rateLimitBlockedTotal.WithLabelValues("t1", "default")))
	assert.Equal(t, failOpenBefore+1, testutil.ToFloat64(rateLimitFailOpenTotal.WithLabelValues("t1", "default")))
}

func TestRecordAuthzDecision_LabelsByEffect(t *testing.T) {
	before := testutil.ToFloat64(authzDecisionsTotal.WithLabelValues("t1", "deny"))
	RecordAuthzDecision("t1", "deny", 3*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(authzDecisionsTotal.WithLabelValues("t1", "deny")))
}

func TestRecordAuditDropped_AddsBatchSize(t *testing.T) {
	before := testutil.ToFloat64(auditDroppedTotal.WithLabelValues("t1"))
	RecordAuditDropped("t1", 5)
	assert.Equal(t, before+5, testutil.ToFloat64(auditDroppedTotal.WithLabelValues("t1")))
}

func TestHTTPMetricsMiddleware_NormalizesEndpointAndTenant(t *testing.T) {
	r := gin.New()
	r.Use(HTTPMetricsMiddleware())
	r.GET("/api/items/:id", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", normalizeEndpoint("/api/items/42"), "200", "unknown"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/items/42", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", normalizeEndpoint("/api/items/42"), "200", "unknown")))
}
