// Package monitoring provides Prometheus metrics for the ACS core.
//
// Usage:
//
//  1. Setup metrics in your main function:
//     router := gin.New()
//     monitoring.SetupPrometheusMetrics(router)
//
//  2. Add HTTP metrics middleware:
//     router.Use(monitoring.HTTPMetricsMiddleware())
//
//  3. Record component metrics at the call sites:
//
//	monitoring.RecordRateLimitDecision(tenantID, policy, allowed, failOpen)
//	monitoring.RecordRateLimitCheckDuration(tenantID, policy, time.Since(start))
//	monitoring.RecordAuthzDecision(tenantID, effect, time.Since(start))
//	monitoring.RecordStoreOperation("get", "valkey", time.Since(start), err == nil)
//	monitoring.RecordCacheOperation("get", "hit")
//	monitoring.RecordAdminMutation("create_user", tenantID, err == nil)
//
// Metric families:
//
// Rate limiting:
//   - acs_core_ratelimit_requests_allowed_total{tenant_id, policy}
//   - acs_core_ratelimit_requests_blocked_total{tenant_id, policy}
//   - acs_core_ratelimit_resets_total{tenant_id}
//   - acs_core_ratelimit_fail_open_total{tenant_id, policy}
//   - acs_core_ratelimit_check_duration_seconds{tenant_id, policy}
//   - acs_core_ratelimit_remaining_requests{tenant_id, policy}
//   - acs_core_ratelimit_active_limits{tenant_id}
//
// Authorization:
//   - acs_core_authz_decisions_total{tenant_id, effect}
//   - acs_core_authz_evaluation_duration_seconds{tenant_id}
//
// Storage and caches:
//   - acs_core_store_operations_total{operation, backend, status}
//   - acs_core_store_operation_duration_seconds{operation, backend}
//   - acs_core_cache_operations_total{operation, result}
//
// Audit:
//   - acs_core_audit_events_total{tenant_id, category}
//   - acs_core_audit_dropped_total{tenant_id}
//
// Admin:
//   - acs_core_admin_mutations_total{operation, tenant_id, status}
//
// HTTP (embedding middleware):
//   - acs_core_http_requests_total{method, endpoint, status_code, tenant_id}
//   - acs_core_http_request_duration_seconds{method, endpoint, tenant_id}
//   - acs_core_active_connections
//
// Errors:
//   - acs_core_errors_total{type, component}
package monitoring

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rateLimitAllowedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_ratelimit_requests_allowed_total",
			Help: "Total number of rate-limit checks that admitted the request",
		},
		[]string{"tenant_id", "policy"},
	)

	rateLimitBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_ratelimit_requests_blocked_total",
			Help: "Total number of rate-limit checks that blocked the request",
		},
		[]string{"tenant_id", "policy"},
	)

	rateLimitResetsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_ratelimit_resets_total",
			Help: "Total number of rate-limit resets",
		},
		[]string{"tenant_id"},
	)

	rateLimitFailOpenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_ratelimit_fail_open_total",
			Help: "Total number of checks that failed open due to store errors",
		},
		[]string{"tenant_id", "policy"},
	)

	rateLimitCheckDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acs_core_ratelimit_check_duration_seconds",
			Help:    "Rate-limit check duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"tenant_id", "policy"},
	)

	rateLimitRemaining = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acs_core_ratelimit_remaining_requests",
			Help:    "Distribution of remaining budget observed after each check",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"tenant_id", "policy"},
	)

	rateLimitActiveLimits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "acs_core_ratelimit_active_limits",
			Help: "Number of live rate-limit entries per tenant",
		},
		[]string{"tenant_id"},
	)

	authzDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_authz_decisions_total",
			Help: "Total number of authorization decisions by effect",
		},
		[]string{"tenant_id", "effect"},
	)

	authzEvaluationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acs_core_authz_evaluation_duration_seconds",
			Help:    "Permission evaluation duration in seconds",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1},
		},
		[]string{"tenant_id"},
	)

	storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_store_operations_total",
			Help: "Total number of rate-limit store operations",
		},
		[]string{"operation", "backend", "status"},
	)

	storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acs_core_store_operation_duration_seconds",
			Help:    "Rate-limit store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"operation", "backend"},
	)

	cacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_cache_operations_total",
			Help: "Total number of cache operations",
		},
		[]string{"operation", "result"}, // result: hit, miss, success, error
	)

	auditEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_audit_events_total",
			Help: "Total number of audit events recorded",
		},
		[]string{"tenant_id", "category"},
	)

	auditDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_audit_dropped_total",
			Help: "Total number of audit events dropped by the async buffer",
		},
		[]string{"tenant_id"},
	)

	adminMutationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_admin_mutations_total",
			Help: "Total number of admin mutations",
		},
		[]string{"operation", "tenant_id", "status"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status_code", "tenant_id"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "acs_core_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "tenant_id"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "acs_core_active_connections",
			Help: "Number of active connections",
		},
	)

	errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "acs_core_errors_total",
			Help: "Total number of errors",
		},
		[]string{"type", "component"},
	)
)

// SetupPrometheusMetrics registers the collectors on the default registry
// and exposes the /metrics endpoint.
func SetupPrometheusMetrics(router gin.IRoutes) {
	// Register build info (ignore if already registered)
	_ = prometheus.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "acs_core_build_info",
		Help: "Build information for the ACS core",
		ConstLabels: prometheus.Labels{
			"version":   "v1.2.0",
			"component": "acs-core",
		},
	}, func() float64 { return 1 }))

	// Duplicate registration is harmless across test setups, so errors are
	// intentionally ignored.
	_ = prometheus.Register(rateLimitAllowedTotal)
	_ = prometheus.Register(rateLimitBlockedTotal)
	_ = prometheus.Register(rateLimitResetsTotal)
	_ = prometheus.Register(rateLimitFailOpenTotal)
	_ = prometheus.Register(rateLimitCheckDuration)
	_ = prometheus.Register(rateLimitRemaining)
	_ = prometheus.Register(rateLimitActiveLimits)
	_ = prometheus.Register(authzDecisionsTotal)
	_ = prometheus.Register(authzEvaluationDuration)
	_ = prometheus.Register(storeOperationsTotal)
	_ = prometheus.Register(storeOperationDuration)
	_ = prometheus.Register(cacheOperationsTotal)
	_ = prometheus.Register(auditEventsTotal)
	_ = prometheus.Register(auditDroppedTotal)
	_ = prometheus.Register(adminMutationsTotal)
	_ = prometheus.Register(httpRequestsTotal)
	_ = prometheus.Register(httpRequestDuration)
	_ = prometheus.Register(activeConnections)
	_ = prometheus.Register(errorsTotal)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// HTTPMetricsMiddleware collects HTTP request metrics for the embedding
// surface.
func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		endpoint := normalizeEndpoint(c.Request.URL.Path)

		tenantID := c.GetString("tenant_id")
		if tenantID == "" {
			tenantID = "unknown"
		}

		activeConnections.Inc()
		defer activeConnections.Dec()

		c.Next()

		statusCode := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(method, endpoint, statusCode, tenantID).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint, tenantID).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorsTotal.WithLabelValues("http", endpoint).Inc()
		}
	}
}

// RecordRateLimitDecision records the outcome of one Check.
func RecordRateLimitDecision(tenantID, policy string, allowed, failOpen bool) {
	if failOpen {
		rateLimitFailOpenTotal.WithLabelValues(tenantID, policy).Inc()
	}
	if allowed {
		rateLimitAllowedTotal.WithLabelValues(tenantID, policy).Inc()
		return
	}
	rateLimitBlockedTotal.WithLabelValues(tenantID, policy).Inc()
}

// RecordRateLimitCheckDuration records the latency of one Check.
func RecordRateLimitCheckDuration(tenantID, policy string, duration time.Duration) {
	rateLimitCheckDuration.WithLabelValues(tenantID, policy).Observe(duration.Seconds())
}

// RecordRateLimitRemaining records the remaining budget after a check.
func RecordRateLimitRemaining(tenantID, policy string, remaining int) {
	rateLimitRemaining.WithLabelValues(tenantID, policy).Observe(float64(remaining))
}

// RecordRateLimitReset records an explicit reset.
func RecordRateLimitReset(tenantID string) {
	rateLimitResetsTotal.WithLabelValues(tenantID).Inc()
}

// SetActiveLimits sets the live entry gauge for a tenant. The monitor
// refreshes this on its health tick.
func SetActiveLimits(tenantID string, count int) {
	rateLimitActiveLimits.WithLabelValues(tenantID).Set(float64(count))
}

// RecordAuthzDecision records the evaluator verdict and latency.
func RecordAuthzDecision(tenantID, effect string, duration time.Duration) {
	authzDecisionsTotal.WithLabelValues(tenantID, effect).Inc()
	authzEvaluationDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordStoreOperation records one rate-limit store call.
func RecordStoreOperation(operation, backend string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
		errorsTotal.WithLabelValues("store", backend).Inc()
	}

	storeOperationsTotal.WithLabelValues(operation, backend, status).Inc()
	storeOperationDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// RecordCacheOperation records cache operation metrics.
func RecordCacheOperation(operation, result string) {
	cacheOperationsTotal.WithLabelValues(operation, result).Inc()
	if result == "error" {
		errorsTotal.WithLabelValues("cache", operation).Inc()
	}
}

// RecordAuditEvent records one accepted audit event.
func RecordAuditEvent(tenantID, category string) {
	auditEventsTotal.WithLabelValues(tenantID, category).Inc()
}

// RecordAuditDropped records buffer overflow drops.
func RecordAuditDropped(tenantID string, n int) {
	auditDroppedTotal.WithLabelValues(tenantID).Add(float64(n))
}

// RecordAdminMutation records one admin operation.
func RecordAdminMutation(operation, tenantID string, success bool) {
	status := "success"
	if !success {
		status = "error"
		errorsTotal.WithLabelValues("admin", operation).Inc()
	}
	adminMutationsTotal.WithLabelValues(operation, tenantID, status).Inc()
}

// normalizeEndpoint normalizes API endpoints for consistent metrics
func normalizeEndpoint(path string) string {
	if len(path) > 0 && path[len(path)-1] != '/' {
		path += "/"
	}

	// Replace numeric segments with :id so cardinality stays bounded.
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if isNumeric(part) && i > 0 {
			parts[i] = ":id"
		}
	}

	return strings.Join(parts, "/")
}

// isNumeric checks if a string is numeric
func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
