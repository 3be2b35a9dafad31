package monitor

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves the latest probe snapshot. Degraded state answers
// 503 so load balancers rotate the instance out.
func (m *Monitor) HealthHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := m.Health()
		status := http.StatusOK
		if !h.Healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, h)
	}
}

// ReadyHandler reports whether the store answers right now. Unlike
// HealthHandler it probes live instead of serving the cached snapshot.
func (m *Monitor) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := m.store.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
