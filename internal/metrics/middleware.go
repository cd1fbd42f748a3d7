package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tollgate/tollgate/internal/logging"
)

// Middleware records HTTP metrics for each request. The scrape endpoint
// itself is skipped so the registry never counts its own collection
// traffic.
func Middleware(m *Metrics, logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/metrics" {
			c.Next()
			return
		}

		start := time.Now()
		m.IncHTTPRequestsInFlight()
		c.Next()
		m.DecHTTPRequestsInFlight()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = c.Request.URL.Path
		}

		statusLabel := strconv.Itoa(status)
		m.RecordRequestLatency(endpoint, c.Request.Method, statusLabel, duration)
		m.RecordHTTPRequest(endpoint, c.Request.Method, statusLabel)

		// 503s are fail-closed denials or a dying store, not throttling.
		// Surface them where operators look first.
		if status == http.StatusServiceUnavailable {
			logger.WarnWithContext(c.Request.Context(), "request failed closed",
				"endpoint", endpoint, "method", c.Request.Method)
		}

		if len(c.Errors) > 0 {
			logger.ErrorWithContext(c.Request.Context(), "request error", "error", c.Errors.String())
		}
	}
}
