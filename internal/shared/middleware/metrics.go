package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paybridge/gateway/internal/utils/metrics"
)

// Metrics returns a middleware that records HTTP metrics. Paths are labelled
// by route pattern so trade numbers never become label values.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		c.Next()

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}
