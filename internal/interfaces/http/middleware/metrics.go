package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
)

// Metrics returns middleware recording request count, latency, and sizes per
// route template. Requests that match no route collapse into a single
// "unmatched" label so probing clients cannot inflate series cardinality.
func Metrics(metrics *prometheus.AppMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqSize := c.Request.ContentLength
		if reqSize < 0 {
			reqSize = 0
		}

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		respSize := c.Writer.Size()
		if respSize < 0 {
			respSize = 0
		}

		prometheus.RecordHTTPRequest(metrics, c.Request.Method, route,
			c.Writer.Status(), time.Since(start), reqSize, int64(respSize))
	}
}
