// Package middleware provides the gin middleware chain of the API server:
// request correlation, request logging, CORS, rate limiting, and per-route
// metrics.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// HeaderRequestID is the header carrying the request correlation id.
const HeaderRequestID = "X-Request-ID"

// requestIDKey is the gin context key the correlation id is stored under.
const requestIDKey = "request_id"

// RequestID assigns every request a correlation id. An inbound X-Request-ID
// is propagated unchanged; otherwise a fresh uuid is generated. The id is
// echoed on the response so clients can quote it when reporting problems.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Writer.Header().Set(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID returns the correlation id assigned by RequestID, or the
// empty string when the middleware did not run.
func GetRequestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}
