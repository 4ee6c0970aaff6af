package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig holds configuration for the CORS middleware.
type CORSConfig struct {
	// AllowedOrigins lists origins permitted to make cross-origin requests.
	// A single "*" entry allows every origin.
	AllowedOrigins []string

	// AllowedMethods lists HTTP methods permitted for cross-origin requests.
	AllowedMethods []string

	// AllowedHeaders lists request headers permitted in cross-origin
	// requests.
	AllowedHeaders []string

	// ExposedHeaders lists response headers readable by browser clients.
	ExposedHeaders []string

	// AllowCredentials permits cookies and authorization headers. When set,
	// the wildcard origin is echoed back as the concrete origin because
	// browsers reject "*" with credentials.
	AllowCredentials bool

	// MaxAge is how long, in seconds, browsers may cache preflight results.
	MaxAge int
}

// DefaultCORSConfig returns the CORS configuration used by the API server.
// Origins default to empty, so cross-origin access is opt-in through
// configuration.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders: []string{
			"Accept",
			"Authorization",
			"Content-Type",
			"X-API-Key",
			HeaderRequestID,
		},
		ExposedHeaders: []string{
			HeaderRequestID,
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"X-RateLimit-Reset",
		},
		MaxAge: 86400,
	}
}

// CORS returns middleware implementing cross-origin resource sharing for the
// configured origins. Requests from origins not on the list pass through
// without CORS headers; the browser enforces the block on its side.
func CORS(config CORSConfig) gin.HandlerFunc {
	methods := strings.Join(config.AllowedMethods, ", ")
	headers := strings.Join(config.AllowedHeaders, ", ")
	exposed := strings.Join(config.ExposedHeaders, ", ")
	maxAge := strconv.Itoa(config.MaxAge)

	allowAll := false
	origins := make(map[string]struct{}, len(config.AllowedOrigins))
	for _, o := range config.AllowedOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		origins[strings.ToLower(o)] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}

		if _, ok := origins[strings.ToLower(origin)]; !ok && !allowAll {
			c.Next()
			return
		}

		h := c.Writer.Header()
		h.Add("Vary", "Origin")

		if allowAll && !config.AllowCredentials {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Set("Access-Control-Allow-Origin", origin)
		}
		if config.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		if exposed != "" {
			h.Set("Access-Control-Expose-Headers", exposed)
		}

		if c.Request.Method == http.MethodOptions {
			h.Set("Access-Control-Allow-Methods", methods)
			h.Set("Access-Control-Allow-Headers", headers)
			h.Set("Access-Control-Max-Age", maxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
