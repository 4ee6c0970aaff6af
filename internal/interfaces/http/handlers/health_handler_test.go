package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHealthRouter(h *HealthHandler) *gin.Engine {
	r := gin.New()
	r.GET("/healthz", h.Liveness)
	r.GET("/readyz", h.Readiness)
	return r
}

func TestHealthHandler_Liveness(t *testing.T) {
	h := NewHealthHandler("1.2.3")
	r := newHealthRouter(h)

	w := doJSON(t, r, http.MethodGet, "/healthz", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
	assert.Equal(t, "1.2.3", resp.Version)
	assert.NotEmpty(t, resp.Uptime)
}

func TestHealthHandler_Readiness_AllHealthy(t *testing.T) {
	h := NewHealthHandler("test",
		NewChecker("postgres", func(context.Context) error { return nil }),
		NewChecker("redis", func(context.Context) error { return nil }),
	)
	r := newHealthRouter(h)

	w := doJSON(t, r, http.MethodGet, "/readyz", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	require.Len(t, resp.Components, 2)
	assert.Equal(t, "healthy", resp.Components["postgres"].Status)
	assert.Equal(t, "healthy", resp.Components["redis"].Status)
	assert.NotEmpty(t, resp.Components["postgres"].Latency)
}

func TestHealthHandler_Readiness_Degraded(t *testing.T) {
	h := NewHealthHandler("test",
		NewChecker("postgres", func(context.Context) error { return nil }),
		NewChecker("kafka", func(context.Context) error { return stderrors.New("broker unreachable") }),
	)
	r := newHealthRouter(h)

	w := doJSON(t, r, http.MethodGet, "/readyz", nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "healthy", resp.Components["postgres"].Status)
	assert.Equal(t, "unhealthy", resp.Components["kafka"].Status)
	assert.Equal(t, "broker unreachable", resp.Components["kafka"].Error)
}

func TestHealthHandler_Readiness_NoCheckers(t *testing.T) {
	h := NewHealthHandler("test")
	r := newHealthRouter(h)

	w := doJSON(t, r, http.MethodGet, "/readyz", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Empty(t, resp.Components)
}

func TestNewChecker(t *testing.T) {
	called := false
	c := NewChecker("minio", func(context.Context) error {
		called = true
		return nil
	})

	assert.Equal(t, "minio", c.Name())
	require.NoError(t, c.Check(context.Background()))
	assert.True(t, called)
}
