package handlers

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// readinessTimeout bounds the combined component checks of one readiness probe.
const readinessTimeout = 5 * time.Second

// HealthChecker reports the health of one backing component.
type HealthChecker interface {
	// Name identifies the component in the readiness response.
	Name() string
	// Check returns nil when the component can serve traffic.
	Check(ctx context.Context) error
}

// checkerFunc adapts a plain function to the HealthChecker interface.
type checkerFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (c checkerFunc) Name() string                    { return c.name }
func (c checkerFunc) Check(ctx context.Context) error { return c.fn(ctx) }

// NewChecker wraps fn as a named HealthChecker.
func NewChecker(name string, fn func(ctx context.Context) error) HealthChecker {
	return checkerFunc{name: name, fn: fn}
}

// HealthHandler serves the liveness and readiness probes.
type HealthHandler struct {
	checkers []HealthChecker
	version  string
	startAt  time.Time
}

// NewHealthHandler creates a HealthHandler probing the given components.
func NewHealthHandler(version string, checkers ...HealthChecker) *HealthHandler {
	return &HealthHandler{
		checkers: checkers,
		version:  version,
		startAt:  time.Now(),
	}
}

// LivenessResponse is the /healthz body.
type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ComponentCheck is the readiness outcome of one component.
type ComponentCheck struct {
	Status  string `json:"status"`
	Latency string `json:"latency"`
	Error   string `json:"error,omitempty"`
}

// ReadinessResponse is the /readyz body.
type ReadinessResponse struct {
	Status     string                    `json:"status"`
	Components map[string]ComponentCheck `json:"components"`
}

// Liveness handles GET /healthz. It answers as long as the process runs;
// component state is the readiness probe's concern.
func (h *HealthHandler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:  "alive",
		Version: h.version,
		Uptime:  time.Since(h.startAt).Round(time.Second).String(),
	})
}

// Readiness handles GET /readyz. All registered components must pass for a
// 200; any failure degrades the probe to 503 with per-component detail.
func (h *HealthHandler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), readinessTimeout)
	defer cancel()

	components := h.checkAll(ctx)

	status := "ready"
	code := http.StatusOK
	for _, check := range components {
		if check.Status != "healthy" {
			status = "not_ready"
			code = http.StatusServiceUnavailable
			break
		}
	}

	c.JSON(code, ReadinessResponse{Status: status, Components: components})
}

// checkAll probes every component concurrently.
func (h *HealthHandler) checkAll(ctx context.Context) map[string]ComponentCheck {
	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]ComponentCheck, len(h.checkers))
	)

	for _, checker := range h.checkers {
		wg.Add(1)
		go func(checker HealthChecker) {
			defer wg.Done()

			start := time.Now()
			err := checker.Check(ctx)
			check := ComponentCheck{
				Status:  "healthy",
				Latency: time.Since(start).Round(time.Millisecond).String(),
			}
			if err != nil {
				check.Status = "unhealthy"
				check.Error = err.Error()
			}

			mu.Lock()
			components[checker.Name()] = check
			mu.Unlock()
		}(checker)
	}
	wg.Wait()

	return components
}
