package http

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/internal/application/assignment"
	"github.com/turtacn/ABLab/internal/application/experiment"
	"github.com/turtacn/ABLab/internal/application/results"
	"github.com/turtacn/ABLab/internal/domain/result"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/internal/interfaces/http/handlers"
	"github.com/turtacn/ABLab/internal/interfaces/http/middleware"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// ─────────────────────────────────────────────────────────────────────────────
// Canned services
// ─────────────────────────────────────────────────────────────────────────────

// cannedServices satisfies every application service with fixed successful
// responses; the router tests only care about wiring, not behavior.
type cannedServices struct{}

var (
	_ experiment.Service = cannedServices{}
	_ assignment.Service = cannedServices{}
	_ results.Service    = cannedServices{}
)

func cannedExperiment() *etypes.ExperimentDTO {
	return &etypes.ExperimentDTO{Name: "checkout_cta", Type: etypes.TypeSplit, Status: etypes.StatusActive}
}

func (cannedServices) Create(context.Context, *experiment.CreateInput) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) Get(context.Context, string) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) List(context.Context, *experiment.ListInput) (*experiment.ListResult, error) {
	return &experiment.ListResult{}, nil
}

func (cannedServices) GetActive(context.Context) ([]etypes.ExperimentDTO, error) {
	return nil, nil
}

func (cannedServices) Activate(context.Context, string, string) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) Pause(context.Context, string, string) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) Resume(context.Context, string, string) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) Complete(context.Context, string, string) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) Archive(context.Context, string, string) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) UpdateSuccessMetric(context.Context, string, string, string) (*etypes.ExperimentDTO, error) {
	return cannedExperiment(), nil
}

func (cannedServices) Assign(context.Context, *assignment.AssignInput) (*etypes.AssignmentDTO, error) {
	return &etypes.AssignmentDTO{ExperimentName: "checkout_cta", VariantName: "treatment"}, nil
}

func (cannedServices) Lookup(context.Context, *assignment.LookupInput) (*etypes.AssignmentDTO, error) {
	return &etypes.AssignmentDTO{ExperimentName: "checkout_cta", VariantName: "treatment"}, nil
}

func (cannedServices) Record(context.Context, *results.RecordInput) (*etypes.ResultEventDTO, error) {
	return &etypes.ResultEventDTO{MetricName: "checkout_rate"}, nil
}

func (cannedServices) GetResults(context.Context, *results.ResultsInput) (*etypes.ResultsReportDTO, error) {
	return &etypes.ResultsReportDTO{ExperimentName: "checkout_cta"}, nil
}

func (cannedServices) GetRecent(context.Context, string, int) ([]result.RecentEntry, error) {
	return nil, nil
}

func (cannedServices) CalculateSignificance(context.Context, *results.SignificanceInput) (*etypes.SignificanceReportDTO, error) {
	return &etypes.SignificanceReportDTO{ExperimentName: "checkout_cta"}, nil
}

func (cannedServices) BuildFinalReport(context.Context, string) (*results.FinalReport, error) {
	return &results.FinalReport{ExperimentName: "checkout_cta"}, nil
}

func newFullRouter(t *testing.T) *gin.Engine {
	t.Helper()

	collector, err := prometheus.NewMetricsCollector(prometheus.CollectorConfig{
		Namespace: "ablab_router_test",
	}, logging.NewNopLogger())
	require.NoError(t, err)

	svc := cannedServices{}
	nop := logging.NewNopLogger()
	return NewRouter(RouterConfig{
		ExperimentHandler: handlers.NewExperimentHandler(svc, nop),
		AssignmentHandler: handlers.NewAssignmentHandler(svc, nop),
		ResultHandler:     handlers.NewResultHandler(svc, nop),
		HealthHandler:     handlers.NewHealthHandler("test"),
		MetricsHandler:    collector.Handler(),
		Metrics:           prometheus.NewAppMetrics(collector),
	})
}

func serve(r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ─────────────────────────────────────────────────────────────────────────────
// Route table
// ─────────────────────────────────────────────────────────────────────────────

func TestNewRouter_RouteTable(t *testing.T) {
	r := newFullRouter(t)

	routes := []struct {
		method string
		target string
		body   string
		want   int
	}{
		{http.MethodGet, "/healthz", "", http.StatusOK},
		{http.MethodGet, "/readyz", "", http.StatusOK},
		{http.MethodGet, "/metrics", "", http.StatusOK},
		{http.MethodPost, "/api/v1/experiments", `{"name":"checkout_cta"}`, http.StatusCreated},
		{http.MethodGet, "/api/v1/experiments", "", http.StatusOK},
		{http.MethodGet, "/api/v1/experiments/checkout_cta", "", http.StatusOK},
		{http.MethodPost, "/api/v1/experiments/checkout_cta/activate", "", http.StatusOK},
		{http.MethodPost, "/api/v1/experiments/checkout_cta/pause", "", http.StatusOK},
		{http.MethodPost, "/api/v1/experiments/checkout_cta/resume", "", http.StatusOK},
		{http.MethodPost, "/api/v1/experiments/checkout_cta/complete", "", http.StatusOK},
		{http.MethodPost, "/api/v1/experiments/checkout_cta/archive", "", http.StatusOK},
		{http.MethodPut, "/api/v1/experiments/checkout_cta/metric", `{"metric":"checkout_rate"}`, http.StatusOK},
		{http.MethodPost, "/api/v1/assignments", `{"experiment":"checkout_cta","user_id":"u-1"}`, http.StatusOK},
		{http.MethodPost, "/api/v1/results", `{"experiment":"checkout_cta","variant":"treatment","user_id":"u-1","metric_name":"checkout_rate","metric_value":1}`, http.StatusCreated},
		{http.MethodGet, "/api/v1/experiments/checkout_cta/results", "", http.StatusOK},
		{http.MethodGet, "/api/v1/experiments/checkout_cta/results/recent", "", http.StatusOK},
		{http.MethodGet, "/api/v1/experiments/checkout_cta/significance?metric=checkout_rate", "", http.StatusOK},
		{http.MethodGet, "/api/v1/nonexistent", "", http.StatusNotFound},
		{http.MethodDelete, "/api/v1/experiments/checkout_cta", "", http.StatusNotFound},
	}

	for _, tt := range routes {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			w := serve(r, tt.method, tt.target, tt.body)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestNewRouter_RequestIDOnEveryResponse(t *testing.T) {
	r := newFullRouter(t)

	w := serve(r, http.MethodGet, "/api/v1/experiments", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderRequestID))
}

func TestNewRouter_MetricsObserveAPITraffic(t *testing.T) {
	r := newFullRouter(t)

	serve(r, http.MethodGet, "/api/v1/experiments/checkout_cta", "")
	w := serve(r, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ablab_router_test_http_requests_total")
	assert.Contains(t, body, `path="/api/v1/experiments/:name"`)
}

func TestNewRouter_NilHandlersSkipGroups(t *testing.T) {
	r := NewRouter(RouterConfig{})

	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodGet, "/api/v1/experiments", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/api/v1/assignments", "").Code)
}

func TestNewRouter_CORSWired(t *testing.T) {
	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = []string{"https://app.example.com"}

	svc := cannedServices{}
	nop := logging.NewNopLogger()
	r := NewRouter(RouterConfig{
		ExperimentHandler: handlers.NewExperimentHandler(svc, nop),
		CORS:              &cors,
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/experiments", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRouter_RateLimiterWired(t *testing.T) {
	limiter := middleware.NewTokenBucketLimiter(0.0001, 1, 0)
	defer limiter.Stop()

	svc := cannedServices{}
	nop := logging.NewNopLogger()
	r := NewRouter(RouterConfig{
		ExperimentHandler: handlers.NewExperimentHandler(svc, nop),
		RateLimiter:       limiter,
	})

	first := serve(r, http.MethodGet, "/api/v1/experiments", "")
	second := serve(r, http.MethodGet, "/api/v1/experiments", "")

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestSetMode(t *testing.T) {
	defer gin.SetMode(gin.TestMode)

	SetMode("release")
	assert.Equal(t, gin.ReleaseMode, gin.Mode())

	SetMode("debug")
	assert.Equal(t, gin.DebugMode, gin.Mode())

	SetMode("test")
	assert.Equal(t, gin.TestMode, gin.Mode())

	SetMode("bogus")
	assert.Equal(t, gin.ReleaseMode, gin.Mode())
}
