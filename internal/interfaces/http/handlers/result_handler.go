package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ABLab/internal/application/results"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

// ResultHandler serves the result recording and analysis endpoints.
type ResultHandler struct {
	service results.Service
	logger  logging.Logger
}

// NewResultHandler creates a new ResultHandler.
func NewResultHandler(service results.Service, logger logging.Logger) *ResultHandler {
	return &ResultHandler{service: service, logger: logger}
}

// RecordRequest is the POST /results body.
type RecordRequest struct {
	Experiment  string  `json:"experiment"`
	Variant     string  `json:"variant"`
	UserID      string  `json:"user_id"`
	SessionID   string  `json:"session_id"`
	MetricName  string  `json:"metric_name"`
	MetricType  string  `json:"metric_type"`
	MetricValue float64 `json:"metric_value"`
}

// Record handles POST /results.
func (h *ResultHandler) Record(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	dto, err := h.service.Record(c.Request.Context(), &results.RecordInput{
		ExperimentName: req.Experiment,
		VariantName:    req.Variant,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		MetricName:     req.MetricName,
		MetricType:     req.MetricType,
		MetricValue:    req.MetricValue,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, dto)
}

// GetResults handles GET /experiments/:name/results. The optional start and
// end query parameters bound the aggregation window and must be RFC 3339.
func (h *ResultHandler) GetResults(c *gin.Context) {
	input := &results.ResultsInput{ExperimentName: c.Param("name")}

	start, err := queryTime(c, "start")
	if err != nil {
		respondError(c, err)
		return
	}
	end, err := queryTime(c, "end")
	if err != nil {
		respondError(c, err)
		return
	}
	input.Start = start
	input.End = end

	report, err := h.service.GetResults(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, report)
}

// GetRecent handles GET /experiments/:name/results/recent.
func (h *ResultHandler) GetRecent(c *gin.Context) {
	entries, err := h.service.GetRecent(c.Request.Context(), c.Param("name"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, entries)
}

// Significance handles GET /experiments/:name/significance.
func (h *ResultHandler) Significance(c *gin.Context) {
	report, err := h.service.CalculateSignificance(c.Request.Context(), &results.SignificanceInput{
		ExperimentName: c.Param("name"),
		MetricName:     c.Query("metric"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, report)
}

// queryTime parses an optional RFC 3339 query parameter.
func queryTime(c *gin.Context, name string) (*time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New(errors.ErrCodeWindowInvalid, "invalid "+name+" parameter, expected RFC 3339 timestamp")
	}
	return &t, nil
}
