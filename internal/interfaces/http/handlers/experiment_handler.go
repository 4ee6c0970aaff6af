package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ABLab/internal/application/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ExperimentHandler serves the experiment lifecycle endpoints.
type ExperimentHandler struct {
	service experiment.Service
	logger  logging.Logger
}

// NewExperimentHandler creates a new ExperimentHandler.
func NewExperimentHandler(service experiment.Service, logger logging.Logger) *ExperimentHandler {
	return &ExperimentHandler{service: service, logger: logger}
}

// CreateVariantRequest describes one arm in a create request.
type CreateVariantRequest struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name"`
	IsControl     bool           `json:"is_control"`
	Weight        float64        `json:"weight"`
	Configuration map[string]any `json:"configuration"`
}

// CreateExperimentRequest is the POST /experiments body.
type CreateExperimentRequest struct {
	Name              string                 `json:"name"`
	DisplayName       string                 `json:"display_name"`
	Description       string                 `json:"description"`
	Hypothesis        string                 `json:"hypothesis"`
	Type              string                 `json:"type"`
	TrafficAllocation float64                `json:"traffic_allocation"`
	SuccessMetric     string                 `json:"success_metric"`
	StartAt           *time.Time             `json:"start_at"`
	EndAt             *time.Time             `json:"end_at"`
	Variants          []CreateVariantRequest `json:"variants"`
	Actor             string                 `json:"actor"`
}

// statusChangeRequest is the optional body of the lifecycle endpoints.
type statusChangeRequest struct {
	Actor string `json:"actor"`
}

// UpdateMetricRequest is the PUT /experiments/:name/metric body.
type UpdateMetricRequest struct {
	Metric string `json:"metric"`
	Actor  string `json:"actor"`
}

// Create handles POST /experiments.
func (h *ExperimentHandler) Create(c *gin.Context) {
	var req CreateExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	input := &experiment.CreateInput{
		Name:              req.Name,
		DisplayName:       req.DisplayName,
		Description:       req.Description,
		Hypothesis:        req.Hypothesis,
		Type:              req.Type,
		TrafficAllocation: req.TrafficAllocation,
		SuccessMetric:     req.SuccessMetric,
		StartAt:           req.StartAt,
		EndAt:             req.EndAt,
		Variants:          make([]experiment.VariantInput, len(req.Variants)),
		Actor:             req.Actor,
	}
	for i, v := range req.Variants {
		input.Variants[i] = experiment.VariantInput{
			Name:          v.Name,
			DisplayName:   v.DisplayName,
			IsControl:     v.IsControl,
			Weight:        v.Weight,
			Configuration: v.Configuration,
		}
	}

	dto, err := h.service.Create(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, dto)
}

// List handles GET /experiments. With ?active=true it returns the
// window-aware active set: experiments in active status whose schedule
// covers the current time, the same view the assignment path consults.
func (h *ExperimentHandler) List(c *gin.Context) {
	if c.Query("active") == "true" {
		dtos, err := h.service.GetActive(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		respond(c, http.StatusOK, dtos)
		return
	}

	input := &experiment.ListInput{
		Page:      queryInt(c, "page", 1),
		PageSize:  queryInt(c, "page_size", 20),
		Status:    c.Query("status"),
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}

	res, err := h.service.List(c.Request.Context(), input)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}

// Get handles GET /experiments/:name.
func (h *ExperimentHandler) Get(c *gin.Context) {
	dto, err := h.service.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}

// Activate handles POST /experiments/:name/activate.
func (h *ExperimentHandler) Activate(c *gin.Context) {
	h.changeStatus(c, h.service.Activate)
}

// Pause handles POST /experiments/:name/pause.
func (h *ExperimentHandler) Pause(c *gin.Context) {
	h.changeStatus(c, h.service.Pause)
}

// Resume handles POST /experiments/:name/resume.
func (h *ExperimentHandler) Resume(c *gin.Context) {
	h.changeStatus(c, h.service.Resume)
}

// Complete handles POST /experiments/:name/complete.
func (h *ExperimentHandler) Complete(c *gin.Context) {
	h.changeStatus(c, h.service.Complete)
}

// Archive handles POST /experiments/:name/archive.
func (h *ExperimentHandler) Archive(c *gin.Context) {
	h.changeStatus(c, h.service.Archive)
}

// changeStatus runs one lifecycle transition. The body is optional; when
// present it may carry the acting identity for the audit trail.
func (h *ExperimentHandler) changeStatus(c *gin.Context, op func(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error)) {
	var req statusChangeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body: "+err.Error())
			return
		}
	}

	dto, err := op(c.Request.Context(), c.Param("name"), req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}

// UpdateMetric handles PUT /experiments/:name/metric.
func (h *ExperimentHandler) UpdateMetric(c *gin.Context) {
	var req UpdateMetricRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	dto, err := h.service.UpdateSuccessMetric(c.Request.Context(), c.Param("name"), req.Metric, req.Actor)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}
