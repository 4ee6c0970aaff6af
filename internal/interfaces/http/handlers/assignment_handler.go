package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/ABLab/internal/application/assignment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
)

// AssignmentHandler serves the variant assignment endpoints.
type AssignmentHandler struct {
	service assignment.Service
	logger  logging.Logger
}

// NewAssignmentHandler creates a new AssignmentHandler.
func NewAssignmentHandler(service assignment.Service, logger logging.Logger) *AssignmentHandler {
	return &AssignmentHandler{service: service, logger: logger}
}

// AssignRequest is the POST /assignments body. Exactly one of user_id and
// session_id identifies the subject; user_id wins when both are set.
type AssignRequest struct {
	Experiment string `json:"experiment"`
	UserID     string `json:"user_id"`
	SessionID  string `json:"session_id"`
}

// Assign handles POST /assignments.
func (h *AssignmentHandler) Assign(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}

	dto, err := h.service.Assign(c.Request.Context(), &assignment.AssignInput{
		ExperimentName: req.Experiment,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}

// Lookup handles GET /assignments. It reports the stored assignment for a
// subject without creating one.
func (h *AssignmentHandler) Lookup(c *gin.Context) {
	dto, err := h.service.Lookup(c.Request.Context(), &assignment.LookupInput{
		ExperimentName: c.Query("experiment"),
		UserID:         c.Query("user_id"),
		SessionID:      c.Query("session_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, dto)
}
