package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/internal/application/assignment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

type stubAssignmentService struct {
	assignFn func(ctx context.Context, input *assignment.AssignInput) (*etypes.AssignmentDTO, error)
	lookupFn func(ctx context.Context, input *assignment.LookupInput) (*etypes.AssignmentDTO, error)
}

var _ assignment.Service = (*stubAssignmentService)(nil)

func (s *stubAssignmentService) Assign(ctx context.Context, input *assignment.AssignInput) (*etypes.AssignmentDTO, error) {
	return s.assignFn(ctx, input)
}

func (s *stubAssignmentService) Lookup(ctx context.Context, input *assignment.LookupInput) (*etypes.AssignmentDTO, error) {
	return s.lookupFn(ctx, input)
}

func newAssignmentRouter(svc assignment.Service) *gin.Engine {
	r := newTestEngine()
	h := NewAssignmentHandler(svc, logging.NewNopLogger())
	r.POST("/api/v1/assignments", h.Assign)
	r.GET("/api/v1/assignments", h.Lookup)
	return r
}

func TestAssignmentHandler_Assign(t *testing.T) {
	var captured *assignment.AssignInput
	svc := &stubAssignmentService{
		assignFn: func(_ context.Context, input *assignment.AssignInput) (*etypes.AssignmentDTO, error) {
			captured = input
			return &etypes.AssignmentDTO{
				ExperimentName: input.ExperimentName,
				VariantName:    "treatment",
				Source:         etypes.SourceComputed,
				AssignedAt:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
			}, nil
		},
	}
	r := newAssignmentRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/assignments",
		AssignRequest{Experiment: "checkout_cta", UserID: "user-42"})

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "checkout_cta", captured.ExperimentName)
	assert.Equal(t, "user-42", captured.UserID)
	assert.Empty(t, captured.SessionID)

	resp := decodeEnvelope[etypes.AssignmentDTO](t, w)
	assert.True(t, resp.Success)
	assert.Equal(t, "treatment", resp.Data.VariantName)
	assert.Equal(t, etypes.SourceComputed, resp.Data.Source)
	assert.False(t, resp.Data.Excluded)
}

func TestAssignmentHandler_Assign_SessionSubject(t *testing.T) {
	var captured *assignment.AssignInput
	svc := &stubAssignmentService{
		assignFn: func(_ context.Context, input *assignment.AssignInput) (*etypes.AssignmentDTO, error) {
			captured = input
			return &etypes.AssignmentDTO{ExperimentName: input.ExperimentName, VariantName: "control", IsControl: true}, nil
		},
	}
	r := newAssignmentRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/assignments",
		AssignRequest{Experiment: "checkout_cta", SessionID: "sess-9"})

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.Empty(t, captured.UserID)
	assert.Equal(t, "sess-9", captured.SessionID)
}

func TestAssignmentHandler_Assign_Excluded(t *testing.T) {
	svc := &stubAssignmentService{
		assignFn: func(_ context.Context, input *assignment.AssignInput) (*etypes.AssignmentDTO, error) {
			return &etypes.AssignmentDTO{
				ExperimentName: input.ExperimentName,
				Excluded:       true,
				Reason:         etypes.ReasonTrafficAllocation,
			}, nil
		},
	}
	r := newAssignmentRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/assignments",
		AssignRequest{Experiment: "checkout_cta", UserID: "user-42"})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeEnvelope[etypes.AssignmentDTO](t, w)
	assert.True(t, resp.Data.Excluded)
	assert.Equal(t, etypes.ReasonTrafficAllocation, resp.Data.Reason)
	assert.Empty(t, resp.Data.VariantName)
}

func TestAssignmentHandler_Assign_MalformedBody(t *testing.T) {
	r := newAssignmentRouter(&stubAssignmentService{})

	w := doRaw(t, r, http.MethodPost, "/api/v1/assignments", `{"experiment": }`)

	requireErrorEnvelope(t, w, http.StatusBadRequest, errors.ErrCodeBadRequest)
}

func TestAssignmentHandler_Assign_MissingSubject(t *testing.T) {
	svc := &stubAssignmentService{
		assignFn: func(context.Context, *assignment.AssignInput) (*etypes.AssignmentDTO, error) {
			return nil, errors.New(errors.ErrCodeInvalidSubject, "neither user id nor session id supplied")
		},
	}
	r := newAssignmentRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/assignments", AssignRequest{Experiment: "checkout_cta"})

	requireErrorEnvelope(t, w, http.StatusBadRequest, errors.ErrCodeInvalidSubject)
}

func TestAssignmentHandler_Lookup(t *testing.T) {
	var captured *assignment.LookupInput
	svc := &stubAssignmentService{
		lookupFn: func(_ context.Context, input *assignment.LookupInput) (*etypes.AssignmentDTO, error) {
			captured = input
			return &etypes.AssignmentDTO{
				ExperimentName: input.ExperimentName,
				VariantName:    "treatment",
			}, nil
		},
	}
	r := newAssignmentRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/assignments?experiment=checkout_cta&user_id=user-42", nil)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, captured)
	assert.Equal(t, "checkout_cta", captured.ExperimentName)
	assert.Equal(t, "user-42", captured.UserID)

	resp := decodeEnvelope[etypes.AssignmentDTO](t, w)
	assert.Equal(t, "treatment", resp.Data.VariantName)
}

func TestAssignmentHandler_Lookup_NotFound(t *testing.T) {
	svc := &stubAssignmentService{
		lookupFn: func(context.Context, *assignment.LookupInput) (*etypes.AssignmentDTO, error) {
			return nil, errors.New(errors.ErrCodeAssignmentNotFound, "no assignment for subject")
		},
	}
	r := newAssignmentRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/assignments?experiment=checkout_cta&user_id=user-9", nil)

	requireErrorEnvelope(t, w, http.StatusNotFound, errors.ErrCodeAssignmentNotFound)
}

func TestAssignmentHandler_Assign_ExperimentNotActive(t *testing.T) {
	svc := &stubAssignmentService{
		assignFn: func(context.Context, *assignment.AssignInput) (*etypes.AssignmentDTO, error) {
			return nil, errors.New(errors.ErrCodeExperimentNotActive, "experiment is not active")
		},
	}
	r := newAssignmentRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/assignments",
		AssignRequest{Experiment: "checkout_cta", UserID: "user-42"})

	requireErrorEnvelope(t, w, http.StatusConflict, errors.ErrCodeExperimentNotActive)
}
