package client

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/pkg/errors"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

func newTestExperimentsClient(t *testing.T, handler http.HandlerFunc) *ExperimentsClient {
	c := newTestClient(t, handler)
	return c.Experiments()
}

// rejectRequests fails the test if the client reaches the network at all.
func rejectRequests(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
	}
}

func TestExperiments_Create(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/experiments", r.URL.Path)

		var req CreateExperimentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "checkout_cta", req.Name)
		assert.Equal(t, 80.0, req.TrafficAllocation)
		assert.Equal(t, "grace@example.com", req.Actor)
		require.Len(t, req.Variants, 2)
		assert.True(t, req.Variants[0].IsControl)
		assert.Equal(t, "green", req.Variants[1].Configuration["color"])

		respondData(t, w, http.StatusCreated, etypes.ExperimentDTO{
			Name:   "checkout_cta",
			Status: etypes.StatusDraft,
		})
	}

	ec := newTestExperimentsClient(t, handler)
	dto, err := ec.Create(context.Background(), &CreateExperimentRequest{
		Name:              "checkout_cta",
		TrafficAllocation: 80,
		Actor:             "grace@example.com",
		Variants: []CreateVariantRequest{
			{Name: "control", IsControl: true, Weight: 50},
			{Name: "green_button", Weight: 50, Configuration: map[string]any{"color": "green"}},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "checkout_cta", dto.Name)
	assert.Equal(t, etypes.StatusDraft, dto.Status)
}

func TestExperiments_Create_Validation(t *testing.T) {
	ec := newTestExperimentsClient(t, rejectRequests(t))

	_, err := ec.Create(context.Background(), nil)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))

	_, err = ec.Create(context.Background(), &CreateExperimentRequest{Name: ""})
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))

	_, err = ec.Create(context.Background(), &CreateExperimentRequest{Name: "x"})
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestExperiments_Create_Conflict(t *testing.T) {
	ec := newTestExperimentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondAPIError(t, w, http.StatusConflict, errors.ErrCodeExperimentExists, "experiment already exists")
	})

	_, err := ec.Create(context.Background(), &CreateExperimentRequest{
		Name:     "checkout_cta",
		Variants: []CreateVariantRequest{{Name: "control", IsControl: true, Weight: 100}},
	})

	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.True(t, apiErr.IsConflict())
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentExists))
}

func TestExperiments_List(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/experiments", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "2", q.Get("page"))
		assert.Equal(t, "5", q.Get("page_size"))
		assert.Equal(t, "active", q.Get("status"))
		assert.Equal(t, "name", q.Get("sort_by"))
		assert.Equal(t, "asc", q.Get("sort_order"))

		respondData(t, w, http.StatusOK, ExperimentPage{
			Items:      []etypes.ExperimentDTO{{Name: "checkout_cta", Status: etypes.StatusActive}},
			Total:      11,
			Page:       2,
			PageSize:   5,
			TotalPages: 3,
		})
	}

	ec := newTestExperimentsClient(t, handler)
	page, err := ec.List(context.Background(), &ListExperimentsOptions{
		Page:      2,
		PageSize:  5,
		Status:    "active",
		SortBy:    "name",
		SortOrder: "asc",
	})

	require.NoError(t, err)
	assert.Equal(t, int64(11), page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "checkout_cta", page.Items[0].Name)
}

func TestExperiments_List_NilOptions(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		respondData(t, w, http.StatusOK, ExperimentPage{Page: 1, PageSize: 20})
	}

	ec := newTestExperimentsClient(t, handler)
	page, err := ec.List(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
}

func TestExperiments_ListActive(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/experiments", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("active"))

		respondData(t, w, http.StatusOK, []etypes.ExperimentDTO{
			{Name: "checkout_cta", Status: etypes.StatusActive},
			{Name: "pricing_page", Status: etypes.StatusActive},
		})
	}

	ec := newTestExperimentsClient(t, handler)
	dtos, err := ec.ListActive(context.Background())

	require.NoError(t, err)
	require.Len(t, dtos, 2)
	assert.Equal(t, "checkout_cta", dtos[0].Name)
	assert.Equal(t, etypes.StatusActive, dtos[1].Status)
}

func TestExperiments_Get(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/experiments/checkout_cta", r.URL.Path)
		respondData(t, w, http.StatusOK, etypes.ExperimentDTO{
			Name:   "checkout_cta",
			Status: etypes.StatusActive,
			Variants: []etypes.VariantDTO{
				{Name: "control", IsControl: true, Weight: 50},
				{Name: "green_button", Weight: 50},
			},
		})
	}

	ec := newTestExperimentsClient(t, handler)
	dto, err := ec.Get(context.Background(), "checkout_cta")

	require.NoError(t, err)
	assert.Equal(t, "checkout_cta", dto.Name)
	assert.Len(t, dto.Variants, 2)
}

func TestExperiments_Get_NotFound(t *testing.T) {
	ec := newTestExperimentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondAPIError(t, w, http.StatusNotFound, errors.ErrCodeExperimentNotFound, "experiment not found")
	})

	_, err := ec.Get(context.Background(), "missing")

	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentNotFound))
}

func TestExperiments_Get_Validation(t *testing.T) {
	ec := newTestExperimentsClient(t, rejectRequests(t))

	_, err := ec.Get(context.Background(), "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestExperiments_Transitions(t *testing.T) {
	tests := []struct {
		action string
		status etypes.Status
		call   func(ec *ExperimentsClient) (*etypes.ExperimentDTO, error)
	}{
		{"activate", etypes.StatusActive, func(ec *ExperimentsClient) (*etypes.ExperimentDTO, error) {
			return ec.Activate(context.Background(), "checkout_cta", "ops@example.com")
		}},
		{"pause", etypes.StatusPaused, func(ec *ExperimentsClient) (*etypes.ExperimentDTO, error) {
			return ec.Pause(context.Background(), "checkout_cta", "ops@example.com")
		}},
		{"resume", etypes.StatusActive, func(ec *ExperimentsClient) (*etypes.ExperimentDTO, error) {
			return ec.Resume(context.Background(), "checkout_cta", "ops@example.com")
		}},
		{"complete", etypes.StatusCompleted, func(ec *ExperimentsClient) (*etypes.ExperimentDTO, error) {
			return ec.Complete(context.Background(), "checkout_cta", "ops@example.com")
		}},
		{"archive", etypes.StatusArchived, func(ec *ExperimentsClient) (*etypes.ExperimentDTO, error) {
			return ec.Archive(context.Background(), "checkout_cta", "ops@example.com")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			handler := func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/api/v1/experiments/checkout_cta/"+tt.action, r.URL.Path)

				var req statusChangeRequest
				require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "ops@example.com", req.Actor)

				respondData(t, w, http.StatusOK, etypes.ExperimentDTO{
					Name:   "checkout_cta",
					Status: tt.status,
				})
			}

			dto, err := tt.call(newTestExperimentsClient(t, handler))

			require.NoError(t, err)
			assert.Equal(t, tt.status, dto.Status)
		})
	}
}

func TestExperiments_Transition_InvalidState(t *testing.T) {
	ec := newTestExperimentsClient(t, func(w http.ResponseWriter, r *http.Request) {
		respondAPIError(t, w, http.StatusConflict, errors.ErrCodeExperimentTransition, "cannot transition from draft to completed")
	})

	_, err := ec.Complete(context.Background(), "checkout_cta", "ops@example.com")

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentTransition))
}

func TestExperiments_UpdateSuccessMetric(t *testing.T) {
	handler := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/experiments/checkout_cta/metric", r.URL.Path)

		var req updateMetricRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "signup_completed", req.Metric)
		assert.Equal(t, "grace@example.com", req.Actor)

		respondData(t, w, http.StatusOK, etypes.ExperimentDTO{
			Name:          "checkout_cta",
			SuccessMetric: "signup_completed",
		})
	}

	ec := newTestExperimentsClient(t, handler)
	dto, err := ec.UpdateSuccessMetric(context.Background(), "checkout_cta", "signup_completed", "grace@example.com")

	require.NoError(t, err)
	assert.Equal(t, "signup_completed", dto.SuccessMetric)
}

func TestExperiments_UpdateSuccessMetric_Validation(t *testing.T) {
	ec := newTestExperimentsClient(t, rejectRequests(t))

	_, err := ec.UpdateSuccessMetric(context.Background(), "", "m", "a")
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))

	_, err = ec.UpdateSuccessMetric(context.Background(), "checkout_cta", "", "a")
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}
