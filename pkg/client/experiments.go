package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ExperimentsClient provides experiment definition and lifecycle APIs.
type ExperimentsClient struct {
	client *Client
}

// CreateVariantRequest describes one arm of a new experiment.
type CreateVariantRequest struct {
	Name          string         `json:"name"`
	DisplayName   string         `json:"display_name,omitempty"`
	IsControl     bool           `json:"is_control"`
	Weight        float64        `json:"weight"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

// CreateExperimentRequest describes a new experiment.
type CreateExperimentRequest struct {
	Name              string                 `json:"name"`
	DisplayName       string                 `json:"display_name,omitempty"`
	Description       string                 `json:"description,omitempty"`
	Hypothesis        string                 `json:"hypothesis,omitempty"`
	Type              string                 `json:"type,omitempty"`
	TrafficAllocation float64                `json:"traffic_allocation"`
	SuccessMetric     string                 `json:"success_metric,omitempty"`
	StartAt           *time.Time             `json:"start_at,omitempty"`
	EndAt             *time.Time             `json:"end_at,omitempty"`
	Variants          []CreateVariantRequest `json:"variants"`
	Actor             string                 `json:"actor,omitempty"`
}

// ListExperimentsOptions filters and paginates experiment listings. A nil
// options value lists the first page with server defaults.
type ListExperimentsOptions struct {
	Page      int
	PageSize  int
	Status    string
	SortBy    string
	SortOrder string
}

// ExperimentPage is one page of experiment summaries.
type ExperimentPage = common.PageResponse[etypes.ExperimentDTO]

// statusChangeRequest carries the acting identity on lifecycle transitions.
type statusChangeRequest struct {
	Actor string `json:"actor,omitempty"`
}

// updateMetricRequest changes the experiment's success metric.
type updateMetricRequest struct {
	Metric string `json:"metric"`
	Actor  string `json:"actor,omitempty"`
}

// Create registers a new experiment in draft status.
// POST /api/v1/experiments
func (ec *ExperimentsClient) Create(ctx context.Context, req *CreateExperimentRequest) (*etypes.ExperimentDTO, error) {
	if req == nil || req.Name == "" {
		return nil, invalidArg("experiment name is required")
	}
	if len(req.Variants) == 0 {
		return nil, invalidArg("at least one variant is required")
	}

	var dto etypes.ExperimentDTO
	if err := ec.client.post(ctx, "/api/v1/experiments", req, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// List returns a page of experiments.
// GET /api/v1/experiments
func (ec *ExperimentsClient) List(ctx context.Context, opts *ListExperimentsOptions) (*ExperimentPage, error) {
	path := "/api/v1/experiments"
	if opts != nil {
		q := url.Values{}
		if opts.Page > 0 {
			q.Set("page", fmt.Sprintf("%d", opts.Page))
		}
		if opts.PageSize > 0 {
			q.Set("page_size", fmt.Sprintf("%d", opts.PageSize))
		}
		if opts.Status != "" {
			q.Set("status", opts.Status)
		}
		if opts.SortBy != "" {
			q.Set("sort_by", opts.SortBy)
		}
		if opts.SortOrder != "" {
			q.Set("sort_order", opts.SortOrder)
		}
		if encoded := q.Encode(); encoded != "" {
			path += "?" + encoded
		}
	}

	var page ExperimentPage
	if err := ec.client.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListActive returns the experiments currently eligible for assignment:
// active status with a schedule window covering the server's current time.
// GET /api/v1/experiments?active=true
func (ec *ExperimentsClient) ListActive(ctx context.Context) ([]etypes.ExperimentDTO, error) {
	var dtos []etypes.ExperimentDTO
	if err := ec.client.get(ctx, "/api/v1/experiments?active=true", &dtos); err != nil {
		return nil, err
	}
	return dtos, nil
}

// Get retrieves an experiment by name or id.
// GET /api/v1/experiments/{name}
func (ec *ExperimentsClient) Get(ctx context.Context, name string) (*etypes.ExperimentDTO, error) {
	if name == "" {
		return nil, invalidArg("experiment name is required")
	}

	var dto etypes.ExperimentDTO
	if err := ec.client.get(ctx, "/api/v1/experiments/"+url.PathEscape(name), &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// Activate transitions an experiment to active.
// POST /api/v1/experiments/{name}/activate
func (ec *ExperimentsClient) Activate(ctx context.Context, name, actor string) (*etypes.ExperimentDTO, error) {
	return ec.transition(ctx, name, "activate", actor)
}

// Pause transitions an active experiment to paused.
// POST /api/v1/experiments/{name}/pause
func (ec *ExperimentsClient) Pause(ctx context.Context, name, actor string) (*etypes.ExperimentDTO, error) {
	return ec.transition(ctx, name, "pause", actor)
}

// Resume transitions a paused experiment back to active.
// POST /api/v1/experiments/{name}/resume
func (ec *ExperimentsClient) Resume(ctx context.Context, name, actor string) (*etypes.ExperimentDTO, error) {
	return ec.transition(ctx, name, "resume", actor)
}

// Complete finishes an experiment.
// POST /api/v1/experiments/{name}/complete
func (ec *ExperimentsClient) Complete(ctx context.Context, name, actor string) (*etypes.ExperimentDTO, error) {
	return ec.transition(ctx, name, "complete", actor)
}

// Archive retires an experiment.
// POST /api/v1/experiments/{name}/archive
func (ec *ExperimentsClient) Archive(ctx context.Context, name, actor string) (*etypes.ExperimentDTO, error) {
	return ec.transition(ctx, name, "archive", actor)
}

func (ec *ExperimentsClient) transition(ctx context.Context, name, action, actor string) (*etypes.ExperimentDTO, error) {
	if name == "" {
		return nil, invalidArg("experiment name is required")
	}

	path := "/api/v1/experiments/" + url.PathEscape(name) + "/" + action
	var dto etypes.ExperimentDTO
	if err := ec.client.post(ctx, path, statusChangeRequest{Actor: actor}, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// UpdateSuccessMetric changes the experiment's primary decision metric.
// PUT /api/v1/experiments/{name}/metric
func (ec *ExperimentsClient) UpdateSuccessMetric(ctx context.Context, name, metric, actor string) (*etypes.ExperimentDTO, error) {
	if name == "" {
		return nil, invalidArg("experiment name is required")
	}
	if metric == "" {
		return nil, invalidArg("metric is required")
	}

	path := "/api/v1/experiments/" + url.PathEscape(name) + "/metric"
	var dto etypes.ExperimentDTO
	if err := ec.client.put(ctx, path, updateMetricRequest{Metric: metric, Actor: actor}, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}
