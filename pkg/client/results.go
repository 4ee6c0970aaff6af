package client

import (
	"context"
	"fmt"
	"net/url"
	"time"

	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ResultsClient provides result recording and analysis APIs.
type ResultsClient struct {
	client *Client
}

// RecordResultRequest carries one metric observation. UserID takes
// precedence over SessionID; at least one is required. An empty MetricType
// defaults to conversion on the server.
type RecordResultRequest struct {
	Experiment  string  `json:"experiment"`
	Variant     string  `json:"variant"`
	UserID      string  `json:"user_id,omitempty"`
	SessionID   string  `json:"session_id,omitempty"`
	MetricName  string  `json:"metric_name"`
	MetricType  string  `json:"metric_type,omitempty"`
	MetricValue float64 `json:"metric_value"`
}

// ResultsOptions restricts the aggregation to a [Start, End) window.
type ResultsOptions struct {
	Start *time.Time
	End   *time.Time
}

// RecentResult is one recently recorded observation, newest first.
type RecentResult struct {
	VariantName string             `json:"variant_name"`
	SubjectKind etypes.SubjectKind `json:"subject_kind"`
	MetricName  string             `json:"metric_name"`
	MetricType  etypes.MetricType  `json:"metric_type"`
	MetricValue float64            `json:"metric_value"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// Record appends one metric observation for a subject and variant.
// POST /api/v1/results
func (rc *ResultsClient) Record(ctx context.Context, req *RecordResultRequest) (*etypes.ResultEventDTO, error) {
	if req == nil || req.Experiment == "" {
		return nil, invalidArg("experiment is required")
	}
	if req.Variant == "" {
		return nil, invalidArg("variant is required")
	}
	if req.MetricName == "" {
		return nil, invalidArg("metric_name is required")
	}
	if req.UserID == "" && req.SessionID == "" {
		return nil, invalidArg("either user_id or session_id is required")
	}

	var dto etypes.ResultEventDTO
	if err := rc.client.post(ctx, "/api/v1/results", req, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// Get aggregates recorded events into per-variant, per-metric statistics.
// GET /api/v1/experiments/{name}/results
func (rc *ResultsClient) Get(ctx context.Context, experiment string, opts *ResultsOptions) (*etypes.ResultsReportDTO, error) {
	if experiment == "" {
		return nil, invalidArg("experiment is required")
	}

	path := "/api/v1/experiments/" + url.PathEscape(experiment) + "/results"
	if opts != nil {
		q := url.Values{}
		if opts.Start != nil {
			q.Set("start", opts.Start.Format(time.RFC3339))
		}
		if opts.End != nil {
			q.Set("end", opts.End.Format(time.RFC3339))
		}
		if encoded := q.Encode(); encoded != "" {
			path += "?" + encoded
		}
	}

	var report etypes.ResultsReportDTO
	if err := rc.client.get(ctx, path, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Recent returns the newest recorded events for an experiment. A non-positive
// limit uses the server default.
// GET /api/v1/experiments/{name}/results/recent
func (rc *ResultsClient) Recent(ctx context.Context, experiment string, limit int) ([]RecentResult, error) {
	if experiment == "" {
		return nil, invalidArg("experiment is required")
	}

	path := "/api/v1/experiments/" + url.PathEscape(experiment) + "/results/recent"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	var entries []RecentResult
	if err := rc.client.get(ctx, path, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Significance tests every treatment against the control for one metric. An
// empty metric falls back to the experiment's success metric.
// GET /api/v1/experiments/{name}/significance
func (rc *ResultsClient) Significance(ctx context.Context, experiment, metric string) (*etypes.SignificanceReportDTO, error) {
	if experiment == "" {
		return nil, invalidArg("experiment is required")
	}

	path := "/api/v1/experiments/" + url.PathEscape(experiment) + "/significance"
	if metric != "" {
		path += "?metric=" + url.QueryEscape(metric)
	}

	var report etypes.SignificanceReportDTO
	if err := rc.client.get(ctx, path, &report); err != nil {
		return nil, err
	}
	return &report, nil
}
