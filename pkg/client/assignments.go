package client

import (
	"context"
	"net/url"

	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// AssignmentsClient provides variant assignment APIs.
type AssignmentsClient struct {
	client *Client
}

// AssignRequest identifies the experiment and subject to assign. UserID
// takes precedence over SessionID; at least one is required.
type AssignRequest struct {
	Experiment string `json:"experiment"`
	UserID     string `json:"user_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

// Assign resolves the subject's variant, creating a sticky assignment on
// first contact. Excluded subjects come back with Excluded set and no
// variant.
// POST /api/v1/assignments
func (ac *AssignmentsClient) Assign(ctx context.Context, req *AssignRequest) (*etypes.AssignmentDTO, error) {
	if req == nil || req.Experiment == "" {
		return nil, invalidArg("experiment is required")
	}
	if req.UserID == "" && req.SessionID == "" {
		return nil, invalidArg("either user_id or session_id is required")
	}

	var dto etypes.AssignmentDTO
	if err := ac.client.post(ctx, "/api/v1/assignments", req, &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}

// Lookup returns the stored assignment for a subject without creating one.
// GET /api/v1/assignments
func (ac *AssignmentsClient) Lookup(ctx context.Context, req *AssignRequest) (*etypes.AssignmentDTO, error) {
	if req == nil || req.Experiment == "" {
		return nil, invalidArg("experiment is required")
	}
	if req.UserID == "" && req.SessionID == "" {
		return nil, invalidArg("either user_id or session_id is required")
	}

	q := url.Values{}
	q.Set("experiment", req.Experiment)
	if req.UserID != "" {
		q.Set("user_id", req.UserID)
	}
	if req.SessionID != "" {
		q.Set("session_id", req.SessionID)
	}

	var dto etypes.AssignmentDTO
	if err := ac.client.get(ctx, "/api/v1/assignments?"+q.Encode(), &dto); err != nil {
		return nil, err
	}
	return &dto, nil
}
