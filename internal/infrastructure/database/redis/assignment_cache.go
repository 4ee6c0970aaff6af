package redis

import (
	"context"
	"time"

	"github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

const assignmentKeyPrefix = "ablab:assignment:"

// AssignmentCache memoizes assignment results in Redis, keyed by experiment
// name and subject.  It is a pure optimization for the assignment hot path:
// the engine recomputes deterministically on any miss or failure, so entries
// can expire or be purged at will.
type AssignmentCache struct {
	cache  Cache
	ttl    time.Duration
	logger logging.Logger
}

var _ assignment.Cache = (*AssignmentCache)(nil)

// NewAssignmentCache builds the cache with the given entry ttl; a
// non-positive ttl falls back to 24 hours.
func NewAssignmentCache(client *Client, log logging.Logger, ttl time.Duration) *AssignmentCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AssignmentCache{
		cache:  NewRedisCache(client, log, WithPrefix(assignmentKeyPrefix), WithDefaultTTL(ttl)),
		ttl:    ttl,
		logger: log,
	}
}

func assignmentKey(experimentName string, s assignment.Subject) string {
	return experimentName + ":" + s.String()
}

// Get returns the cached result for the subject, or (nil, nil) on a miss.
func (c *AssignmentCache) Get(ctx context.Context, experimentName string, s assignment.Subject) (*assignment.Result, error) {
	var dto etypes.AssignmentDTO
	err := c.cache.Get(ctx, assignmentKey(experimentName, s), &dto)
	if err == ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return assignment.ResultFromDTO(dto), nil
}

// Set stores the result under the subject's key with the configured ttl.
func (c *AssignmentCache) Set(ctx context.Context, experimentName string, s assignment.Subject, r *assignment.Result) error {
	if r == nil {
		return nil
	}
	return c.cache.Set(ctx, assignmentKey(experimentName, s), r.ToDTO(), c.ttl)
}

// Delete drops the cached result for a single subject.
func (c *AssignmentCache) Delete(ctx context.Context, experimentName string, s assignment.Subject) error {
	return c.cache.Delete(ctx, assignmentKey(experimentName, s))
}

// PurgeExperiment drops every cached assignment for the experiment.  The
// worker calls this when an experiment completes so stale variants stop being
// served from cache.
func (c *AssignmentCache) PurgeExperiment(ctx context.Context, experimentName string) error {
	return c.cache.DeleteByPrefix(ctx, experimentName+":")
}
