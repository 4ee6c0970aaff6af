package redis

import (
	"context"
	"time"

	"github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

const registryKeyPrefix = "ablab:experiment:"

// CachedRegistry decorates an experiment lookup with a Redis cache so the
// assignment hot path does not hit Postgres on every call.  Unknown names are
// negatively cached for a short period.  Entries live for the configured ttl,
// so lifecycle changes (pause, completion) can take up to the ttl to be
// observed; deployments that need immediate visibility leave the cache
// disabled via a zero ttl.
type CachedRegistry struct {
	inner  assignment.Registry
	cache  Cache
	ttl    time.Duration
	logger logging.Logger
}

var _ assignment.Registry = (*CachedRegistry)(nil)

// NewCachedRegistry wraps inner with a cache of the given ttl.  A
// non-positive ttl turns the decorator into a pass-through.
func NewCachedRegistry(client *Client, log logging.Logger, inner assignment.Registry, ttl time.Duration) *CachedRegistry {
	return &CachedRegistry{
		inner:  inner,
		cache:  NewRedisCache(client, log, WithPrefix(registryKeyPrefix), WithDefaultTTL(ttl)),
		ttl:    ttl,
		logger: log,
	}
}

// GetByName returns the experiment, from cache when possible.  Concurrent
// misses for the same name collapse into a single database load.
func (r *CachedRegistry) GetByName(ctx context.Context, name string) (*experiment.Experiment, error) {
	if r.ttl <= 0 {
		return r.inner.GetByName(ctx, name)
	}

	var dto etypes.ExperimentDTO
	err := r.cache.GetOrSet(ctx, name, &dto, r.ttl, func(ctx context.Context) (interface{}, error) {
		exp, err := r.inner.GetByName(ctx, name)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeExperimentNotFound) {
				return nil, nil
			}
			return nil, err
		}
		return exp.ToDTO(), nil
	})
	if err == ErrCacheMiss {
		return nil, errors.New(errors.ErrCodeExperimentNotFound, "experiment not found").
			WithDetail("name=" + name)
	}
	if err != nil {
		return nil, err
	}
	return experiment.FromDTO(dto), nil
}

// Invalidate drops the cached entry for name.  Status transition handlers
// call it so a pause or completion reaches assignment traffic without waiting
// out the ttl.
func (r *CachedRegistry) Invalidate(ctx context.Context, name string) error {
	if r.ttl <= 0 {
		return nil
	}
	return r.cache.Delete(ctx, name)
}
