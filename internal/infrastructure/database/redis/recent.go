package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/turtacn/ABLab/internal/domain/result"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

const (
	recentKeyPrefix = "ablab:recent:"

	// recentRetention bounds how long an idle experiment's feed lingers; the
	// key is re-extended on every push.
	recentRetention = 24 * time.Hour

	defaultRecentCapacity = 1000
)

// RecentBuffer keeps the newest result events per experiment in a capped
// Redis list, newest first.  It backs the live dashboard feed and is lossy on
// purpose; the authoritative event log lives in Postgres.
type RecentBuffer struct {
	client   *Client
	logger   logging.Logger
	capacity int64
}

var _ result.RecentBuffer = (*RecentBuffer)(nil)

// NewRecentBuffer builds the buffer; a non-positive capacity falls back to
// the default of 1000 entries per experiment.
func NewRecentBuffer(client *Client, log logging.Logger, capacity int) *RecentBuffer {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &RecentBuffer{client: client, logger: log, capacity: int64(capacity)}
}

func recentKey(experimentName string) string {
	return recentKeyPrefix + experimentName
}

// Push prepends the entry and trims the list back to capacity.  The push,
// trim, and expiry refresh travel in one pipeline to keep the hot path at a
// single round trip.
func (b *RecentBuffer) Push(ctx context.Context, experimentName string, entry result.RecentEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return ErrSerializationFailed.WithCause(err)
	}

	key := recentKey(experimentName)
	pipe := b.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, b.capacity-1)
	pipe.Expire(ctx, key, recentRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to push recent event").
			WithDetail("experiment=" + experimentName)
	}
	return nil
}

// Fetch returns up to limit entries, newest first.  Entries that fail to
// decode are skipped rather than failing the whole read, since the feed is
// advisory.
func (b *RecentBuffer) Fetch(ctx context.Context, experimentName string, limit int) ([]result.RecentEntry, error) {
	if limit <= 0 || int64(limit) > b.capacity {
		limit = int(b.capacity)
	}

	raw, err := b.client.LRange(ctx, recentKey(experimentName), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeCacheError, "failed to fetch recent events").
			WithDetail("experiment=" + experimentName)
	}

	entries := make([]result.RecentEntry, 0, len(raw))
	for _, item := range raw {
		var e result.RecentEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			b.logger.Warn("skipping undecodable recent entry",
				logging.String("experiment", experimentName),
				logging.Err(err),
			)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
