package result

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator ports
// ─────────────────────────────────────────────────────────────────────────────

// Registry is the narrow view of the experiment repository this package
// needs.  experiment.Repository satisfies it.
type Registry interface {
	GetByName(ctx context.Context, name string) (*experiment.Experiment, error)
}

// Repository is the persistence contract of the append-only event log.
type Repository interface {
	Append(ctx context.Context, ev *Event) error

	// ListByExperiment returns all events of the experiment inside the
	// window (nil window means everything), ordered by RecordedAt ascending.
	ListByExperiment(ctx context.Context, experimentID common.ID, w *Window) ([]*Event, error)

	// CountByExperiment returns the total number of recorded events, used by
	// reporting surfaces that need a cheap volume figure.
	CountByExperiment(ctx context.Context, experimentID common.ID) (int64, error)
}

// RecentBuffer keeps a bounded most-recent-events feed per experiment for
// dashboards.  It is strictly best-effort: failures are logged and swallowed,
// and the buffer is never consulted for aggregation.
type RecentBuffer interface {
	Push(ctx context.Context, experimentName string, entry RecentEntry) error
	Fetch(ctx context.Context, experimentName string, limit int) ([]RecentEntry, error)
}

// RecentEntry is one line of the dashboard feed, small enough to serialize
// into a capped list.
type RecentEntry struct {
	VariantName string             `json:"variant_name"`
	SubjectKind etypes.SubjectKind `json:"subject_kind"`
	MetricName  string             `json:"metric_name"`
	MetricType  etypes.MetricType  `json:"metric_type"`
	MetricValue float64            `json:"metric_value"`
	RecordedAt  time.Time          `json:"recorded_at"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Recorder
// ─────────────────────────────────────────────────────────────────────────────

// Recorder appends metric observations to the result log.
type Recorder struct {
	registry Registry
	repo     Repository
	recent   RecentBuffer
	logger   logging.Logger
	clock    assignment.Clock
}

// RecorderOption customises a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock substitutes the time source.
func WithRecorderClock(c assignment.Clock) RecorderOption {
	return func(r *Recorder) {
		if c != nil {
			r.clock = c
		}
	}
}

// NewRecorder creates a Recorder.  The recent buffer may be nil, in which
// case the dashboard feed is simply not maintained.
func NewRecorder(registry Registry, repo Repository, recent RecentBuffer, logger logging.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		registry: registry,
		repo:     repo,
		recent:   recent,
		logger:   logger,
		clock:    assignment.SystemClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record resolves the experiment and variant by name, verifies the experiment
// is still recording, and appends one event.  The recent-events feed is
// updated best-effort afterwards.
//
// Only active experiments record: a paused or completed experiment drops no
// data silently, the caller gets EXP_005 and can decide whether to retry or
// discard.  The scheduling window is deliberately not consulted here —
// conversions legitimately trail the assignment window, and cutting them off
// at the boundary would bias against slow converters.
func (r *Recorder) Record(ctx context.Context, experimentName, variantName string, s assignment.Subject, m Metric) (*Event, error) {
	if experimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	if variantName == "" {
		return nil, errors.InvalidParam("variant name must not be empty")
	}

	exp, err := r.registry.GetByName(ctx, experimentName)
	if err != nil {
		return nil, err
	}
	if exp.Status != etypes.StatusActive {
		return nil, errors.New(errors.ErrCodeExperimentNotActive,
			fmt.Sprintf("experiment %s is %s and is not recording results", exp.Name, exp.Status))
	}

	variant := exp.VariantByName(variantName)
	if variant == nil {
		return nil, errors.New(errors.ErrCodeVariantNotFound,
			fmt.Sprintf("experiment %s has no variant %s", exp.Name, variantName))
	}

	ev, err := NewEvent(exp.ID, variant.ID, s, m, r.clock.Now())
	if err != nil {
		return nil, err
	}

	if err := r.repo.Append(ctx, ev); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to append result event")
	}

	if r.recent != nil {
		entry := RecentEntry{
			VariantName: variant.Name,
			SubjectKind: s.Kind,
			MetricName:  ev.Metric.Name,
			MetricType:  ev.Metric.Type,
			MetricValue: ev.Metric.Value,
			RecordedAt:  ev.RecordedAt,
		}
		if err := r.recent.Push(ctx, exp.Name, entry); err != nil {
			r.logger.Warn("recent-events push failed",
				logging.String("experiment", exp.Name),
				logging.Err(err))
		}
	}

	return ev, nil
}

// Recent returns up to limit entries of the experiment's dashboard feed,
// newest first.  Without a configured buffer the feed is empty, not an error.
func (r *Recorder) Recent(ctx context.Context, experimentName string, limit int) ([]RecentEntry, error) {
	if experimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	if limit <= 0 {
		limit = 100
	}
	if r.recent == nil {
		return nil, nil
	}
	// Resolve the name so unknown experiments still report EXP_001 instead of
	// an empty feed.
	exp, err := r.registry.GetByName(ctx, experimentName)
	if err != nil {
		return nil, err
	}
	return r.recent.Fetch(ctx, exp.Name, limit)
}
