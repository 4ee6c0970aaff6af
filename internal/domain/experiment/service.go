package experiment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	pkgerrors "github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ─────────────────────────────────────────────────────────────────────────────
// Service — experiment domain service
// ─────────────────────────────────────────────────────────────────────────────

// Service orchestrates experiment domain operations by coordinating the
// Experiment aggregate and the Repository port.
//
// Domain logic (state-machine invariants, definition validation) lives in the
// aggregate.  Service methods are intentionally thin: retrieve the aggregate,
// invoke domain logic, persist the result.
//
// Service is consumed by:
//   - internal/application/experiment  (admin workflows, event publishing)
//   - internal/domain/assignment       (registry lookups during assignment)
//   - internal/domain/result           (experiment/variant resolution)
type Service struct {
	repo   Repository
	logger logging.Logger
}

// NewService creates a new experiment domain Service.
// Use logging.NewNopLogger() in tests.
func NewService(repo Repository, logger logging.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Create
// ─────────────────────────────────────────────────────────────────────────────

// Create validates the definition through the NewExperiment factory, rejects
// duplicate names, and persists the experiment with all variants atomically.
func (s *Service) Create(ctx context.Context, def Definition, createdBy string) (*Experiment, error) {
	s.logger.Info("creating experiment",
		logging.String("name", def.Name),
		logging.Int("variants", len(def.Variants)))

	e, err := NewExperiment(def, createdBy)
	if err != nil {
		return nil, err
	}

	if existing, err := s.repo.GetByName(ctx, def.Name); err == nil && existing != nil {
		return nil, pkgerrors.New(pkgerrors.ErrCodeExperimentExists,
			"experiment already exists").WithDetail("name=" + def.Name)
	} else if err != nil && !pkgerrors.IsNotFound(err) {
		return nil, err
	}

	if err := s.repo.Create(ctx, e); err != nil {
		s.logger.Error("failed to persist experiment",
			logging.Err(err),
			logging.String("name", def.Name))
		return nil, err
	}

	s.logger.Info("experiment created",
		logging.String("id", e.ID.String()),
		logging.String("name", e.Name))
	return e, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Lookup
// ─────────────────────────────────────────────────────────────────────────────

// Get retrieves an experiment by slug name or, when the argument parses as a
// UUID, by id.  Slugs are lowercase and never UUID-shaped, so the two key
// spaces cannot collide.
func (s *Service) Get(ctx context.Context, nameOrID string) (*Experiment, error) {
	if nameOrID == "" {
		return nil, pkgerrors.InvalidParam("experiment name must not be empty")
	}
	if _, err := uuid.Parse(nameOrID); err == nil {
		return s.repo.GetByID(ctx, common.ID(nameOrID))
	}
	return s.repo.GetByName(ctx, nameOrID)
}

// List returns a page of experiments matching the filter.  A zero-value
// Pagination defaults to the first page of twenty rows.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*Experiment, int64, error) {
	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}
	if filter.Pagination.Page == 0 {
		filter.Pagination.Page = 1
	}
	if filter.Pagination.PageSize == 0 {
		filter.Pagination.PageSize = 20
	}
	if err := filter.Pagination.Validate(); err != nil {
		return nil, 0, pkgerrors.InvalidParam("invalid pagination parameters").WithCause(err)
	}
	return s.repo.List(ctx, filter)
}

// ListActive returns the experiments accepting assignments at the given
// instant.  Used by callers that deliver the full active set to a client in
// one round trip.
func (s *Service) ListActive(ctx context.Context, now time.Time) ([]*Experiment, error) {
	experiments, err := s.repo.ListActive(ctx, now)
	if err != nil {
		s.logger.Error("failed to list active experiments", logging.Err(err))
		return nil, err
	}
	return experiments, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Lifecycle transitions
// ─────────────────────────────────────────────────────────────────────────────

// ChangeStatus loads the experiment, applies the state-machine transition, and
// persists the new status under optimistic concurrency.  The mutated aggregate
// is returned so callers can publish its drained domain events.
func (s *Service) ChangeStatus(ctx context.Context, nameOrID string, target etypes.Status) (*Experiment, error) {
	e, err := s.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}

	oldStatus := e.Status
	if err := e.TransitionTo(target); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateStatus(ctx, e); err != nil {
		s.logger.Error("failed to persist status transition",
			logging.String("experiment", e.Name),
			logging.String("old_status", string(oldStatus)),
			logging.String("new_status", string(target)),
			logging.Err(err))
		return nil, err
	}

	s.logger.Info("experiment status changed",
		logging.String("experiment", e.Name),
		logging.String("old_status", string(oldStatus)),
		logging.String("new_status", string(target)))
	return e, nil
}

// UpdateSuccessMetric changes the experiment's headline metric.
func (s *Service) UpdateSuccessMetric(ctx context.Context, nameOrID, metric string) (*Experiment, error) {
	e, err := s.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}

	if err := e.UpdateSuccessMetric(metric); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateSuccessMetric(ctx, e); err != nil {
		s.logger.Error("failed to persist success metric",
			logging.String("experiment", e.Name),
			logging.String("metric", metric),
			logging.Err(err))
		return nil, err
	}

	return e, nil
}
