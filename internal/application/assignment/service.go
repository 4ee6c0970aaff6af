// Package assignment provides the application-level service for variant
// assignment operations. This package serves as the interface between HTTP/CLI
// handlers and domain logic.
package assignment

import (
	"context"
	"time"

	domainAssignment "github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// eventSource identifies this service in published event envelopes.
const eventSource = "ablab-api"

// Service defines the interface for assignment application operations.
type Service interface {
	// Assign resolves the subject's variant for an experiment, creating a
	// sticky assignment on first contact.
	Assign(ctx context.Context, input *AssignInput) (*etypes.AssignmentDTO, error)

	// Lookup returns the existing assignment for a subject without creating
	// one. ASG_002 when the subject was never assigned.
	Lookup(ctx context.Context, input *LookupInput) (*etypes.AssignmentDTO, error)
}

// Publisher is the slice of the event producer this service needs;
// *kafka.Producer satisfies it. A nil Publisher disables event publication.
type Publisher interface {
	Publish(ctx context.Context, msg *common.ProducerMessage) error
}

// AssignInput identifies the experiment and subject for an assignment
// request. UserID takes precedence over SessionID; at least one is required.
type AssignInput struct {
	ExperimentName string
	UserID         string
	SessionID      string
}

// LookupInput identifies an existing assignment.
type LookupInput struct {
	ExperimentName string
	UserID         string
	SessionID      string
}

// serviceImpl implements the Service interface.
type serviceImpl struct {
	engine    *domainAssignment.Engine
	registry  domainAssignment.Registry
	publisher Publisher
	metrics   *prometheus.AppMetrics
	logger    logging.Logger
}

// NewService creates a new assignment application service. publisher may be
// nil when Kafka is disabled; metrics may be nil when no collector is wired.
func NewService(engine *domainAssignment.Engine, registry domainAssignment.Registry, publisher Publisher, metrics *prometheus.AppMetrics, logger logging.Logger) Service {
	return &serviceImpl{
		engine:    engine,
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

func (s *serviceImpl) Assign(ctx context.Context, input *AssignInput) (*etypes.AssignmentDTO, error) {
	if input == nil {
		return nil, errors.InvalidParam("assign input must not be nil")
	}
	if input.ExperimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	subj, err := domainAssignment.NewSubject(input.UserID, input.SessionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := s.engine.Assign(ctx, input.ExperimentName, subj)
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(start)

	if res.Excluded {
		prometheus.RecordExclusion(s.metrics, res.ExperimentName, string(res.Reason), elapsed)
	} else {
		prometheus.RecordAssignment(s.metrics, res.ExperimentName, string(res.Source), elapsed)
		prometheus.RecordCacheAccess(s.metrics, "assignment", res.Source == etypes.SourceCache)
		if res.Source == etypes.SourceComputed {
			s.publishAssigned(ctx, res, subj)
		}
	}

	dto := res.ToDTO()
	return &dto, nil
}

func (s *serviceImpl) Lookup(ctx context.Context, input *LookupInput) (*etypes.AssignmentDTO, error) {
	if input == nil {
		return nil, errors.InvalidParam("lookup input must not be nil")
	}
	if input.ExperimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	subj, err := domainAssignment.NewSubject(input.UserID, input.SessionID)
	if err != nil {
		return nil, err
	}

	row, err := s.engine.Lookup(ctx, input.ExperimentName, subj)
	if err != nil {
		return nil, err
	}

	// The row stores identifiers only; resolve the variant to give callers
	// the same shape Assign returns.
	exp, err := s.registry.GetByName(ctx, input.ExperimentName)
	if err != nil {
		return nil, err
	}
	variant := exp.VariantByID(row.VariantID)
	if variant == nil {
		return nil, errors.New(errors.ErrCodeVariantNotFound,
			"assignment references unknown variant").
			WithDetail("experiment=" + input.ExperimentName)
	}

	return &etypes.AssignmentDTO{
		ExperimentID:   row.ExperimentID,
		ExperimentName: exp.Name,
		VariantID:      variant.ID,
		VariantName:    variant.Name,
		IsControl:      variant.IsControl,
		Configuration:  variant.Configuration,
		AssignedAt:     row.AssignedAt,
	}, nil
}

// publishAssigned emits assignment.created fire-and-forget. Only freshly
// computed assignments produce an event; cache hits replay an assignment that
// was already announced. A first-write race can republish the winning row, so
// consumers dedupe on assignment_id.
func (s *serviceImpl) publishAssigned(ctx context.Context, res *domainAssignment.Result, subj domainAssignment.Subject) {
	if s.publisher == nil {
		return
	}

	payload := kafka.AssignmentCreatedPayload{
		AssignmentID:   res.AssignmentID.String(),
		ExperimentID:   res.ExperimentID.String(),
		ExperimentName: res.ExperimentName,
		VariantID:      res.VariantID.String(),
		VariantName:    res.VariantName,
		SubjectKind:    string(subj.Kind),
		SubjectID:      subj.ID,
		Bucket:         res.Bucket,
		AssignedAt:     res.AssignedAt,
	}
	env, err := kafka.NewEventEnvelope("assignment.created", eventSource, payload)
	if err != nil {
		s.logger.Warn("failed to build event envelope",
			logging.String("event_type", "assignment.created"), logging.Err(err))
		return
	}
	msg, err := env.ToMessage(kafka.TopicAssignmentCreated)
	if err != nil {
		s.logger.Warn("failed to encode event",
			logging.String("event_type", "assignment.created"), logging.Err(err))
		return
	}
	// Key by experiment so one experiment's assignments stay ordered.
	msg.Key = []byte(res.ExperimentID)

	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn("event publish failed",
			logging.String("topic", kafka.TopicAssignmentCreated),
			logging.String("experiment", res.ExperimentName),
			logging.Err(err))
	}
}
