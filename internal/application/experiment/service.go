// Package experiment provides the application-level service for experiment
// lifecycle operations. This package serves as the interface between HTTP/CLI
// handlers and domain logic.
package experiment

import (
	"context"
	"time"

	domainExperiment "github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// eventSource identifies this service in published event envelopes.
const eventSource = "ablab-api"

// Service defines the interface for experiment application operations.
type Service interface {
	Create(ctx context.Context, input *CreateInput) (*etypes.ExperimentDTO, error)
	Get(ctx context.Context, nameOrID string) (*etypes.ExperimentDTO, error)
	List(ctx context.Context, input *ListInput) (*ListResult, error)
	GetActive(ctx context.Context) ([]etypes.ExperimentDTO, error)
	Activate(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error)
	Pause(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error)
	Resume(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error)
	Complete(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error)
	Archive(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error)
	UpdateSuccessMetric(ctx context.Context, nameOrID, metric, actor string) (*etypes.ExperimentDTO, error)
}

// Publisher is the slice of the event producer this service needs;
// *kafka.Producer satisfies it. A nil Publisher disables event publication.
type Publisher interface {
	Publish(ctx context.Context, msg *common.ProducerMessage) error
}

// VariantInput describes one arm of a new experiment.
type VariantInput struct {
	Name          string
	DisplayName   string
	IsControl     bool
	Weight        float64
	Configuration map[string]any
}

// CreateInput contains input for creating an experiment.
type CreateInput struct {
	Name              string
	DisplayName       string
	Description       string
	Hypothesis        string
	Type              string
	TrafficAllocation float64
	SuccessMetric     string
	StartAt           *time.Time
	EndAt             *time.Time
	Variants          []VariantInput
	Actor             string
}

// ListInput contains input for listing experiments.
type ListInput struct {
	Page      int
	PageSize  int
	Status    string
	SortBy    string
	SortOrder string
}

// ListResult represents a paginated list of experiments.
type ListResult = common.PageResponse[etypes.ExperimentDTO]

// serviceImpl implements the Service interface.
type serviceImpl struct {
	domain    *domainExperiment.Service
	publisher Publisher
	audit     kafka.AuditLogger
	logger    logging.Logger
}

// NewService creates a new experiment application service. publisher may be
// nil when Kafka is disabled; audit defaults to the nop logger when nil.
func NewService(domain *domainExperiment.Service, publisher Publisher, audit kafka.AuditLogger, logger logging.Logger) Service {
	if audit == nil {
		audit = kafka.NewNopAuditLogger()
	}
	return &serviceImpl{
		domain:    domain,
		publisher: publisher,
		audit:     audit,
		logger:    logger,
	}
}

func (s *serviceImpl) Create(ctx context.Context, input *CreateInput) (*etypes.ExperimentDTO, error) {
	if input == nil {
		return nil, errors.InvalidParam("create input must not be nil")
	}

	def := domainExperiment.Definition{
		Name:              input.Name,
		DisplayName:       input.DisplayName,
		Description:       input.Description,
		Hypothesis:        input.Hypothesis,
		Type:              etypes.Type(input.Type),
		TrafficAllocation: input.TrafficAllocation,
		SuccessMetric:     input.SuccessMetric,
		StartAt:           input.StartAt,
		EndAt:             input.EndAt,
		Variants:          make([]domainExperiment.VariantDefinition, len(input.Variants)),
	}
	for i, v := range input.Variants {
		def.Variants[i] = domainExperiment.VariantDefinition{
			Name:          v.Name,
			DisplayName:   v.DisplayName,
			IsControl:     v.IsControl,
			Weight:        v.Weight,
			Configuration: v.Configuration,
		}
	}

	exp, err := s.domain.Create(ctx, def, input.Actor)
	if err != nil {
		return nil, err
	}

	s.publishEvents(ctx, exp, input.Actor)
	s.auditRecord(ctx, input.Actor, "experiment.create", exp, nil)

	dto := exp.ToDTO()
	return &dto, nil
}

func (s *serviceImpl) Get(ctx context.Context, nameOrID string) (*etypes.ExperimentDTO, error) {
	exp, err := s.domain.Get(ctx, nameOrID)
	if err != nil {
		return nil, err
	}
	dto := exp.ToDTO()
	return &dto, nil
}

func (s *serviceImpl) List(ctx context.Context, input *ListInput) (*ListResult, error) {
	if input == nil {
		input = &ListInput{}
	}
	if input.Page <= 0 {
		input.Page = 1
	}
	if input.PageSize <= 0 {
		input.PageSize = 20
	}
	if input.PageSize > 100 {
		input.PageSize = 100
	}

	filter := domainExperiment.ListFilter{
		Pagination: common.Pagination{Page: input.Page, PageSize: input.PageSize},
		SortBy:     input.SortBy,
		SortOrder:  common.SortOrder(input.SortOrder),
	}
	if input.Status != "" {
		st := etypes.Status(input.Status)
		filter.Status = &st
	}

	exps, total, err := s.domain.List(ctx, filter)
	if err != nil {
		return nil, err
	}

	dtos := make([]etypes.ExperimentDTO, len(exps))
	for i, e := range exps {
		dtos[i] = e.ToDTO()
	}

	result := common.NewPageResponse(dtos, total, input.Page, input.PageSize)
	return &result, nil
}

func (s *serviceImpl) GetActive(ctx context.Context) ([]etypes.ExperimentDTO, error) {
	exps, err := s.domain.ListActive(ctx, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	dtos := make([]etypes.ExperimentDTO, len(exps))
	for i, e := range exps {
		dtos[i] = e.ToDTO()
	}
	return dtos, nil
}

func (s *serviceImpl) Activate(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error) {
	return s.changeStatus(ctx, nameOrID, etypes.StatusActive, actor, "experiment.activate")
}

func (s *serviceImpl) Pause(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error) {
	return s.changeStatus(ctx, nameOrID, etypes.StatusPaused, actor, "experiment.pause")
}

// Resume is Activate from paused; the state machine enforces the precondition.
func (s *serviceImpl) Resume(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error) {
	return s.changeStatus(ctx, nameOrID, etypes.StatusActive, actor, "experiment.resume")
}

func (s *serviceImpl) Complete(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error) {
	return s.changeStatus(ctx, nameOrID, etypes.StatusCompleted, actor, "experiment.complete")
}

func (s *serviceImpl) Archive(ctx context.Context, nameOrID, actor string) (*etypes.ExperimentDTO, error) {
	return s.changeStatus(ctx, nameOrID, etypes.StatusArchived, actor, "experiment.archive")
}

func (s *serviceImpl) UpdateSuccessMetric(ctx context.Context, nameOrID, metric, actor string) (*etypes.ExperimentDTO, error) {
	exp, err := s.domain.UpdateSuccessMetric(ctx, nameOrID, metric)
	if err != nil {
		return nil, err
	}

	s.auditRecord(ctx, actor, "experiment.update_metric", exp, map[string]string{
		"success_metric": metric,
	})

	dto := exp.ToDTO()
	return &dto, nil
}

// changeStatus runs one lifecycle transition and fans out its side effects:
// domain events to Kafka and an entry to the audit trail, both fire-and-forget.
func (s *serviceImpl) changeStatus(ctx context.Context, nameOrID string, target etypes.Status, actor, action string) (*etypes.ExperimentDTO, error) {
	exp, err := s.domain.ChangeStatus(ctx, nameOrID, target)
	if err != nil {
		return nil, err
	}

	s.publishEvents(ctx, exp, actor)
	s.auditRecord(ctx, actor, action, exp, map[string]string{
		"status": string(target),
	})

	dto := exp.ToDTO()
	return &dto, nil
}

// publishEvents drains the aggregate's domain events and publishes them.
// Publication is fire-and-forget: the state change already committed, so a
// broker outage is logged and absorbed rather than surfaced to the caller.
func (s *serviceImpl) publishEvents(ctx context.Context, exp *domainExperiment.Experiment, actor string) {
	events := exp.Events()
	if s.publisher == nil {
		return
	}

	for _, evt := range events {
		var (
			topic     string
			eventType string
			payload   any
		)
		switch e := evt.(type) {
		case *domainExperiment.ExperimentCreatedEvent:
			topic = kafka.TopicExperimentCreated
			eventType = "experiment.created"
			payload = kafka.ExperimentCreatedPayload{
				ExperimentID:      e.AggregateID(),
				Name:              e.Name,
				Type:              string(e.Type),
				TrafficAllocation: e.TrafficAllocation,
				VariantCount:      e.VariantCount,
				CreatedBy:         e.CreatedBy,
				CreatedAt:         e.OccurredAt(),
			}
		case *domainExperiment.ExperimentStatusChangedEvent:
			topic = kafka.TopicExperimentStatusChanged
			eventType = "experiment.status_changed"
			payload = kafka.ExperimentStatusChangedPayload{
				ExperimentID: e.AggregateID(),
				Name:         e.Name,
				OldStatus:    string(e.OldStatus),
				NewStatus:    string(e.NewStatus),
				ChangedBy:    actor,
				ChangedAt:    e.OccurredAt(),
			}
		default:
			continue
		}

		env, err := kafka.NewEventEnvelope(eventType, eventSource, payload)
		if err != nil {
			s.logger.Warn("failed to build event envelope",
				logging.String("event_type", eventType), logging.Err(err))
			continue
		}
		msg, err := env.ToMessage(topic)
		if err != nil {
			s.logger.Warn("failed to encode event",
				logging.String("event_type", eventType), logging.Err(err))
			continue
		}
		// Key by aggregate so one experiment's events stay ordered.
		msg.Key = []byte(exp.ID)

		if err := s.publisher.Publish(ctx, msg); err != nil {
			s.logger.Warn("event publish failed",
				logging.String("topic", topic),
				logging.String("experiment", exp.Name),
				logging.Err(err))
		}
	}
}

// auditRecord writes an audit entry fire-and-forget.
func (s *serviceImpl) auditRecord(ctx context.Context, actor, action string, exp *domainExperiment.Experiment, metadata map[string]string) {
	err := s.audit.Log(ctx, kafka.AuditEntry{
		Actor:        actor,
		Action:       action,
		ResourceType: "experiment",
		ResourceID:   exp.ID.String(),
		Detail:       exp.Name,
		Metadata:     metadata,
	})
	if err != nil {
		s.logger.Warn("audit entry dropped",
			logging.String("action", action),
			logging.String("experiment", exp.Name),
			logging.Err(err))
	}
}
