// Package worker wires the kafka event pipeline of the background worker
// binary: a handler registry routed by topic, per-message timeouts, and the
// metrics around them. Retries and dead-lettering live in the consumer; this
// package only decides what each topic means.
package worker

import (
	"context"
	"time"

	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// defaultHandlerTimeout bounds one handler invocation when the configuration
// leaves it unset.
const defaultHandlerTimeout = 5 * time.Minute

// Handler processes decoded event envelopes for one or more topics. An error
// return hands the message back to the consumer's retry and dead-letter
// machinery.
type Handler interface {
	// Topics lists the topics this handler consumes.
	Topics() []string

	// Handle processes one envelope. The context carries the pipeline's
	// per-message timeout.
	Handle(ctx context.Context, env *kafka.EventEnvelope) error
}

// Subscriber is the slice of the kafka consumer the pipeline drives;
// *kafka.Consumer satisfies it.
type Subscriber interface {
	Subscribe(topic string, handler common.MessageHandler) error
	Start(ctx context.Context) error
	Close() error
}

// Pipeline routes topics to handlers across one or more consumers. Running
// several consumers in the same group is how the worker scales out: the
// broker spreads partitions across them, so each message is still handled
// once.
type Pipeline struct {
	consumers []Subscriber
	handlers  []Handler
	metrics   *prometheus.AppMetrics
	logger    logging.Logger
	timeout   time.Duration
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// NewPipeline creates a Pipeline over the given consumers. metrics may be nil
// when no collector is wired.
func NewPipeline(consumers []Subscriber, metrics *prometheus.AppMetrics, logger logging.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		consumers: consumers,
		metrics:   metrics,
		logger:    logger,
		timeout:   defaultHandlerTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds a handler to the registry. Must be called before Start.
func (p *Pipeline) Register(handlers ...Handler) {
	p.handlers = append(p.handlers, handlers...)
}

// Topics returns the union of all registered handler topics.
func (p *Pipeline) Topics() []string {
	seen := make(map[string]bool)
	var topics []string
	for _, h := range p.handlers {
		for _, t := range h.Topics() {
			if !seen[t] {
				seen[t] = true
				topics = append(topics, t)
			}
		}
	}
	return topics
}

// Start subscribes every handler on every consumer and starts the consume
// loops. It returns once the loops are running; Close stops them.
func (p *Pipeline) Start(ctx context.Context) error {
	if len(p.handlers) == 0 {
		return errors.New(errors.ErrCodeValidation, "pipeline has no handlers registered")
	}

	for _, consumer := range p.consumers {
		for _, h := range p.handlers {
			for _, topic := range h.Topics() {
				if err := consumer.Subscribe(topic, p.wrap(topic, h)); err != nil {
					return err
				}
			}
		}
	}

	for _, consumer := range p.consumers {
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	p.logger.Info("worker pipeline started",
		logging.Int("consumers", len(p.consumers)),
		logging.Int("handlers", len(p.handlers)))
	return nil
}

// Close stops every consumer, draining in-flight messages.
func (p *Pipeline) Close() error {
	var firstErr error
	for _, consumer := range p.consumers {
		if err := consumer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.logger.Info("worker pipeline stopped")
	return firstErr
}

// wrap adapts a Handler to the consumer's message contract: decode the
// envelope, bound the invocation, record the outcome.
func (p *Pipeline) wrap(topic string, h Handler) common.MessageHandler {
	return func(ctx context.Context, msg *common.Message) error {
		env, err := kafka.MessageToEventEnvelope(msg)
		if err != nil {
			// A payload that cannot decode will never decode; dropping it
			// beats recycling it through the retry loop.
			p.logger.Error("undecodable message dropped",
				logging.String("topic", topic),
				logging.Int64("offset", msg.Offset),
				logging.Err(err))
			prometheus.RecordWorkerMessage(p.metrics, topic, "undecodable", 0)
			return nil
		}

		hctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		start := time.Now()
		err = h.Handle(hctx, env)
		elapsed := time.Since(start)

		status := "ok"
		if err != nil {
			status = "error"
			p.logger.Warn("handler failed",
				logging.String("topic", topic),
				logging.String("event_id", env.EventID),
				logging.Err(err))
		}
		prometheus.RecordWorkerMessage(p.metrics, topic, status, elapsed)
		return err
	}
}
