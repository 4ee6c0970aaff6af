package kafka

import (
	"context"
	"time"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// AuditEntry is one record in the audit trail. Entries are published to the
// audit.log topic and indexed asynchronously by the worker; they never block
// the operation being audited.
type AuditEntry struct {
	Actor        string            `json:"actor"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	ResourceID   string            `json:"resource_id,omitempty"`
	RequestID    string            `json:"request_id,omitempty"`
	Detail       string            `json:"detail,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	OccurredAt   time.Time         `json:"occurred_at"`
}

// AuditLogger records audit entries. Implementations must be safe for
// concurrent use.
type AuditLogger interface {
	Log(ctx context.Context, entry AuditEntry) error
}

// ProducerInterface abstracts the producer for testing.
type ProducerInterface interface {
	Publish(ctx context.Context, msg *common.ProducerMessage) error
}

type auditLogger struct {
	producer ProducerInterface
	source   string
	logger   logging.Logger
}

// NewAuditLogger returns an AuditLogger that publishes entries to the
// audit.log topic through the given producer.
func NewAuditLogger(producer ProducerInterface, source string, logger logging.Logger) AuditLogger {
	return &auditLogger{
		producer: producer,
		source:   source,
		logger:   logger,
	}
}

func (a *auditLogger) Log(ctx context.Context, entry AuditEntry) error {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	env, err := NewEventEnvelope("audit.entry", a.source, entry)
	if err != nil {
		return err
	}
	msg, err := env.ToMessage(TopicAuditLog)
	if err != nil {
		return err
	}
	// Key by resource so one resource's trail stays ordered within a partition.
	if entry.ResourceID != "" {
		msg.Key = []byte(entry.ResourceID)
	}

	if err := a.producer.Publish(ctx, msg); err != nil {
		return err
	}

	a.logger.Debug("Audit entry published",
		logging.String("action", entry.Action),
		logging.String("resource_id", entry.ResourceID))
	return nil
}

type nopAuditLogger struct{}

// NewNopAuditLogger returns an AuditLogger that discards all entries. It
// stands in when Kafka is disabled, in the CLI, and in tests.
func NewNopAuditLogger() AuditLogger { return nopAuditLogger{} }

func (nopAuditLogger) Log(ctx context.Context, entry AuditEntry) error { return nil }
