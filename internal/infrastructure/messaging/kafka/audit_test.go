package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/turtacn/ABLab/pkg/types/common"
)

type mockPublisher struct {
	published  []*common.ProducerMessage
	publishErr error
}

func (m *mockPublisher) Publish(ctx context.Context, msg *common.ProducerMessage) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, msg)
	return nil
}

func TestAuditLogger_Log(t *testing.T) {
	pub := &mockPublisher{}
	a := NewAuditLogger(pub, "ablab-api", newMockLogger())

	err := a.Log(context.Background(), AuditEntry{
		Actor:        "alice",
		Action:       "experiment.activate",
		ResourceType: "experiment",
		ResourceID:   "exp-123",
	})
	assert.NoError(t, err)
	assert.Len(t, pub.published, 1)

	msg := pub.published[0]
	assert.Equal(t, TopicAuditLog, msg.Topic)
	assert.Equal(t, "exp-123", string(msg.Key))
	assert.Equal(t, "audit.entry", msg.Headers["event_type"])
	assert.Equal(t, "ablab-api", msg.Headers["source_service"])

	env, err := MessageToEventEnvelope(&common.Message{Value: msg.Value})
	assert.NoError(t, err)

	var entry AuditEntry
	assert.NoError(t, env.DecodePayload(&entry))
	assert.Equal(t, "alice", entry.Actor)
	assert.Equal(t, "experiment.activate", entry.Action)
	assert.False(t, entry.OccurredAt.IsZero(), "timestamp should be stamped when omitted")
}

func TestAuditLogger_PublishError(t *testing.T) {
	pub := &mockPublisher{publishErr: errors.New("broker down")}
	a := NewAuditLogger(pub, "ablab-api", newMockLogger())

	err := a.Log(context.Background(), AuditEntry{Actor: "alice", Action: "experiment.create"})
	assert.Error(t, err)
}

func TestNopAuditLogger(t *testing.T) {
	a := NewNopAuditLogger()
	assert.NoError(t, a.Log(context.Background(), AuditEntry{Action: "anything"}))
}
