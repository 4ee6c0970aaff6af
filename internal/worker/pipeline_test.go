package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/testutil"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

type fakeSubscriber struct {
	subscriptions map[string]common.MessageHandler
	subscribeErr  error
	started       int
	closed        int
	closeErr      error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{subscriptions: make(map[string]common.MessageHandler)}
}

func (f *fakeSubscriber) Subscribe(topic string, handler common.MessageHandler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscriptions[topic] = handler
	return nil
}

func (f *fakeSubscriber) Start(ctx context.Context) error {
	f.started++
	return nil
}

func (f *fakeSubscriber) Close() error {
	f.closed++
	return f.closeErr
}

type fakeHandler struct {
	topics []string
	fn     func(ctx context.Context, env *kafka.EventEnvelope) error
	calls  []*kafka.EventEnvelope
}

func (f *fakeHandler) Topics() []string { return f.topics }

func (f *fakeHandler) Handle(ctx context.Context, env *kafka.EventEnvelope) error {
	f.calls = append(f.calls, env)
	if f.fn != nil {
		return f.fn(ctx, env)
	}
	return nil
}

func envelopeMessage(t *testing.T, topic, eventType string) *common.Message {
	t.Helper()
	env, err := kafka.NewEventEnvelope(eventType, "ablab-test", map[string]string{"k": "v"})
	require.NoError(t, err)
	value, err := json.Marshal(env)
	require.NoError(t, err)
	return &common.Message{Topic: topic, Offset: 42, Value: value, Timestamp: time.Now()}
}

func TestPipeline_Topics_Deduplicates(t *testing.T) {
	p := NewPipeline(nil, nil, testutil.NewRecordingLogger())
	p.Register(
		&fakeHandler{topics: []string{kafka.TopicAuditLog, kafka.TopicAssignmentCreated}},
		&fakeHandler{topics: []string{kafka.TopicAssignmentCreated, kafka.TopicResultRecorded}},
	)

	topics := p.Topics()
	assert.ElementsMatch(t, []string{
		kafka.TopicAuditLog,
		kafka.TopicAssignmentCreated,
		kafka.TopicResultRecorded,
	}, topics)
}

func TestPipeline_Start_NoHandlers(t *testing.T) {
	p := NewPipeline([]Subscriber{newFakeSubscriber()}, nil, testutil.NewRecordingLogger())

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestPipeline_Start_SubscribesAllConsumers(t *testing.T) {
	first := newFakeSubscriber()
	second := newFakeSubscriber()
	p := NewPipeline([]Subscriber{first, second}, nil, testutil.NewRecordingLogger())
	p.Register(&fakeHandler{topics: []string{kafka.TopicResultRecorded}})

	require.NoError(t, p.Start(context.Background()))

	for _, sub := range []*fakeSubscriber{first, second} {
		assert.Contains(t, sub.subscriptions, kafka.TopicResultRecorded)
		assert.Equal(t, 1, sub.started)
	}
}

func TestPipeline_Start_SubscribeError(t *testing.T) {
	sub := newFakeSubscriber()
	sub.subscribeErr = errors.New(errors.ErrCodeMessagingError, "already started")
	p := NewPipeline([]Subscriber{sub}, nil, testutil.NewRecordingLogger())
	p.Register(&fakeHandler{topics: []string{kafka.TopicResultRecorded}})

	err := p.Start(context.Background())
	require.Error(t, err)
	assert.Zero(t, sub.started)
}

func TestPipeline_Wrap_DeliversEnvelope(t *testing.T) {
	sub := newFakeSubscriber()
	h := &fakeHandler{topics: []string{kafka.TopicResultRecorded}}
	p := NewPipeline([]Subscriber{sub}, nil, testutil.NewRecordingLogger())
	p.Register(h)
	require.NoError(t, p.Start(context.Background()))

	msg := envelopeMessage(t, kafka.TopicResultRecorded, kafka.TopicResultRecorded)
	err := sub.subscriptions[kafka.TopicResultRecorded](context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, h.calls, 1)
	assert.Equal(t, kafka.TopicResultRecorded, h.calls[0].EventType)
	assert.Equal(t, "ablab-test", h.calls[0].Source)
}

func TestPipeline_Wrap_DropsUndecodable(t *testing.T) {
	sub := newFakeSubscriber()
	h := &fakeHandler{topics: []string{kafka.TopicResultRecorded}}
	log := testutil.NewRecordingLogger()
	p := NewPipeline([]Subscriber{sub}, nil, log)
	p.Register(h)
	require.NoError(t, p.Start(context.Background()))

	msg := &common.Message{Topic: kafka.TopicResultRecorded, Value: []byte("{not json")}
	err := sub.subscriptions[kafka.TopicResultRecorded](context.Background(), msg)

	// nil keeps the poison message out of the retry loop
	require.NoError(t, err)
	assert.Empty(t, h.calls)
	assert.True(t, log.HasEntry("error", "undecodable message dropped"))
}

func TestPipeline_Wrap_PropagatesHandlerError(t *testing.T) {
	sub := newFakeSubscriber()
	want := errors.New(errors.ErrCodeSearchError, "index unavailable")
	h := &fakeHandler{
		topics: []string{kafka.TopicResultRecorded},
		fn:     func(context.Context, *kafka.EventEnvelope) error { return want },
	}
	p := NewPipeline([]Subscriber{sub}, nil, testutil.NewRecordingLogger())
	p.Register(h)
	require.NoError(t, p.Start(context.Background()))

	msg := envelopeMessage(t, kafka.TopicResultRecorded, kafka.TopicResultRecorded)
	err := sub.subscriptions[kafka.TopicResultRecorded](context.Background(), msg)
	assert.ErrorIs(t, err, want)
}

func TestPipeline_Wrap_HandlerTimeout(t *testing.T) {
	sub := newFakeSubscriber()
	var sawDeadline bool
	h := &fakeHandler{
		topics: []string{kafka.TopicResultRecorded},
		fn: func(ctx context.Context, _ *kafka.EventEnvelope) error {
			_, sawDeadline = ctx.Deadline()
			return nil
		},
	}
	p := NewPipeline([]Subscriber{sub}, nil, testutil.NewRecordingLogger(),
		WithHandlerTimeout(time.Second))
	p.Register(h)
	require.NoError(t, p.Start(context.Background()))

	msg := envelopeMessage(t, kafka.TopicResultRecorded, kafka.TopicResultRecorded)
	require.NoError(t, sub.subscriptions[kafka.TopicResultRecorded](context.Background(), msg))
	assert.True(t, sawDeadline)
}

func TestPipeline_Close_ClosesAllConsumers(t *testing.T) {
	first := newFakeSubscriber()
	second := newFakeSubscriber()
	second.closeErr = errors.New(errors.ErrCodeMessagingError, "close failed")
	p := NewPipeline([]Subscriber{first, second}, nil, testutil.NewRecordingLogger())

	err := p.Close()
	assert.ErrorIs(t, err, second.closeErr)
	assert.Equal(t, 1, first.closed)
	assert.Equal(t, 1, second.closed)
}
