package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/internal/application/results"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/testutil"
	"github.com/turtacn/ABLab/pkg/errors"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

type fakeIndexer struct {
	resultEnvs []*kafka.EventEnvelope
	auditEnvs  []*kafka.EventEnvelope
	err        error
}

func (f *fakeIndexer) IndexResultEvent(ctx context.Context, env *kafka.EventEnvelope) error {
	f.resultEnvs = append(f.resultEnvs, env)
	return f.err
}

func (f *fakeIndexer) IndexAuditEvent(ctx context.Context, env *kafka.EventEnvelope) error {
	f.auditEnvs = append(f.auditEnvs, env)
	return f.err
}

type fakeReportBuilder struct {
	report *results.FinalReport
	err    error
	names  []string
}

func (f *fakeReportBuilder) BuildFinalReport(ctx context.Context, experimentName string) (*results.FinalReport, error) {
	f.names = append(f.names, experimentName)
	return f.report, f.err
}

type fakeArchiver struct {
	puts []string
	err  error
}

func (f *fakeArchiver) Put(ctx context.Context, experimentName string, report interface{}) (string, error) {
	f.puts = append(f.puts, experimentName)
	if f.err != nil {
		return "", f.err
	}
	return "reports/" + experimentName + "/final.json", nil
}

type fakePurger struct {
	purged []string
	err    error
}

func (f *fakePurger) PurgeExperiment(ctx context.Context, experimentName string) error {
	f.purged = append(f.purged, experimentName)
	return f.err
}

type fakeLock struct {
	held     bool
	tryErr   error
	locked   int
	unlocked int
	lastName string
}

func (f *fakeLock) TryLock(ctx context.Context) (bool, error) {
	f.locked++
	return f.held, f.tryErr
}

func (f *fakeLock) Unlock(ctx context.Context) error {
	f.unlocked++
	return nil
}

func statusChangedEnvelope(t *testing.T, name, oldStatus, newStatus string) *kafka.EventEnvelope {
	t.Helper()
	env, err := kafka.NewEventEnvelope(kafka.TopicExperimentStatusChanged, "ablab-test",
		kafka.ExperimentStatusChangedPayload{
			ExperimentID: "11111111-1111-1111-1111-111111111111",
			Name:         name,
			OldStatus:    oldStatus,
			NewStatus:    newStatus,
			ChangedAt:    time.Now().UTC(),
		})
	require.NoError(t, err)
	return env
}

func finalReport(name string) *results.FinalReport {
	return &results.FinalReport{
		ExperimentName: name,
		Status:         etypes.StatusCompleted,
		EventCount:     120,
		GeneratedAt:    time.Now().UTC(),
	}
}

func TestResultIndexHandler(t *testing.T) {
	idx := &fakeIndexer{}
	h := NewResultIndexHandler(idx, testutil.NewRecordingLogger())

	assert.Equal(t, []string{kafka.TopicResultRecorded}, h.Topics())

	env, err := kafka.NewEventEnvelope(kafka.TopicResultRecorded, "ablab-test", nil)
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), env))
	require.Len(t, idx.resultEnvs, 1)
	assert.Same(t, env, idx.resultEnvs[0])
}

func TestResultIndexHandler_IndexError(t *testing.T) {
	idx := &fakeIndexer{err: errors.New(errors.ErrCodeSearchError, "index unavailable")}
	h := NewResultIndexHandler(idx, testutil.NewRecordingLogger())

	env, err := kafka.NewEventEnvelope(kafka.TopicResultRecorded, "ablab-test", nil)
	require.NoError(t, err)
	assert.ErrorIs(t, h.Handle(context.Background(), env), idx.err)
}

func TestAuditIndexHandler(t *testing.T) {
	idx := &fakeIndexer{}
	h := NewAuditIndexHandler(idx, testutil.NewRecordingLogger())

	assert.ElementsMatch(t, []string{kafka.TopicAuditLog, kafka.TopicAssignmentCreated}, h.Topics())

	env, err := kafka.NewEventEnvelope(kafka.TopicAssignmentCreated, "ablab-test", nil)
	require.NoError(t, err)
	require.NoError(t, h.Handle(context.Background(), env))
	require.Len(t, idx.auditEnvs, 1)
	assert.Empty(t, idx.resultEnvs)
}

func newCompletionFixture(report *results.FinalReport) (*fakeReportBuilder, *fakeArchiver, *fakePurger, *fakeLock, *CompletionReportHandler) {
	builder := &fakeReportBuilder{report: report}
	archive := &fakeArchiver{}
	purger := &fakePurger{}
	lock := &fakeLock{held: true}
	h := NewCompletionReportHandler(builder, archive, purger,
		func(name string) Lock {
			lock.lastName = name
			return lock
		},
		nil, testutil.NewRecordingLogger())
	return builder, archive, purger, lock, h
}

func TestCompletionReportHandler_Completed(t *testing.T) {
	builder, archive, purger, lock, h := newCompletionFixture(finalReport("checkout-cta"))

	env := statusChangedEnvelope(t, "checkout-cta", "active", "completed")
	require.NoError(t, h.Handle(context.Background(), env))

	assert.Equal(t, []string{"checkout-cta"}, builder.names)
	assert.Equal(t, []string{"checkout-cta"}, archive.puts)
	assert.Equal(t, []string{"checkout-cta"}, purger.purged)
	assert.Equal(t, "completion-report:checkout-cta", lock.lastName)
	assert.Equal(t, 1, lock.locked)
	assert.Equal(t, 1, lock.unlocked)
}

func TestCompletionReportHandler_IgnoresOtherTransitions(t *testing.T) {
	builder, archive, _, lock, h := newCompletionFixture(finalReport("checkout-cta"))

	for _, newStatus := range []string{"active", "paused", "archived", "draft"} {
		env := statusChangedEnvelope(t, "checkout-cta", "draft", newStatus)
		require.NoError(t, h.Handle(context.Background(), env))
	}

	assert.Empty(t, builder.names)
	assert.Empty(t, archive.puts)
	assert.Zero(t, lock.locked)
}

func TestCompletionReportHandler_LockContended(t *testing.T) {
	builder, archive, _, lock, h := newCompletionFixture(finalReport("checkout-cta"))
	lock.held = false

	env := statusChangedEnvelope(t, "checkout-cta", "active", "completed")
	require.NoError(t, h.Handle(context.Background(), env))

	assert.Empty(t, builder.names)
	assert.Empty(t, archive.puts)
	assert.Zero(t, lock.unlocked)
}

func TestCompletionReportHandler_LockError(t *testing.T) {
	builder, _, _, lock, h := newCompletionFixture(finalReport("checkout-cta"))
	lock.held = false
	lock.tryErr = errors.New(errors.ErrCodeCacheError, "redis down")

	env := statusChangedEnvelope(t, "checkout-cta", "active", "completed")
	err := h.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeCacheError))
	assert.Empty(t, builder.names)
}

func TestCompletionReportHandler_BuildError(t *testing.T) {
	builder, archive, _, lock, h := newCompletionFixture(nil)
	builder.err = errors.New(errors.ErrCodeDatabaseError, "query failed")

	env := statusChangedEnvelope(t, "checkout-cta", "active", "completed")
	err := h.Handle(context.Background(), env)
	assert.ErrorIs(t, err, builder.err)
	assert.Empty(t, archive.puts)
	// the lock is still released so a retry can acquire it
	assert.Equal(t, 1, lock.unlocked)
}

func TestCompletionReportHandler_ArchiveError(t *testing.T) {
	_, archive, purger, _, h := newCompletionFixture(finalReport("checkout-cta"))
	archive.err = errors.New(errors.ErrCodeStorageError, "bucket missing")

	env := statusChangedEnvelope(t, "checkout-cta", "active", "completed")
	err := h.Handle(context.Background(), env)
	assert.ErrorIs(t, err, archive.err)
	assert.Empty(t, purger.purged)
}

func TestCompletionReportHandler_PurgeFailureIsNonFatal(t *testing.T) {
	builder := &fakeReportBuilder{report: finalReport("checkout-cta")}
	purger := &fakePurger{err: errors.New(errors.ErrCodeCacheError, "redis down")}
	log := testutil.NewRecordingLogger()
	h := NewCompletionReportHandler(builder, &fakeArchiver{}, purger, nil, nil, log)

	env := statusChangedEnvelope(t, "checkout-cta", "active", "completed")
	require.NoError(t, h.Handle(context.Background(), env))
	assert.True(t, log.HasEntry("warn", "assignment cache purge failed"))
}

func TestCompletionReportHandler_NoLockNoPurger(t *testing.T) {
	builder := &fakeReportBuilder{report: finalReport("checkout-cta")}
	archive := &fakeArchiver{}
	h := NewCompletionReportHandler(builder, archive, nil, nil, nil, testutil.NewRecordingLogger())

	env := statusChangedEnvelope(t, "checkout-cta", "active", "completed")
	require.NoError(t, h.Handle(context.Background(), env))
	assert.Equal(t, []string{"checkout-cta"}, archive.puts)
}

func TestCompletionReportHandler_BadPayload(t *testing.T) {
	_, _, _, _, h := newCompletionFixture(finalReport("checkout-cta"))

	env, err := kafka.NewEventEnvelope(kafka.TopicExperimentStatusChanged, "ablab-test", nil)
	require.NoError(t, err)
	env.Payload = []byte(`{"new_status": 7}`)

	err = h.Handle(context.Background(), env)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeSerialization))
}

func TestCompletionReportHandler_Topics(t *testing.T) {
	_, _, _, _, h := newCompletionFixture(nil)
	assert.Equal(t, []string{kafka.TopicExperimentStatusChanged}, h.Topics())
}
