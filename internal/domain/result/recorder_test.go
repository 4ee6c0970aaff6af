package result

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

type stubRecent struct {
	entries map[string][]RecentEntry
	pushErr error
}

func newStubRecent() *stubRecent {
	return &stubRecent{entries: make(map[string][]RecentEntry)}
}

func (s *stubRecent) Push(_ context.Context, experimentName string, entry RecentEntry) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	s.entries[experimentName] = append([]RecentEntry{entry}, s.entries[experimentName]...)
	return nil
}

func (s *stubRecent) Fetch(_ context.Context, experimentName string, limit int) ([]RecentEntry, error) {
	list := s.entries[experimentName]
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

type recorderFixture struct {
	recorder *Recorder
	repo     *stubRepo
	recent   *stubRecent
	now      time.Time
}

func newRecorderFixture(t *testing.T, exp *experiment.Experiment) *recorderFixture {
	t.Helper()
	f := &recorderFixture{
		repo:   &stubRepo{},
		recent: newStubRecent(),
		now:    time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC),
	}
	f.recorder = NewRecorder(
		&stubRegistry{exps: map[string]*experiment.Experiment{exp.Name: exp}},
		f.repo,
		f.recent,
		logging.NewNopLogger(),
		WithRecorderClock(fixedClock{t: f.now}),
	)
	return f
}

func TestRecorder_Record_Success(t *testing.T) {
	exp := twoVariantExperiment(t)
	f := newRecorderFixture(t, exp)
	subj := assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"}

	ev, err := f.recorder.Record(context.Background(), exp.Name, "red_button", subj,
		Metric{Name: "purchase", Value: 1})

	require.NoError(t, err)
	assert.Equal(t, exp.ID, ev.ExperimentID)
	assert.Equal(t, exp.Variants[1].ID, ev.VariantID)
	assert.Equal(t, etypes.MetricConversion, ev.Metric.Type)
	assert.Equal(t, f.now, ev.RecordedAt)
	require.Len(t, f.repo.events, 1)

	entries := f.recent.entries[exp.Name]
	require.Len(t, entries, 1)
	assert.Equal(t, "red_button", entries[0].VariantName)
	assert.Equal(t, "purchase", entries[0].MetricName)
	assert.Equal(t, 1.0, entries[0].MetricValue)
}

func TestRecorder_Record_EmptyNames(t *testing.T) {
	exp := twoVariantExperiment(t)
	f := newRecorderFixture(t, exp)
	subj := assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"}
	metric := Metric{Name: "purchase", Value: 1}

	_, err := f.recorder.Record(context.Background(), "", "red_button", subj, metric)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))

	_, err = f.recorder.Record(context.Background(), exp.Name, "", subj, metric)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestRecorder_Record_UnknownExperiment(t *testing.T) {
	f := newRecorderFixture(t, twoVariantExperiment(t))

	_, err := f.recorder.Record(context.Background(), "missing_experiment", "control",
		assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"},
		Metric{Name: "purchase", Value: 1})

	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentNotFound))
}

func TestRecorder_Record_NotActive(t *testing.T) {
	exp := twoVariantExperiment(t)
	require.NoError(t, exp.Pause())
	f := newRecorderFixture(t, exp)

	_, err := f.recorder.Record(context.Background(), exp.Name, "control",
		assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"},
		Metric{Name: "purchase", Value: 1})

	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentNotActive))
	assert.Empty(t, f.repo.events)
}

func TestRecorder_Record_UnknownVariant(t *testing.T) {
	exp := twoVariantExperiment(t)
	f := newRecorderFixture(t, exp)

	_, err := f.recorder.Record(context.Background(), exp.Name, "blue_button",
		assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"},
		Metric{Name: "purchase", Value: 1})

	assert.True(t, errors.IsCode(err, errors.ErrCodeVariantNotFound))
}

func TestRecorder_Record_InvalidInput(t *testing.T) {
	exp := twoVariantExperiment(t)
	f := newRecorderFixture(t, exp)

	_, err := f.recorder.Record(context.Background(), exp.Name, "control",
		assignment.Subject{}, Metric{Name: "purchase", Value: 1})
	assert.True(t, errors.IsCode(err, errors.ErrCodeInvalidSubject))

	_, err = f.recorder.Record(context.Background(), exp.Name, "control",
		assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"}, Metric{Value: 1})
	assert.True(t, errors.IsCode(err, errors.ErrCodeMetricInvalid))
}

func TestRecorder_Record_StorageFailure(t *testing.T) {
	exp := twoVariantExperiment(t)
	f := newRecorderFixture(t, exp)
	f.repo.appendErr = fmt.Errorf("pq: connection reset")

	_, err := f.recorder.Record(context.Background(), exp.Name, "control",
		assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"},
		Metric{Name: "purchase", Value: 1})

	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrCodeDatabaseError))
	assert.Empty(t, f.recent.entries, "failed append must not reach the feed")
}

func TestRecorder_Record_RecentFailureSwallowed(t *testing.T) {
	exp := twoVariantExperiment(t)
	f := newRecorderFixture(t, exp)
	f.recent.pushErr = fmt.Errorf("redis: connection refused")

	ev, err := f.recorder.Record(context.Background(), exp.Name, "control",
		assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"},
		Metric{Name: "purchase", Value: 1})

	require.NoError(t, err)
	assert.NotNil(t, ev)
	assert.Len(t, f.repo.events, 1)
}

func TestRecorder_Record_WithoutRecentBuffer(t *testing.T) {
	exp := twoVariantExperiment(t)
	repo := &stubRepo{}
	rec := NewRecorder(
		&stubRegistry{exps: map[string]*experiment.Experiment{exp.Name: exp}},
		repo, nil, logging.NewNopLogger())

	_, err := rec.Record(context.Background(), exp.Name, "control",
		assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"},
		Metric{Name: "purchase", Value: 1})

	require.NoError(t, err)
	assert.Len(t, repo.events, 1)
}

func TestRecorder_Recent(t *testing.T) {
	exp := twoVariantExperiment(t)
	f := newRecorderFixture(t, exp)
	ctx := context.Background()
	subj := assignment.Subject{Kind: etypes.SubjectUser, ID: "u-1"}

	for i := 0; i < 5; i++ {
		_, err := f.recorder.Record(ctx, exp.Name, "control", subj,
			Metric{Name: "purchase", Value: float64(i)})
		require.NoError(t, err)
	}

	entries, err := f.recorder.Recent(ctx, exp.Name, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Newest first.
	assert.Equal(t, 4.0, entries[0].MetricValue)

	_, err = f.recorder.Recent(ctx, "missing_experiment", 3)
	assert.True(t, errors.IsCode(err, errors.ErrCodeExperimentNotFound))

	_, err = f.recorder.Recent(ctx, "", 3)
	assert.True(t, errors.IsCode(err, errors.ErrCodeBadRequest))
}

func TestRecorder_Recent_WithoutBuffer(t *testing.T) {
	exp := twoVariantExperiment(t)
	rec := NewRecorder(
		&stubRegistry{exps: map[string]*experiment.Experiment{exp.Name: exp}},
		&stubRepo{}, nil, logging.NewNopLogger())

	entries, err := rec.Recent(context.Background(), exp.Name, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
