// Package result implements the results bounded context: the append-only
// metric event log, the recorder that feeds it, and the aggregator that turns
// it into per-variant statistics.
package result

import (
	"time"

	"github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// Metric is one named observation attached to a result event.  The value
// range is deliberately unvalidated: callers own the meaning of their metric
// values, and a continuous metric is never retroactively reclassified.
type Metric struct {
	Name  string            `json:"name"`
	Type  etypes.MetricType `json:"type"`
	Value float64           `json:"value"`
}

// Validate checks the metric name and type; an empty type defaults to
// conversion before checking, mirroring how experiment definitions default
// their type.
func (m *Metric) Validate() error {
	if m.Name == "" {
		return errors.New(errors.ErrCodeMetricInvalid, "metric name must not be empty")
	}
	if m.Type == "" {
		m.Type = etypes.MetricConversion
	}
	if !m.Type.IsValid() {
		return errors.New(errors.ErrCodeMetricInvalid,
			"unsupported metric type "+string(m.Type))
	}
	return nil
}

// Converted reports whether the metric counts as a conversion: any value
// strictly greater than zero does, for every metric type.
func (m Metric) Converted() bool { return m.Value > 0 }

// Event is one immutable row of the result log.  Events are append-only and
// unordered across subjects; the aggregator only ever folds them into sums
// and counts, so no ordering guarantee is required or assumed.
type Event struct {
	ID           common.ID          `json:"id"`
	ExperimentID common.ID          `json:"experiment_id"`
	VariantID    common.ID          `json:"variant_id"`
	Subject      assignment.Subject `json:"subject"`
	Metric       Metric             `json:"metric"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

// NewEvent builds a validated result event.  The subject must carry an
// identifier (ASG_001) and the metric a name and known type (RES_001).
func NewEvent(experimentID, variantID common.ID, s assignment.Subject, m Metric, at time.Time) (*Event, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &Event{
		ID:           common.NewID(),
		ExperimentID: experimentID,
		VariantID:    variantID,
		Subject:      s,
		Metric:       m,
		RecordedAt:   at,
	}, nil
}

// ToDTO converts the event to its transport representation.  Experiment and
// variant names are resolved by the caller, which holds the aggregate.
func (e *Event) ToDTO(experimentName, variantName string) etypes.ResultEventDTO {
	return etypes.ResultEventDTO{
		ID:             e.ID,
		ExperimentID:   e.ExperimentID,
		ExperimentName: experimentName,
		VariantID:      e.VariantID,
		VariantName:    variantName,
		SubjectKind:    e.Subject.Kind,
		SubjectID:      e.Subject.ID,
		MetricName:     e.Metric.Name,
		MetricValue:    e.Metric.Value,
		MetricType:     e.Metric.Type,
		RecordedAt:     e.RecordedAt,
	}
}

// Window bounds an aggregation to [Start, End); either side may be open.
type Window struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Validate rejects a window whose start does not precede its end.
func (w *Window) Validate() error {
	if w == nil || w.Start == nil || w.End == nil {
		return nil
	}
	if !w.Start.Before(*w.End) {
		return errors.New(errors.ErrCodeWindowInvalid,
			"window start must precede end")
	}
	return nil
}

// Contains reports whether t falls inside the window.  A nil window contains
// every instant.
func (w *Window) Contains(t time.Time) bool {
	if w == nil {
		return true
	}
	if w.Start != nil && t.Before(*w.Start) {
		return false
	}
	if w.End != nil && !t.Before(*w.End) {
		return false
	}
	return true
}
