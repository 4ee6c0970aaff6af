package result

import (
	"context"
	"math"
	"sort"

	"github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// Aggregator folds the result-event log into per-variant, per-metric
// statistics.  Aggregation is read-only and permitted in every experiment
// status; historical reads of completed experiments are the normal case.
type Aggregator struct {
	registry Registry
	repo     Repository
	logger   logging.Logger
	clock    assignment.Clock
}

// AggregatorOption customises an Aggregator.
type AggregatorOption func(*Aggregator)

// WithAggregatorClock substitutes the time source used for GeneratedAt.
func WithAggregatorClock(c assignment.Clock) AggregatorOption {
	return func(a *Aggregator) {
		if c != nil {
			a.clock = c
		}
	}
}

// NewAggregator creates an Aggregator.
func NewAggregator(registry Registry, repo Repository, logger logging.Logger, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		registry: registry,
		repo:     repo,
		logger:   logger,
		clock:    assignment.SystemClock(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Results aggregates the experiment's events inside the optional window into
// a full report.  Every variant of the experiment appears in the report so
// the control is always identifiable; within a variant, metrics with zero
// events are omitted entirely rather than reported as zero.
func (a *Aggregator) Results(ctx context.Context, experimentName string, w *Window) (*etypes.ResultsReportDTO, error) {
	if experimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	exp, err := a.registry.GetByName(ctx, experimentName)
	if err != nil {
		return nil, err
	}

	events, err := a.repo.ListByExperiment(ctx, exp.ID, w)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to load result events")
	}

	report := &etypes.ResultsReportDTO{
		ExperimentID:   exp.ID,
		ExperimentName: exp.Name,
		GeneratedAt:    a.clock.Now(),
		Variants:       Aggregate(exp, events),
	}
	if w != nil {
		report.StartDate = w.Start
		report.EndDate = w.End
	}
	return report, nil
}

// Aggregate is the pure aggregation core: it groups events by
// (variant, metric name, metric type) and computes each group's statistics.
// Variants are returned in their creation order; metrics within a variant
// are sorted by name, then type, for stable output.
func Aggregate(exp *experiment.Experiment, events []*Event) []etypes.VariantResultsDTO {
	type metricKey struct {
		name string
		typ  etypes.MetricType
	}
	groups := make(map[common.ID]map[metricKey][]float64)
	for _, ev := range events {
		if groups[ev.VariantID] == nil {
			groups[ev.VariantID] = make(map[metricKey][]float64)
		}
		mk := metricKey{name: ev.Metric.Name, typ: ev.Metric.Type}
		groups[ev.VariantID][mk] = append(groups[ev.VariantID][mk], ev.Metric.Value)
	}

	out := make([]etypes.VariantResultsDTO, 0, len(exp.Variants))
	for i := range exp.Variants {
		v := &exp.Variants[i]
		vr := etypes.VariantResultsDTO{
			VariantID:   v.ID,
			VariantName: v.Name,
			IsControl:   v.IsControl,
		}
		metrics := groups[v.ID]
		keys := make([]metricKey, 0, len(metrics))
		for mk := range metrics {
			keys = append(keys, mk)
		}
		sort.Slice(keys, func(a, b int) bool {
			if keys[a].name != keys[b].name {
				return keys[a].name < keys[b].name
			}
			return keys[a].typ < keys[b].typ
		})
		for _, mk := range keys {
			vr.Metrics = append(vr.Metrics, computeStatistics(mk.name, mk.typ, metrics[mk]))
		}
		out = append(out, vr)
	}
	return out
}

// computeStatistics reduces one group's values.  Standard deviation is the
// population form (divide by n): the event log is the whole population of
// observed outcomes, not a sample from it.
func computeStatistics(name string, typ etypes.MetricType, values []float64) etypes.MetricStatisticsDTO {
	n := len(values)
	stats := etypes.MetricStatisticsDTO{
		MetricName: name,
		MetricType: typ,
		SampleSize: int64(n),
		Min:        values[0],
		Max:        values[0],
	}

	sum := 0.0
	for _, v := range values {
		sum += v
		if v > 0 {
			stats.Conversions++
		}
		if v < stats.Min {
			stats.Min = v
		}
		if v > stats.Max {
			stats.Max = v
		}
	}
	stats.Mean = sum / float64(n)
	stats.ConversionRate = float64(stats.Conversions) / float64(n) * 100

	sumSq := 0.0
	for _, v := range values {
		d := v - stats.Mean
		sumSq += d * d
	}
	stats.StdDev = math.Sqrt(sumSq / float64(n))

	return stats
}
