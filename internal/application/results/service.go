// Package results provides the application-level service for result
// recording, aggregation, and statistical-significance operations. This
// package serves as the interface between HTTP/CLI handlers and domain logic.
package results

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	domainAssignment "github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/domain/result"
	"github.com/turtacn/ABLab/internal/domain/stats"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// eventSource identifies this service in published event envelopes.
const eventSource = "ablab-api"

// significanceAlpha is the two-tailed decision threshold. The reported
// confidence level is derived from the p-value, not from alpha.
const significanceAlpha = 0.05

// ciConfidence is the coverage of the per-variant confidence intervals.
const ciConfidence = 0.95

// Service defines the interface for result application operations.
type Service interface {
	// Record appends one metric observation for a subject and variant.
	Record(ctx context.Context, input *RecordInput) (*etypes.ResultEventDTO, error)

	// GetResults aggregates recorded events into per-variant, per-metric
	// statistics, optionally restricted to a time window.
	GetResults(ctx context.Context, input *ResultsInput) (*etypes.ResultsReportDTO, error)

	// GetRecent returns the newest recorded events for an experiment, most
	// recent first.
	GetRecent(ctx context.Context, experimentName string, limit int) ([]result.RecentEntry, error)

	// CalculateSignificance tests every treatment variant against the control
	// for one metric. An empty metric name falls back to the experiment's
	// success metric.
	CalculateSignificance(ctx context.Context, input *SignificanceInput) (*etypes.SignificanceReportDTO, error)

	// BuildFinalReport assembles the archival report for an experiment: the
	// full aggregation plus a significance readout for every metric that can
	// support one.
	BuildFinalReport(ctx context.Context, experimentName string) (*FinalReport, error)
}

// Publisher is the slice of the event producer this service needs;
// *kafka.Producer satisfies it. A nil Publisher disables event publication.
type Publisher interface {
	Publish(ctx context.Context, msg *common.ProducerMessage) error
}

// RecordInput carries one metric observation. UserID takes precedence over
// SessionID; at least one is required. An empty MetricType defaults to
// conversion.
type RecordInput struct {
	ExperimentName string
	VariantName    string
	UserID         string
	SessionID      string
	MetricName     string
	MetricType     string
	MetricValue    float64
}

// ResultsInput selects the experiment and an optional [start, end) window.
type ResultsInput struct {
	ExperimentName string
	Start          *time.Time
	End            *time.Time
}

// SignificanceInput selects the experiment and the metric to test.
type SignificanceInput struct {
	ExperimentName string
	MetricName     string
}

// FinalReport bundles the artifacts archived when an experiment completes.
type FinalReport struct {
	ExperimentID   common.ID                      `json:"experiment_id"`
	ExperimentName string                         `json:"experiment_name"`
	Status         etypes.Status                  `json:"status"`
	EventCount     int64                          `json:"event_count"`
	Results        *etypes.ResultsReportDTO       `json:"results"`
	Significance   []etypes.SignificanceReportDTO `json:"significance,omitempty"`
	GeneratedAt    time.Time                      `json:"generated_at"`
}

// serviceImpl implements the Service interface.
type serviceImpl struct {
	recorder   *result.Recorder
	aggregator *result.Aggregator
	registry   result.Registry
	publisher  Publisher
	metrics    *prometheus.AppMetrics
	logger     logging.Logger
	alpha      float64
}

// ServiceOption customises the results service.
type ServiceOption func(*serviceImpl)

// WithSignificanceLevel overrides the default 0.05 decision threshold.
func WithSignificanceLevel(alpha float64) ServiceOption {
	return func(s *serviceImpl) {
		if alpha > 0 && alpha < 1 {
			s.alpha = alpha
		}
	}
}

// NewService creates a new results application service. publisher may be nil
// when Kafka is disabled; metrics may be nil when no collector is wired.
func NewService(recorder *result.Recorder, aggregator *result.Aggregator, registry result.Registry, publisher Publisher, metrics *prometheus.AppMetrics, logger logging.Logger, opts ...ServiceOption) Service {
	s := &serviceImpl{
		recorder:   recorder,
		aggregator: aggregator,
		registry:   registry,
		publisher:  publisher,
		metrics:    metrics,
		logger:     logger,
		alpha:      significanceAlpha,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *serviceImpl) Record(ctx context.Context, input *RecordInput) (*etypes.ResultEventDTO, error) {
	if input == nil {
		return nil, errors.InvalidParam("record input must not be nil")
	}
	subj, err := domainAssignment.NewSubject(input.UserID, input.SessionID)
	if err != nil {
		return nil, err
	}
	metric := result.Metric{
		Name:  input.MetricName,
		Type:  etypes.MetricType(input.MetricType),
		Value: input.MetricValue,
	}

	start := time.Now()
	ev, err := s.recorder.Record(ctx, input.ExperimentName, input.VariantName, subj, metric)
	if err != nil {
		return nil, err
	}
	prometheus.RecordResultEvent(s.metrics, input.ExperimentName, string(ev.Metric.Type), time.Since(start))

	s.publishRecorded(ctx, input.ExperimentName, input.VariantName, ev)

	dto := ev.ToDTO(input.ExperimentName, input.VariantName)
	return &dto, nil
}

func (s *serviceImpl) GetResults(ctx context.Context, input *ResultsInput) (*etypes.ResultsReportDTO, error) {
	if input == nil {
		return nil, errors.InvalidParam("results input must not be nil")
	}
	if input.ExperimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	var w *result.Window
	if input.Start != nil || input.End != nil {
		w = &result.Window{Start: input.Start, End: input.End}
	}

	start := time.Now()
	report, err := s.aggregator.Results(ctx, input.ExperimentName, w)
	if err != nil {
		return nil, err
	}
	prometheus.RecordAggregation(s.metrics, input.ExperimentName, time.Since(start))
	return report, nil
}

func (s *serviceImpl) GetRecent(ctx context.Context, experimentName string, limit int) ([]result.RecentEntry, error) {
	if experimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	return s.recorder.Recent(ctx, experimentName, limit)
}

func (s *serviceImpl) CalculateSignificance(ctx context.Context, input *SignificanceInput) (*etypes.SignificanceReportDTO, error) {
	if input == nil {
		return nil, errors.InvalidParam("significance input must not be nil")
	}
	if input.ExperimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}

	exp, err := s.registry.GetByName(ctx, input.ExperimentName)
	if err != nil {
		return nil, err
	}
	metricName := input.MetricName
	if metricName == "" {
		metricName = exp.SuccessMetric
	}

	// Significance always runs over the experiment's full history; callers
	// who need a narrower view aggregate explicitly via GetResults.
	report, err := s.aggregator.Results(ctx, input.ExperimentName, nil)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	sig, err := SignificanceWithAlpha(report, metricName, s.alpha)
	if err != nil {
		return nil, err
	}

	method := etypes.MethodTwoProportionZ
	anySignificant := false
	for _, t := range sig.Treatments {
		method = t.Method
		if t.IsSignificant {
			anySignificant = true
		}
	}
	prometheus.RecordSignificanceTest(s.metrics, string(method), anySignificant, time.Since(start))

	return sig, nil
}

func (s *serviceImpl) BuildFinalReport(ctx context.Context, experimentName string) (*FinalReport, error) {
	if experimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	exp, err := s.registry.GetByName(ctx, experimentName)
	if err != nil {
		return nil, err
	}
	report, err := s.aggregator.Results(ctx, experimentName, nil)
	if err != nil {
		return nil, err
	}

	final := &FinalReport{
		ExperimentID:   exp.ID,
		ExperimentName: exp.Name,
		Status:         exp.Status,
		Results:        report,
		GeneratedAt:    report.GeneratedAt,
	}

	// Every event lands in exactly one (variant, metric) group, so the
	// sample sizes sum to the total event count.
	seen := make(map[string]bool)
	var names []string
	for _, v := range report.Variants {
		for _, m := range v.Metrics {
			final.EventCount += m.SampleSize
			if !seen[m.MetricName] {
				seen[m.MetricName] = true
				names = append(names, m.MetricName)
			}
		}
	}
	sort.Strings(names)

	for _, name := range names {
		sig, err := SignificanceWithAlpha(report, name, s.alpha)
		if err != nil {
			// A metric without two testable groups is normal for a report;
			// record it and move on.
			s.logger.Debug("significance omitted from final report",
				logging.String("experiment", exp.Name),
				logging.String("metric", name),
				logging.Err(err))
			continue
		}
		final.Significance = append(final.Significance, *sig)
	}
	return final, nil
}

// Significance computes the per-treatment readout for one metric from an
// aggregated report. Conversion metrics use the pooled two-proportion z-test
// with Wilson intervals on the rates; continuous, count, and duration metrics
// use Welch's t-test with normal-approximation intervals on the means.
//
// It requires at least two variants with recorded results for the metric
// (SIG_001 otherwise) and exactly one control among them (SIG_002 otherwise).
func Significance(report *etypes.ResultsReportDTO, metricName string) (*etypes.SignificanceReportDTO, error) {
	return SignificanceWithAlpha(report, metricName, significanceAlpha)
}

// SignificanceWithAlpha is Significance with an explicit decision threshold.
// An alpha outside (0, 1) falls back to the default.
func SignificanceWithAlpha(report *etypes.ResultsReportDTO, metricName string, alpha float64) (*etypes.SignificanceReportDTO, error) {
	if alpha <= 0 || alpha >= 1 {
		alpha = significanceAlpha
	}
	if report == nil {
		return nil, errors.InvalidParam("results report must not be nil")
	}
	if metricName == "" {
		return nil, errors.New(errors.ErrCodeMetricInvalid, "metric name must not be empty")
	}

	type group struct {
		variant *etypes.VariantResultsDTO
		stats   *etypes.MetricStatisticsDTO
	}

	var (
		groups     []group
		metricType etypes.MetricType
		typed      bool
	)
	for i := range report.Variants {
		v := &report.Variants[i]
		for j := range v.Metrics {
			m := &v.Metrics[j]
			if m.MetricName != metricName {
				continue
			}
			if typed && m.MetricType != metricType {
				return nil, errors.New(errors.ErrCodeMetricInvalid,
					fmt.Sprintf("metric %q was recorded under conflicting types %s and %s",
						metricName, metricType, m.MetricType))
			}
			metricType = m.MetricType
			typed = true
			groups = append(groups, group{variant: v, stats: m})
		}
	}

	if len(groups) < 2 {
		return nil, errors.New(errors.ErrCodeInsufficientData,
			fmt.Sprintf("significance needs results for %q from at least two variants, found %d",
				metricName, len(groups)))
	}

	var control *group
	controls := 0
	for i := range groups {
		if groups[i].variant.IsControl {
			control = &groups[i]
			controls++
		}
	}
	if controls != 1 {
		return nil, errors.New(errors.ErrCodeControlViolation,
			fmt.Sprintf("significance needs exactly one control variant with results for %q, found %d",
				metricName, controls))
	}

	out := &etypes.SignificanceReportDTO{
		ExperimentID:   report.ExperimentID,
		ExperimentName: report.ExperimentName,
		MetricName:     metricName,
		MetricType:     metricType,
		ControlVariant: control.variant.VariantName,
		GeneratedAt:    report.GeneratedAt,
	}

	conversion := metricType == etypes.MetricConversion
	if conversion {
		lower, upper := stats.WilsonInterval(int(control.stats.Conversions), int(control.stats.SampleSize), ciConfidence)
		out.ControlInterval = &etypes.ConfidenceIntervalDTO{Lower: lower, Upper: upper}
	} else {
		out.ControlInterval = meanInterval(control.stats)
	}

	for i := range groups {
		g := &groups[i]
		if g.variant.IsControl {
			continue
		}
		var t etypes.TreatmentSignificanceDTO
		if conversion {
			t = conversionSignificance(control.stats, g.stats, alpha)
		} else {
			t = continuousSignificance(control.stats, g.stats, alpha)
		}
		t.VariantID = g.variant.VariantID
		t.VariantName = g.variant.VariantName
		out.Treatments = append(out.Treatments, t)
	}
	return out, nil
}

// conversionSignificance runs the pooled z-test on conversion counts and
// attaches a Wilson interval for the treatment rate.
func conversionSignificance(control, treatment *etypes.MetricStatisticsDTO, alpha float64) etypes.TreatmentSignificanceDTO {
	z := stats.TwoProportionZTest(
		int(control.Conversions), int(control.SampleSize),
		int(treatment.Conversions), int(treatment.SampleSize),
		alpha)
	lower, upper := stats.WilsonInterval(int(treatment.Conversions), int(treatment.SampleSize), ciConfidence)

	return etypes.TreatmentSignificanceDTO{
		ControlRate:         z.ControlRate,
		TreatmentRate:       z.TreatmentRate,
		Lift:                stats.Lift(z.ControlRate, z.TreatmentRate),
		ZScore:              z.ZScore,
		PValue:              z.PValue,
		ConfidenceLevel:     z.Confidence,
		IsSignificant:       z.Significant,
		ControlSampleSize:   control.SampleSize,
		TreatmentSampleSize: treatment.SampleSize,
		Method:              etypes.MethodTwoProportionZ,
		TreatmentInterval:   &etypes.ConfidenceIntervalDTO{Lower: lower, Upper: upper},
	}
}

// continuousSignificance runs Welch's t-test on the group means. For
// non-conversion metrics the rate fields carry the means and ZScore carries
// the t statistic.
func continuousSignificance(control, treatment *etypes.MetricStatisticsDTO, alpha float64) etypes.TreatmentSignificanceDTO {
	w := stats.WelchTTest(
		control.Mean, sampleVariance(control), int(control.SampleSize),
		treatment.Mean, sampleVariance(treatment), int(treatment.SampleSize),
		alpha)

	return etypes.TreatmentSignificanceDTO{
		ControlRate:         control.Mean,
		TreatmentRate:       treatment.Mean,
		Lift:                stats.Lift(control.Mean, treatment.Mean),
		ZScore:              w.TStatistic,
		PValue:              w.PValue,
		ConfidenceLevel:     (1 - w.PValue) * 100,
		IsSignificant:       w.Significant,
		ControlSampleSize:   control.SampleSize,
		TreatmentSampleSize: treatment.SampleSize,
		Method:              etypes.MethodWelchT,
		TreatmentInterval:   meanInterval(treatment),
	}
}

// sampleVariance rescales the population standard deviation the aggregator
// reports into the unbiased sample variance the t-test expects.
func sampleVariance(m *etypes.MetricStatisticsDTO) float64 {
	n := float64(m.SampleSize)
	if n < 2 {
		return 0
	}
	return m.StdDev * m.StdDev * n / (n - 1)
}

// meanInterval is the normal-approximation confidence interval for a group
// mean; nil when the group is too small to carry variance information.
func meanInterval(m *etypes.MetricStatisticsDTO) *etypes.ConfidenceIntervalDTO {
	n := float64(m.SampleSize)
	if n < 2 {
		return nil
	}
	half := stats.ZScore(ciConfidence) * math.Sqrt(sampleVariance(m)/n)
	return &etypes.ConfidenceIntervalDTO{Lower: m.Mean - half, Upper: m.Mean + half}
}

// publishRecorded emits result.recorded fire-and-forget; a broker outage must
// never fail the write that already landed in storage.
func (s *serviceImpl) publishRecorded(ctx context.Context, experimentName, variantName string, ev *result.Event) {
	if s.publisher == nil {
		return
	}

	payload := kafka.ResultRecordedPayload{
		EventID:        ev.ID.String(),
		ExperimentID:   ev.ExperimentID.String(),
		ExperimentName: experimentName,
		VariantID:      ev.VariantID.String(),
		VariantName:    variantName,
		SubjectKind:    string(ev.Subject.Kind),
		SubjectID:      ev.Subject.ID,
		MetricName:     ev.Metric.Name,
		MetricType:     string(ev.Metric.Type),
		MetricValue:    ev.Metric.Value,
		RecordedAt:     ev.RecordedAt,
	}
	env, err := kafka.NewEventEnvelope("result.recorded", eventSource, payload)
	if err != nil {
		s.logger.Warn("failed to build event envelope",
			logging.String("event_type", "result.recorded"), logging.Err(err))
		return
	}
	msg, err := env.ToMessage(kafka.TopicResultRecorded)
	if err != nil {
		s.logger.Warn("failed to encode event",
			logging.String("event_type", "result.recorded"), logging.Err(err))
		return
	}
	// Key by experiment so one experiment's events stay ordered.
	msg.Key = []byte(ev.ExperimentID)

	if err := s.publisher.Publish(ctx, msg); err != nil {
		s.logger.Warn("event publish failed",
			logging.String("topic", kafka.TopicResultRecorded),
			logging.String("experiment", experimentName),
			logging.Err(err))
	}
}
