// Package experiment defines the shared enumerations and transport types of
// the experimentation domain: experiment/variant definitions, assignment
// results, aggregated statistics, and significance reports.  These types cross
// layer boundaries (HTTP handlers, SDK client, worker pipeline) and therefore
// carry JSON tags; domain invariants are enforced by the aggregate in
// internal/domain/experiment, not here.
package experiment

import (
	"time"

	"github.com/turtacn/ABLab/pkg/types/common"
)

// Status represents the lifecycle stage of an experiment.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// IsValid checks if the Status is one of the known lifecycle stages.
func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusCompleted, StatusArchived:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusArchived
}

// Type classifies the shape of an experiment.
type Type string

const (
	TypeSplit        Type = "split"
	TypeMultivariate Type = "multivariate"
	TypeRedirect     Type = "redirect"
)

// IsValid checks if the Type is supported.
func (t Type) IsValid() bool {
	switch t {
	case TypeSplit, TypeMultivariate, TypeRedirect:
		return true
	default:
		return false
	}
}

// SubjectKind identifies which stable identifier an assignment is keyed by.
// A subject is a user when a user id is available, otherwise a session.
type SubjectKind string

const (
	SubjectUser    SubjectKind = "user"
	SubjectSession SubjectKind = "session"
)

// IsValid checks if the SubjectKind is supported.
func (k SubjectKind) IsValid() bool {
	return k == SubjectUser || k == SubjectSession
}

// MetricType classifies a recorded metric value.
type MetricType string

const (
	// MetricConversion is a binary outcome; any value > 0 counts as converted.
	MetricConversion MetricType = "conversion"

	// MetricContinuous is an arbitrary real-valued observation (revenue,
	// score).  Significance for continuous metrics uses a two-sample t-test
	// rather than the pooled proportion test.
	MetricContinuous MetricType = "continuous"

	MetricCount    MetricType = "count"
	MetricDuration MetricType = "duration"
)

// IsValid checks if the MetricType is supported.
func (m MetricType) IsValid() bool {
	switch m {
	case MetricConversion, MetricContinuous, MetricCount, MetricDuration:
		return true
	default:
		return false
	}
}

// Configuration is the opaque variant payload delivered to assigned subjects.
// The engine never interprets it, only forwards it.
type Configuration map[string]any

// AssignmentSource records where an assignment result was served from.
type AssignmentSource string

const (
	SourceCache    AssignmentSource = "cache"
	SourceComputed AssignmentSource = "computed"
)

// ExclusionReason explains why a subject was left out of an experiment.
type ExclusionReason string

const (
	// ReasonTrafficAllocation marks subjects outside the experiment's
	// traffic_allocation percentage.
	ReasonTrafficAllocation ExclusionReason = "traffic_allocation"
)

// VariantDTO represents one arm of an experiment.
type VariantDTO struct {
	ID            common.ID     `json:"id"`
	Name          string        `json:"name"`
	DisplayName   string        `json:"display_name,omitempty"`
	IsControl     bool          `json:"is_control"`
	Weight        float64       `json:"weight"`
	Configuration Configuration `json:"configuration,omitempty"`
	Position      int           `json:"position"`
}

// ExperimentDTO represents a full experiment definition with its variants.
type ExperimentDTO struct {
	common.BaseEntity
	Name              string       `json:"name"`
	DisplayName       string       `json:"display_name,omitempty"`
	Description       string       `json:"description,omitempty"`
	Hypothesis        string       `json:"hypothesis,omitempty"`
	Type              Type         `json:"type"`
	TrafficAllocation float64      `json:"traffic_allocation"`
	Status            Status       `json:"status"`
	SuccessMetric     string       `json:"success_metric,omitempty"`
	StartAt           *time.Time   `json:"start_at,omitempty"`
	EndAt             *time.Time   `json:"end_at,omitempty"`
	CreatedBy         string       `json:"created_by,omitempty"`
	Variants          []VariantDTO `json:"variants"`
}

// AssignmentDTO is the caller-facing outcome of an assignment request.  For
// excluded subjects only Excluded/Reason are meaningful; variant fields stay
// zero-valued.
type AssignmentDTO struct {
	ExperimentID   common.ID        `json:"experiment_id"`
	ExperimentName string           `json:"experiment_name"`
	VariantID      common.ID        `json:"variant_id,omitempty"`
	VariantName    string           `json:"variant_name,omitempty"`
	IsControl      bool             `json:"is_control"`
	Configuration  Configuration    `json:"configuration,omitempty"`
	Excluded       bool             `json:"excluded"`
	Reason         ExclusionReason  `json:"reason,omitempty"`
	Source         AssignmentSource `json:"source,omitempty"`
	AssignedAt     time.Time        `json:"assigned_at"`
}

// ResultEventDTO is a single recorded metric observation.
type ResultEventDTO struct {
	ID             common.ID   `json:"id"`
	ExperimentID   common.ID   `json:"experiment_id"`
	ExperimentName string      `json:"experiment_name,omitempty"`
	VariantID      common.ID   `json:"variant_id"`
	VariantName    string      `json:"variant_name,omitempty"`
	SubjectKind    SubjectKind `json:"subject_kind"`
	SubjectID      string      `json:"subject_id"`
	MetricName     string      `json:"metric_name"`
	MetricValue    float64     `json:"metric_value"`
	MetricType     MetricType  `json:"metric_type"`
	RecordedAt     time.Time   `json:"recorded_at"`
}

// MetricStatisticsDTO holds the aggregated statistics of one (variant, metric)
// group.  Groups with zero events are omitted from reports entirely; presence
// implies sample_size >= 1.
type MetricStatisticsDTO struct {
	MetricName     string     `json:"metric_name"`
	MetricType     MetricType `json:"metric_type"`
	SampleSize     int64      `json:"sample_size"`
	Conversions    int64      `json:"conversions"`
	ConversionRate float64    `json:"conversion_rate"`
	Mean           float64    `json:"mean"`
	StdDev         float64    `json:"std_dev"`
	Min            float64    `json:"min"`
	Max            float64    `json:"max"`
}

// VariantResultsDTO groups the per-metric statistics of one variant.
type VariantResultsDTO struct {
	VariantID   common.ID             `json:"variant_id"`
	VariantName string                `json:"variant_name"`
	IsControl   bool                  `json:"is_control"`
	Metrics     []MetricStatisticsDTO `json:"metrics"`
}

// ResultsReportDTO is the full aggregation output for one experiment.
type ResultsReportDTO struct {
	ExperimentID   common.ID           `json:"experiment_id"`
	ExperimentName string              `json:"experiment_name"`
	StartDate      *time.Time          `json:"start_date,omitempty"`
	EndDate        *time.Time          `json:"end_date,omitempty"`
	GeneratedAt    time.Time           `json:"generated_at"`
	Variants       []VariantResultsDTO `json:"variants"`
}

// ConfidenceIntervalDTO is a two-sided interval for a conversion rate.
type ConfidenceIntervalDTO struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// SignificanceMethod names the hypothesis test applied to a metric.
type SignificanceMethod string

const (
	MethodTwoProportionZ SignificanceMethod = "two_proportion_z"
	MethodWelchT         SignificanceMethod = "welch_t"
)

// TreatmentSignificanceDTO is the statistical comparison of one treatment
// variant against the control.
type TreatmentSignificanceDTO struct {
	VariantID           common.ID              `json:"variant_id"`
	VariantName         string                 `json:"variant_name"`
	ControlRate         float64                `json:"control_rate"`
	TreatmentRate       float64                `json:"treatment_rate"`
	Lift                float64                `json:"lift"`
	ZScore              float64                `json:"z_score"`
	PValue              float64                `json:"p_value"`
	ConfidenceLevel     float64                `json:"confidence_level"`
	IsSignificant       bool                   `json:"is_significant"`
	ControlSampleSize   int64                  `json:"control_sample_size"`
	TreatmentSampleSize int64                  `json:"treatment_sample_size"`
	Method              SignificanceMethod     `json:"method"`
	TreatmentInterval   *ConfidenceIntervalDTO `json:"treatment_interval,omitempty"`
}

// SignificanceReportDTO is the full significance output for one metric of one
// experiment.
type SignificanceReportDTO struct {
	ExperimentID    common.ID                  `json:"experiment_id"`
	ExperimentName  string                     `json:"experiment_name"`
	MetricName      string                     `json:"metric_name"`
	MetricType      MetricType                 `json:"metric_type"`
	ControlVariant  string                     `json:"control_variant"`
	ControlInterval *ConfidenceIntervalDTO     `json:"control_interval,omitempty"`
	Treatments      []TreatmentSignificanceDTO `json:"treatments"`
	GeneratedAt     time.Time                  `json:"generated_at"`
}
