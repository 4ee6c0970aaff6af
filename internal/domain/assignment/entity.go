package assignment

import (
	"time"

	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// Assignment is the persisted sticky mapping of one subject to one variant of
// one experiment.  Rows are immutable once written; under concurrent first
// assignments the storage layer's unique constraint on
// (experiment_id, subject_kind, subject_id) makes the first write win and all
// racing callers adopt that row.
type Assignment struct {
	ID           common.ID `json:"id"`
	ExperimentID common.ID `json:"experiment_id"`
	VariantID    common.ID `json:"variant_id"`
	Subject      Subject   `json:"subject"`

	// Bucket is the deterministic hash position that produced this
	// assignment, kept for diagnosing weight-drift questions after variant
	// configuration changes.
	Bucket float64 `json:"bucket"`

	AssignedAt time.Time `json:"assigned_at"`
}

// NewAssignment builds an assignment row for first-time persistence.
func NewAssignment(experimentID, variantID common.ID, s Subject, bucket float64, at time.Time) *Assignment {
	return &Assignment{
		ID:           common.NewID(),
		ExperimentID: experimentID,
		VariantID:    variantID,
		Subject:      s,
		Bucket:       bucket,
		AssignedAt:   at,
	}
}

// Result is the caller-facing outcome of one assignment request.  Excluded
// results are terminal for the single call only: they are never persisted or
// cached, so a later call re-evaluates the gate (relevant when the traffic
// allocation is raised, or in random-gate mode).
type Result struct {
	ExperimentID   common.ID
	ExperimentName string
	VariantID      common.ID
	VariantName    string
	IsControl      bool
	Configuration  etypes.Configuration
	Excluded       bool
	Reason         etypes.ExclusionReason
	Source         etypes.AssignmentSource
	AssignedAt     time.Time

	// AssignmentID and Bucket identify the persisted row behind a freshly
	// computed result.  Both are zero for exclusions and for cache hits;
	// they are not part of the transport representation.
	AssignmentID common.ID
	Bucket       float64
}

// ToDTO converts the result to its transport representation.
func (r *Result) ToDTO() etypes.AssignmentDTO {
	return etypes.AssignmentDTO{
		ExperimentID:   r.ExperimentID,
		ExperimentName: r.ExperimentName,
		VariantID:      r.VariantID,
		VariantName:    r.VariantName,
		IsControl:      r.IsControl,
		Configuration:  r.Configuration,
		Excluded:       r.Excluded,
		Reason:         r.Reason,
		Source:         r.Source,
		AssignedAt:     r.AssignedAt,
	}
}

// ResultFromDTO rebuilds a Result from its transport representation; used by
// the cache layer when rehydrating memoized assignments.
func ResultFromDTO(dto etypes.AssignmentDTO) *Result {
	return &Result{
		ExperimentID:   dto.ExperimentID,
		ExperimentName: dto.ExperimentName,
		VariantID:      dto.VariantID,
		VariantName:    dto.VariantName,
		IsControl:      dto.IsControl,
		Configuration:  dto.Configuration,
		Excluded:       dto.Excluded,
		Reason:         dto.Reason,
		Source:         dto.Source,
		AssignedAt:     dto.AssignedAt,
	}
}
