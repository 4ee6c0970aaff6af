package experiment

import (
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ExperimentCreatedEvent is recorded when a new experiment definition passes
// factory validation.  It carries enough of the definition for downstream
// consumers (audit trail, search indexing) to avoid a read-back.
type ExperimentCreatedEvent struct {
	common.BaseEvent
	Name              string      `json:"name"`
	Type              etypes.Type `json:"type"`
	TrafficAllocation float64     `json:"traffic_allocation"`
	VariantCount      int         `json:"variant_count"`
	CreatedBy         string      `json:"created_by,omitempty"`
	Version           int         `json:"version"`
}

func NewExperimentCreatedEvent(e *Experiment) *ExperimentCreatedEvent {
	return &ExperimentCreatedEvent{
		BaseEvent:         common.NewBaseEvent(e.ID.String()),
		Name:              e.Name,
		Type:              e.Type,
		TrafficAllocation: e.TrafficAllocation,
		VariantCount:      len(e.Variants),
		CreatedBy:         e.CreatedBy,
		Version:           e.Version,
	}
}

// ExperimentStatusChangedEvent is recorded on every lifecycle transition.
type ExperimentStatusChangedEvent struct {
	common.BaseEvent
	Name      string        `json:"name"`
	OldStatus etypes.Status `json:"old_status"`
	NewStatus etypes.Status `json:"new_status"`
	Version   int           `json:"version"`
}

func NewExperimentStatusChangedEvent(e *Experiment, old, next etypes.Status) *ExperimentStatusChangedEvent {
	return &ExperimentStatusChangedEvent{
		BaseEvent: common.NewBaseEvent(e.ID.String()),
		Name:      e.Name,
		OldStatus: old,
		NewStatus: next,
		Version:   e.Version,
	}
}
