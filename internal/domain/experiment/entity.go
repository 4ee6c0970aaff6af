// Package experiment implements the Experiment bounded context: the aggregate
// root, its variant value objects, lifecycle state machine, domain events, and
// invariant enforcement for the ABLab platform.  All business rules that
// concern experiment definitions live here; persistence and transport concerns
// are handled by separate repository and interface layers.
package experiment

import (
	"fmt"
	"regexp"
	"time"

	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ─────────────────────────────────────────────────────────────────────────────
// Validation patterns and tolerances
// ─────────────────────────────────────────────────────────────────────────────

// reSlug matches experiment and variant names: lowercase alphanumerics with
// single interior '-' or '_' separators (checkout_cta, red-button, v2).
var reSlug = regexp.MustCompile(`^[a-z0-9]+(?:[_-][a-z0-9]+)*$`)

// weightSumTolerance is the maximum allowed deviation of the summed variant
// weights from 100.  Definitions produced from float arithmetic (e.g. 3×33.33
// + 0.01) must not be rejected for representation noise.
const weightSumTolerance = 0.01

// minVariants is the smallest number of variants that makes an experiment
// meaningful: one control and at least one treatment.
const minVariants = 2

// ─────────────────────────────────────────────────────────────────────────────
// State machine: allowed status transitions
// ─────────────────────────────────────────────────────────────────────────────

// allowedTransitions defines the valid next states reachable from each status.
// Transitions not listed are illegal and will be rejected by TransitionTo.
//
//	draft ──► active ◄──► paused
//	            │            │
//	            └─► completed ◄┘
//
// Every non-terminal state may additionally transition to archived.
// Completed and archived are terminal.
var allowedTransitions = map[etypes.Status][]etypes.Status{
	etypes.StatusDraft: {
		etypes.StatusActive,
		etypes.StatusArchived,
	},
	etypes.StatusActive: {
		etypes.StatusPaused,
		etypes.StatusCompleted,
		etypes.StatusArchived,
	},
	etypes.StatusPaused: {
		etypes.StatusActive,
		etypes.StatusCompleted,
		etypes.StatusArchived,
	},
	// Terminal states: no outgoing transitions.
	etypes.StatusCompleted: {},
	etypes.StatusArchived:  {},
}

// ─────────────────────────────────────────────────────────────────────────────
// Variant value object
// ─────────────────────────────────────────────────────────────────────────────

// Variant is one arm of an experiment.  Variants are owned by their Experiment
// and carry a fixed Position (creation order) that drives the deterministic
// weight walk during assignment; reordering variants after creation would
// silently remap already-bucketed subjects, so Position is immutable.
type Variant struct {
	ID            common.ID            `json:"id"`
	Name          string               `json:"name"`
	DisplayName   string               `json:"display_name,omitempty"`
	IsControl     bool                 `json:"is_control"`
	Weight        float64              `json:"weight"`
	Configuration etypes.Configuration `json:"configuration,omitempty"`
	Position      int                  `json:"position"`
	CreatedAt     time.Time            `json:"created_at"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Definition input
// ─────────────────────────────────────────────────────────────────────────────

// VariantDefinition is the caller-supplied description of one variant.
type VariantDefinition struct {
	Name          string               `json:"name"`
	DisplayName   string               `json:"display_name,omitempty"`
	IsControl     bool                 `json:"is_control"`
	Weight        float64              `json:"weight"`
	Configuration etypes.Configuration `json:"configuration,omitempty"`
}

// Definition is the caller-supplied description of a new experiment.  It is
// validated as a whole by NewExperiment; a Definition that round-trips through
// the factory without error is guaranteed to satisfy every aggregate
// invariant.
type Definition struct {
	Name              string              `json:"name"`
	DisplayName       string              `json:"display_name,omitempty"`
	Description       string              `json:"description,omitempty"`
	Hypothesis        string              `json:"hypothesis,omitempty"`
	Type              etypes.Type         `json:"type,omitempty"`
	TrafficAllocation float64             `json:"traffic_allocation"`
	SuccessMetric     string              `json:"success_metric,omitempty"`
	StartAt           *time.Time          `json:"start_at,omitempty"`
	EndAt             *time.Time          `json:"end_at,omitempty"`
	Variants          []VariantDefinition `json:"variants"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Experiment aggregate root
// ─────────────────────────────────────────────────────────────────────────────

// Experiment is the aggregate root of the experimentation bounded context.  It
// encapsulates the invariants of an A/B test definition: variant weights
// summing to 100, exactly one control, the lifecycle state machine, and the
// optional scheduling window.
//
// Consumers must never modify fields directly; all mutations go through the
// exported methods so invariants and domain events are correctly maintained.
type Experiment struct {
	// ── Identity and audit ───────────────────────────────────────────────────
	common.BaseEntity

	// ── Definition ───────────────────────────────────────────────────────────
	Name              string      `json:"name"`
	DisplayName       string      `json:"display_name,omitempty"`
	Description       string      `json:"description,omitempty"`
	Hypothesis        string      `json:"hypothesis,omitempty"`
	Type              etypes.Type `json:"type"`
	TrafficAllocation float64     `json:"traffic_allocation"`
	SuccessMetric     string      `json:"success_metric,omitempty"`

	// ── Lifecycle ────────────────────────────────────────────────────────────
	Status  etypes.Status `json:"status"`
	StartAt *time.Time    `json:"start_at,omitempty"`
	EndAt   *time.Time    `json:"end_at,omitempty"`

	// ── Ownership ────────────────────────────────────────────────────────────
	CreatedBy string    `json:"created_by,omitempty"`
	Variants  []Variant `json:"variants"`

	// ── Domain event collector (unexported — never persisted directly) ───────
	events []common.DomainEvent
}

// ─────────────────────────────────────────────────────────────────────────────
// Factory function
// ─────────────────────────────────────────────────────────────────────────────

// NewExperiment creates a new Experiment aggregate from a Definition,
// enforcing all construction invariants:
//   - the name must be a non-empty slug.
//   - the type, when supplied, must be a known experiment type (defaults to
//     split when empty).
//   - traffic allocation must lie in [0,100].
//   - at least two variants, each with a unique slug name and a weight in
//     [0,100]; the weights must sum to 100 within weightSumTolerance.
//   - exactly one variant is flagged as control.
//   - when both window timestamps are supplied, StartAt must precede EndAt.
//
// On success the experiment is initialised with StatusDraft and an
// ExperimentCreated domain event is recorded.  Violations return
// EXP_003 (experiment-level) or EXP_007 (variant-level) AppErrors.
func NewExperiment(def Definition, createdBy string) (*Experiment, error) {
	// ── Experiment-level guards ──────────────────────────────────────────────
	if def.Name == "" {
		return nil, errors.New(errors.ErrCodeExperimentInvalid,
			"experiment name must not be empty")
	}
	if !reSlug.MatchString(def.Name) {
		return nil, errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("experiment name %q is not a valid slug", def.Name))
	}

	expType := def.Type
	if expType == "" {
		expType = etypes.TypeSplit
	}
	if !expType.IsValid() {
		return nil, errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("unsupported experiment type %q", def.Type))
	}

	if def.TrafficAllocation < 0 || def.TrafficAllocation > 100 {
		return nil, errors.New(errors.ErrCodeExperimentInvalid,
			fmt.Sprintf("traffic allocation %.2f outside [0,100]", def.TrafficAllocation))
	}

	if def.StartAt != nil && def.EndAt != nil && !def.StartAt.Before(*def.EndAt) {
		return nil, errors.New(errors.ErrCodeExperimentInvalid,
			"scheduling window start must precede end")
	}

	// ── Variant-level guards ─────────────────────────────────────────────────
	if err := validateVariantDefinitions(def.Variants); err != nil {
		return nil, err
	}

	// ── Construct and initialise ─────────────────────────────────────────────
	now := time.Now().UTC()
	e := &Experiment{
		BaseEntity: common.BaseEntity{
			ID:        common.NewID(),
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		},
		Name:              def.Name,
		DisplayName:       def.DisplayName,
		Description:       def.Description,
		Hypothesis:        def.Hypothesis,
		Type:              expType,
		TrafficAllocation: def.TrafficAllocation,
		SuccessMetric:     def.SuccessMetric,
		Status:            etypes.StatusDraft,
		StartAt:           def.StartAt,
		EndAt:             def.EndAt,
		CreatedBy:         createdBy,
		Variants:          make([]Variant, len(def.Variants)),
	}

	// Position follows definition order; it is the fixed walk order of the
	// deterministic bucketing algorithm.
	for i, vd := range def.Variants {
		e.Variants[i] = Variant{
			ID:            common.NewID(),
			Name:          vd.Name,
			DisplayName:   vd.DisplayName,
			IsControl:     vd.IsControl,
			Weight:        vd.Weight,
			Configuration: vd.Configuration,
			Position:      i,
			CreatedAt:     now,
		}
	}

	e.recordEvent(NewExperimentCreatedEvent(e))

	return e, nil
}

// validateVariantDefinitions checks the collective variant invariants:
// count, slug names, uniqueness, weight range, weight sum, and the single
// control flag.
func validateVariantDefinitions(defs []VariantDefinition) error {
	if len(defs) < minVariants {
		return errors.New(errors.ErrCodeVariantInvalid,
			fmt.Sprintf("experiment requires at least %d variants, got %d",
				minVariants, len(defs)))
	}

	seen := make(map[string]bool, len(defs))
	controls := 0
	weightSum := 0.0

	for _, vd := range defs {
		if vd.Name == "" {
			return errors.New(errors.ErrCodeVariantInvalid,
				"variant name must not be empty")
		}
		if !reSlug.MatchString(vd.Name) {
			return errors.New(errors.ErrCodeVariantInvalid,
				fmt.Sprintf("variant name %q is not a valid slug", vd.Name))
		}
		if seen[vd.Name] {
			return errors.New(errors.ErrCodeVariantInvalid,
				fmt.Sprintf("duplicate variant name %q", vd.Name))
		}
		seen[vd.Name] = true

		if vd.Weight < 0 || vd.Weight > 100 {
			return errors.New(errors.ErrCodeVariantInvalid,
				fmt.Sprintf("variant %q weight %.2f outside [0,100]", vd.Name, vd.Weight))
		}
		weightSum += vd.Weight

		if vd.IsControl {
			controls++
		}
	}

	if diff := weightSum - 100; diff > weightSumTolerance || diff < -weightSumTolerance {
		return errors.New(errors.ErrCodeVariantInvalid,
			fmt.Sprintf("variant weights sum to %.2f, expected 100", weightSum))
	}

	if controls != 1 {
		return errors.New(errors.ErrCodeVariantInvalid,
			fmt.Sprintf("experiment requires exactly one control variant, got %d", controls))
	}

	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Status lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// TransitionTo moves the experiment to a new lifecycle status, enforcing the
// state machine defined by allowedTransitions.  An ExperimentStatusChanged
// domain event is recorded on success; illegal transitions return EXP_004.
func (e *Experiment) TransitionTo(target etypes.Status) error {
	if !target.IsValid() {
		return errors.New(errors.ErrCodeExperimentTransition,
			fmt.Sprintf("unknown target status %q for experiment %s", target, e.Name))
	}

	allowed, ok := allowedTransitions[e.Status]
	if !ok {
		return errors.New(errors.ErrCodeExperimentTransition,
			fmt.Sprintf("unknown current status %q for experiment %s", e.Status, e.Name))
	}

	for _, s := range allowed {
		if s == target {
			prev := e.Status
			e.Status = target
			e.touch()
			e.recordEvent(NewExperimentStatusChangedEvent(e, prev, target))
			return nil
		}
	}

	return errors.New(errors.ErrCodeExperimentTransition,
		fmt.Sprintf("illegal status transition %q → %q for experiment %s",
			e.Status, target, e.Name))
}

// Activate moves a draft experiment into active service.
func (e *Experiment) Activate() error { return e.TransitionTo(etypes.StatusActive) }

// Pause temporarily suspends an active experiment; existing assignments stay
// valid, new assignments are rejected while paused.
func (e *Experiment) Pause() error { return e.TransitionTo(etypes.StatusPaused) }

// Resume returns a paused experiment to active service.
func (e *Experiment) Resume() error { return e.TransitionTo(etypes.StatusActive) }

// Complete finishes the experiment; completed is terminal.
func (e *Experiment) Complete() error { return e.TransitionTo(etypes.StatusCompleted) }

// Archive retires the experiment from any non-terminal state.
func (e *Experiment) Archive() error { return e.TransitionTo(etypes.StatusArchived) }

// IsTerminal reports whether the experiment admits no further transitions.
func (e *Experiment) IsTerminal() bool { return e.Status.IsTerminal() }

// AcceptingAssignments reports whether new subjects may be assigned at the
// given instant: the experiment must be active and the optional scheduling
// window must contain now.  Historical reads are permitted in every status;
// only assignment and result recording are gated on this.
func (e *Experiment) AcceptingAssignments(now time.Time) bool {
	if e.Status != etypes.StatusActive {
		return false
	}
	if e.StartAt != nil && now.Before(*e.StartAt) {
		return false
	}
	if e.EndAt != nil && !now.Before(*e.EndAt) {
		return false
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// Mutations
// ─────────────────────────────────────────────────────────────────────────────

// UpdateSuccessMetric changes the headline metric used for default reporting.
// Terminal experiments are frozen and reject the update.
func (e *Experiment) UpdateSuccessMetric(metric string) error {
	if metric == "" {
		return errors.InvalidParam("success metric must not be empty")
	}
	if e.IsTerminal() {
		return errors.New(errors.ErrCodeExperimentTransition,
			fmt.Sprintf("experiment %s is %s and can no longer be modified", e.Name, e.Status))
	}
	e.SuccessMetric = metric
	e.touch()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Variant accessors
// ─────────────────────────────────────────────────────────────────────────────

// ControlVariant returns the variant flagged as control, or nil when the
// aggregate was rehydrated from inconsistent storage.  Aggregates built by
// NewExperiment always have exactly one control.
func (e *Experiment) ControlVariant() *Variant {
	for i := range e.Variants {
		if e.Variants[i].IsControl {
			return &e.Variants[i]
		}
	}
	return nil
}

// VariantByName returns the variant with the given name, or nil when absent.
func (e *Experiment) VariantByName(name string) *Variant {
	for i := range e.Variants {
		if e.Variants[i].Name == name {
			return &e.Variants[i]
		}
	}
	return nil
}

// VariantByID returns the variant with the given id, or nil when absent.
func (e *Experiment) VariantByID(id common.ID) *Variant {
	for i := range e.Variants {
		if e.Variants[i].ID == id {
			return &e.Variants[i]
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Domain event collection
// ─────────────────────────────────────────────────────────────────────────────

// Events returns the domain events accumulated since the last call and clears
// the internal buffer.  Application services publish these after the unit of
// work commits.
func (e *Experiment) Events() []common.DomainEvent {
	evts := e.events
	e.events = nil
	return evts
}

// recordEvent appends a domain event to the internal buffer.
func (e *Experiment) recordEvent(evt common.DomainEvent) {
	e.events = append(e.events, evt)
}

// ─────────────────────────────────────────────────────────────────────────────
// DTO conversion
// ─────────────────────────────────────────────────────────────────────────────

// ToDTO converts the aggregate to its transport representation.  The
// unexported event buffer is not included.
func (e *Experiment) ToDTO() etypes.ExperimentDTO {
	dto := etypes.ExperimentDTO{
		BaseEntity:        e.BaseEntity,
		Name:              e.Name,
		DisplayName:       e.DisplayName,
		Description:       e.Description,
		Hypothesis:        e.Hypothesis,
		Type:              e.Type,
		TrafficAllocation: e.TrafficAllocation,
		Status:            e.Status,
		SuccessMetric:     e.SuccessMetric,
		StartAt:           e.StartAt,
		EndAt:             e.EndAt,
		CreatedBy:         e.CreatedBy,
		Variants:          make([]etypes.VariantDTO, len(e.Variants)),
	}
	for i, v := range e.Variants {
		dto.Variants[i] = etypes.VariantDTO{
			ID:            v.ID,
			Name:          v.Name,
			DisplayName:   v.DisplayName,
			IsControl:     v.IsControl,
			Weight:        v.Weight,
			Configuration: v.Configuration,
			Position:      v.Position,
		}
	}
	return dto
}

// FromDTO reconstructs an Experiment aggregate from its transport
// representation.  Used exclusively by the repository layer to rehydrate
// persisted rows; it bypasses factory validation because the data was
// validated at write time.  The returned aggregate has an empty event buffer.
func FromDTO(dto etypes.ExperimentDTO) *Experiment {
	e := &Experiment{
		BaseEntity:        dto.BaseEntity,
		Name:              dto.Name,
		DisplayName:       dto.DisplayName,
		Description:       dto.Description,
		Hypothesis:        dto.Hypothesis,
		Type:              dto.Type,
		TrafficAllocation: dto.TrafficAllocation,
		Status:            dto.Status,
		SuccessMetric:     dto.SuccessMetric,
		StartAt:           dto.StartAt,
		EndAt:             dto.EndAt,
		CreatedBy:         dto.CreatedBy,
		Variants:          make([]Variant, len(dto.Variants)),
	}
	for i, v := range dto.Variants {
		e.Variants[i] = Variant{
			ID:            v.ID,
			Name:          v.Name,
			DisplayName:   v.DisplayName,
			IsControl:     v.IsControl,
			Weight:        v.Weight,
			Configuration: v.Configuration,
			Position:      v.Position,
		}
	}
	return e
}

// ─────────────────────────────────────────────────────────────────────────────
// Internal helpers
// ─────────────────────────────────────────────────────────────────────────────

// touch updates UpdatedAt and bumps the optimistic-lock Version.
// It must be called at the end of every mutating method.
func (e *Experiment) touch() {
	e.UpdatedAt = time.Now().UTC()
	e.Version++
}
