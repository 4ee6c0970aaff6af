package experiment

import (
	"context"
	"fmt"
	"time"

	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// listSortColumns is the allow-list of sortable columns; anything else is
// rejected before it can reach SQL assembly.
var listSortColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"name":       true,
	"status":     true,
}

// ListFilter narrows and pages a List query.
type ListFilter struct {
	// Status restricts results to a single lifecycle status when non-nil.
	Status *etypes.Status

	// Pagination bounds the result window; zero values fall back to the
	// repository defaults.
	Pagination common.Pagination

	// SortBy is the column to order by; empty means created_at.
	SortBy string

	// SortOrder is asc or desc; empty means desc.
	SortOrder common.SortOrder
}

// Validate checks the filter against the sortable-column allow-list and the
// known status values.  Pagination is validated separately by its own type.
func (f ListFilter) Validate() error {
	if f.Status != nil && !f.Status.IsValid() {
		return errors.InvalidParam(fmt.Sprintf("unknown status filter %q", *f.Status))
	}
	if f.SortBy != "" && !listSortColumns[f.SortBy] {
		return errors.InvalidParam(fmt.Sprintf("unsupported sort column %q", f.SortBy))
	}
	if f.SortOrder != "" && f.SortOrder != common.SortAsc && f.SortOrder != common.SortDesc {
		return errors.InvalidParam(fmt.Sprintf("unsupported sort order %q", f.SortOrder))
	}
	return nil
}

// Repository defines the persistence contract for the experiment domain.
// Experiments are never physically deleted; retirement happens through the
// status lifecycle only.
type Repository interface {
	// Create persists the experiment and all of its variants atomically
	// (all-or-nothing).  A name collision yields EXP_002.
	Create(ctx context.Context, e *Experiment) error

	// GetByID loads an experiment with its variants.  Yields EXP_001 when no
	// row matches.
	GetByID(ctx context.Context, id common.ID) (*Experiment, error)

	// GetByName loads an experiment by its unique slug.  Yields EXP_001 when
	// no row matches.
	GetByName(ctx context.Context, name string) (*Experiment, error)

	// List returns a page of experiments plus the unpaged total count.
	List(ctx context.Context, filter ListFilter) ([]*Experiment, int64, error)

	// ListActive returns every experiment that is accepting assignments at
	// the given instant: status active and scheduling window containing now.
	ListActive(ctx context.Context, now time.Time) ([]*Experiment, error)

	// UpdateStatus persists a lifecycle transition using optimistic
	// concurrency on the aggregate version.  Yields COMMON_006 when the
	// stored version moved underneath the caller.
	UpdateStatus(ctx context.Context, e *Experiment) error

	// UpdateSuccessMetric persists a success-metric change, also under
	// optimistic concurrency.
	UpdateSuccessMetric(ctx context.Context, e *Experiment) error
}
