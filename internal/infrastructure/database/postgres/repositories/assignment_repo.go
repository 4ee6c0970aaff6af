package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/ABLab/internal/domain/assignment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// ─────────────────────────────────────────────────────────────────────────────
// AssignmentRepository
// ─────────────────────────────────────────────────────────────────────────────

// AssignmentRepository is the PostgreSQL implementation of the assignment
// domain's Repository interface.  Assignment rows are immutable once written;
// the unique constraint on (experiment_id, subject_kind, subject_id) anchors
// the first-write-wins contract under concurrent first assignments.
type AssignmentRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ assignment.Repository = (*AssignmentRepository)(nil)

// NewAssignmentRepository constructs a ready-to-use AssignmentRepository.
func NewAssignmentRepository(pool *pgxpool.Pool, logger logging.Logger) *AssignmentRepository {
	return &AssignmentRepository{pool: pool, logger: logger}
}

// ─────────────────────────────────────────────────────────────────────────────
// Save — first write wins
// ─────────────────────────────────────────────────────────────────────────────

// Save persists the assignment with first-write-wins semantics.  When a row
// already exists for (experiment, subject) the insert is a no-op and the
// stored row is returned instead; the racing insert has committed by the time
// DO NOTHING resolves, so the re-read cannot miss.
func (r *AssignmentRepository) Save(ctx context.Context, a *assignment.Assignment) (*assignment.Assignment, error) {
	r.logger.Debug("AssignmentRepository.Save",
		logging.String("experiment_id", a.ExperimentID.String()),
		logging.String("subject", a.Subject.String()))

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO assignments (id, experiment_id, variant_id, subject_kind, subject_id, bucket, assigned_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (experiment_id, subject_kind, subject_id) DO NOTHING`,
		a.ID, a.ExperimentID, a.VariantID, a.Subject.Kind, a.Subject.ID, a.Bucket, a.AssignedAt,
	)
	if err != nil {
		r.logger.Error("AssignmentRepository.Save: insert", logging.Err(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to insert assignment")
	}
	if tag.RowsAffected() == 1 {
		return a, nil
	}
	return r.FindBySubject(ctx, a.ExperimentID, a.Subject)
}

// ─────────────────────────────────────────────────────────────────────────────
// FindBySubject
// ─────────────────────────────────────────────────────────────────────────────

// FindBySubject returns the persisted assignment for the subject, or ASG_002
// when none exists.
func (r *AssignmentRepository) FindBySubject(ctx context.Context, experimentID common.ID, s assignment.Subject) (*assignment.Assignment, error) {
	r.logger.Debug("AssignmentRepository.FindBySubject",
		logging.String("experiment_id", experimentID.String()),
		logging.String("subject", s.String()))

	var a assignment.Assignment
	err := r.pool.QueryRow(ctx, `
		SELECT id, experiment_id, variant_id, subject_kind, subject_id, bucket, assigned_at
		FROM assignments
		WHERE experiment_id = $1 AND subject_kind = $2 AND subject_id = $3`,
		experimentID, s.Kind, s.ID,
	).Scan(&a.ID, &a.ExperimentID, &a.VariantID, &a.Subject.Kind, &a.Subject.ID, &a.Bucket, &a.AssignedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.New(appErrors.ErrCodeAssignmentNotFound, "assignment not found").
				WithDetail(fmt.Sprintf("experiment_id=%s subject=%s", experimentID, s))
		}
		r.logger.Error("AssignmentRepository.FindBySubject", logging.Err(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to scan assignment row")
	}
	return &a, nil
}
