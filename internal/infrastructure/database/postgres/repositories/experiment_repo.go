package repositories

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ─────────────────────────────────────────────────────────────────────────────
// ExperimentRepository
// ─────────────────────────────────────────────────────────────────────────────

// ExperimentRepository is the PostgreSQL implementation of the experiment
// domain's Repository interface.  Every public method accepts a
// context.Context for cancellation / timeout propagation and uses
// parameterised queries exclusively.  Rows are rehydrated into aggregates
// through experiment.FromDTO, which bypasses factory validation because the
// data was validated at write time.
type ExperimentRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ experiment.Repository = (*ExperimentRepository)(nil)

// NewExperimentRepository constructs a ready-to-use ExperimentRepository.
func NewExperimentRepository(pool *pgxpool.Pool, logger logging.Logger) *ExperimentRepository {
	return &ExperimentRepository{pool: pool, logger: logger}
}

// ─────────────────────────────────────────────────────────────────────────────
// Create
// ─────────────────────────────────────────────────────────────────────────────

// Create persists a new Experiment aggregate (experiment + variants) inside a
// single database transaction.  A name collision on the unique slug yields
// EXP_002.
func (r *ExperimentRepository) Create(ctx context.Context, e *experiment.Experiment) error {
	r.logger.Debug("ExperimentRepository.Create",
		logging.String("experiment_id", e.ID.String()),
		logging.String("name", e.Name))

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("ExperimentRepository.Create: begin tx", logging.Err(err))
		return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO experiments (
			id, name, display_name, description, hypothesis,
			type, status, traffic_allocation, success_metric,
			start_at, end_at, created_by, created_at, updated_at, version
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,$9,
			$10,$11,$12,$13,$14,$15
		)`,
		e.ID, e.Name, e.DisplayName, e.Description, e.Hypothesis,
		e.Type, e.Status, e.TrafficAllocation, e.SuccessMetric,
		e.StartAt, e.EndAt, e.CreatedBy, e.CreatedAt, e.UpdatedAt, e.Version,
	)
	if err != nil {
		if isUniqueViolation(err, "experiments_name_key") {
			return appErrors.New(appErrors.ErrCodeExperimentExists, "experiment name already exists").
				WithDetail(fmt.Sprintf("name=%s", e.Name))
		}
		r.logger.Error("ExperimentRepository.Create: insert experiment", logging.Err(err))
		return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to insert experiment")
	}

	if err := r.insertVariants(ctx, tx, e.ID, e.Variants); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("ExperimentRepository.Create: commit", logging.Err(err))
		return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to commit transaction")
	}
	return nil
}

func (r *ExperimentRepository) insertVariants(ctx context.Context, tx pgx.Tx, experimentID common.ID, variants []experiment.Variant) error {
	for _, v := range variants {
		cfgJSON, err := encodeConfiguration(v.Configuration)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrCodeSerialization, "failed to encode variant configuration")
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO variants (id, experiment_id, name, display_name, is_control, weight, configuration, position, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			v.ID, experimentID, v.Name, v.DisplayName, v.IsControl, v.Weight, cfgJSON, v.Position, v.CreatedAt,
		)
		if err != nil {
			r.logger.Error("ExperimentRepository.insertVariants", logging.Err(err),
				logging.String("variant_id", v.ID.String()))
			return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to insert variant")
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// GetByID
// ─────────────────────────────────────────────────────────────────────────────

// GetByID loads a complete Experiment aggregate by its primary key.
func (r *ExperimentRepository) GetByID(ctx context.Context, id common.ID) (*experiment.Experiment, error) {
	r.logger.Debug("ExperimentRepository.GetByID", logging.String("id", id.String()))

	dto, err := r.scanExperiment(r.pool.QueryRow(ctx, `
		SELECT id, name, display_name, description, hypothesis,
		       type, status, traffic_allocation, success_metric,
		       start_at, end_at, created_by, created_at, updated_at, version
		FROM experiments WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	if dto.Variants, err = r.findVariants(ctx, dto.ID); err != nil {
		return nil, err
	}
	return experiment.FromDTO(*dto), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// GetByName
// ─────────────────────────────────────────────────────────────────────────────

// GetByName locates an experiment by its unique slug.
func (r *ExperimentRepository) GetByName(ctx context.Context, name string) (*experiment.Experiment, error) {
	r.logger.Debug("ExperimentRepository.GetByName", logging.String("name", name))

	dto, err := r.scanExperiment(r.pool.QueryRow(ctx, `
		SELECT id, name, display_name, description, hypothesis,
		       type, status, traffic_allocation, success_metric,
		       start_at, end_at, created_by, created_at, updated_at, version
		FROM experiments WHERE name = $1`, name))
	if err != nil {
		return nil, err
	}

	if dto.Variants, err = r.findVariants(ctx, dto.ID); err != nil {
		return nil, err
	}
	return experiment.FromDTO(*dto), nil
}

// ─────────────────────────────────────────────────────────────────────────────
// List — dynamic filtered query
// ─────────────────────────────────────────────────────────────────────────────

// List builds a dynamic SQL query from the supplied filter, returning one page
// of experiments plus the unpaged total count.  Variants of the whole page are
// loaded in a single batched query.
func (r *ExperimentRepository) List(ctx context.Context, filter experiment.ListFilter) ([]*experiment.Experiment, int64, error) {
	r.logger.Debug("ExperimentRepository.List",
		logging.Int("page", filter.Pagination.Page),
		logging.Int("page_size", filter.Pagination.PageSize))

	if err := filter.Validate(); err != nil {
		return nil, 0, err
	}

	var (
		conditions []string
		args       []interface{}
		argIdx     int
	)

	nextArg := func(v interface{}) string {
		argIdx++
		args = append(args, v)
		return fmt.Sprintf("$%d", argIdx)
	}

	if filter.Status != nil {
		ph := nextArg(*filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = %s", ph))
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Count total matching rows.
	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM experiments %s", whereClause)
	var total int64
	if err := r.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		r.logger.Error("ExperimentRepository.List: count", logging.Err(err))
		return nil, 0, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to count experiments")
	}

	// Sort.  Columns were allow-listed by filter.Validate above.
	sortCol := "created_at"
	if filter.SortBy != "" {
		sortCol = filter.SortBy
	}
	sortDir := "DESC"
	if filter.SortOrder == common.SortAsc {
		sortDir = "ASC"
	}

	_, pageSize, offset := clampPage(filter.Pagination.Page, filter.Pagination.PageSize)
	phLimit := nextArg(pageSize)
	phOffset := nextArg(offset)

	dataSQL := fmt.Sprintf(`
		SELECT id, name, display_name, description, hypothesis,
		       type, status, traffic_allocation, success_metric,
		       start_at, end_at, created_by, created_at, updated_at, version
		FROM experiments %s
		ORDER BY %s %s
		LIMIT %s OFFSET %s`,
		whereClause, sortCol, sortDir, phLimit, phOffset)

	rows, err := r.pool.Query(ctx, dataSQL, args...)
	if err != nil {
		r.logger.Error("ExperimentRepository.List: query", logging.Err(err))
		return nil, 0, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to list experiments")
	}
	defer rows.Close()

	dtos, err := r.scanExperiments(rows)
	if err != nil {
		return nil, 0, err
	}

	experiments, err := r.hydrate(ctx, dtos)
	if err != nil {
		return nil, 0, err
	}
	return experiments, total, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ListActive
// ─────────────────────────────────────────────────────────────────────────────

// ListActive returns every experiment accepting assignments at the given
// instant: status active and the optional scheduling window containing now.
func (r *ExperimentRepository) ListActive(ctx context.Context, now time.Time) ([]*experiment.Experiment, error) {
	r.logger.Debug("ExperimentRepository.ListActive", logging.Time("now", now))

	rows, err := r.pool.Query(ctx, `
		SELECT id, name, display_name, description, hypothesis,
		       type, status, traffic_allocation, success_metric,
		       start_at, end_at, created_by, created_at, updated_at, version
		FROM experiments
		WHERE status = $1
		  AND (start_at IS NULL OR start_at <= $2)
		  AND (end_at IS NULL OR end_at > $2)
		ORDER BY created_at ASC`, etypes.StatusActive, now)
	if err != nil {
		r.logger.Error("ExperimentRepository.ListActive", logging.Err(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to list active experiments")
	}
	defer rows.Close()

	dtos, err := r.scanExperiments(rows)
	if err != nil {
		return nil, err
	}
	return r.hydrate(ctx, dtos)
}

// ─────────────────────────────────────────────────────────────────────────────
// UpdateStatus — optimistic locking
// ─────────────────────────────────────────────────────────────────────────────

// UpdateStatus persists a lifecycle transition using optimistic locking.  The
// aggregate already bumped its version in memory, so the previous version is
// the concurrency guard; a mismatch yields COMMON_006.
func (r *ExperimentRepository) UpdateStatus(ctx context.Context, e *experiment.Experiment) error {
	r.logger.Debug("ExperimentRepository.UpdateStatus",
		logging.String("experiment_id", e.ID.String()),
		logging.String("status", string(e.Status)),
		logging.Int("version", e.Version))

	tag, err := r.pool.Exec(ctx, `
		UPDATE experiments
		SET status=$1, updated_at=$2, version=$3
		WHERE id=$4 AND version=$5`,
		e.Status, e.UpdatedAt, e.Version,
		e.ID, e.Version-1,
	)
	if err != nil {
		r.logger.Error("ExperimentRepository.UpdateStatus: exec", logging.Err(err))
		return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to update experiment status")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeConflict, "optimistic lock conflict: experiment version mismatch").
			WithDetail(fmt.Sprintf("experiment_id=%s expected_version=%d", e.ID, e.Version-1))
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// UpdateSuccessMetric — optimistic locking
// ─────────────────────────────────────────────────────────────────────────────

// UpdateSuccessMetric persists a success-metric change under the same
// optimistic-locking scheme as UpdateStatus.
func (r *ExperimentRepository) UpdateSuccessMetric(ctx context.Context, e *experiment.Experiment) error {
	r.logger.Debug("ExperimentRepository.UpdateSuccessMetric",
		logging.String("experiment_id", e.ID.String()),
		logging.String("success_metric", e.SuccessMetric))

	tag, err := r.pool.Exec(ctx, `
		UPDATE experiments
		SET success_metric=$1, updated_at=$2, version=$3
		WHERE id=$4 AND version=$5`,
		e.SuccessMetric, e.UpdatedAt, e.Version,
		e.ID, e.Version-1,
	)
	if err != nil {
		r.logger.Error("ExperimentRepository.UpdateSuccessMetric: exec", logging.Err(err))
		return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to update success metric")
	}
	if tag.RowsAffected() == 0 {
		return appErrors.New(appErrors.ErrCodeConflict, "optimistic lock conflict: experiment version mismatch").
			WithDetail(fmt.Sprintf("experiment_id=%s expected_version=%d", e.ID, e.Version-1))
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Scan helpers
// ─────────────────────────────────────────────────────────────────────────────

// scanExperiment scans a single row into an ExperimentDTO.
func (r *ExperimentRepository) scanExperiment(row pgx.Row) (*etypes.ExperimentDTO, error) {
	var dto etypes.ExperimentDTO

	err := row.Scan(
		&dto.ID, &dto.Name, &dto.DisplayName, &dto.Description, &dto.Hypothesis,
		&dto.Type, &dto.Status, &dto.TrafficAllocation, &dto.SuccessMetric,
		&dto.StartAt, &dto.EndAt, &dto.CreatedBy, &dto.CreatedAt, &dto.UpdatedAt, &dto.Version,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, appErrors.New(appErrors.ErrCodeExperimentNotFound, "experiment not found")
		}
		r.logger.Error("scanExperiment", logging.Err(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to scan experiment row")
	}
	return &dto, nil
}

// scanExperiments scans multiple rows into an ExperimentDTO slice.
func (r *ExperimentRepository) scanExperiments(rows pgx.Rows) ([]*etypes.ExperimentDTO, error) {
	var dtos []*etypes.ExperimentDTO
	for rows.Next() {
		dto, err := r.scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		dtos = append(dtos, dto)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "row iteration error")
	}
	return dtos, nil
}

// findVariants loads the variants of one experiment ordered by their immutable
// position, which drives the deterministic weight walk during assignment.
func (r *ExperimentRepository) findVariants(ctx context.Context, experimentID common.ID) ([]etypes.VariantDTO, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, name, display_name, is_control, weight, configuration, position
		FROM variants WHERE experiment_id = $1
		ORDER BY position ASC`, experimentID)
	if err != nil {
		r.logger.Error("ExperimentRepository.findVariants", logging.Err(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to query variants")
	}
	defer rows.Close()

	var variants []etypes.VariantDTO
	for rows.Next() {
		v, err := scanVariant(rows)
		if err != nil {
			r.logger.Error("ExperimentRepository.findVariants: scan", logging.Err(err))
			return nil, err
		}
		variants = append(variants, v)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "row iteration error")
	}
	return variants, nil
}

// hydrate attaches variants to a page of experiment DTOs using one batched
// query, then rehydrates the aggregates in page order.
func (r *ExperimentRepository) hydrate(ctx context.Context, dtos []*etypes.ExperimentDTO) ([]*experiment.Experiment, error) {
	if len(dtos) == 0 {
		return []*experiment.Experiment{}, nil
	}

	ids := make([]string, len(dtos))
	for i, dto := range dtos {
		ids[i] = dto.ID.String()
	}

	rows, err := r.pool.Query(ctx, `
		SELECT experiment_id, id, name, display_name, is_control, weight, configuration, position
		FROM variants WHERE experiment_id = ANY($1::uuid[])
		ORDER BY experiment_id, position ASC`, ids)
	if err != nil {
		r.logger.Error("ExperimentRepository.hydrate", logging.Err(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to batch-query variants")
	}
	defer rows.Close()

	byExperiment := make(map[common.ID][]etypes.VariantDTO, len(dtos))
	for rows.Next() {
		var experimentID common.ID
		v, err := scanVariantWithOwner(rows, &experimentID)
		if err != nil {
			r.logger.Error("ExperimentRepository.hydrate: scan", logging.Err(err))
			return nil, err
		}
		byExperiment[experimentID] = append(byExperiment[experimentID], v)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "row iteration error")
	}

	experiments := make([]*experiment.Experiment, len(dtos))
	for i, dto := range dtos {
		dto.Variants = byExperiment[dto.ID]
		experiments[i] = experiment.FromDTO(*dto)
	}
	return experiments, nil
}

func scanVariant(rows pgx.Rows) (etypes.VariantDTO, error) {
	var (
		v       etypes.VariantDTO
		cfgJSON []byte
	)
	err := rows.Scan(&v.ID, &v.Name, &v.DisplayName, &v.IsControl, &v.Weight, &cfgJSON, &v.Position)
	if err != nil {
		return v, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to scan variant row")
	}
	decodeConfiguration(cfgJSON, &v)
	return v, nil
}

func scanVariantWithOwner(rows pgx.Rows, experimentID *common.ID) (etypes.VariantDTO, error) {
	var (
		v       etypes.VariantDTO
		cfgJSON []byte
	)
	err := rows.Scan(experimentID, &v.ID, &v.Name, &v.DisplayName, &v.IsControl, &v.Weight, &cfgJSON, &v.Position)
	if err != nil {
		return v, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to scan variant row")
	}
	decodeConfiguration(cfgJSON, &v)
	return v, nil
}
