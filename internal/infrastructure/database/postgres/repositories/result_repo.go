package repositories

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/ABLab/internal/domain/result"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	appErrors "github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
)

// ─────────────────────────────────────────────────────────────────────────────
// ResultEventRepository
// ─────────────────────────────────────────────────────────────────────────────

// ResultEventRepository is the PostgreSQL implementation of the result
// domain's Repository interface.  The result_events table is append-only;
// aggregation reads the raw events back rather than maintaining rollups, so
// a metric can be re-analysed under a different window at any time.
type ResultEventRepository struct {
	pool   *pgxpool.Pool
	logger logging.Logger
}

var _ result.Repository = (*ResultEventRepository)(nil)

// NewResultEventRepository constructs a ready-to-use ResultEventRepository.
func NewResultEventRepository(pool *pgxpool.Pool, logger logging.Logger) *ResultEventRepository {
	return &ResultEventRepository{pool: pool, logger: logger}
}

// ─────────────────────────────────────────────────────────────────────────────
// Append
// ─────────────────────────────────────────────────────────────────────────────

// Append persists one metric observation.
func (r *ResultEventRepository) Append(ctx context.Context, ev *result.Event) error {
	r.logger.Debug("ResultEventRepository.Append",
		logging.String("experiment_id", ev.ExperimentID.String()),
		logging.String("metric", ev.Metric.Name))

	_, err := r.pool.Exec(ctx, `
		INSERT INTO result_events (id, experiment_id, variant_id, subject_kind, subject_id, metric_name, metric_type, metric_value, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		ev.ID, ev.ExperimentID, ev.VariantID, ev.Subject.Kind, ev.Subject.ID,
		ev.Metric.Name, ev.Metric.Type, ev.Metric.Value, ev.RecordedAt,
	)
	if err != nil {
		r.logger.Error("ResultEventRepository.Append", logging.Err(err))
		return appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to insert result event")
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// ListByExperiment
// ─────────────────────────────────────────────────────────────────────────────

// ListByExperiment returns all events of the experiment inside the window,
// ordered by RecordedAt ascending.  The window is half-open [start, end) to
// match the in-memory Window.Contains semantics; a nil window means
// everything.
func (r *ResultEventRepository) ListByExperiment(ctx context.Context, experimentID common.ID, w *result.Window) ([]*result.Event, error) {
	r.logger.Debug("ResultEventRepository.ListByExperiment",
		logging.String("experiment_id", experimentID.String()))

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

	conditions = append(conditions, fmt.Sprintf("experiment_id = %s", nextArg(experimentID)))
	if w != nil && w.Start != nil {
		conditions = append(conditions, fmt.Sprintf("recorded_at >= %s", nextArg(*w.Start)))
	}
	if w != nil && w.End != nil {
		conditions = append(conditions, fmt.Sprintf("recorded_at < %s", nextArg(*w.End)))
	}

	query := fmt.Sprintf(`
		SELECT id, experiment_id, variant_id, subject_kind, subject_id, metric_name, metric_type, metric_value, recorded_at
		FROM result_events
		WHERE %s
		ORDER BY recorded_at ASC`, strings.Join(conditions, " AND "))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("ResultEventRepository.ListByExperiment", logging.Err(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to list result events")
	}
	defer rows.Close()

	var events []*result.Event
	for rows.Next() {
		var ev result.Event
		err := rows.Scan(
			&ev.ID, &ev.ExperimentID, &ev.VariantID, &ev.Subject.Kind, &ev.Subject.ID,
			&ev.Metric.Name, &ev.Metric.Type, &ev.Metric.Value, &ev.RecordedAt,
		)
		if err != nil {
			r.logger.Error("ResultEventRepository.ListByExperiment: scan", logging.Err(err))
			return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to scan result event row")
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "row iteration error")
	}
	return events, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// CountByExperiment
// ─────────────────────────────────────────────────────────────────────────────

// CountByExperiment returns the total number of recorded events for the
// experiment.
func (r *ResultEventRepository) CountByExperiment(ctx context.Context, experimentID common.ID) (int64, error) {
	r.logger.Debug("ResultEventRepository.CountByExperiment",
		logging.String("experiment_id", experimentID.String()))

	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM result_events WHERE experiment_id = $1`, experimentID,
	).Scan(&total)
	if err != nil {
		r.logger.Error("ResultEventRepository.CountByExperiment", logging.Err(err))
		return 0, appErrors.Wrap(err, appErrors.ErrCodeDatabaseError, "failed to count result events")
	}
	return total, nil
}
