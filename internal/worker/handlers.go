package worker

import (
	"context"
	"time"

	"github.com/turtacn/ABLab/internal/application/results"
	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/prometheus"
	"github.com/turtacn/ABLab/pkg/errors"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ─────────────────────────────────────────────────────────────────────────────
// Result indexing
// ─────────────────────────────────────────────────────────────────────────────

// EnvelopeIndexer is the slice of the opensearch indexer the handlers need;
// *opensearch.EventIndexer satisfies it.
type EnvelopeIndexer interface {
	IndexResultEvent(ctx context.Context, env *kafka.EventEnvelope) error
	IndexAuditEvent(ctx context.Context, env *kafka.EventEnvelope) error
}

// ResultIndexHandler feeds result.recorded envelopes into the search index so
// dashboards can slice recorded metrics without touching the primary store.
type ResultIndexHandler struct {
	indexer EnvelopeIndexer
	logger  logging.Logger
}

// NewResultIndexHandler creates the result.recorded handler.
func NewResultIndexHandler(indexer EnvelopeIndexer, logger logging.Logger) *ResultIndexHandler {
	return &ResultIndexHandler{indexer: indexer, logger: logger}
}

func (h *ResultIndexHandler) Topics() []string {
	return []string{kafka.TopicResultRecorded}
}

func (h *ResultIndexHandler) Handle(ctx context.Context, env *kafka.EventEnvelope) error {
	return h.indexer.IndexResultEvent(ctx, env)
}

// ─────────────────────────────────────────────────────────────────────────────
// Audit indexing
// ─────────────────────────────────────────────────────────────────────────────

// AuditIndexHandler indexes the audit trail: audit.log entries plus
// assignment.created envelopes, which are the hot path's audit record (the
// API deliberately skips the audit logger there).
type AuditIndexHandler struct {
	indexer EnvelopeIndexer
	logger  logging.Logger
}

// NewAuditIndexHandler creates the audit trail handler.
func NewAuditIndexHandler(indexer EnvelopeIndexer, logger logging.Logger) *AuditIndexHandler {
	return &AuditIndexHandler{indexer: indexer, logger: logger}
}

func (h *AuditIndexHandler) Topics() []string {
	return []string{kafka.TopicAuditLog, kafka.TopicAssignmentCreated}
}

func (h *AuditIndexHandler) Handle(ctx context.Context, env *kafka.EventEnvelope) error {
	return h.indexer.IndexAuditEvent(ctx, env)
}

// ─────────────────────────────────────────────────────────────────────────────
// Completion reports
// ─────────────────────────────────────────────────────────────────────────────

// ReportBuilder is the slice of the results service the completion handler
// needs; results.Service satisfies it.
type ReportBuilder interface {
	BuildFinalReport(ctx context.Context, experimentName string) (*results.FinalReport, error)
}

// ReportArchiver stores a final report; *minio.ReportArchive satisfies it.
type ReportArchiver interface {
	Put(ctx context.Context, experimentName string, report interface{}) (string, error)
}

// AssignmentPurger evicts an experiment's cached assignments;
// *redis.AssignmentCache satisfies it.
type AssignmentPurger interface {
	PurgeExperiment(ctx context.Context, experimentName string) error
}

// Lock is a single-acquire guard around one report build.
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// LockFactory builds a named lock; cmd/worker backs it with the redis mutex.
type LockFactory func(name string) Lock

// CompletionReportHandler reacts to experiment.status_changed: when an
// experiment reaches completed, it builds the final significance report,
// archives it, and purges the experiment's cached assignments. A distributed
// lock makes sure concurrent worker instances build each report once.
type CompletionReportHandler struct {
	reports ReportBuilder
	archive ReportArchiver
	purger  AssignmentPurger
	locks   LockFactory
	metrics *prometheus.AppMetrics
	logger  logging.Logger
}

// NewCompletionReportHandler creates the status-changed handler. purger may
// be nil when no assignment cache is wired; locks may be nil, in which case
// builds are unguarded (acceptable for a single-instance deployment).
func NewCompletionReportHandler(reports ReportBuilder, archive ReportArchiver, purger AssignmentPurger, locks LockFactory, metrics *prometheus.AppMetrics, logger logging.Logger) *CompletionReportHandler {
	return &CompletionReportHandler{
		reports: reports,
		archive: archive,
		purger:  purger,
		locks:   locks,
		metrics: metrics,
		logger:  logger,
	}
}

func (h *CompletionReportHandler) Topics() []string {
	return []string{kafka.TopicExperimentStatusChanged}
}

func (h *CompletionReportHandler) Handle(ctx context.Context, env *kafka.EventEnvelope) error {
	var payload kafka.ExperimentStatusChangedPayload
	if err := env.DecodePayload(&payload); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "undecodable status_changed payload")
	}

	switch etypes.Status(payload.NewStatus) {
	case etypes.StatusCompleted:
		// fall through to the report build
	case etypes.StatusActive, etypes.StatusPaused:
		// A resumed or paused experiment changes assignment eligibility, so
		// any cached definition or assignment staleness matters — but those
		// caches carry their own TTLs; nothing to do here.
		return nil
	default:
		return nil
	}

	if h.locks != nil {
		lock := h.locks("completion-report:" + payload.Name)
		held, err := lock.TryLock(ctx)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeCacheError, "completion lock unavailable")
		}
		if !held {
			// Another instance is building this report; redelivery semantics
			// make skipping safe.
			h.logger.Info("completion report already in progress",
				logging.String("experiment", payload.Name))
			return nil
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				h.logger.Warn("completion lock release failed",
					logging.String("experiment", payload.Name),
					logging.Err(err))
			}
		}()
	}

	start := time.Now()
	report, err := h.reports.BuildFinalReport(ctx, payload.Name)
	if err != nil {
		prometheus.RecordReport(h.metrics, payload.Name, "build_failed", time.Since(start))
		return err
	}

	key, err := h.archive.Put(ctx, payload.Name, report)
	if err != nil {
		prometheus.RecordReport(h.metrics, payload.Name, "archive_failed", time.Since(start))
		return err
	}
	prometheus.RecordReport(h.metrics, payload.Name, "archived", time.Since(start))

	// The experiment will never assign again; its cached assignments are dead
	// weight. Best-effort: TTLs reclaim whatever a purge failure leaves.
	if h.purger != nil {
		if err := h.purger.PurgeExperiment(ctx, payload.Name); err != nil {
			h.logger.Warn("assignment cache purge failed",
				logging.String("experiment", payload.Name),
				logging.Err(err))
		}
	}

	h.logger.Info("completion report archived",
		logging.String("experiment", payload.Name),
		logging.String("object", key),
		logging.Int64("events", report.EventCount))
	return nil
}
