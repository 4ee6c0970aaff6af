package assignment

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/turtacn/ABLab/internal/domain/experiment"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
	"github.com/turtacn/ABLab/pkg/types/common"
	etypes "github.com/turtacn/ABLab/pkg/types/experiment"
)

// ─────────────────────────────────────────────────────────────────────────────
// Collaborator ports
// ─────────────────────────────────────────────────────────────────────────────

// Registry is the narrow view of the experiment repository the engine needs.
// experiment.Repository satisfies it.
type Registry interface {
	GetByName(ctx context.Context, name string) (*experiment.Experiment, error)
}

// Repository defines the persistence contract for assignments.
type Repository interface {
	// Save persists the assignment with first-write-wins semantics: when a
	// row already exists for (experiment, subject), that row is returned
	// unchanged and the argument is discarded.  The returned assignment is
	// therefore the authoritative one.
	Save(ctx context.Context, a *Assignment) (*Assignment, error)

	// FindBySubject returns the persisted assignment for the subject, or
	// ASG_002 when none exists.
	FindBySubject(ctx context.Context, experimentID common.ID, s Subject) (*Assignment, error)
}

// Cache memoizes assignment results keyed by (experiment name, subject).  The
// cache is strictly an optimization: every method may fail or the whole cache
// may be flushed without correctness loss, because the persisted row and the
// deterministic hash both reproduce the same variant.  A miss is reported as
// (nil, nil), not as an error.
type Cache interface {
	Get(ctx context.Context, experimentName string, s Subject) (*Result, error)
	Set(ctx context.Context, experimentName string, s Subject, r *Result) error
	Delete(ctx context.Context, experimentName string, s Subject) error
}

// ─────────────────────────────────────────────────────────────────────────────
// Clock and Rand
// ─────────────────────────────────────────────────────────────────────────────

// Clock supplies the current time; substitutable for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return systemClock{} }

// Rand supplies uniform values in [0,1); substitutable for deterministic
// tests.  Implementations must be safe for concurrent use.
type Rand interface {
	Float64() float64
}

// lockedRand wraps a private math/rand source behind a mutex so concurrent
// assignment requests do not race on it.
type lockedRand struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (r *lockedRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// NewRand returns a concurrency-safe Rand seeded from the current time.
func NewRand() Rand {
	return &lockedRand{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ─────────────────────────────────────────────────────────────────────────────
// Engine
// ─────────────────────────────────────────────────────────────────────────────

// Engine resolves (experiment, subject) pairs to sticky variant assignments.
//
// The engine is stateless across requests: all shared state lives in the
// repository (source of truth) and the cache (optimization).  It is safe for
// concurrent use.
type Engine struct {
	registry Registry
	repo     Repository
	cache    Cache
	logger   logging.Logger

	clock Clock
	rand  Rand

	// salt is mixed into every bucket hash; changing it re-buckets the whole
	// population, so it is configuration that must never change mid-flight.
	salt string

	// randomGate selects the per-call uniform draw for the traffic gate
	// instead of the sticky subject hash.  Under the random gate a subject
	// can flip between included and excluded across calls until an
	// assignment is persisted.
	randomGate bool
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock substitutes the time source.
func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// WithRand substitutes the uniform random source used by the random gate.
func WithRand(r Rand) Option {
	return func(e *Engine) {
		if r != nil {
			e.rand = r
		}
	}
}

// WithSalt mixes an installation-specific salt into every bucket hash.
func WithSalt(salt string) Option {
	return func(e *Engine) { e.salt = salt }
}

// WithRandomGate switches the traffic-allocation gate to an independent
// uniform draw per call.  Exclusion is then no longer sticky; the default
// hash gate should be preferred for production use.
func WithRandomGate(enabled bool) Option {
	return func(e *Engine) { e.randomGate = enabled }
}

// NewEngine creates an assignment Engine with the required collaborators.
func NewEngine(registry Registry, repo Repository, cache Cache, logger logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		repo:     repo,
		cache:    cache,
		logger:   logger,
		clock:    SystemClock(),
		rand:     NewRand(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ─────────────────────────────────────────────────────────────────────────────
// Assign
// ─────────────────────────────────────────────────────────────────────────────

// Assign resolves the subject's variant for the named experiment:
//
//  1. Cached result, when present, is returned as-is — the cheapest path and
//     the consistency guarantee for repeated calls.  Cache failures degrade
//     to recomputation and are never surfaced.
//  2. The experiment is loaded and must be accepting assignments (active, and
//     inside its scheduling window): otherwise EXP_005.
//  3. The traffic-allocation gate decides inclusion.  Excluded subjects get a
//     terminal, uncached, unpersisted result so the gate re-evaluates on a
//     later call.
//  4. The deterministic bucket hash walks the variant weights.
//  5. The assignment is persisted first-write-wins; a concurrent winner's row
//     is adopted, which keeps every caller on one variant even when variant
//     configuration changed between their calls.  Storage failures surface —
//     silently excluding subjects here would bias results toward quiet
//     infrastructure windows.
//  6. The result is cached best-effort and returned.
func (e *Engine) Assign(ctx context.Context, experimentName string, subj Subject) (*Result, error) {
	if experimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}
	if err := subj.Validate(); err != nil {
		return nil, err
	}

	// Step 1: memoized result.
	if cached, err := e.cache.Get(ctx, experimentName, subj); err != nil {
		e.logger.Warn("assignment cache read failed",
			logging.String("experiment", experimentName),
			logging.String("subject", subj.String()),
			logging.Err(err))
	} else if cached != nil {
		cached.Source = etypes.SourceCache
		return cached, nil
	}

	// Step 2: load and check the experiment.
	exp, err := e.registry.GetByName(ctx, experimentName)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	if !exp.AcceptingAssignments(now) {
		return nil, errors.New(errors.ErrCodeExperimentNotActive,
			fmt.Sprintf("experiment %s is %s", exp.Name, exp.Status)).
			WithDetail("name=" + exp.Name)
	}

	// Step 3: traffic-allocation gate.
	if gate := e.gateValue(exp.ID, subj); gate >= exp.TrafficAllocation {
		return &Result{
			ExperimentID:   exp.ID,
			ExperimentName: exp.Name,
			Excluded:       true,
			Reason:         etypes.ReasonTrafficAllocation,
			Source:         etypes.SourceComputed,
			AssignedAt:     now,
		}, nil
	}

	// Step 4: deterministic variant selection.
	bucket := Bucket(e.salt, exp.ID, subj)
	variant := SelectVariant(exp.Variants, bucket)
	if variant == nil {
		return nil, errors.Internal("experiment has no variants").
			WithDetail("name=" + exp.Name)
	}

	// Step 5: first-write-wins persistence.
	winner, err := e.repo.Save(ctx, NewAssignment(exp.ID, variant.ID, subj, bucket, now))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to persist assignment")
	}
	if winner.VariantID != variant.ID {
		// A concurrent caller won with an older variant configuration; adopt
		// its choice to keep the subject's experience stable.
		if adopted := exp.VariantByID(winner.VariantID); adopted != nil {
			variant = adopted
		} else {
			return nil, errors.New(errors.ErrCodeVariantNotFound,
				"persisted assignment references unknown variant").
				WithDetail(fmt.Sprintf("experiment=%s variant=%s", exp.Name, winner.VariantID))
		}
	}

	res := &Result{
		ExperimentID:   exp.ID,
		ExperimentName: exp.Name,
		VariantID:      variant.ID,
		VariantName:    variant.Name,
		IsControl:      variant.IsControl,
		Configuration:  variant.Configuration,
		Excluded:       false,
		Source:         etypes.SourceComputed,
		AssignedAt:     winner.AssignedAt,
		AssignmentID:   winner.ID,
		Bucket:         winner.Bucket,
	}

	// Step 6: best-effort memoization.
	if err := e.cache.Set(ctx, experimentName, subj, res); err != nil {
		e.logger.Warn("assignment cache write failed",
			logging.String("experiment", experimentName),
			logging.String("subject", subj.String()),
			logging.Err(err))
	}

	return res, nil
}

// gateValue returns the subject's position in the traffic gate space.  The
// default sticky gate hashes the subject; the random gate draws fresh per
// call (reference behavior, see WithRandomGate).
func (e *Engine) gateValue(experimentID common.ID, subj Subject) float64 {
	if e.randomGate {
		return e.rand.Float64() * 100
	}
	return GateBucket(e.salt, experimentID, subj)
}

// Lookup returns the persisted assignment for a subject without creating one;
// it backs the read-only assignment endpoint and never touches the cache, so
// what it reports is always the stored truth.
func (e *Engine) Lookup(ctx context.Context, experimentName string, subj Subject) (*Assignment, error) {
	if err := subj.Validate(); err != nil {
		return nil, err
	}
	exp, err := e.registry.GetByName(ctx, experimentName)
	if err != nil {
		return nil, err
	}
	return e.repo.FindBySubject(ctx, exp.ID, subj)
}
