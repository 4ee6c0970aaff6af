package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// database driver
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
)

// Schema migrations ship inside the binary so every deployment carries the
// schema it expects; there is no migrations directory to mount or forget.
//
//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrator applies the embedded schema migrations. All methods open a fresh
// migrate instance per call; the migrator holds no connection between calls.
type Migrator struct {
	dbURL  string
	logger logging.Logger
}

// NewMigrator builds a migrator for the configured database.
func NewMigrator(cfg Config, log logging.Logger) *Migrator {
	return &Migrator{dbURL: cfg.migrateDSN(), logger: log}
}

func (m *Migrator) instance() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	inst, err := migrate.NewWithSourceInstance("iofs", src, m.dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return inst, nil
}

// Up applies all pending migrations. A schema that is already current is not
// an error.
func (m *Migrator) Up() error {
	inst, err := m.instance()
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			m.logger.Info("database schema already up to date")
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, verr := inst.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		m.logger.Warn("failed to read migration version", logging.Err(verr))
		return nil
	}
	m.logger.Info("database migrations applied",
		logging.Int64("version", int64(version)),
		logging.Bool("dirty", dirty),
	)
	return nil
}

// Rollback rolls the schema back by the given number of steps.
func (m *Migrator) Rollback(steps int) error {
	if steps <= 0 {
		return fmt.Errorf("steps must be greater than 0, got %d", steps)
	}

	inst, err := m.instance()
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("no migrations to roll back")
		}
		return fmt.Errorf("failed to rollback %d step(s): %w", steps, err)
	}
	return nil
}

// Status returns the current migration version and dirty state. A database
// with no applied migrations reports version 0, clean.
func (m *Migrator) Status() (version uint, dirty bool, err error) {
	inst, err := m.instance()
	if err != nil {
		return 0, false, err
	}
	defer inst.Close()

	version, dirty, err = inst.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return version, dirty, nil
}

// Reset rolls every migration back and re-applies them from scratch. It drops
// all tables; development and test databases only.
func (m *Migrator) Reset() error {
	inst, err := m.instance()
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back all migrations: %w", err)
	}
	if err := inst.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to re-apply migrations: %w", err)
	}
	return nil
}

// Force sets the recorded schema version without running migrations; the
// recovery hatch for a dirty state after a partially failed migration.
func (m *Migrator) Force(version int) error {
	inst, err := m.instance()
	if err != nil {
		return err
	}
	defer inst.Close()

	if err := inst.Force(version); err != nil {
		return fmt.Errorf("failed to force version %d: %w", version, err)
	}
	return nil
}
