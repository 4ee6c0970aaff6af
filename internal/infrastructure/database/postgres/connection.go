// Package postgres provides the PostgreSQL connection pool, embedded schema
// migrations, and the repository implementations backing the domain ports.
package postgres

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

// Config holds the PostgreSQL pool configuration.
type Config struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	User             string        `yaml:"user"`
	Password         string        `yaml:"password"`
	DBName           string        `yaml:"db_name"`
	SSLMode          string        `yaml:"ssl_mode"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime  time.Duration `yaml:"conn_max_idle_time"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
	LockTimeout      time.Duration `yaml:"lock_timeout"`
}

// Connection manages the PostgreSQL connection pool.
type Connection struct {
	pool   *pgxpool.Pool
	cfg    Config
	logger logging.Logger
	once   sync.Once
}

// NewConnection builds a pgx pool from the configuration and verifies
// connectivity with a bounded ping before handing it out.
func NewConnection(ctx context.Context, cfg Config, log logging.Logger) (*Connection, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "invalid postgres configuration")
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 25
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
	} else {
		poolCfg.MaxConnLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.ConnMaxIdleTime
	} else {
		poolCfg.MaxConnIdleTime = 5 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "failed to create connection pool")
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, errors.ErrCodeDatabaseError, "database connection failed")
	}

	log.Info("connected to PostgreSQL",
		logging.String("host", cfg.Host),
		logging.Int("port", cfg.Port),
		logging.String("database", cfg.DBName),
	)

	return &Connection{
		pool:   pool,
		cfg:    cfg,
		logger: log,
	}, nil
}

// NewConnectionWithPool wraps an existing pool (for testing).
func NewConnectionWithPool(pool *pgxpool.Pool, log logging.Logger) *Connection {
	return &Connection{
		pool:   pool,
		logger: log,
	}
}

// Pool returns the underlying pgx pool.
func (c *Connection) Pool() *pgxpool.Pool {
	return c.pool
}

// HealthCheck verifies the database connection status.
func (c *Connection) HealthCheck(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return errors.Wrap(err, errors.ErrCodeDatabaseError, "database health check failed")
	}

	stat := c.pool.Stat()
	if stat.TotalConns() > 0 {
		usage := float64(stat.AcquiredConns()) / float64(stat.TotalConns())
		if usage > 0.8 {
			c.logger.Warn("high database connection pool usage",
				logging.Int("acquired", int(stat.AcquiredConns())),
				logging.Int("total", int(stat.TotalConns())),
				logging.Float64("usage", usage),
			)
		}
	}

	return nil
}

// Stat returns pool statistics.
func (c *Connection) Stat() *pgxpool.Stat {
	return c.pool.Stat()
}

// Close closes the pool; safe to call more than once.
func (c *Connection) Close() {
	c.once.Do(func() {
		c.pool.Close()
		c.logger.Info("closed PostgreSQL connection pool")
	})
}

// DSN returns the postgres:// connection string consumed by pgxpool.
func (c Config) DSN() string {
	return c.dsn("postgres")
}

// migrateDSN is the same connection string under the scheme golang-migrate's
// pgx/v5 database driver registers.
func (c Config) migrateDSN() string {
	return c.dsn("pgx5")
}

func (c Config) dsn(scheme string) string {
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	} else {
		q.Set("sslmode", "disable")
	}

	// Unrecognized parameters travel to the server as session GUCs, so these
	// bound every statement the pool runs.
	if c.StatementTimeout > 0 {
		q.Set("statement_timeout", fmt.Sprintf("%d", c.StatementTimeout.Milliseconds()))
	} else {
		q.Set("statement_timeout", "30000")
	}
	if c.LockTimeout > 0 {
		q.Set("lock_timeout", fmt.Sprintf("%d", c.LockTimeout.Milliseconds()))
	} else {
		q.Set("lock_timeout", "10000")
	}

	u.RawQuery = q.Encode()
	return u.String()
}
