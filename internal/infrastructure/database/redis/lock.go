package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

var (
	ErrLockNotAcquired = errors.New(errors.ErrCodeConflict, "failed to acquire lock")
	ErrLockNotHeld     = errors.New(errors.ErrCodeConflict, "lock not held by this owner")
)

// DistributedLock is a cross-process mutex.  The worker uses it to make sure
// a completion report is built by exactly one instance at a time.
type DistributedLock interface {
	// Lock blocks until the lock is acquired, the retry budget runs out
	// (ErrLockNotAcquired), or ctx is done.
	Lock(ctx context.Context) error

	// TryLock attempts a single acquisition without retrying.
	TryLock(ctx context.Context) (bool, error)

	// Unlock releases the lock if this instance still holds it; a lock that
	// expired and was taken over yields ErrLockNotHeld.
	Unlock(ctx context.Context) error

	// Extend pushes the expiry of a held lock out by ttl.
	Extend(ctx context.Context, ttl time.Duration) (bool, error)

	// TTL returns the remaining lifetime of the lock key.
	TTL(ctx context.Context) (time.Duration, error)
}

// LockOption customizes a mutex.
type LockOption func(*lockConfig)

func WithLockTTL(ttl time.Duration) LockOption {
	return func(c *lockConfig) { c.ttl = ttl }
}

func WithRetryDelay(delay time.Duration) LockOption {
	return func(c *lockConfig) { c.retryDelay = delay }
}

func WithRetryCount(count int) LockOption {
	return func(c *lockConfig) { c.retryCount = count }
}

// WithWatchdog enables background extension of a held lock so long-running
// holders do not lose it to ttl expiry.
func WithWatchdog(enabled bool) LockOption {
	return func(c *lockConfig) { c.watchdogEnabled = enabled }
}

func WithWatchdogInterval(interval time.Duration) LockOption {
	return func(c *lockConfig) { c.watchdogInterval = interval }
}

type lockConfig struct {
	ttl              time.Duration
	retryDelay       time.Duration
	retryCount       int
	watchdogEnabled  bool
	watchdogInterval time.Duration
}

// NewMutex builds a distributed mutex identified by name.  Each mutex carries
// a random owner value so only the acquiring instance can release or extend it.
func NewMutex(client *Client, log logging.Logger, name string, opts ...LockOption) DistributedLock {
	cfg := lockConfig{
		ttl:              30 * time.Second,
		retryDelay:       100 * time.Millisecond,
		retryCount:       30,
		watchdogInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.watchdogEnabled && cfg.watchdogInterval <= 0 {
		cfg.watchdogInterval = cfg.ttl / 3
	}

	return &redisMutex{
		client: client,
		key:    buildLockKey(name),
		value:  uuid.New().String(),
		config: cfg,
		logger: log,
	}
}

type redisMutex struct {
	client         *Client
	key            string
	value          string
	config         lockConfig
	logger         logging.Logger
	watchdogCancel context.CancelFunc
	watchdogDone   chan struct{}
}

// Unlock and Extend compare the stored owner value before acting, so a lock
// that expired under us cannot release or extend a successor's lock.
var mutexUnlockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	else
		return 0
	end
`)

var mutexExtendScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

func (m *redisMutex) Lock(ctx context.Context) error {
	for i := 0; i < m.config.retryCount; i++ {
		acquired, err := m.client.SetNX(ctx, m.key, m.value, m.config.ttl).Result()
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeCacheError, "failed to set lock key").WithDetail("key=" + m.key)
		}
		if acquired {
			if m.config.watchdogEnabled {
				m.startWatchdog()
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.config.retryDelay):
		}
	}
	return ErrLockNotAcquired
}

func (m *redisMutex) TryLock(ctx context.Context) (bool, error) {
	acquired, err := m.client.SetNX(ctx, m.key, m.value, m.config.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeCacheError, "failed to set lock key").WithDetail("key=" + m.key)
	}
	if acquired && m.config.watchdogEnabled {
		m.startWatchdog()
	}
	return acquired, nil
}

func (m *redisMutex) Unlock(ctx context.Context) error {
	m.stopWatchdog()
	res, err := mutexUnlockScript.Run(ctx, m.client.Universal(), []string{m.key}, m.value).Result()
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCacheError, "failed to release lock").WithDetail("key=" + m.key)
	}
	if res.(int64) == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (m *redisMutex) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := mutexExtendScript.Run(ctx, m.client.Universal(), []string{m.key}, m.value, ttl.Milliseconds()).Result()
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeCacheError, "failed to extend lock").WithDetail("key=" + m.key)
	}
	return res.(int64) == 1, nil
}

func (m *redisMutex) TTL(ctx context.Context) (time.Duration, error) {
	return m.client.Universal().PTTL(ctx, m.key).Result()
}

func (m *redisMutex) startWatchdog() {
	ctx, cancel := context.WithCancel(context.Background())
	m.watchdogCancel = cancel
	m.watchdogDone = make(chan struct{})
	go m.runWatchdog(ctx)
}

func (m *redisMutex) stopWatchdog() {
	if m.watchdogCancel != nil {
		m.watchdogCancel()
		<-m.watchdogDone
		m.watchdogCancel = nil
	}
}

func (m *redisMutex) runWatchdog(ctx context.Context) {
	defer close(m.watchdogDone)
	ticker := time.NewTicker(m.config.watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := m.Extend(ctx, m.config.ttl)
			if err != nil {
				m.logger.Error("watchdog failed to extend lock",
					logging.String("key", m.key),
					logging.Err(err),
				)
				return
			}
			if !ok {
				m.logger.Warn("watchdog lost lock", logging.String("key", m.key))
				return
			}
		}
	}
}

func buildLockKey(name string) string {
	return "ablab:lock:" + name
}
