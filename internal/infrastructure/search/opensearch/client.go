// Package opensearch provides the OpenSearch client wrapper and the event
// indexer the worker pipeline uses as its search sink. Result and audit
// events are indexed as flat documents keyed by event id so that replays
// and retries overwrite instead of duplicating.
package opensearch

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when the client configuration is unusable.
	ErrInvalidConfig = errors.New(errors.ErrCodeValidation, "invalid opensearch configuration")

	// ErrConnectionFailed is returned when the cluster cannot be reached during startup.
	ErrConnectionFailed = errors.New(errors.ErrCodeSearchError, "opensearch connection failed")
)

// ClientConfig holds the OpenSearch connection parameters.
type ClientConfig struct {
	Addresses           []string
	Username            string
	Password            string
	InsecureSkipVerify  bool
	MaxRetries          int
	RetryBackoff        time.Duration
	RequestTimeout      time.Duration
	MaxIdleConnsPerHost int
	HealthCheckInterval time.Duration
}

// Client wraps the OpenSearch API client with connection verification and a
// background health probe. IsHealthy feeds the worker's readiness endpoint.
type Client struct {
	client  *opensearch.Client
	config  ClientConfig
	logger  logging.Logger
	healthy atomic.Bool
	cancel  context.CancelFunc
}

// NewClient builds a client, verifies connectivity with a bounded ping, and
// starts the periodic health probe.
func NewClient(cfg ClientConfig, logger logging.Logger) (*Client, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // explicit opt-in for self-signed dev clusters
	}

	osClient, err := opensearch.NewClient(opensearch.Config{
		Addresses:     cfg.Addresses,
		Username:      cfg.Username,
		Password:      cfg.Password,
		MaxRetries:    cfg.MaxRetries,
		RetryBackoff:  func(int) time.Duration { return cfg.RetryBackoff },
		RetryOnStatus: []int{502, 503, 504, 429},
		Transport:     transport,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSearchError, "failed to create opensearch client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		client: osClient,
		config: cfg,
		logger: logger,
		cancel: cancel,
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer pingCancel()
	if err := c.Ping(pingCtx); err != nil {
		cancel()
		return nil, ErrConnectionFailed.WithCause(err)
	}

	go c.startHealthCheck(ctx)

	logger.Info("connected to OpenSearch", logging.Int("nodes", len(cfg.Addresses)))
	return c, nil
}

// Ping probes the cluster and updates the health flag.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.client.Ping(
		c.client.Ping.WithContext(ctx),
	)
	if err != nil {
		c.healthy.Store(false)
		c.logger.Warn("OpenSearch ping failed", logging.Err(err))
		return errors.Wrap(err, errors.ErrCodeSearchError, "opensearch ping failed")
	}
	defer resp.Body.Close()

	if resp.IsError() {
		c.healthy.Store(false)
		c.logger.Warn("OpenSearch ping returned error status", logging.Int("status", resp.StatusCode))
		return errors.New(errors.ErrCodeSearchError, "opensearch ping returned error status")
	}

	c.healthy.Store(true)
	return nil
}

// IsHealthy reports the result of the most recent probe.
func (c *Client) IsHealthy() bool {
	return c.healthy.Load()
}

// API returns the underlying OpenSearch API client.
func (c *Client) API() *opensearch.Client {
	return c.client
}

// Close stops the health probe. Safe to call more than once.
func (c *Client) Close() error {
	c.cancel()
	c.logger.Info("closed OpenSearch client")
	return nil
}

func (c *Client) startHealthCheck(ctx context.Context) {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prev := c.healthy.Load()
			probeCtx, probeCancel := context.WithTimeout(ctx, c.config.RequestTimeout)
			err := c.Ping(probeCtx)
			probeCancel()
			curr := c.healthy.Load()

			if prev && !curr {
				c.logger.Error("OpenSearch cluster became unhealthy", logging.Err(err))
			} else if !prev && curr {
				c.logger.Info("OpenSearch cluster recovered")
			}
		}
	}
}

// ValidateConfig rejects configurations that cannot be repaired by defaults:
// an empty address list or negative retry and timeout values.
func ValidateConfig(cfg ClientConfig) error {
	if len(cfg.Addresses) == 0 {
		return ErrInvalidConfig
	}
	if cfg.MaxRetries < 0 {
		return errors.New(errors.ErrCodeValidation, "max retries must be >= 0")
	}
	if cfg.RequestTimeout < 0 {
		return errors.New(errors.ErrCodeValidation, "request timeout must be >= 0")
	}
	return nil
}
