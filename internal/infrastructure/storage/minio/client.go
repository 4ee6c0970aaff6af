// Package minio provides the object-storage client and the completion-report
// archive built on it. The worker archives one JSON report per completed
// experiment; nothing in the request path depends on this package.
package minio

import (
	"context"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

// ErrConnectionFailed is returned when the endpoint cannot be reached during startup.
var ErrConnectionFailed = errors.New(errors.ErrCodeStorageError, "minio connection failed")

// StorageAPI is the slice of the MinIO SDK this package uses. GetObject is
// declared as io.ReadCloser; sdkAPI adapts the concrete client, whose
// *minio.Object matches the reader but not the signature.
type StorageAPI interface {
	ListBuckets(ctx context.Context) ([]minio.BucketInfo, error)
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error)
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expiry time.Duration, reqParams url.Values) (*url.URL, error)
}

type sdkAPI struct {
	*minio.Client
}

func (a sdkAPI) GetObject(ctx context.Context, bucketName, objectName string, opts minio.GetObjectOptions) (io.ReadCloser, error) {
	return a.Client.GetObject(ctx, bucketName, objectName, opts)
}

// Config holds the MinIO connection parameters.
type Config struct {
	Endpoint      string        `mapstructure:"endpoint"`
	AccessKey     string        `mapstructure:"access_key"`
	SecretKey     string        `mapstructure:"secret_key"`
	Bucket        string        `mapstructure:"bucket"`
	UseSSL        bool          `mapstructure:"use_ssl"`
	Region        string        `mapstructure:"region"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
}

// Client wraps the MinIO SDK with bucket bootstrap and a health probe.
type Client struct {
	api    StorageAPI
	config *Config
	logger logging.Logger
}

// NewClient connects to the endpoint, verifies it with a bounded bucket
// listing, and ensures the configured bucket exists.
func NewClient(cfg *Config, log logging.Logger) (*Client, error) {
	applyDefaults(cfg)

	sdk, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeStorageError, "failed to create minio client")
	}

	c := &Client{
		api:    sdkAPI{sdk},
		config: cfg,
		logger: log,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := c.api.ListBuckets(ctx); err != nil {
		return nil, ErrConnectionFailed.WithCause(err)
	}
	if err := c.EnsureBucket(ctx); err != nil {
		return nil, err
	}

	log.Info("MinIO client connected",
		logging.String("endpoint", cfg.Endpoint),
		logging.String("bucket", cfg.Bucket),
		logging.Bool("ssl", cfg.UseSSL))
	return c, nil
}

// NewClientWithAPI builds a client over an existing StorageAPI without any
// bootstrap calls. Tests use it with in-memory fakes.
func NewClientWithAPI(api StorageAPI, cfg *Config, log logging.Logger) *Client {
	applyDefaults(cfg)
	return &Client{
		api:    api,
		config: cfg,
		logger: log,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Bucket == "" {
		cfg.Bucket = "ablab-reports"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PresignExpiry == 0 {
		cfg.PresignExpiry = time.Hour
	}
}

// EnsureBucket creates the configured bucket if it does not exist.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.api.BucketExists(ctx, c.config.Bucket)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageError, "failed to check bucket existence").
			WithDetail("bucket=" + c.config.Bucket)
	}
	if exists {
		return nil
	}

	if err := c.api.MakeBucket(ctx, c.config.Bucket, minio.MakeBucketOptions{Region: c.config.Region}); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageError, "failed to create bucket").
			WithDetail("bucket=" + c.config.Bucket)
	}
	c.logger.Info("created bucket", logging.String("bucket", c.config.Bucket))
	return nil
}

// Ping verifies that the endpoint answers and the configured bucket exists.
// The worker's readiness probe calls it.
func (c *Client) Ping(ctx context.Context) error {
	exists, err := c.api.BucketExists(ctx, c.config.Bucket)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageError, "minio ping failed")
	}
	if !exists {
		return errors.New(errors.ErrCodeStorageError, "report bucket missing").
			WithDetail("bucket=" + c.config.Bucket)
	}
	return nil
}

// API returns the underlying storage API.
func (c *Client) API() StorageAPI {
	return c.api
}

// Bucket returns the configured bucket name.
func (c *Client) Bucket() string {
	return c.config.Bucket
}

// PresignedGetURL returns a time-limited download URL for an object. A
// non-positive expiry falls back to the configured default.
func (c *Client) PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = c.config.PresignExpiry
	}
	u, err := c.api.PresignedGetObject(ctx, c.config.Bucket, objectKey, expiry, nil)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorageError, "failed to presign object URL").
			WithDetail("key=" + objectKey)
	}
	return u.String(), nil
}
