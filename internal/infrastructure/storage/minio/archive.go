package minio

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

const (
	reportPrefix      = "reports/"
	archiveTimeLayout = "20060102T150405Z"
	reportContentType = "application/json"
)

// ErrReportNotFound is returned by Get when no object exists under the key.
var ErrReportNotFound = errors.New(errors.ErrCodeNotFound, "archived report not found")

// ArchivedReport describes one stored completion report.
type ArchivedReport struct {
	Key            string    `json:"key"`
	ExperimentName string    `json:"experiment_name"`
	ArchivedAt     time.Time `json:"archived_at"`
	Size           int64     `json:"size"`
}

// ReportArchive stores completion reports as JSON objects under
// reports/{experiment}/{timestamp}.json. The report value is anything
// JSON-marshalable; the worker passes the final significance report built
// when an experiment completes.
type ReportArchive struct {
	client *Client
	logger logging.Logger
	now    func() time.Time
}

// ArchiveOption customizes a ReportArchive.
type ArchiveOption func(*ReportArchive)

// WithArchiveClock overrides the timestamp source used for object keys.
func WithArchiveClock(now func() time.Time) ArchiveOption {
	return func(a *ReportArchive) {
		a.now = now
	}
}

// NewReportArchive creates a ReportArchive on top of an established client.
func NewReportArchive(client *Client, log logging.Logger, opts ...ArchiveOption) *ReportArchive {
	a := &ReportArchive{
		client: client,
		logger: log,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Put marshals the report and stores it under a timestamped key. Returns the
// object key.
func (a *ReportArchive) Put(ctx context.Context, experimentName string, report interface{}) (string, error) {
	if experimentName == "" {
		return "", errors.InvalidParam("experiment name must not be empty")
	}
	if report == nil {
		return "", errors.InvalidParam("report must not be nil")
	}

	data, err := json.Marshal(report)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal report")
	}

	key := reportKey(experimentName, a.now())
	_, err = a.client.API().PutObject(ctx, a.client.Bucket(), key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: reportContentType})
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeStorageError, "failed to archive report").
			WithDetail("key=" + key)
	}

	a.logger.Info("archived completion report",
		logging.String("experiment", experimentName),
		logging.String("key", key),
		logging.Int("bytes", len(data)))
	return key, nil
}

// Get returns the raw JSON of an archived report.
func (a *ReportArchive) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := a.client.API().GetObject(ctx, a.client.Bucket(), key, minio.GetObjectOptions{})
	if err != nil {
		return nil, a.getError(err, key)
	}
	defer obj.Close()

	// The SDK defers most failures, object-missing included, to the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, a.getError(err, key)
	}
	return data, nil
}

func (a *ReportArchive) getError(err error, key string) error {
	if minio.ToErrorResponse(err).Code == "NoSuchKey" {
		return ErrReportNotFound
	}
	return errors.Wrap(err, errors.ErrCodeStorageError, "failed to fetch archived report").
		WithDetail("key=" + key)
}

// List returns the archived reports for an experiment, newest first. Objects
// under the experiment prefix that do not follow the report key layout are
// skipped.
func (a *ReportArchive) List(ctx context.Context, experimentName string) ([]ArchivedReport, error) {
	if experimentName == "" {
		return nil, errors.InvalidParam("experiment name must not be empty")
	}

	prefix := reportPrefix + experimentName + "/"
	objects := a.client.API().ListObjects(ctx, a.client.Bucket(), minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var reports []ArchivedReport
	for obj := range objects {
		if obj.Err != nil {
			return nil, errors.Wrap(obj.Err, errors.ErrCodeStorageError, "failed to list archived reports").
				WithDetail("experiment=" + experimentName)
		}

		ts, err := time.Parse(archiveTimeLayout, strings.TrimSuffix(path.Base(obj.Key), ".json"))
		if err != nil {
			a.logger.Warn("skipping object with non-report key",
				logging.String("key", obj.Key))
			continue
		}

		reports = append(reports, ArchivedReport{
			Key:            obj.Key,
			ExperimentName: experimentName,
			ArchivedAt:     ts,
			Size:           obj.Size,
		})
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ArchivedAt.After(reports[j].ArchivedAt)
	})
	return reports, nil
}

func reportKey(experimentName string, t time.Time) string {
	return reportPrefix + experimentName + "/" + t.UTC().Format(archiveTimeLayout) + ".json"
}
