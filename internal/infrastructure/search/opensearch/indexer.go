package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/turtacn/ABLab/internal/infrastructure/messaging/kafka"
	"github.com/turtacn/ABLab/internal/infrastructure/monitoring/logging"
	"github.com/turtacn/ABLab/pkg/errors"
)

var (
	// ErrIndexAlreadyExists is returned by CreateIndex when the index is present.
	ErrIndexAlreadyExists = errors.New(errors.ErrCodeConflict, "index already exists")

	// ErrIndexNotFound is returned by DeleteIndex when the index is absent.
	ErrIndexNotFound = errors.New(errors.ErrCodeNotFound, "index not found")

	// ErrIndexCreationFailed is returned when the cluster rejects an index create.
	ErrIndexCreationFailed = errors.New(errors.ErrCodeSearchError, "index creation failed")

	// ErrDocumentIndexFailed is returned when the cluster rejects a document.
	ErrDocumentIndexFailed = errors.New(errors.ErrCodeSearchError, "document index failed")
)

// IndexMapping describes the settings and field mappings applied when an
// index is created.
type IndexMapping struct {
	Settings map[string]interface{} `json:"settings,omitempty"`
	Mappings map[string]interface{} `json:"mappings,omitempty"`
}

// EventIndexerConfig holds indexing parameters.
type EventIndexerConfig struct {
	// IndexPrefix names the indexes: {prefix}-results and {prefix}-audit.
	IndexPrefix string
	// RefreshPolicy is passed to index requests. "false" in production;
	// tests that read their own writes set "true".
	RefreshPolicy string
}

// EventIndexer writes event envelopes into the search indexes. Each document
// is keyed by the envelope's event id, so a redelivered message overwrites
// the earlier copy instead of duplicating it.
type EventIndexer struct {
	client *Client
	config EventIndexerConfig
	logger logging.Logger
}

// NewEventIndexer creates an EventIndexer on top of an established client.
func NewEventIndexer(client *Client, cfg EventIndexerConfig, logger logging.Logger) *EventIndexer {
	if cfg.IndexPrefix == "" {
		cfg.IndexPrefix = "ablab"
	}
	if cfg.RefreshPolicy == "" {
		cfg.RefreshPolicy = "false"
	}

	return &EventIndexer{
		client: client,
		config: cfg,
		logger: logger,
	}
}

// ResultsIndex returns the name of the result-event index.
func (i *EventIndexer) ResultsIndex() string {
	return i.config.IndexPrefix + "-results"
}

// AuditIndex returns the name of the audit index.
func (i *EventIndexer) AuditIndex() string {
	return i.config.IndexPrefix + "-audit"
}

// EnsureIndexes creates the result and audit indexes if they do not exist.
// Called once at worker startup; losing a create race to another worker
// instance is treated as success.
func (i *EventIndexer) EnsureIndexes(ctx context.Context) error {
	for _, idx := range []struct {
		name    string
		mapping IndexMapping
	}{
		{i.ResultsIndex(), ResultEventMapping()},
		{i.AuditIndex(), AuditEventMapping()},
	} {
		err := i.CreateIndex(ctx, idx.name, idx.mapping)
		if err == ErrIndexAlreadyExists {
			i.logger.Debug("index already present", logging.String("index", idx.name))
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CreateIndex creates an index with the given mapping.
func (i *EventIndexer) CreateIndex(ctx context.Context, indexName string, mapping IndexMapping) error {
	exists, err := i.IndexExists(ctx, indexName)
	if err != nil {
		return err
	}
	if exists {
		return ErrIndexAlreadyExists
	}

	body, err := json.Marshal(mapping)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal index mapping")
	}

	req := opensearchapi.IndicesCreateRequest{
		Index: indexName,
		Body:  bytes.NewReader(body),
	}

	resp, err := req.Do(ctx, i.client.API())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchError, "create index request failed")
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return i.handleErrorResponse(resp, ErrIndexCreationFailed)
	}

	i.logger.Info("index created", logging.String("index", indexName))
	return nil
}

// DeleteIndex removes an index and everything in it.
func (i *EventIndexer) DeleteIndex(ctx context.Context, indexName string) error {
	req := opensearchapi.IndicesDeleteRequest{
		Index: []string{indexName},
	}

	resp, err := req.Do(ctx, i.client.API())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchError, "delete index request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == 404 {
		return ErrIndexNotFound
	}
	if resp.IsError() {
		return i.handleErrorResponse(resp, errors.New(errors.ErrCodeSearchError, "delete index failed"))
	}

	i.logger.Warn("index deleted", logging.String("index", indexName))
	return nil
}

// IndexExists reports whether an index exists.
func (i *EventIndexer) IndexExists(ctx context.Context, indexName string) (bool, error) {
	req := opensearchapi.IndicesExistsRequest{
		Index: []string{indexName},
	}

	resp, err := req.Do(ctx, i.client.API())
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeSearchError, "index existence check failed")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	}
	return false, i.handleErrorResponse(resp, errors.New(errors.ErrCodeSearchError, "index existence check failed"))
}

// IndexResultEvent stores a result.recorded envelope in the results index.
func (i *EventIndexer) IndexResultEvent(ctx context.Context, env *kafka.EventEnvelope) error {
	return i.IndexEnvelope(ctx, i.ResultsIndex(), env)
}

// IndexAuditEvent stores a lifecycle or assignment envelope in the audit index.
func (i *EventIndexer) IndexAuditEvent(ctx context.Context, env *kafka.EventEnvelope) error {
	return i.IndexEnvelope(ctx, i.AuditIndex(), env)
}

// IndexEnvelope indexes one envelope into the named index. The payload is
// flattened into the document root and the envelope contributes event_type,
// source, trace_id and published_at; the envelope event id becomes the
// document id.
func (i *EventIndexer) IndexEnvelope(ctx context.Context, indexName string, env *kafka.EventEnvelope) error {
	if env == nil || env.EventID == "" {
		return errors.New(errors.ErrCodeValidation, "event envelope must carry an event id")
	}

	doc := make(map[string]interface{})
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &doc); err != nil {
			return errors.Wrap(err, errors.ErrCodeSerialization, "failed to decode envelope payload").
				WithDetail("event_id=" + env.EventID)
		}
	}
	doc["event_type"] = env.EventType
	doc["source"] = env.Source
	doc["published_at"] = env.Timestamp
	if env.TraceID != "" {
		doc["trace_id"] = env.TraceID
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal event document")
	}

	req := opensearchapi.IndexRequest{
		Index:      indexName,
		DocumentID: env.EventID,
		Body:       bytes.NewReader(body),
		Refresh:    i.config.RefreshPolicy,
	}

	resp, err := req.Do(ctx, i.client.API())
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeSearchError, "index event request failed").
			WithDetail("event_id=" + env.EventID)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return i.handleErrorResponse(resp, ErrDocumentIndexFailed)
	}
	return nil
}

func (i *EventIndexer) handleErrorResponse(resp *opensearchapi.Response, fallback *errors.AppError) error {
	var errResp struct {
		Error struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	}

	bodyBytes, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Error.Reason != "" {
		return fallback.WithDetail(fmt.Sprintf("%s: %s", errResp.Error.Type, errResp.Error.Reason))
	}
	return fallback.WithDetail(fmt.Sprintf("status %d", resp.StatusCode))
}

// ResultEventMapping returns the mapping for result.recorded documents. All
// dimensions are keywords so variant and metric breakdowns aggregate without
// analysis; metric_value is a double for range queries and percentiles.
func ResultEventMapping() IndexMapping {
	return IndexMapping{
		Settings: map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 1,
		},
		Mappings: map[string]interface{}{
			"properties": map[string]interface{}{
				"event_id":        map[string]interface{}{"type": "keyword"},
				"event_type":      map[string]interface{}{"type": "keyword"},
				"source":          map[string]interface{}{"type": "keyword"},
				"trace_id":        map[string]interface{}{"type": "keyword"},
				"published_at":    map[string]interface{}{"type": "date"},
				"experiment_id":   map[string]interface{}{"type": "keyword"},
				"experiment_name": map[string]interface{}{"type": "keyword"},
				"variant_id":      map[string]interface{}{"type": "keyword"},
				"variant_name":    map[string]interface{}{"type": "keyword"},
				"subject_kind":    map[string]interface{}{"type": "keyword"},
				"subject_id":      map[string]interface{}{"type": "keyword"},
				"metric_name":     map[string]interface{}{"type": "keyword"},
				"metric_type":     map[string]interface{}{"type": "keyword"},
				"metric_value":    map[string]interface{}{"type": "double"},
				"recorded_at":     map[string]interface{}{"type": "date"},
			},
		},
	}
}

// AuditEventMapping returns the mapping for the audit index, which receives
// experiment.created, experiment.status_changed and assignment.created
// envelopes. The field set is the union of those payloads.
func AuditEventMapping() IndexMapping {
	return IndexMapping{
		Settings: map[string]interface{}{
			"number_of_shards":   1,
			"number_of_replicas": 1,
		},
		Mappings: map[string]interface{}{
			"properties": map[string]interface{}{
				"event_type":         map[string]interface{}{"type": "keyword"},
				"source":             map[string]interface{}{"type": "keyword"},
				"trace_id":           map[string]interface{}{"type": "keyword"},
				"published_at":       map[string]interface{}{"type": "date"},
				"experiment_id":      map[string]interface{}{"type": "keyword"},
				"experiment_name":    map[string]interface{}{"type": "keyword"},
				"name":               map[string]interface{}{"type": "keyword"},
				"type":               map[string]interface{}{"type": "keyword"},
				"traffic_allocation": map[string]interface{}{"type": "double"},
				"variant_count":      map[string]interface{}{"type": "integer"},
				"assignment_id":      map[string]interface{}{"type": "keyword"},
				"variant_id":         map[string]interface{}{"type": "keyword"},
				"variant_name":       map[string]interface{}{"type": "keyword"},
				"subject_kind":       map[string]interface{}{"type": "keyword"},
				"subject_id":         map[string]interface{}{"type": "keyword"},
				"bucket":             map[string]interface{}{"type": "double"},
				"old_status":         map[string]interface{}{"type": "keyword"},
				"new_status":         map[string]interface{}{"type": "keyword"},
				"created_by":         map[string]interface{}{"type": "keyword"},
				"changed_by":         map[string]interface{}{"type": "keyword"},
				"created_at":         map[string]interface{}{"type": "date"},
				"changed_at":         map[string]interface{}{"type": "date"},
				"assigned_at":        map[string]interface{}{"type": "date"},
			},
		},
	}
}
