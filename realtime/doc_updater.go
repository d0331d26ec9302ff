package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ericfitz/realtime/internal/metrics"
	"github.com/ericfitz/realtime/internal/slogging"
)

// pendingUpdatesListChannel notifies document updater workers that a doc has
// queued changes.
const pendingUpdatesListChannel = "pending-updates-list"

// Document is the editable state returned by the document updater.
type Document struct {
	Lines   []string        `json:"lines"`
	Version int64           `json:"version"`
	Ranges  json.RawMessage `json:"ranges,omitempty"`
	Ops     []any           `json:"ops"`
}

// DocumentUpdaterManager talks to the document updater service, which owns
// the authoritative in-flight document state, and queues inbound edits for
// it through Redis.
type DocumentUpdaterManager struct {
	baseURL    string
	httpClient *http.Client
	rclient    *redis.Client

	// maxUpdateSize bounds a single serialized change; larger edits are
	// rejected before they reach the queue.
	maxUpdateSize int
}

// NewDocumentUpdaterManager creates a client for the document updater at
// baseURL.
func NewDocumentUpdaterManager(baseURL string, timeout time.Duration, rclient *redis.Client, maxUpdateSize int) *DocumentUpdaterManager {
	return &DocumentUpdaterManager{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: timeout},
		rclient:       rclient,
		maxUpdateSize: maxUpdateSize,
	}
}

// GetDocument fetches the document's current lines and version, plus the ops
// needed to catch a client up from fromVersion.
func (m *DocumentUpdaterManager) GetDocument(ctx context.Context, projectID, docID string, fromVersion int64) (*Document, error) {
	url := fmt.Sprintf("%s/project/%s/doc/%s?fromVersion=%d", m.baseURL, projectID, docID, fromVersion)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	metrics.ServiceRequestDuration.WithLabelValues("doc-updater", "getDocument").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("doc updater request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("doc updater returned failure status code: %d", resp.StatusCode)
	}

	var doc Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode doc updater response: %w", err)
	}
	return &doc, nil
}

// FlushProjectToMongoAndDelete asks the document updater to persist and drop
// all of the project's in-flight state. Called when the last connection for a
// project on the whole cluster has gone.
func (m *DocumentUpdaterManager) FlushProjectToMongoAndDelete(ctx context.Context, projectID string) error {
	url := fmt.Sprintf("%s/project/%s", m.baseURL, projectID)
	req, err := http.NewRequestWithContext(ctx, "DELETE", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	metrics.ServiceRequestDuration.WithLabelValues("doc-updater", "flushProject").Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("doc updater flush failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("doc updater returned failure status code: %d", resp.StatusCode)
	}
	slogging.Get().Debug("flushed project %s to mongo and deleted from doc updater", projectID)
	return nil
}

// QueueChange appends a serialized change to the document's pending-updates
// queue and notifies the document updater workers. Changes larger than the
// configured limit are rejected with UpdateTooLargeError without touching
// Redis.
func (m *DocumentUpdaterManager) QueueChange(ctx context.Context, projectID, docID string, change any) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to serialize change: %w", err)
	}
	if len(data) > m.maxUpdateSize {
		metrics.UpdateTooLarge.Inc()
		return &UpdateTooLargeError{UpdateSize: len(data), Limit: m.maxUpdateSize}
	}

	pipe := m.rclient.TxPipeline()
	pipe.RPush(ctx, keyPendingUpdates(docID), data)
	pipe.RPush(ctx, pendingUpdatesListChannel, projectID+":"+docID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to queue change: %w", err)
	}
	return m.rclient.Publish(ctx, pendingUpdatesListChannel, projectID+":"+docID).Err()
}

func keyPendingUpdates(docID string) string {
	return "PendingUpdates:{" + docID + "}"
}
