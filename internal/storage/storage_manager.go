/**
 * Storage Manager for the PCF Worker
 *
 * Coordinates PostgreSQL (documents, line items, jobs) and the optional
 * Qdrant description index. PostgreSQL is the system of record: a document
 * is stored once its transaction commits, and indexing afterwards is best
 * effort.
 */

package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/adverant/nexus/pcf-worker/internal/logging"
)

// ErrIndexDisabled is returned by searches when no Qdrant client is configured
var ErrIndexDisabled = errors.New("description index disabled")

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient // nil when indexing is disabled
	logger   *logging.Logger
}

// StoredDocument reports where a document ended up
type StoredDocument struct {
	ID           string
	IndexedItems int
	IndexError   error
	StoredAt     time.Time
}

// PurgeResult summarizes one retention pass
type PurgeResult struct {
	LineItems   int64
	Documents   int
	IndexErrors int
}

// NewStorageManager creates a new storage manager. qdrant may be nil.
func NewStorageManager(postgres *PostgresClient, qdrant *QdrantClient, logger *logging.Logger) (*StorageManager, error) {
	if postgres == nil {
		return nil, fmt.Errorf("postgres client is required")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	return &StorageManager{
		postgres: postgres,
		qdrant:   qdrant,
		logger:   logger,
	}, nil
}

// StoreDocument persists a document with its line items, then indexes the
// item descriptions. vectors[i] belongs to doc.LineItems[i]; pass nil to skip indexing.
func (sm *StorageManager) StoreDocument(ctx context.Context, doc *DocumentRecord, vectors [][]float32) (*StoredDocument, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is required")
	}
	if vectors != nil && len(vectors) != len(doc.LineItems) {
		return nil, fmt.Errorf("vector count %d does not match line item count %d", len(vectors), len(doc.LineItems))
	}

	if doc.ID == "" {
		doc.ID = uuid.New().String()
	}
	sanitizeRecord(doc)

	if err := sm.postgres.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}

	out := &StoredDocument{ID: doc.ID, StoredAt: time.Now()}

	if sm.qdrant == nil || len(vectors) == 0 {
		return out, nil
	}

	points := descriptionPoints(doc, vectors)
	if err := sm.qdrant.UpsertVectors(ctx, points); err != nil {
		sm.logger.Warn("Description indexing failed, document kept",
			"documentId", doc.ID,
			"items", len(points),
			"error", err,
		)
		out.IndexError = err
		return out, nil
	}

	out.IndexedItems = len(points)
	return out, nil
}

// SearchDescriptions returns the line items whose descriptions are closest to vector
func (sm *StorageManager) SearchDescriptions(ctx context.Context, vector []float32, limit int) ([]*VectorPoint, error) {
	if sm.qdrant == nil {
		return nil, ErrIndexDisabled
	}
	return sm.qdrant.SearchVectors(ctx, vector, limit)
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJob retrieves a job from PostgreSQL
func (sm *StorageManager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return sm.postgres.GetJob(ctx, jobID)
}

// PurgeExpired deletes expired line items and emptied documents, then drops
// their index points
func (sm *StorageManager) PurgeExpired(ctx context.Context, cutoff time.Time) (*PurgeResult, error) {
	items, documentIDs, err := sm.postgres.PurgeExpired(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	result := &PurgeResult{LineItems: int64(len(items)), Documents: len(documentIDs)}
	if sm.qdrant == nil {
		return result, nil
	}

	result.IndexErrors = dropPurgedPoints(ctx, sm.qdrant, items, documentIDs, sm.logger)
	return result, nil
}

// itemIndex is the part of the description index a purge needs
type itemIndex interface {
	DeleteDocument(ctx context.Context, documentID string) error
	DeleteItems(ctx context.Context, documentID string, positions []int) error
}

// dropPurgedPoints removes index points for deleted documents and for
// deleted items of documents that survive. It returns the number of failed deletes.
func dropPurgedPoints(ctx context.Context, idx itemIndex, items []PurgedItem, documentIDs []string, logger *logging.Logger) int {
	failures := 0

	emptied := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		emptied[id] = true
		if err := idx.DeleteDocument(ctx, id); err != nil {
			failures++
			logger.Warn("Failed to drop index points for purged document", "documentId", id, "error", err)
		}
	}

	var order []string
	positions := make(map[string][]int)
	for _, item := range items {
		if emptied[item.DocumentID] {
			continue
		}
		if _, seen := positions[item.DocumentID]; !seen {
			order = append(order, item.DocumentID)
		}
		positions[item.DocumentID] = append(positions[item.DocumentID], item.Position)
	}

	for _, id := range order {
		if err := idx.DeleteItems(ctx, id, positions[id]); err != nil {
			failures++
			logger.Warn("Failed to drop index points for purged items", "documentId", id, "items", len(positions[id]), "error", err)
		}
	}
	return failures
}

// DeleteDocument removes a document with its line items and index points
func (sm *StorageManager) DeleteDocument(ctx context.Context, documentID string) error {
	if err := sm.postgres.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if sm.qdrant == nil {
		return nil
	}
	if err := sm.qdrant.DeleteDocument(ctx, documentID); err != nil {
		sm.logger.Warn("Document deleted but index points remain", "documentId", documentID, "error", err)
	}
	return nil
}

// CountExpiringBetween counts line items with best-before in [from, to]
func (sm *StorageManager) CountExpiringBetween(ctx context.Context, from, to time.Time) (int64, error) {
	return sm.postgres.CountExpiringBetween(ctx, from, to)
}

// Health reports connectivity of each backend
func (sm *StorageManager) Health(ctx context.Context) map[string]interface{} {
	health := map[string]interface{}{}

	if err := sm.postgres.Ping(ctx); err != nil {
		health["postgres"] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
	} else {
		stats := sm.postgres.GetStats()
		health["postgres"] = map[string]interface{}{
			"status":          "healthy",
			"openConnections": stats.OpenConnections,
			"inUse":           stats.InUse,
		}
	}

	if sm.qdrant == nil {
		health["qdrant"] = map[string]interface{}{"status": "disabled"}
		return health
	}

	if info, err := sm.qdrant.GetCollectionInfo(ctx); err != nil {
		health["qdrant"] = map[string]interface{}{"status": "unhealthy", "error": err.Error()}
	} else {
		info["status"] = "healthy"
		health["qdrant"] = info
	}

	return health
}

// Healthy is true when PostgreSQL answers; the index is optional
func (sm *StorageManager) Healthy(ctx context.Context) bool {
	return sm.postgres.Ping(ctx) == nil
}

// Close closes all storage connections
func (sm *StorageManager) Close() error {
	var errs []error

	if sm.qdrant != nil {
		if err := sm.qdrant.Close(); err != nil {
			errs = append(errs, fmt.Errorf("qdrant close: %w", err))
		}
	}
	if err := sm.postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("postgres close: %w", err))
	}

	return errors.Join(errs...)
}

// descriptionPoints builds one index point per line item
func descriptionPoints(doc *DocumentRecord, vectors [][]float32) []*VectorPoint {
	points := make([]*VectorPoint, 0, len(doc.LineItems))
	for i, item := range doc.LineItems {
		metadata := map[string]interface{}{
			"documentId":  doc.ID,
			"position":    i,
			"product":     item.Product,
			"description": item.Description,
		}
		if doc.ContainerCode != "" {
			metadata["containerCode"] = doc.ContainerCode
		}
		if item.Batch != "" {
			metadata["batch"] = item.Batch
		}
		if item.BestBefore != "" {
			metadata["bestBefore"] = item.BestBefore
		}
		points = append(points, &VectorPoint{
			ID:       uuid.New().String(),
			Vector:   vectors[i],
			Metadata: metadata,
		})
	}
	return points
}

// sanitizeRecord strips characters PostgreSQL text and JSONB columns reject
func sanitizeRecord(doc *DocumentRecord) {
	doc.Filename = sanitizeText(doc.Filename)
	doc.ContainerCode = sanitizeText(doc.ContainerCode)
	doc.BusinessName = sanitizeText(doc.BusinessName)

	for i := range doc.LineItems {
		item := &doc.LineItems[i]
		item.Product = sanitizeText(item.Product)
		item.Description = sanitizeText(item.Description)
		item.Batch = sanitizeText(item.Batch)
		item.Days = sanitizeText(item.Days)
	}

	if len(doc.HeaderFields) > 0 {
		clean := make(map[string]string, len(doc.HeaderFields))
		for k, v := range doc.HeaderFields {
			clean[sanitizeText(k)] = sanitizeText(v)
		}
		doc.HeaderFields = clean
	}

	for i := range doc.Diagnostics {
		doc.Diagnostics[i].Text = sanitizeText(doc.Diagnostics[i].Text)
	}
}

// sanitizeText drops NUL and turns other control characters into spaces
func sanitizeText(s string) string {
	if s == "" {
		return s
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r == 0:
			return -1
		case unicode.IsControl(r):
			return ' '
		default:
			return r
		}
	}, s)
}
