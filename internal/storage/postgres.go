/**
 * PostgreSQL Client for the PCF Worker
 *
 * Persists reconstructed documents, their line items and job status in the
 * pcf schema.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/adverant/nexus/pcf-worker/internal/pcf"
)

// schemaDDL creates the pcf schema when it does not exist yet
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS pcf;

CREATE TABLE IF NOT EXISTS pcf.processing_jobs (
	id                 UUID PRIMARY KEY,
	user_id            TEXT NOT NULL DEFAULT 'anonymous',
	filename           TEXT,
	mime_type          TEXT,
	status             TEXT NOT NULL,
	progress           INTEGER NOT NULL DEFAULT 0,
	document_id        UUID,
	line_items         INTEGER,
	rejected           INTEGER,
	processing_time_ms BIGINT,
	error_code         TEXT,
	error_message      TEXT,
	metadata           JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pcf.documents (
	id             UUID PRIMARY KEY,
	job_id         UUID,
	user_id        TEXT NOT NULL DEFAULT 'anonymous',
	filename       TEXT,
	container_code TEXT,
	page_current   INTEGER,
	page_total     INTEGER,
	header_fields  JSONB NOT NULL DEFAULT '{}'::jsonb,
	route_verified BOOLEAN,
	route_number   TEXT,
	business_name  TEXT,
	rejected       INTEGER NOT NULL DEFAULT 0,
	diagnostics    JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS pcf.line_items (
	id          BIGSERIAL PRIMARY KEY,
	document_id UUID NOT NULL REFERENCES pcf.documents(id) ON DELETE CASCADE,
	position    INTEGER NOT NULL,
	product     TEXT NOT NULL,
	description TEXT NOT NULL,
	batch       TEXT,
	best_before DATE,
	days        TEXT,
	short_coded BOOLEAN NOT NULL DEFAULT FALSE
);

ALTER TABLE pcf.documents ADD COLUMN IF NOT EXISTS route_number TEXT;
ALTER TABLE pcf.documents ADD COLUMN IF NOT EXISTS business_name TEXT;

CREATE INDEX IF NOT EXISTS line_items_best_before_idx ON pcf.line_items (best_before);
CREATE INDEX IF NOT EXISTS documents_container_code_idx ON pcf.documents (container_code);
`

// lineItemColumns is the COPY column order used by SaveDocument
var lineItemColumns = []string{
	"document_id", "position", "product", "description",
	"batch", "best_before", "days", "short_coded",
}

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	UserID           string
	Filename         string
	MimeType         string
	Status           string
	Progress         int
	DocumentID       string
	LineItems        int
	Rejected         int
	ProcessingTimeMs int64
	ErrorCode        string
	ErrorMessage     string
	Metadata         map[string]interface{}
}

// Job is a processing_jobs row
type Job struct {
	ID               string                 `json:"id"`
	UserID           string                 `json:"userId"`
	Filename         string                 `json:"filename,omitempty"`
	MimeType         string                 `json:"mimeType,omitempty"`
	Status           string                 `json:"status"`
	Progress         int                    `json:"progress"`
	DocumentID       string                 `json:"documentId,omitempty"`
	LineItems        int                    `json:"lineItems"`
	Rejected         int                    `json:"rejected"`
	ProcessingTimeMs int64                  `json:"processingTimeMs,omitempty"`
	ErrorCode        string                 `json:"errorCode,omitempty"`
	ErrorMessage     string                 `json:"errorMessage,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
}

// DocumentRecord is one reconstructed page ready to persist
type DocumentRecord struct {
	ID            string
	JobID         string
	UserID        string
	Filename      string
	ContainerCode string
	PageInfo      *pcf.PageInfo
	HeaderFields  map[string]string
	RouteNumber   string
	BusinessName  string
	RouteVerified *bool
	Rejected      int
	Diagnostics   []pcf.Diagnostic
	LineItems     []pcf.ProcessedItem
}

// ErrJobNotFound is returned by GetJob for unknown IDs
var ErrJobNotFound = errors.New("job not found")

// ErrDocumentNotFound is returned by DeleteDocument for unknown IDs
var ErrDocumentNotFound = errors.New("document not found")

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{db: db}, nil
}

// EnsureSchema creates the pcf schema and tables
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to create pcf schema: %w", err)
	}
	return nil
}

// UpdateJobStatus upserts a job status row
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Status rows may arrive before the API has created the job, so insert on first sight
	query := `
		INSERT INTO pcf.processing_jobs (
			id, user_id, filename, mime_type, status, progress,
			document_id, line_items, rejected, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($2, ''), 'anonymous'), NULLIF($3, ''), NULLIF($4, ''),
			$5, $6,
			CASE WHEN $7 = '' THEN NULL ELSE $7::uuid END,
			$8, $9, NULLIF($10, 0),
			NULLIF($11, ''), NULLIF($12, ''),
			COALESCE($13::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			progress = GREATEST(EXCLUDED.progress, pcf.processing_jobs.progress),
			document_id = COALESCE(EXCLUDED.document_id, pcf.processing_jobs.document_id),
			line_items = COALESCE(EXCLUDED.line_items, pcf.processing_jobs.line_items),
			rejected = COALESCE(EXCLUDED.rejected, pcf.processing_jobs.rejected),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, pcf.processing_jobs.processing_time_ms),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			metadata = pcf.processing_jobs.metadata || EXCLUDED.metadata,
			filename = COALESCE(EXCLUDED.filename, pcf.processing_jobs.filename),
			mime_type = COALESCE(EXCLUDED.mime_type, pcf.processing_jobs.mime_type),
			updated_at = NOW()
		RETURNING id
	`

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,
		update.UserID,
		update.Filename,
		update.MimeType,
		update.Status,
		clampProgress(update.Progress),
		update.DocumentID,
		nullableCount(update.LineItems, update.DocumentID),
		nullableCount(update.Rejected, update.DocumentID),
		update.ProcessingTimeMs,
		update.ErrorCode,
		update.ErrorMessage,
		metadataJSON,
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}

	return nil
}

// SaveDocument writes a document and its line items in one transaction
func (p *PostgresClient) SaveDocument(ctx context.Context, doc *DocumentRecord) (err error) {
	if doc.ID == "" {
		return fmt.Errorf("document ID is required")
	}

	headerJSON, err := json.Marshal(nonNilFields(doc.HeaderFields))
	if err != nil {
		return fmt.Errorf("failed to marshal header fields: %w", err)
	}
	diagnosticsJSON, err := json.Marshal(nonNilDiagnostics(doc.Diagnostics))
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var pageCurrent, pageTotal sql.NullInt32
	if doc.PageInfo != nil {
		pageCurrent = sql.NullInt32{Int32: int32(doc.PageInfo.Current), Valid: true}
		pageTotal = sql.NullInt32{Int32: int32(doc.PageInfo.Total), Valid: true}
	}

	var routeVerified sql.NullBool
	if doc.RouteVerified != nil {
		routeVerified = sql.NullBool{Bool: *doc.RouteVerified, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pcf.documents (
			id, job_id, user_id, filename, container_code,
			page_current, page_total, header_fields, route_verified,
			route_number, business_name, rejected, diagnostics, created_at
		) VALUES (
			$1::uuid, CASE WHEN $2 = '' THEN NULL ELSE $2::uuid END,
			COALESCE(NULLIF($3, ''), 'anonymous'), NULLIF($4, ''), NULLIF($5, ''),
			$6, $7, $8::jsonb, $9, NULLIF($10, ''), NULLIF($11, ''), $12, $13::jsonb, NOW()
		)`,
		doc.ID, doc.JobID, doc.UserID, doc.Filename, doc.ContainerCode,
		pageCurrent, pageTotal, headerJSON, routeVerified,
		doc.RouteNumber, doc.BusinessName, doc.Rejected, diagnosticsJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to insert document %s: %w", doc.ID, err)
	}

	if len(doc.LineItems) > 0 {
		stmt, prepErr := tx.PrepareContext(ctx, pq.CopyInSchema("pcf", "line_items", lineItemColumns...))
		if prepErr != nil {
			err = fmt.Errorf("failed to prepare line item copy: %w", prepErr)
			return err
		}

		for i, item := range doc.LineItems {
			if _, err = stmt.ExecContext(ctx, lineItemRow(doc.ID, i, item)...); err != nil {
				stmt.Close()
				return fmt.Errorf("failed to copy line item %d: %w", i, err)
			}
		}

		// Flush the COPY buffer
		if _, err = stmt.ExecContext(ctx); err != nil {
			stmt.Close()
			return fmt.Errorf("failed to flush line items: %w", err)
		}
		if err = stmt.Close(); err != nil {
			return fmt.Errorf("failed to close line item copy: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit document %s: %w", doc.ID, err)
	}
	return nil
}

// DeleteDocument removes a document and, by cascade, its line items
func (p *PostgresClient) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := uuid.Parse(documentID); err != nil {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}

	res, err := p.db.ExecContext(ctx, `DELETE FROM pcf.documents WHERE id = $1::uuid`, documentID)
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", documentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	}
	return nil
}

// GetJob retrieves a job by ID
func (p *PostgresClient) GetJob(ctx context.Context, jobID string) (*Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, user_id, filename, mime_type, status, progress,
			document_id, line_items, rejected, processing_time_ms,
			error_code, error_message, metadata, created_at, updated_at
		FROM pcf.processing_jobs
		WHERE id = $1::uuid
	`

	var (
		job                                 Job
		filename, mimeType                  sql.NullString
		documentID, errorCode, errorMessage sql.NullString
		lineItems, rejected                 sql.NullInt32
		processingTimeMs                    sql.NullInt64
		metadataJSON                        []byte
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&job.ID, &job.UserID, &filename, &mimeType, &job.Status, &job.Progress,
		&documentID, &lineItems, &rejected, &processingTimeMs,
		&errorCode, &errorMessage, &metadataJSON, &job.CreatedAt, &job.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job.Filename = filename.String
	job.MimeType = mimeType.String
	job.DocumentID = documentID.String
	job.LineItems = int(lineItems.Int32)
	job.Rejected = int(rejected.Int32)
	job.ProcessingTimeMs = processingTimeMs.Int64
	job.ErrorCode = errorCode.String
	job.ErrorMessage = errorMessage.String

	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	return &job, nil
}

// PurgedItem identifies a deleted line item by its document and row position
type PurgedItem struct {
	DocumentID string
	Position   int
}

// PurgeExpired deletes line items with best-before on or before cutoff, then
// documents older than cutoff that no longer have any line items. It returns
// the deleted items and the IDs of deleted documents.
func (p *PostgresClient) PurgeExpired(ctx context.Context, cutoff time.Time) (items []PurgedItem, documentIDs []string, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	itemRows, err := tx.QueryContext(ctx, `
		DELETE FROM pcf.line_items
		WHERE best_before <= $1
		RETURNING document_id::text, position`, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to purge line items: %w", err)
	}
	for itemRows.Next() {
		var item PurgedItem
		if err = itemRows.Scan(&item.DocumentID, &item.Position); err != nil {
			itemRows.Close()
			return nil, nil, fmt.Errorf("failed to read purged line item: %w", err)
		}
		items = append(items, item)
	}
	itemRows.Close()
	if err = itemRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to purge line items: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		DELETE FROM pcf.documents d
		WHERE d.created_at <= $1
		  AND NOT EXISTS (SELECT 1 FROM pcf.line_items li WHERE li.document_id = d.id)
		RETURNING d.id::text`, cutoff)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to purge empty documents: %w", err)
	}
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("failed to read purged document id: %w", err)
		}
		documentIDs = append(documentIDs, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to purge empty documents: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit purge: %w", err)
	}
	return items, documentIDs, nil
}

// CountExpiringBetween counts line items with best-before in [from, to]
func (p *PostgresClient) CountExpiringBetween(ctx context.Context, from, to time.Time) (int64, error) {
	var n int64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pcf.line_items WHERE best_before BETWEEN $1 AND $2`, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count expiring line items: %w", err)
	}
	return n, nil
}

// Ping checks database connectivity
func (p *PostgresClient) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close closes the database connection
func (p *PostgresClient) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// GetStats returns connection pool statistics
func (p *PostgresClient) GetStats() sql.DBStats {
	return p.db.Stats()
}

// lineItemRow builds the COPY values for one item, in lineItemColumns order
func lineItemRow(documentID string, position int, item pcf.ProcessedItem) []interface{} {
	var bestBefore interface{}
	if t, ok := item.BestBeforeDate(); ok {
		bestBefore = t
	}
	return []interface{}{
		documentID,
		position,
		item.Product,
		item.Description,
		nullString(item.Batch),
		bestBefore,
		nullString(item.Days),
		item.ShortCoded,
	}
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}
	if progress > 100 {
		return 100
	}
	return progress
}

// nullableCount keeps counters NULL until a document exists for the job
func nullableCount(n int, documentID string) interface{} {
	if documentID == "" {
		return nil
	}
	return n
}

func nonNilFields(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilDiagnostics(d []pcf.Diagnostic) []pcf.Diagnostic {
	if d == nil {
		return []pcf.Diagnostic{}
	}
	return d
}
