/**
 * PostgreSQL Client for the TextRealign Worker
 *
 * Handles job persistence and storage of realigned tables.
 */

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a job or result does not exist
var ErrNotFound = stderrors.New("not found")

// PostgresClient handles database operations
type PostgresClient struct {
	db *sql.DB
}

// JobUpdate represents a job status update
type JobUpdate struct {
	JobID            string
	Status           string
	Confidence       float64
	ProcessingTimeMs int64
	ResultID         string
	ErrorCode        string
	ErrorMessage     string
	OCREngine        string
	Metadata         map[string]interface{}
}

// Realignment is one stored realigned table
type Realignment struct {
	ID          string
	JobID       string
	SchemaName  string
	TSV         string
	WordCount   int
	LineCount   int
	Passes      int
	Comparisons int
	Merges      int
	DurationMs  int64
	Pages       []int64
	CreatedAt   time.Time
}

var schemaStatements = []string{
	`CREATE SCHEMA IF NOT EXISTS textrealign`,
	`CREATE TABLE IF NOT EXISTS textrealign.processing_jobs (
		id UUID PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT 'anonymous',
		filename TEXT NOT NULL DEFAULT 'unknown',
		mime_type TEXT,
		file_size BIGINT,
		status TEXT NOT NULL,
		confidence NUMERIC(5,4),
		processing_time_ms BIGINT,
		result_id UUID,
		error_code TEXT,
		error_message TEXT,
		ocr_engine TEXT,
		metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS textrealign.realignment_results (
		id UUID PRIMARY KEY,
		job_id UUID NOT NULL,
		schema_name TEXT NOT NULL,
		tsv TEXT NOT NULL,
		word_count INTEGER NOT NULL,
		line_count INTEGER NOT NULL,
		passes INTEGER NOT NULL,
		comparisons BIGINT NOT NULL,
		merges INTEGER NOT NULL,
		duration_ms BIGINT NOT NULL,
		pages INTEGER[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS realignment_results_job_id_idx
		ON textrealign.realignment_results (job_id, created_at DESC)`,
}

// sanitizeConfidence rounds confidence to 4 decimal places and clamps it
// to [0.0, 1.0] so it fits NUMERIC(5,4)
func sanitizeConfidence(confidence float64) float64 {
	if confidence < 0.0 {
		return 0.0
	}
	if confidence > 1.0 {
		return 1.0
	}
	return float64(int(confidence*10000+0.5)) / 10000
}

// NewPostgresClient creates a new PostgreSQL client
func NewPostgresClient(databaseURL string) (*PostgresClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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

// EnsureSchema creates the textrealign schema and tables if missing
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// UpdateJobStatus upserts the job row. The first update creates the job.
func (p *PostgresClient) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	if update.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if update.Status == "" {
		return fmt.Errorf("status is required")
	}

	sanitizedConfidence := sanitizeConfidence(update.Confidence)

	metadata := update.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metadataJSON = sanitizeJSONForPostgres(metadataJSON)

	query := `
		INSERT INTO textrealign.processing_jobs (
			id, user_id, filename, mime_type, file_size,
			status, confidence, processing_time_ms, result_id,
			error_code, error_message, ocr_engine, metadata,
			created_at, updated_at
		) VALUES (
			$1::uuid, COALESCE(NULLIF($13, ''), 'anonymous'), COALESCE(NULLIF($10, ''), 'unknown'),
			NULLIF($11, ''), NULLIF($12, 0),
			$2, NULLIF($3::NUMERIC(5,4), 0), NULLIF($4, 0),
			CASE WHEN $5 = '' THEN NULL ELSE $5::uuid END,
			NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''),
			COALESCE($9::jsonb, '{}'::jsonb),
			NOW(), NOW()
		)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			confidence = COALESCE(EXCLUDED.confidence, textrealign.processing_jobs.confidence),
			processing_time_ms = COALESCE(EXCLUDED.processing_time_ms, textrealign.processing_jobs.processing_time_ms),
			result_id = COALESCE(EXCLUDED.result_id, textrealign.processing_jobs.result_id),
			error_code = EXCLUDED.error_code,
			error_message = EXCLUDED.error_message,
			ocr_engine = COALESCE(EXCLUDED.ocr_engine, textrealign.processing_jobs.ocr_engine),
			metadata = textrealign.processing_jobs.metadata || EXCLUDED.metadata,
			mime_type = COALESCE(EXCLUDED.mime_type, textrealign.processing_jobs.mime_type),
			file_size = COALESCE(EXCLUDED.file_size, textrealign.processing_jobs.file_size),
			updated_at = NOW()
		RETURNING id
	`

	var filename, mimeType, userID string
	var fileSize int64
	if update.Metadata != nil {
		if fn, ok := update.Metadata["filename"].(string); ok {
			filename = fn
		}
		if mt, ok := update.Metadata["mimeType"].(string); ok {
			mimeType = mt
		}
		switch fs := update.Metadata["fileSize"].(type) {
		case int64:
			fileSize = fs
		case int:
			fileSize = int64(fs)
		case float64:
			fileSize = int64(fs)
		}
		if uid, ok := update.Metadata["userId"].(string); ok {
			userID = uid
		}
	}

	var returnedID string
	err = p.db.QueryRowContext(
		ctx,
		query,
		update.JobID,            // $1
		update.Status,           // $2
		sanitizedConfidence,     // $3
		update.ProcessingTimeMs, // $4
		update.ResultID,         // $5
		update.ErrorCode,        // $6
		update.ErrorMessage,     // $7
		update.OCREngine,        // $8
		metadataJSON,            // $9
		filename,                // $10
		mimeType,                // $11
		fileSize,                // $12
		userID,                  // $13
	).Scan(&returnedID)

	if err != nil {
		return fmt.Errorf("failed to update job status (job=%s, status=%s): %w",
			update.JobID, update.Status, err)
	}
	return nil
}

// InsertRealignment stores a realigned table and returns its creation time
func (p *PostgresClient) InsertRealignment(ctx context.Context, r *Realignment) (time.Time, error) {
	query := `
		INSERT INTO textrealign.realignment_results (
			id, job_id, schema_name, tsv, word_count, line_count,
			passes, comparisons, merges, duration_ms, pages, created_at
		) VALUES ($1::uuid, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
		RETURNING created_at
	`

	var createdAt time.Time
	err := p.db.QueryRowContext(
		ctx,
		query,
		r.ID,
		r.JobID,
		r.SchemaName,
		sanitizeText(r.TSV),
		r.WordCount,
		r.LineCount,
		r.Passes,
		r.Comparisons,
		r.Merges,
		r.DurationMs,
		pq.Array(r.Pages),
	).Scan(&createdAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to store realignment: %w", err)
	}
	return createdAt, nil
}

// GetRealignmentByJobID returns the most recent realignment of a job
func (p *PostgresClient) GetRealignmentByJobID(ctx context.Context, jobID string) (*Realignment, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT id, job_id, schema_name, tsv, word_count, line_count,
			passes, comparisons, merges, duration_ms, pages, created_at
		FROM textrealign.realignment_results
		WHERE job_id = $1::uuid
		ORDER BY created_at DESC
		LIMIT 1
	`

	var r Realignment
	var pages pq.Int64Array
	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&r.ID, &r.JobID, &r.SchemaName, &r.TSV, &r.WordCount, &r.LineCount,
		&r.Passes, &r.Comparisons, &r.Merges, &r.DurationMs, &pages, &r.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("realignment for job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get realignment: %w", err)
	}
	r.Pages = []int64(pages)
	return &r, nil
}

// GetJobByID retrieves a job by ID
func (p *PostgresClient) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	query := `
		SELECT
			id, user_id, filename, mime_type, file_size, status,
			confidence, processing_time_ms, result_id,
			error_code, error_message, ocr_engine,
			metadata, created_at, updated_at
		FROM textrealign.processing_jobs
		WHERE id = $1::uuid
	`

	var (
		id, userID, filename, status      string
		mimeType                          sql.NullString
		fileSize                          sql.NullInt64
		confidence                        sql.NullFloat64
		processingTimeMs                  sql.NullInt64
		resultID, errorCode, errorMessage sql.NullString
		ocrEngine                         sql.NullString
		metadataJSON                      []byte
		createdAt, updatedAt              time.Time
	)

	err := p.db.QueryRowContext(ctx, query, jobID).Scan(
		&id, &userID, &filename, &mimeType, &fileSize, &status,
		&confidence, &processingTimeMs, &resultID,
		&errorCode, &errorMessage, &ocrEngine,
		&metadataJSON, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var metadata map[string]interface{}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	result := map[string]interface{}{
		"id":        id,
		"userId":    userID,
		"filename":  filename,
		"status":    status,
		"createdAt": createdAt,
		"updatedAt": updatedAt,
		"metadata":  metadata,
	}
	if mimeType.Valid {
		result["mimeType"] = mimeType.String
	}
	if fileSize.Valid {
		result["fileSize"] = fileSize.Int64
	}
	if confidence.Valid {
		result["confidence"] = confidence.Float64
	}
	if processingTimeMs.Valid {
		result["processingTimeMs"] = processingTimeMs.Int64
	}
	if resultID.Valid {
		result["resultId"] = resultID.String
	}
	if errorCode.Valid {
		result["errorCode"] = errorCode.String
	}
	if errorMessage.Valid {
		result["errorMessage"] = errorMessage.String
	}
	if ocrEngine.Valid {
		result["ocrEngine"] = ocrEngine.String
	}

	return result, nil
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

var (
	jsonNullEscape    = regexp.MustCompile(`\\u0000`)
	jsonControlEscape = regexp.MustCompile(`\\u00[01][0-9a-fA-F]`)
)

// sanitizeJSONForPostgres removes escape sequences JSONB rejects (\u0000)
// and replaces other control character escapes with a space
func sanitizeJSONForPostgres(jsonBytes []byte) []byte {
	result := jsonNullEscape.ReplaceAll(jsonBytes, []byte{})
	return jsonControlEscape.ReplaceAll(result, []byte(" "))
}

// sanitizeText drops NUL bytes, which TEXT columns cannot hold
func sanitizeText(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}
