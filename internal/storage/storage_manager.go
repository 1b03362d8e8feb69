/**
 * Storage Manager for the TextRealign Worker
 *
 * Coordinates storage operations across PostgreSQL (realigned tables and job
 * status) and Qdrant (per-line vectors). Line vectors are written first and
 * rolled back if the PostgreSQL insert fails.
 */

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
	"github.com/google/uuid"
)

// StorageManager coordinates PostgreSQL and Qdrant operations
type StorageManager struct {
	postgres *PostgresClient
	qdrant   *QdrantClient // nil when no Qdrant address is configured
}

// LineVector is one realigned line and its embedding
type LineVector struct {
	Line   tabular.Record
	Vector []float32
}

// RealignmentInput represents a realigned table ready to be stored
type RealignmentInput struct {
	JobID       string
	SchemaName  string
	TSV         string
	WordCount   int
	LineCount   int
	Passes      int
	Comparisons int
	Merges      int
	Duration    time.Duration
	Pages       []int
	Lines       []LineVector // optional, indexed in Qdrant when present
}

// RealignmentOutput represents a stored realignment with its IDs
type RealignmentOutput struct {
	ID           string
	JobID        string
	IndexedLines int
	CreatedAt    time.Time
}

// LineSearchResult is a realigned line matched by similarity search
type LineSearchResult struct {
	PointID  string
	JobID    string
	ResultID string
	Line     tabular.Record
	Score    float32
}

// NewStorageManager creates a new storage manager. An empty qdrantAddress
// disables the line index.
func NewStorageManager(postgresURL string, qdrantAddress string, qdrantCollection string) (*StorageManager, error) {
	postgres, err := NewPostgresClient(postgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize PostgreSQL client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := postgres.EnsureSchema(ctx); err != nil {
		postgres.Close()
		return nil, err
	}

	sm := &StorageManager{postgres: postgres}
	if qdrantAddress == "" {
		return sm, nil
	}

	qdrant, err := NewQdrantClient(qdrantAddress, qdrantCollection)
	if err != nil {
		postgres.Close()
		return nil, fmt.Errorf("failed to initialize Qdrant client: %w", err)
	}
	sm.qdrant = qdrant
	return sm, nil
}

// IndexingEnabled reports whether line vectors can be stored
func (sm *StorageManager) IndexingEnabled() bool {
	return sm.qdrant != nil
}

// StoreRealignment stores a realigned table and, when vectors are supplied
// and Qdrant is configured, indexes its lines
func (sm *StorageManager) StoreRealignment(ctx context.Context, input *RealignmentInput) (*RealignmentOutput, error) {
	if input == nil {
		return nil, fmt.Errorf("input is required")
	}
	if input.JobID == "" {
		return nil, fmt.Errorf("job ID is required")
	}

	resultID := uuid.New().String()

	// Step 1: Store line vectors in Qdrant first (fails fast if a vector is invalid)
	var pointIDs []string
	if sm.qdrant != nil && len(input.Lines) > 0 {
		points := linePoints(input.JobID, resultID, input.Lines)
		if err := sm.qdrant.UpsertPoints(ctx, points); err != nil {
			return nil, fmt.Errorf("failed to store line vectors in Qdrant: %w", err)
		}
		pointIDs = make([]string, len(points))
		for i, p := range points {
			pointIDs[i] = p.ID
		}
	}

	// Step 2: Store the table in PostgreSQL
	pages := make([]int64, len(input.Pages))
	for i, p := range input.Pages {
		pages[i] = int64(p)
	}
	createdAt, err := sm.postgres.InsertRealignment(ctx, &Realignment{
		ID:          resultID,
		JobID:       input.JobID,
		SchemaName:  input.SchemaName,
		TSV:         input.TSV,
		WordCount:   input.WordCount,
		LineCount:   input.LineCount,
		Passes:      input.Passes,
		Comparisons: input.Comparisons,
		Merges:      input.Merges,
		DurationMs:  input.Duration.Milliseconds(),
		Pages:       pages,
	})
	if err != nil {
		// Rollback: Delete Qdrant points
		if len(pointIDs) > 0 {
			sm.qdrant.DeletePoints(ctx, pointIDs)
		}
		return nil, err
	}

	return &RealignmentOutput{
		ID:           resultID,
		JobID:        input.JobID,
		IndexedLines: len(pointIDs),
		CreatedAt:    createdAt,
	}, nil
}

// GetRealignment returns the latest realignment stored for a job
func (sm *StorageManager) GetRealignment(ctx context.Context, jobID string) (*Realignment, error) {
	return sm.postgres.GetRealignmentByJobID(ctx, jobID)
}

// SearchLines returns the realigned lines most similar to queryVector
func (sm *StorageManager) SearchLines(ctx context.Context, queryVector []float32, limit int) ([]*LineSearchResult, error) {
	if sm.qdrant == nil {
		return nil, fmt.Errorf("line index is not configured")
	}

	points, err := sm.qdrant.SearchVectors(ctx, queryVector, limit)
	if err != nil {
		return nil, err
	}

	results := make([]*LineSearchResult, 0, len(points))
	for _, point := range points {
		result := lineFromPayload(point.Payload)
		result.PointID = point.ID
		result.Score = point.Score
		results = append(results, result)
	}
	return results, nil
}

// UpdateJobStatus updates job status in PostgreSQL
func (sm *StorageManager) UpdateJobStatus(ctx context.Context, update *JobUpdate) error {
	return sm.postgres.UpdateJobStatus(ctx, update)
}

// GetJobByID retrieves job by ID
func (sm *StorageManager) GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error) {
	return sm.postgres.GetJobByID(ctx, jobID)
}

// Ping checks the PostgreSQL connection
func (sm *StorageManager) Ping(ctx context.Context) error {
	return sm.postgres.Ping(ctx)
}

// GetStats returns statistics from both systems
func (sm *StorageManager) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pgStats := sm.postgres.GetStats()

	stats := map[string]interface{}{
		"postgres": map[string]interface{}{
			"max_open_connections": pgStats.MaxOpenConnections,
			"open_connections":     pgStats.OpenConnections,
			"in_use":               pgStats.InUse,
			"idle":                 pgStats.Idle,
			"wait_count":           pgStats.WaitCount,
			"wait_duration":        pgStats.WaitDuration.String(),
		},
	}

	if sm.qdrant != nil {
		qdrantStats, err := sm.qdrant.GetCollectionInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get Qdrant stats: %w", err)
		}
		stats["qdrant"] = qdrantStats
	}
	return stats, nil
}

// Close closes all connections
func (sm *StorageManager) Close() error {
	var pgErr, qdErr error

	if sm.postgres != nil {
		pgErr = sm.postgres.Close()
	}
	if sm.qdrant != nil {
		qdErr = sm.qdrant.Close()
	}

	if pgErr != nil {
		return fmt.Errorf("failed to close PostgreSQL: %w", pgErr)
	}
	if qdErr != nil {
		return fmt.Errorf("failed to close Qdrant: %w", qdErr)
	}
	return nil
}

func linePoints(jobID, resultID string, lines []LineVector) []*VectorPoint {
	points := make([]*VectorPoint, len(lines))
	for i, lv := range lines {
		points[i] = &VectorPoint{
			ID:     uuid.New().String(),
			Vector: lv.Vector,
			Payload: map[string]interface{}{
				"job_id":    jobID,
				"result_id": resultID,
				"page":      lv.Line.Page,
				"left":      lv.Line.Left,
				"top":       lv.Line.Top,
				"width":     lv.Line.Width,
				"height":    lv.Line.Height,
				"conf":      lv.Line.Conf,
				"text":      lv.Line.Text,
			},
		}
	}
	return points
}

func lineFromPayload(payload map[string]interface{}) *LineSearchResult {
	str := func(key string) string {
		s, _ := payload[key].(string)
		return s
	}
	num := func(key string) int {
		switch v := payload[key].(type) {
		case int64:
			return int(v)
		case int:
			return v
		case float64:
			return int(v)
		}
		return 0
	}

	conf, _ := payload["conf"].(float64)
	return &LineSearchResult{
		JobID:    str("job_id"),
		ResultID: str("result_id"),
		Line: tabular.Record{
			Page:   num("page"),
			Left:   num("left"),
			Top:    num("top"),
			Width:  num("width"),
			Height: num("height"),
			Conf:   conf,
			Text:   str("text"),
		},
	}
}
