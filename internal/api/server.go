/**
 * HTTP API for the TextRealign Worker
 *
 * Exposes the table operations directly (filter, realign), the full
 * document pipeline, job submission, job/result lookup, semantic search
 * over indexed lines and queue/storage statistics.
 */

package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/adverant/nexus/textrealign-worker/internal/logging"
	"github.com/adverant/nexus/textrealign-worker/internal/processor"
	"github.com/adverant/nexus/textrealign-worker/internal/queue"
	"github.com/adverant/nexus/textrealign-worker/internal/realign"
	"github.com/adverant/nexus/textrealign-worker/internal/storage"
	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefaultMaxBodySize caps request bodies when no limit is configured
const DefaultMaxBodySize = 64 << 20

// Line search result limits
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// JobQueue submits jobs to one of the queue backends
type JobQueue interface {
	Enqueue(ctx context.Context, payload *queue.JobPayload, maxRetries int) (string, error)
	GetStats(ctx context.Context) (*queue.QueueStats, error)
}

// JobStore reads job status and stored results
type JobStore interface {
	GetJobByID(ctx context.Context, jobID string) (map[string]interface{}, error)
	GetRealignment(ctx context.Context, jobID string) (*storage.Realignment, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
	Ping(ctx context.Context) error
}

// LineIndex finds indexed lines by vector similarity
type LineIndex interface {
	SearchLines(ctx context.Context, queryVector []float32, limit int) ([]*storage.LineSearchResult, error)
}

// ServerConfig holds the API dependencies. Processor, Queue, Store and the
// Embedder/Lines pair are optional; their routes answer 503 when unset.
type ServerConfig struct {
	Processor     processor.DocumentProcessorInterface
	Queue         JobQueue
	Store         JobStore
	Embedder      processor.Embedder
	Lines         LineIndex
	Realign       realign.Options
	ConfThreshold int
	MaxBodySize   int64
	MaxRetries    int
	Logger        *logging.Logger
}

// Server routes HTTP requests
type Server struct {
	config *ServerConfig
	router *gin.Engine
	logger *logging.Logger
}

// NewServer validates the defaults and builds the router
func NewServer(cfg *ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Realign.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConfThreshold < 0 {
		return nil, errors.NewInvalidOptionsError("confidence threshold must not be negative")
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("api")
	}

	s := &Server{config: cfg, logger: logger}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())

	s.router.GET("/health", s.health)
	v1 := s.router.Group("/v1")
	v1.POST("/filter", s.filter)
	v1.POST("/realign", s.realign)
	v1.POST("/documents", s.processDocument)
	v1.POST("/jobs", s.submitJob)
	v1.GET("/jobs/:id", s.getJob)
	v1.GET("/jobs/:id/result", s.getResult)
	v1.GET("/lines/search", s.searchLines)
	v1.GET("/stats", s.stats)

	return s, nil
}

// Handler returns the router for use with http.Server
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) health(c *gin.Context) {
	if s.config.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.config.Store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) filter(c *gin.Context) {
	threshold := s.config.ConfThreshold
	if v := c.Query("threshold"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(c, errors.NewInvalidOptionsError(fmt.Sprintf("threshold %q is not an integer", v)))
			return
		}
		threshold = n
	}
	if threshold < 0 {
		s.writeError(c, errors.NewInvalidOptionsError("confidence threshold must not be negative"))
		return
	}

	body, ok := s.readBody(c)
	if !ok {
		return
	}
	out, err := tabular.FilterText(string(body), threshold)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, processor.MimeTypeTSV+"; charset=utf-8", []byte(out))
}

func (s *Server) realign(c *gin.Context) {
	params, err := realignParams(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	opts, threshold, skipFilter := params.Resolve(s.config.Realign, s.config.ConfThreshold)
	if threshold < 0 {
		s.writeError(c, errors.NewInvalidOptionsError("confidence threshold must not be negative"))
		return
	}

	body, ok := s.readBody(c)
	if !ok {
		return
	}
	data := string(body)
	if !skipFilter {
		if data, err = tabular.FilterText(data, threshold); err != nil {
			s.writeError(c, err)
			return
		}
	}

	out, stats, err := realign.RealignText(c.Request.Context(), data, opts)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("X-Realign-Passes", strconv.Itoa(stats.Passes))
	c.Header("X-Realign-Merges", strconv.Itoa(stats.Merges))
	c.Header("X-Realign-Comparisons", strconv.Itoa(stats.Comparisons))
	c.Data(http.StatusOK, processor.MimeTypeTSV+"; charset=utf-8", []byte(out))
}

func (s *Server) processDocument(c *gin.Context) {
	if s.config.Processor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "document processing is not configured"})
		return
	}
	params, err := realignParams(c)
	if err != nil {
		s.writeError(c, err)
		return
	}
	body, ok := s.readBody(c)
	if !ok {
		return
	}

	req := &processor.ProcessRequest{
		JobID:      uuid.NewString(),
		UserID:     c.Query("user_id"),
		Filename:   c.Query("filename"),
		MimeType:   bodyMimeType(c),
		FileSize:   int64(len(body)),
		FileBuffer: body,
		Realign:    params,
	}

	// The job row makes the result reachable through /v1/jobs/:id
	ctx := c.Request.Context()
	start := time.Now()
	s.updateJob(ctx, req.JobID, "processing", 0, map[string]interface{}{
		"filename": req.Filename,
		"mimeType": req.MimeType,
		"fileSize": req.FileSize,
		"userId":   req.UserID,
	})
	result, err := s.config.Processor.ProcessDocument(ctx, req)
	if err != nil {
		s.updateJob(ctx, req.JobID, "failed", 100, queue.FailedMetadata(err, time.Since(start), 1))
		s.writeError(c, err)
		return
	}
	s.updateJob(ctx, req.JobID, "completed", 100, queue.CompletedMetadata(result))
	c.JSON(http.StatusOK, gin.H{"jobId": req.JobID, "result": result})
}

// updateJob records job status, logging failures instead of failing the request
func (s *Server) updateJob(ctx context.Context, jobID, status string, progress int, metadata map[string]interface{}) {
	if err := s.config.Processor.UpdateJobStatus(context.WithoutCancel(ctx), jobID, status, progress, metadata); err != nil {
		s.logger.Warn("Failed to update job status", "jobId", jobID, "status", status, "error", err)
	}
}

// submitJob accepts either a JSON job payload or a raw file body
func (s *Server) submitJob(c *gin.Context) {
	if s.config.Queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue is not configured"})
		return
	}

	payload := &queue.JobPayload{}
	if strings.HasPrefix(c.ContentType(), "application/json") {
		if err := c.ShouldBindJSON(payload); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	} else {
		params, err := realignParams(c)
		if err != nil {
			s.writeError(c, err)
			return
		}
		body, ok := s.readBody(c)
		if !ok {
			return
		}
		payload.UserID = c.Query("user_id")
		payload.Filename = c.Query("filename")
		payload.MimeType = bodyMimeType(c)
		payload.FileSize = int64(len(body))
		payload.FileBuffer = body
		payload.Realign = params
	}
	if payload.JobID == "" {
		payload.JobID = uuid.NewString()
	}
	if err := payload.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if payload.Realign != nil && len(payload.Realign.Patterns) > 0 {
		if err := processor.ValidatePatterns(payload.Realign.Patterns); err != nil {
			s.writeError(c, err)
			return
		}
	}

	queueID, err := s.config.Queue.Enqueue(c.Request.Context(), payload, s.config.MaxRetries)
	if err != nil {
		s.logger.Error("Failed to enqueue job", "jobId", payload.JobID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": payload.JobID, "queueId": queueID, "status": "queued"})
}

func (s *Server) getJob(c *gin.Context) {
	if s.config.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store is not configured"})
		return
	}
	id := c.Param("id")
	if err := queue.ValidateJobID(id); err != nil {
		s.writeError(c, err)
		return
	}
	job, err := s.config.Store.GetJobByID(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) getResult(c *gin.Context) {
	if s.config.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job store is not configured"})
		return
	}
	id := c.Param("id")
	if err := queue.ValidateJobID(id); err != nil {
		s.writeError(c, err)
		return
	}
	r, err := s.config.Store.GetRealignment(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if c.Query("format") == "tsv" {
		c.Data(http.StatusOK, processor.MimeTypeTSV+"; charset=utf-8", []byte(r.TSV))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":          r.ID,
		"jobId":       r.JobID,
		"schema":      r.SchemaName,
		"tsv":         r.TSV,
		"wordCount":   r.WordCount,
		"lineCount":   r.LineCount,
		"passes":      r.Passes,
		"comparisons": r.Comparisons,
		"merges":      r.Merges,
		"durationMs":  r.DurationMs,
		"pages":       r.Pages,
		"createdAt":   r.CreatedAt,
	})
}

// searchLines embeds the query and returns the most similar indexed lines
func (s *Server) searchLines(c *gin.Context) {
	if s.config.Embedder == nil || s.config.Lines == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "line search is not configured"})
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		s.writeError(c, errors.NewInvalidOptionsError("query parameter q is required"))
		return
	}
	limit := DefaultSearchLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxSearchLimit {
			s.writeError(c, errors.NewInvalidOptionsError(
				fmt.Sprintf("limit %q must be an integer between 1 and %d", v, MaxSearchLimit)))
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	vectors, err := s.config.Embedder.GenerateEmbeddingBatch(ctx, []string{q})
	if err != nil || len(vectors) != 1 {
		s.logger.Error("Failed to embed search query", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("failed to embed query: %v", err)})
		return
	}
	matches, err := s.config.Lines.SearchLines(ctx, vectors[0], limit)
	if err != nil {
		s.writeError(c, err)
		return
	}

	results := make([]gin.H, len(matches))
	for i, m := range matches {
		results[i] = gin.H{
			"score":    m.Score,
			"jobId":    m.JobID,
			"resultId": m.ResultID,
			"page":     m.Line.Page,
			"left":     m.Line.Left,
			"top":      m.Line.Top,
			"width":    m.Line.Width,
			"height":   m.Line.Height,
			"conf":     m.Line.Conf,
			"text":     m.Line.Text,
		}
	}
	c.JSON(http.StatusOK, gin.H{"query": q, "results": results})
}

// stats reports queue counts and storage connection statistics
func (s *Server) stats(c *gin.Context) {
	if s.config.Queue == nil && s.config.Store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "neither job queue nor job store is configured"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	out := gin.H{}
	if s.config.Queue != nil {
		qs, err := s.config.Queue.GetStats(ctx)
		if err != nil {
			s.writeError(c, err)
			return
		}
		out["queue"] = qs
	}
	if s.config.Store != nil {
		ss, err := s.config.Store.GetStats(ctx)
		if err != nil {
			s.writeError(c, err)
			return
		}
		out["storage"] = ss
	}
	c.JSON(http.StatusOK, out)
}

// readBody reads the request body under the size limit, writing the error
// response itself when it fails
func (s *Server) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("body exceeds %d bytes", tooLarge.Limit)})
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		}
		return nil, false
	}
	return body, true
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	}
	if pe, ok := errors.AsProcessingError(err); ok {
		c.JSON(status, pe.ToMap())
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	if stderrors.Is(err, storage.ErrNotFound) {
		return http.StatusNotFound
	}
	if stderrors.Is(err, queue.ErrInvalidJobID) {
		return http.StatusBadRequest
	}
	switch errors.CodeOf(err) {
	case errors.ErrorParse, errors.ErrorSchemaMismatch, errors.ErrorInvalidOptions:
		return http.StatusBadRequest
	case errors.ErrorIterationLimit:
		return http.StatusUnprocessableEntity
	case errors.ErrorUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case errors.ErrorProcessingTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// realignParams reads the per-request overrides from the query string
func realignParams(c *gin.Context) (*processor.RealignParams, error) {
	params := &processor.RealignParams{}
	ints := []struct {
		name string
		dst  **int
	}{
		{"left_distance", &params.LeftDistance},
		{"top_distance", &params.TopDistance},
		{"conf_threshold", &params.ConfThreshold},
		{"max_passes", &params.MaxPasses},
	}
	for _, p := range ints {
		v, ok := c.GetQuery(p.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf("%s %q is not an integer", p.name, v))
		}
		*p.dst = &n
	}
	if v, ok := c.GetQuery("skip_filter"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf("skip_filter %q is not a boolean", v))
		}
		params.SkipFilter = b
	}
	if v, ok := c.GetQuery("patterns"); ok {
		if err := json.Unmarshal([]byte(v), &params.Patterns); err != nil {
			return nil, errors.NewInvalidOptionsError(fmt.Sprintf("patterns is not a JSON array of patterns: %v", err))
		}
	}
	return params, nil
}

// bodyMimeType returns the declared type of a raw upload, ignoring the
// generic ones the processor sniffs anyway
func bodyMimeType(c *gin.Context) string {
	switch ct := c.ContentType(); ct {
	case "", "application/octet-stream", "application/x-www-form-urlencoded":
		return ""
	default:
		return ct
	}
}
