/**
 * Document Processor for the TextRealign Worker
 *
 * Orchestrates document processing:
 * - image decoding and per-page Tesseract OCR (or a TSV word table as input)
 * - confidence filtering and line realignment of the word table
 * - reading-order layout of the realigned lines
 * - optional VoyageAI line embeddings for the Qdrant line index
 * - persistence of the realigned table in PostgreSQL
 */

package processor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/adverant/nexus/textrealign-worker/internal/logging"
	"github.com/adverant/nexus/textrealign-worker/internal/realign"
	"github.com/adverant/nexus/textrealign-worker/internal/storage"
	"github.com/adverant/nexus/textrealign-worker/internal/tabular"
	"github.com/gabriel-vasile/mimetype"
)

// MimeTypeTSV is the MIME type of word tables accepted without OCR
const MimeTypeTSV = "text/tab-separated-values"

// DefaultRowTolerance groups realigned lines into one layout row
const DefaultRowTolerance = 10

// DocumentProcessorInterface defines the interface for document processing
type DocumentProcessorInterface interface {
	ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error)
	UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error
}

// ResultStore persists realigned tables and job status
type ResultStore interface {
	StoreRealignment(ctx context.Context, input *storage.RealignmentInput) (*storage.RealignmentOutput, error)
	UpdateJobStatus(ctx context.Context, update *storage.JobUpdate) error
	IndexingEnabled() bool
}

// ProcessorConfig holds processor configuration
type ProcessorConfig struct {
	MaxFileSize   int64
	Realign       realign.Options // default distances, pass cap and workers
	ConfThreshold int
	RowTolerance  int
	Store         ResultStore
	OCR           OCREngine
	Decoder       *PageDecoder
	Embedder      Embedder // optional, enables line indexing
	Logger        *logging.Logger
	HTTPClient    *http.Client
}

// RealignParams overrides the configured realignment settings for one job.
// Nil fields keep the configured value.
type RealignParams struct {
	LeftDistance  *int `json:"leftDistance,omitempty"`
	TopDistance   *int `json:"topDistance,omitempty"`
	ConfThreshold *int `json:"confThreshold,omitempty"`
	MaxPasses     *int `json:"maxPasses,omitempty"`
	SkipFilter    bool `json:"skipFilter,omitempty"`

	// Patterns extracts named fields from the realigned pages
	Patterns []FieldPattern `json:"patterns,omitempty"`
}

// Resolve applies the overrides to the defaults and reports whether the
// confidence filter is skipped
func (rp *RealignParams) Resolve(opts realign.Options, threshold int) (realign.Options, int, bool) {
	if rp == nil {
		return opts, threshold, false
	}
	if rp.LeftDistance != nil {
		opts.LeftDistance = *rp.LeftDistance
	}
	if rp.TopDistance != nil {
		opts.TopDistance = *rp.TopDistance
	}
	if rp.MaxPasses != nil {
		opts.MaxPasses = *rp.MaxPasses
	}
	if rp.ConfThreshold != nil {
		threshold = *rp.ConfThreshold
	}
	return opts, threshold, rp.SkipFilter
}

// ProcessRequest represents a document processing request
type ProcessRequest struct {
	JobID      string
	UserID     string
	Filename   string
	MimeType   string
	FileSize   int64
	FileURL    string
	FileBuffer []byte
	Metadata   map[string]interface{}
	Realign    *RealignParams
}

// ProcessResult represents the processing result
type ProcessResult struct {
	ResultID         string  `json:"resultId"`
	Confidence       float64 `json:"confidence"`
	OCREngine        string  `json:"ocrEngine"`
	WordCount        int     `json:"wordCount"`
	LineCount        int     `json:"lineCount"`
	PageCount        int     `json:"pageCount"`
	Passes           int     `json:"passes"`
	Comparisons      int     `json:"comparisons"`
	Merges           int     `json:"merges"`
	IndexedLines     int     `json:"indexedLines"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
	Schema           string  `json:"schema"`
	TSV              string  `json:"tsv"`
	Text             string  `json:"text"`

	Fields []FieldMatch `json:"fields,omitempty"`
}

// DocumentProcessor handles document processing
type DocumentProcessor struct {
	config     *ProcessorConfig
	store      ResultStore
	ocr        OCREngine
	decoder    *PageDecoder
	embedder   Embedder
	layout     *LineLayout
	logger     *logging.Logger
	httpClient *http.Client
}

// NewDocumentProcessor creates a new document processor
func NewDocumentProcessor(cfg *ProcessorConfig) (*DocumentProcessor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("result store is required")
	}
	if err := cfg.Realign.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConfThreshold < 0 {
		return nil, errors.NewInvalidOptionsError("confidence threshold must not be negative")
	}

	p := &DocumentProcessor{
		config:     cfg,
		store:      cfg.Store,
		ocr:        cfg.OCR,
		decoder:    cfg.Decoder,
		embedder:   cfg.Embedder,
		layout:     NewLineLayout(cfg.RowTolerance),
		logger:     cfg.Logger,
		httpClient: cfg.HTTPClient,
	}
	if p.decoder == nil {
		p.decoder = NewPageDecoder(PageDecoderConfig{})
	}
	if p.logger == nil {
		p.logger = logging.NewLogger("processor")
	}
	if p.httpClient == nil {
		p.httpClient = &http.Client{Timeout: 10 * time.Minute}
	}
	if p.ocr == nil {
		p.logger.Warn("No OCR engine configured, only TSV word tables will be accepted")
	}
	if p.embedder != nil && !p.store.IndexingEnabled() {
		p.logger.Warn("Embedding client configured without a line index, embeddings are skipped")
	}
	return p, nil
}

// ProcessDocument processes a document through the complete pipeline
func (p *DocumentProcessor) ProcessDocument(ctx context.Context, req *ProcessRequest) (*ProcessResult, error) {
	start := time.Now()
	p.logger.Info("Starting document processing pipeline", "job", req.JobID, "filename", req.Filename)

	opts, threshold, skipFilter := req.Realign.Resolve(p.config.Realign, p.config.ConfThreshold)
	engine, err := realign.NewEngine(opts, p.logger)
	if err != nil {
		return nil, withJob(err, req.JobID)
	}
	if threshold < 0 {
		return nil, errors.NewInvalidOptionsError("confidence threshold must not be negative").WithJob(req.JobID)
	}
	var patterns []compiledPattern
	if req.Realign != nil {
		if patterns, err = compilePatterns(req.Realign.Patterns); err != nil {
			return nil, withJob(err, req.JobID)
		}
	}

	// Step 1: Download/load file
	fileData, err := p.loadFile(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to load file: %w", err)
	}

	// Step 2: Detect the actual MIME type
	mimeType := detectMimeType(fileData, req.MimeType, req.Filename)
	if mimeType != req.MimeType {
		p.logger.Info("Corrected MIME type", "job", req.JobID, "from", req.MimeType, "to", mimeType)
		req.MimeType = mimeType
	}

	// Step 3: Build the word table
	var ocrResult *OCRResult
	var table *tabular.Table
	switch {
	case mimeType == MimeTypeTSV:
		table, err = tabular.Parse(bytes.NewReader(fileData))
		if err != nil {
			return nil, withJob(err, req.JobID)
		}
		ocrResult = &OCRResult{Engine: "tsv", Confidence: meanRecordConfidence(table.Records)}
	case SupportedImageTypes[mimeType]:
		ocrResult, err = p.recognize(ctx, req.JobID, fileData, mimeType)
		if err != nil {
			return nil, err
		}
		table = ocrResult.Table()
	default:
		return nil, errors.NewUnsupportedFormatError(req.JobID, mimeType)
	}
	wordCount := table.Len()

	// Step 4: Confidence filter
	if !skipFilter {
		table = table.FilterConfidence(threshold)
		p.logger.Debug("Confidence filter applied",
			"job", req.JobID, "threshold", threshold, "kept", table.Len(), "words", wordCount)
	}

	// Step 5: Realign words into lines
	realigned, stats, err := engine.RealignTable(ctx, table)
	if err != nil {
		return nil, withJob(err, req.JobID)
	}
	p.logger.Info("Realignment complete",
		"job", req.JobID,
		"words", table.Len(),
		"lines", realigned.Len(),
		"passes", stats.Passes,
		"merges", stats.Merges,
		"comparisons", stats.Comparisons,
		"duration", stats.Duration)

	// Step 6: Reading-order layout and field extraction
	layout := p.layout.Analyze(realigned.Records)
	fields, err := p.extractFields(ctx, engine, table.Records, layout, patterns)
	if err != nil {
		return nil, withJob(err, req.JobID)
	}

	// Step 7: Line embeddings (non-fatal)
	lineVectors := p.embedLines(ctx, req.JobID, layout.Lines())

	// Step 8: Store
	tsv := realigned.Format()
	stored, err := p.store.StoreRealignment(ctx, &storage.RealignmentInput{
		JobID:       req.JobID,
		SchemaName:  realigned.Schema.Name,
		TSV:         tsv,
		WordCount:   wordCount,
		LineCount:   realigned.Len(),
		Passes:      stats.Passes,
		Comparisons: stats.Comparisons,
		Merges:      stats.Merges,
		Duration:    stats.Duration,
		Pages:       pageNumbers(layout),
		Lines:       lineVectors,
	})
	if err != nil {
		return nil, errors.NewStorageFailedError(req.JobID, err)
	}

	confidence := ocrResult.Confidence
	if layout.LineCount > 0 {
		confidence = ocrResult.Confidence*0.4 + layout.Confidence*0.6
	}

	result := &ProcessResult{
		ResultID:         stored.ID,
		Confidence:       confidence,
		OCREngine:        ocrResult.Engine,
		WordCount:        wordCount,
		LineCount:        realigned.Len(),
		PageCount:        max(len(ocrResult.Pages), len(layout.Pages)),
		Passes:           stats.Passes,
		Comparisons:      stats.Comparisons,
		Merges:           stats.Merges,
		IndexedLines:     stored.IndexedLines,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
		Schema:           realigned.Schema.Name,
		TSV:              tsv,
		Text:             layout.Text(),
		Fields:           fields,
	}

	p.logger.Info("Processing pipeline complete",
		"job", req.JobID, "result", result.ResultID, "confidence", fmt.Sprintf("%.2f", result.Confidence))
	return result, nil
}

// recognize decodes the image and OCRs every page
func (p *DocumentProcessor) recognize(ctx context.Context, jobID string, data []byte, mimeType string) (*OCRResult, error) {
	if p.ocr == nil {
		return nil, errors.NewUnsupportedFormatError(jobID, mimeType)
	}

	start := time.Now()
	pages, err := p.decoder.Decode(data, mimeType)
	if err != nil {
		return nil, withJob(err, jobID)
	}

	result := &OCRResult{Engine: p.ocr.Name(), Pages: make([]OCRPage, 0, len(pages))}
	var allWords []OCRWord
	for _, page := range pages {
		ocrPage, err := p.ocr.Recognize(ctx, page)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.NewProcessingTimeoutError(jobID, time.Since(start), ctx.Err())
			}
			return nil, errors.NewOCRFailedError(jobID, page.Number, err)
		}
		ocrPage.PageNumber = page.Number
		result.Pages = append(result.Pages, *ocrPage)
		allWords = append(allWords, ocrPage.Words...)
		p.logger.Debug("Page recognized", "job", jobID, "page", page.Number, "words", len(ocrPage.Words))
	}

	result.Confidence = meanWordConfidence(allWords)
	result.Duration = time.Since(start)
	p.logger.Info("OCR complete",
		"job", jobID, "engine", result.Engine, "pages", len(result.Pages),
		"words", len(allWords), "duration", result.Duration)
	return result, nil
}

// embedLines embeds non-empty lines when a line index is available. Failures
// are logged and the table is stored without vectors.
func (p *DocumentProcessor) embedLines(ctx context.Context, jobID string, lines []tabular.Record) []storage.LineVector {
	if p.embedder == nil || !p.store.IndexingEnabled() {
		return nil
	}

	var (
		kept  []tabular.Record
		texts []string
	)
	for _, line := range lines {
		if strings.TrimSpace(line.Text) == "" {
			continue
		}
		kept = append(kept, line)
		texts = append(texts, line.Text)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := p.embedder.GenerateEmbeddingBatch(ctx, texts)
	if err != nil {
		p.logger.Warn("Line embedding failed, lines will not be searchable", "job", jobID, "error", err)
		return nil
	}

	out := make([]storage.LineVector, len(kept))
	for i := range kept {
		out[i] = storage.LineVector{Line: kept[i], Vector: vectors[i]}
	}
	return out
}

// UpdateJobStatus updates job status in database
func (p *DocumentProcessor) UpdateJobStatus(ctx context.Context, jobID string, status string, progress int, metadata map[string]interface{}) error {
	update := &storage.JobUpdate{
		JobID:    jobID,
		Status:   status,
		Metadata: metadata,
	}

	if metadata != nil {
		if confidence, ok := metadata["confidence"].(float64); ok {
			update.Confidence = confidence
		}
		if processingTime, ok := metadata["processingTime"].(int64); ok {
			update.ProcessingTimeMs = processingTime
		}
		if resultID, ok := metadata["resultId"].(string); ok {
			update.ResultID = resultID
		}
		if engine, ok := metadata["ocrEngine"].(string); ok {
			update.OCREngine = engine
		}
		if errorMsg, ok := metadata["error"].(string); ok {
			update.ErrorCode = "PROCESSING_ERROR"
			update.ErrorMessage = errorMsg
		}
		if code, ok := metadata["errorCode"].(string); ok && code != "" {
			update.ErrorCode = code
		}
	}

	return p.store.UpdateJobStatus(ctx, update)
}

// loadFile loads file from URL or buffer
func (p *DocumentProcessor) loadFile(ctx context.Context, req *ProcessRequest) ([]byte, error) {
	if len(req.FileBuffer) > 0 {
		if p.config.MaxFileSize > 0 && int64(len(req.FileBuffer)) > p.config.MaxFileSize {
			return nil, fmt.Errorf("file size exceeds maximum: %d > %d bytes", len(req.FileBuffer), p.config.MaxFileSize)
		}
		p.logger.Debug("Using file buffer", "job", req.JobID, "bytes", len(req.FileBuffer))
		return req.FileBuffer, nil
	}

	if req.FileURL != "" {
		p.logger.Info("Downloading file", "job", req.JobID, "url", req.FileURL, "fileSize", req.FileSize)
		fileData, err := p.downloadFileFromURL(ctx, req.JobID, req.FileURL, req.FileSize)
		if err != nil {
			return nil, fmt.Errorf("failed to download file: %w", err)
		}
		return fileData, nil
	}

	return nil, fmt.Errorf("no file source provided (buffer or URL)")
}

const (
	maxDownloadRetries = 5
	initialBackoff     = time.Second
	maxBackoff         = 32 * time.Second
)

// downloadFileFromURL downloads a file with exponential backoff between attempts
func (p *DocumentProcessor) downloadFileFromURL(ctx context.Context, jobID string, fileURL string, expectedSize int64) ([]byte, error) {
	var lastErr error

	for attempt := 1; attempt <= maxDownloadRetries; attempt++ {
		if attempt > 1 {
			wait := backoffDelay(attempt - 1)
			p.logger.Info("Retrying download", "job", jobID, "attempt", attempt, "wait", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, fmt.Errorf("context cancelled during retry backoff: %w", ctx.Err())
			}
		}

		data, retry, err := p.download(ctx, fileURL, expectedSize)
		if err == nil {
			p.logger.Info("Download successful", "job", jobID, "attempt", attempt, "bytes", len(data))
			return data, nil
		}
		lastErr = err
		p.logger.Warn("Download attempt failed", "job", jobID, "attempt", attempt, "error", err)
		if !retry {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed to download file after %d attempts: %w", maxDownloadRetries, lastErr)
}

// download performs one attempt and reports whether a failure is worth retrying
func (p *DocumentProcessor) download(ctx context.Context, fileURL string, expectedSize int64) ([]byte, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, false, fmt.Errorf("invalid file URL: %w", err)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retry := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return nil, retry, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}

	if resp.ContentLength > 0 && expectedSize > 0 && resp.ContentLength != expectedSize {
		p.logger.Warn("Content-Length mismatch", "expected", expectedSize, "got", resp.ContentLength)
	}

	limit := p.config.MaxFileSize
	if limit > 0 && resp.ContentLength > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum: %d > %d bytes", resp.ContentLength, limit)
	}
	if limit <= 0 {
		limit = 1 << 30
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, true, err
	}
	if int64(len(data)) > limit {
		return nil, false, fmt.Errorf("file size exceeds maximum of %d bytes", limit)
	}
	return data, false, nil
}

func backoffDelay(retry int) time.Duration {
	d := initialBackoff << (retry - 1)
	if d > maxBackoff || d <= 0 {
		return maxBackoff
	}
	return d
}

// detectMimeType settles the input type from content, declared type and
// filename. Binary signatures win over the declared type; text content
// falls back to the declared type or the .tsv extension.
func detectMimeType(data []byte, declared, filename string) string {
	detected := mimetype.Detect(data)
	if detected.Is(MimeTypeTSV) {
		return MimeTypeTSV
	}
	media := mediaType(detected.String())
	if !strings.HasPrefix(media, "text/") && media != "application/octet-stream" {
		return media
	}

	if mediaType(declared) == MimeTypeTSV || strings.HasSuffix(strings.ToLower(filename), ".tsv") {
		return MimeTypeTSV
	}
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	return media
}

// mediaType strips parameters such as charset from a MIME type
func mediaType(v string) string {
	media, _, _ := strings.Cut(v, ";")
	return strings.ToLower(strings.TrimSpace(media))
}

func meanRecordConfidence(records []tabular.Record) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		if r.Conf > 0 {
			sum += r.Conf
		}
	}
	return sum / float64(len(records)) / 100
}

func pageNumbers(layout *LayoutResult) []int {
	pages := make([]int, len(layout.Pages))
	for i, p := range layout.Pages {
		pages[i] = p.PageNumber
	}
	return pages
}

// withJob tags processing errors with the job ID and passes others through
func withJob(err error, jobID string) error {
	if pe, ok := errors.AsProcessingError(err); ok {
		return pe.WithJob(jobID)
	}
	return err
}
