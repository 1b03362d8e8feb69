/**
 * Job payloads and the processing steps shared by both queue backends
 */

package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	"github.com/adverant/nexus/textrealign-worker/internal/errors"
	"github.com/adverant/nexus/textrealign-worker/internal/processor"
	"github.com/google/uuid"
)

// DefaultProcessingTimeout bounds one job when no timeout is configured
const DefaultProcessingTimeout = 5 * time.Minute

// ErrInvalidJobID marks a job id that is not a UUID. Job rows and results
// are keyed by UUID columns.
var ErrInvalidJobID = stderrors.New("invalid job id")

// ValidateJobID checks that id is a UUID
func ValidateJobID(id string) error {
	if id == "" {
		return fmt.Errorf("jobId is required: %w", ErrInvalidJobID)
	}
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("jobId %q is not a UUID: %w", id, ErrInvalidJobID)
	}
	return nil
}

// JobPayload contains the actual job data
type JobPayload struct {
	JobID      string                   `json:"jobId"`
	UserID     string                   `json:"userId"`
	Filename   string                   `json:"filename"`
	MimeType   string                   `json:"mimeType,omitempty"`
	FileSize   int64                    `json:"fileSize,omitempty"`
	FileURL    string                   `json:"fileUrl,omitempty"`
	FileBuffer []byte                   `json:"-"` // see UnmarshalJSON
	Metadata   map[string]interface{}   `json:"metadata,omitempty"`
	Realign    *processor.RealignParams `json:"realign,omitempty"`
}

// UnmarshalJSON implements custom JSON unmarshaling for JobPayload to handle Buffer serialization
// Supports both base64 string format and Node.js Buffer object format (legacy)
func (p *JobPayload) UnmarshalJSON(data []byte) error {
	// Create alias type to avoid recursion
	type Alias JobPayload
	aux := &struct {
		FileBuffer interface{} `json:"fileBuffer,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(p),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("failed to unmarshal JobPayload: %w", err)
	}

	if aux.FileBuffer == nil {
		return nil
	}

	switch v := aux.FileBuffer.(type) {
	case string:
		decoded, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return fmt.Errorf("failed to decode base64 fileBuffer: %w", err)
		}
		p.FileBuffer = decoded

	case map[string]interface{}:
		// Node.js Buffer object: {"type":"Buffer","data":[...]}
		if bufferType, ok := v["type"].(string); !ok || bufferType != "Buffer" {
			return fmt.Errorf("invalid Buffer object format (missing or incorrect 'type' field)")
		}
		dataArray, ok := v["data"].([]interface{})
		if !ok {
			return fmt.Errorf("Buffer object missing 'data' array")
		}
		p.FileBuffer = make([]byte, len(dataArray))
		for i, val := range dataArray {
			byteVal, ok := val.(float64)
			if !ok || byteVal < 0 || byteVal > 255 {
				return fmt.Errorf("invalid byte value in Buffer data array at index %d", i)
			}
			p.FileBuffer[i] = byte(byteVal)
		}

	default:
		return fmt.Errorf("fileBuffer must be either base64 string or Buffer object, got %T", v)
	}

	return nil
}

// MarshalJSON writes fileBuffer as base64 so payloads round-trip through
// UnmarshalJSON
func (p JobPayload) MarshalJSON() ([]byte, error) {
	type Alias JobPayload
	return json.Marshal(&struct {
		FileBuffer string `json:"fileBuffer,omitempty"`
		Alias
	}{
		FileBuffer: base64.StdEncoding.EncodeToString(p.FileBuffer),
		Alias:      Alias(p),
	})
}

// Validate checks the fields every job needs
func (p *JobPayload) Validate() error {
	if err := ValidateJobID(p.JobID); err != nil {
		return err
	}
	if len(p.FileBuffer) == 0 && p.FileURL == "" {
		return fmt.Errorf("job %s has neither fileBuffer nor fileUrl", p.JobID)
	}
	return nil
}

func (p *JobPayload) request() *processor.ProcessRequest {
	return &processor.ProcessRequest{
		JobID:      p.JobID,
		UserID:     p.UserID,
		Filename:   p.Filename,
		MimeType:   p.MimeType,
		FileSize:   p.FileSize,
		FileURL:    p.FileURL,
		FileBuffer: p.FileBuffer,
		Metadata:   p.Metadata,
		Realign:    p.Realign,
	}
}

// processWithTimeout runs the pipeline under a per-job deadline. Errors
// caused by the deadline come back as PROCESSING_TIMEOUT.
func processWithTimeout(ctx context.Context, proc processor.DocumentProcessorInterface, payload *JobPayload, timeout time.Duration) (*processor.ProcessResult, error) {
	if timeout <= 0 {
		timeout = DefaultProcessingTimeout
	}
	log.Printf("[Job %s] Processing timeout set to: %v", payload.JobID, timeout)

	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result, err := proc.ProcessDocument(processCtx, payload.request())
	if err == nil {
		log.Printf("[Job %s] Processing completed in %v", payload.JobID, time.Since(start))
		return result, nil
	}

	if processCtx.Err() == context.DeadlineExceeded && !errors.HasCode(err, errors.ErrorProcessingTimeout) {
		log.Printf("[Job %s] Processing timed out after %v (timeout: %v)", payload.JobID, time.Since(start), timeout)
		return nil, errors.NewProcessingTimeoutError(payload.JobID, timeout, err)
	}
	return nil, err
}

// retryable reports whether running the job again could succeed. Bad input
// and the realignment limits fail the same way every time.
func retryable(err error) bool {
	switch errors.CodeOf(err) {
	case errors.ErrorParse,
		errors.ErrorSchemaMismatch,
		errors.ErrorInvalidOptions,
		errors.ErrorIterationLimit,
		errors.ErrorUnsupportedFormat:
		return false
	}
	return true
}

// QueueStats counts the jobs of one queue by state
type QueueStats struct {
	Backend    string `json:"backend"`
	Queue      string `json:"queue"`
	Waiting    int64  `json:"waiting"`
	Processing int64  `json:"processing"`
	Completed  int64  `json:"completed"`
	Failed     int64  `json:"failed"`
}

// CompletedMetadata is the job status metadata of a successful run
func CompletedMetadata(result *processor.ProcessResult) map[string]interface{} {
	metadata := map[string]interface{}{
		"confidence":     result.Confidence,
		"processingTime": result.ProcessingTimeMs,
		"resultId":       result.ResultID,
		"ocrEngine":      result.OCREngine,
		"wordCount":      result.WordCount,
		"lineCount":      result.LineCount,
		"pageCount":      result.PageCount,
		"passes":         result.Passes,
		"comparisons":    result.Comparisons,
		"merges":         result.Merges,
		"indexedLines":   result.IndexedLines,
	}
	if len(result.Fields) > 0 {
		metadata["fields"] = result.Fields
	}
	return metadata
}

// FailedMetadata is the job status metadata of a failed run
func FailedMetadata(err error, duration time.Duration, attempts int) map[string]interface{} {
	metadata := map[string]interface{}{}
	if pe, ok := errors.AsProcessingError(err); ok {
		for k, v := range pe.ToMap() {
			metadata[k] = v
		}
		metadata["errorCode"] = string(pe.Code)
	}
	metadata["error"] = err.Error()
	metadata["processingTime"] = duration.Milliseconds()
	metadata["attempts"] = attempts
	return metadata
}
