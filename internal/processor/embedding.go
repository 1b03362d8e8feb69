/**
 * Embedding Client for realigned lines
 *
 * Generates VoyageAI voyage-3 embeddings (1024 dimensions) so realigned lines
 * can be searched semantically.
 */

package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/adverant/nexus/textrealign-worker/internal/logging"
)

const (
	// EmbeddingDimensions is the vector size of voyage-3
	EmbeddingDimensions = 1024

	defaultVoyageURL   = "https://api.voyageai.com/v1/embeddings"
	defaultVoyageModel = "voyage-3"
	voyageBatchSize    = 100 // VoyageAI limit per request
	maxEmbeddingChars  = 16000
)

// Embedder turns texts into vectors
type Embedder interface {
	GenerateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingConfig holds VoyageAI settings
type EmbeddingConfig struct {
	APIKey     string
	BaseURL    string // defaults to the public VoyageAI endpoint
	Model      string
	HTTPClient *http.Client
	Logger     *logging.Logger
}

// EmbeddingClient handles VoyageAI embedding generation
type EmbeddingClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logging.Logger
}

// VoyageBatchEmbeddingRequest represents a batch request to VoyageAI API
type VoyageBatchEmbeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

// VoyageEmbeddingResponse represents the response from VoyageAI API
type VoyageEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
	Model string `json:"model"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// NewEmbeddingClient creates a new embedding client
func NewEmbeddingClient(cfg EmbeddingConfig) (*EmbeddingClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("VoyageAI API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultVoyageURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultVoyageModel
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewLogger("embedding")
	}

	return &EmbeddingClient{
		apiKey:     cfg.APIKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// GenerateEmbeddingBatch generates one embedding per text, in input order,
// sending at most 100 texts per request
func (e *EmbeddingClient) GenerateEmbeddingBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("no texts provided")
	}

	all := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += voyageBatchSize {
		end := min(i+voyageBatchSize, len(texts))
		batch, err := e.generateBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embedding texts %d-%d: %w", i, end-1, err)
		}
		all = append(all, batch...)
	}
	return all, nil
}

// truncateUTF8 cuts text to at most n bytes without splitting a rune
func truncateUTF8(text string, n int) string {
	if len(text) <= n {
		return text
	}
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

func (e *EmbeddingClient) generateBatch(ctx context.Context, texts []string) ([][]float32, error) {
	input := make([]string, len(texts))
	for i, text := range texts {
		if len(text) > maxEmbeddingChars {
			e.logger.Warn("Truncating text for embedding", "index", i, "chars", len(text))
			text = truncateUTF8(text, maxEmbeddingChars)
		}
		input[i] = text
	}

	jsonData, err := json.Marshal(VoyageBatchEmbeddingRequest{Input: input, Model: e.model})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("VoyageAI API returned status %d: %s", resp.StatusCode, string(body))
	}

	var voyageResp VoyageEmbeddingResponse
	if err := json.Unmarshal(body, &voyageResp); err != nil {
		return nil, fmt.Errorf("failed to parse batch response: %w", err)
	}
	if len(voyageResp.Data) != len(texts) {
		return nil, fmt.Errorf("unexpected number of embeddings: got %d, expected %d", len(voyageResp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range voyageResp.Data {
		if data.Index < 0 || data.Index >= len(texts) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		if len(data.Embedding) != EmbeddingDimensions {
			return nil, fmt.Errorf("unexpected embedding dimensions for text %d: got %d, expected %d",
				data.Index, len(data.Embedding), EmbeddingDimensions)
		}
		embeddings[data.Index] = data.Embedding
	}

	e.logger.Debug("VoyageAI batch embedding complete",
		"texts", len(texts),
		"tokens", voyageResp.Usage.TotalTokens,
		"duration", time.Since(start))
	return embeddings, nil
}
