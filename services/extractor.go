package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chartlens/chartlens/models"
	"github.com/spf13/viper"
)

// FeatureExtractor turns raw image bytes into an embedding vector.
type FeatureExtractor interface {
	Extract(ctx context.Context, imageBytes []byte) ([]float32, error)
}

type embeddingRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

// OllamaExtractor calls an Ollama-compatible embeddings endpoint with the
// image attached as base64. The HTTP client is built once on first use and is
// safe under concurrent first access.
type OllamaExtractor struct {
	baseURL string
	model   string
	timeout time.Duration

	once   sync.Once
	client *http.Client
}

// NewOllamaExtractor reads EMBEDDING_HOST and EMBEDDING_MODEL from config,
// falling back to the local Ollama defaults.
func NewOllamaExtractor() *OllamaExtractor {
	host := viper.GetString("EMBEDDING_HOST")
	if host == "" {
		host = "localhost"
	}

	model := viper.GetString("EMBEDDING_MODEL")
	if model == "" {
		model = "openclip-vit-h-14"
	}

	timeout := viper.GetDuration("EMBEDDING_TIMEOUT")
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &OllamaExtractor{
		baseURL: fmt.Sprintf("http://%s:11434/api/embeddings", host),
		model:   model,
		timeout: timeout,
	}
}

func (e *OllamaExtractor) Extract(ctx context.Context, imageBytes []byte) ([]float32, error) {
	e.once.Do(func() {
		e.client = &http.Client{Timeout: e.timeout}
	})

	requestBody, err := json.Marshal(embeddingRequest{
		Model:  e.model,
		Images: []string{base64.StdEncoding.EncodeToString(imageBytes)},
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL, bytes.NewBuffer(requestBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: embedding request to %s: %v", ErrUpstreamModel, e.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embedding endpoint returned status %d", ErrUpstreamModel, resp.StatusCode)
	}

	var result embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: parsing embedding response: %v", ErrUpstreamModel, err)
	}
	if result.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrUpstreamModel, result.Error)
	}

	if len(result.Embedding) != models.EmbeddingDim {
		return nil, fmt.Errorf("%w: extractor returned %d values, want %d",
			ErrEmbeddingDimension, len(result.Embedding), models.EmbeddingDim)
	}

	return result.Embedding, nil
}
