package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPEmbedder calls an external embedding service over JSON/HTTP.
type HTTPEmbedder struct {
	baseURL    string
	path       string
	model      string
	dim        int
	httpClient *http.Client
}

// NewHTTPEmbedder constructs a client for the configured embedding service.
func NewHTTPEmbedder(baseURL, path, model string, dim int, timeout time.Duration) *HTTPEmbedder {
	if path == "" {
		path = "/v1/embeddings"
	}
	return &HTTPEmbedder{
		baseURL: strings.TrimRight(baseURL, "/"),
		path:    path,
		model:   model,
		dim:     dim,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// EmbedBatch posts the texts and decodes one vector per text. Any transport
// failure, timeout, or malformed response maps onto ErrUnavailable: the
// engine never retries past the declared timeout.
func (e *HTTPEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.baseURL == "" {
		return nil, fmt.Errorf("%w: base URL not configured", ErrUnavailable)
	}
	if len(texts) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"model": e.model,
		"input": texts,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+e.path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: embedding service returned %s", ErrUnavailable, resp.Status)
	}

	var response struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("%w: decode embedding response: %v", ErrUnavailable, err)
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrUnavailable, len(texts), len(response.Data))
	}

	vectors := make([][]float32, len(response.Data))
	for i, d := range response.Data {
		if len(d.Embedding) != e.dim {
			return nil, fmt.Errorf("%w: embedding dim %d != configured %d", ErrUnavailable, len(d.Embedding), e.dim)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// Dim returns the configured vector dimensionality.
func (e *HTTPEmbedder) Dim() int { return e.dim }

// Model returns the remote model identifier.
func (e *HTTPEmbedder) Model() string { return e.model }

// Close is a no-op; the HTTP client holds no resources worth releasing.
func (e *HTTPEmbedder) Close() error { return nil }
