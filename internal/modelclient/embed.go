package modelclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/airp2/storyforge/pkg/metrics"
)

// EmbedConfig configures an EmbedClient's target endpoint, model
// dimensionality, and batching.
type EmbedConfig struct {
	Config
	Dimensions int
	BatchSize  int
	Registry   *metrics.Registry
}

// EmbedClient batches text through an OpenAI-compatible embeddings
// endpoint.
type EmbedClient struct {
	*Client
	dimensions int
	batchSize  int
}

// NewEmbed builds an EmbedClient sharing the rate limiter/circuit breaker
// machinery of Client.
func NewEmbed(cfg EmbedConfig) *EmbedClient {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 16
	}
	return &EmbedClient{
		Client:     New(cfg.Config, cfg.Registry),
		dimensions: cfg.Dimensions,
		batchSize:  batch,
	}
}

type embedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns one embedding vector per input text, processing texts in
// batches of BatchSize and retrying each batch with the same linear
// back-off policy as Call.
func (c *EmbedClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += c.batchSize {
		end := i + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, err := c.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed batch [%d:%d]: %w", i, end, err)
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (c *EmbedClient) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	req := embedRequest{Model: c.cfg.Model, Input: texts, Dimensions: c.dimensions}

	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var result [][]float32
		callErr := c.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			result, err = c.doEmbed(ctx, req)
			return err
		})
		if callErr == nil {
			c.stats.track(c.cfg.Model, 0)
			return result, nil
		}

		lastErr = callErr
		if attempt < c.cfg.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.cfg.RetryDelay * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("embedding call failed after %d retries: %w", c.cfg.MaxRetries, lastErr)
}

func (c *EmbedClient) doEmbed(ctx context.Context, req embedRequest) ([][]float32, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed request: status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("embed decode: %w", err)
	}

	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
		if c.dimensions > 0 && len(d.Embedding) != c.dimensions {
			slog.Warn("embedding dimension mismatch",
				"expected", c.dimensions, "got", len(d.Embedding), "model", c.cfg.Model)
		}
	}
	return vecs, nil
}
