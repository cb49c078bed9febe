package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OpenAIConfig holds configuration for the OpenAI-compatible embedding client.
//
// The wire format is the /v1/embeddings API, which OpenAI, Azure OpenAI,
// and most self-hosted inference servers speak.
type OpenAIConfig struct {
	// BaseURL is the API base URL, e.g. "https://api.openai.com/v1".
	BaseURL string

	// APIKey is the bearer token. Optional for self-hosted servers.
	APIKey string

	// RequestTimeout bounds each embed call. Default: 60s.
	RequestTimeout time.Duration

	// RequestsPerSecond rate-limits provider calls. Zero disables limiting.
	RequestsPerSecond float64
}

// ApplyDefaults sets default values for unset fields.
func (c *OpenAIConfig) ApplyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 60 * time.Second
	}
}

// Validate validates the configuration.
func (c OpenAIConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	return nil
}

// OpenAIProvider generates embeddings via an OpenAI-compatible HTTP API.
type OpenAIProvider struct {
	config  OpenAIConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAIProvider creates a provider from the given configuration.
func NewOpenAIProvider(config OpenAIConfig, logger *zap.Logger) (*OpenAIProvider, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &OpenAIProvider{
		config:  config,
		client:  &http.Client{},
		limiter: limiter,
		logger:  logger,
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// EmbedBatch generates embeddings for the texts. Network errors, timeouts,
// 408/429 and 5xx responses are transient; other HTTP errors are permanent.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, Permanent(fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput))
	}
	if model == "" {
		return nil, Permanent(fmt.Errorf("%w: model cannot be empty", ErrInvalidConfig))
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, Transient(fmt.Errorf("rate limiter: %w", err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	body, err := json.Marshal(embedRequest{Model: model, Input: texts})
	if err != nil {
		return nil, Permanent(fmt.Errorf("marshaling request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.config.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(fmt.Errorf("creating request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)
	}

	start := time.Now()
	resp, err := p.client.Do(httpReq)
	if err != nil {
		// Covers connect failures, resets, and deadline expiry.
		return nil, Transient(fmt.Errorf("provider request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("provider status %d: %s", resp.StatusCode, string(respBody))
		if retryableStatus(resp.StatusCode) {
			return nil, Transient(err)
		}
		return nil, Permanent(err)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, Transient(fmt.Errorf("decoding response: %w", err))
	}
	if parsed.Error != nil {
		return nil, Permanent(errors.New(parsed.Error.Message))
	}
	if len(parsed.Data) != len(texts) {
		return nil, Permanent(fmt.Errorf("provider returned %d embeddings for %d inputs",
			len(parsed.Data), len(texts)))
	}

	// The API may return data out of order; index is authoritative.
	vectors := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			return nil, Permanent(fmt.Errorf("provider returned index %d out of range", d.Index))
		}
		vectors[d.Index] = d.Embedding
	}

	p.logger.Debug("embedded batch",
		zap.String("model", model),
		zap.Int("texts", len(texts)),
		zap.Duration("duration", time.Since(start)),
	)
	return vectors, nil
}

// Close is a no-op for the HTTP provider.
func (p *OpenAIProvider) Close() error {
	return nil
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

var _ Provider = (*OpenAIProvider)(nil)
