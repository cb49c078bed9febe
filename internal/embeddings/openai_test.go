package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func newTestProvider(t *testing.T, baseURL string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{
		BaseURL:        baseURL,
		APIKey:         "test-key",
		RequestTimeout: 5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestOpenAIConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  OpenAIConfig
		wantErr bool
	}{
		{
			name:   "valid",
			config: OpenAIConfig{BaseURL: "http://localhost:8080/v1"},
		},
		{
			name:    "missing base URL",
			config:  OpenAIConfig{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestOpenAIProvider_EmbedBatch(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "text-embedding-3-small", req.Model)
		require.Len(t, req.Input, 2)

		// Return out of order so index-based placement is exercised.
		resp := map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{0.3, 0.4}},
				{"index": 0, "embedding": []float32{0.1, 0.2}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})

	p := newTestProvider(t, srv.URL+"/v1")
	vectors, err := p.EmbedBatch(context.Background(), "text-embedding-3-small", []string{"alpha", "beta"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestOpenAIProvider_EmptyInput(t *testing.T) {
	p := newTestProvider(t, "http://localhost:1/v1")

	_, err := p.EmbedBatch(context.Background(), "m", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.True(t, IsPermanent(err))
}

func TestOpenAIProvider_RateLimitedIsTransient(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	})

	p := newTestProvider(t, srv.URL+"/v1")
	_, err := p.EmbedBatch(context.Background(), "m", []string{"a"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestOpenAIProvider_ServerErrorIsTransient(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream overloaded", http.StatusBadGateway)
	})

	p := newTestProvider(t, srv.URL+"/v1")
	_, err := p.EmbedBatch(context.Background(), "m", []string{"a"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAIProvider_ClientErrorIsPermanent(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"unknown model"}}`, http.StatusBadRequest)
	})

	p := newTestProvider(t, srv.URL+"/v1")
	_, err := p.EmbedBatch(context.Background(), "unknown", []string{"a"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

func TestOpenAIProvider_ConnectionRefusedIsTransient(t *testing.T) {
	p := newTestProvider(t, "http://127.0.0.1:1/v1")

	_, err := p.EmbedBatch(context.Background(), "m", []string{"a"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestOpenAIProvider_CountMismatchIsPermanent(t *testing.T) {
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{0.1}},
			},
		})
	})

	p := newTestProvider(t, srv.URL+"/v1")
	_, err := p.EmbedBatch(context.Background(), "m", []string{"a", "b"})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestOpenAIProvider_RateLimiterThrottles(t *testing.T) {
	var calls atomic.Int32
	srv := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 0, "embedding": []float32{0.1}},
			},
		})
	})

	p, err := NewOpenAIProvider(OpenAIConfig{
		BaseURL:           srv.URL + "/v1",
		RequestsPerSecond: 20,
		RequestTimeout:    5 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := p.EmbedBatch(context.Background(), "m", []string{"a"})
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.Equal(t, int32(3), calls.Load())
	// Two waits at 20 rps means at least ~100ms total.
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond)
}

func TestErrorClassification(t *testing.T) {
	base := assert.AnError

	tr := Transient(base)
	assert.True(t, IsTransient(tr))
	assert.False(t, IsPermanent(tr))
	assert.ErrorIs(t, tr, base)

	pe := Permanent(base)
	assert.True(t, IsPermanent(pe))
	assert.False(t, IsTransient(pe))
	assert.ErrorIs(t, pe, base)

	assert.False(t, IsTransient(base))
	assert.False(t, IsPermanent(base))
}

func TestDimension(t *testing.T) {
	assert.Equal(t, 1536, Dimension("text-embedding-3-small"))
	assert.Equal(t, 3072, Dimension("text-embedding-3-large"))
	assert.Equal(t, 1536, Dimension("some-unknown-model"))
}
