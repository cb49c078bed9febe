package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/libraryd/internal/chunker"
	"github.com/fyrsmithlabs/libraryd/internal/embedder"
	"github.com/fyrsmithlabs/libraryd/internal/ingest"
	"github.com/fyrsmithlabs/libraryd/internal/keylock"
	"github.com/fyrsmithlabs/libraryd/internal/library"
	"github.com/fyrsmithlabs/libraryd/internal/metastore"
	"github.com/fyrsmithlabs/libraryd/internal/vectorstore"
)

// fakeProvider embeds deterministically by text length.
type fakeProvider struct{}

func (fakeProvider) EmbedBatch(_ context.Context, _ string, texts []string) ([][]float32, error) {
	vecs := make([][]float32, len(texts))
	for i, text := range texts {
		vecs[i] = []float32{float32(len(text)), 1}
	}
	return vecs, nil
}

func (fakeProvider) Close() error { return nil }

// stubResolver serves fixed content per locator.
type stubResolver struct {
	content map[string]string
}

func (r *stubResolver) Resolve(_ context.Context, blobURI string) (string, error) {
	text, ok := r.content[blobURI]
	if !ok {
		return "", fmt.Errorf("%w: %s", ingest.ErrContentUnavailable, blobURI)
	}
	return text, nil
}

type fixture struct {
	srv     *httptest.Server
	content map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := metastore.NewMemoryStore()
	vectors := vectorstore.NewMemoryStore()
	locks := keylock.New()
	logger := zap.NewNop()
	provider := fakeProvider{}
	content := map[string]string{}

	ch, err := chunker.New(chunker.Config{ChunkSize: 50, ChunkOverlap: 10})
	require.NoError(t, err)

	libs, err := library.NewService(nil, store, vectors, logger)
	require.NoError(t, err)
	ing, err := ingest.NewService(store, vectors, &stubResolver{content: content}, ch, locks, logger)
	require.NoError(t, err)
	emb, err := embedder.NewService(&embedder.Config{Model: "model-a"}, store, vectors, provider, locks, logger)
	require.NoError(t, err)

	server, err := NewServer(libs, ing, emb, vectors, provider, logger, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, content: content}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()

	var req *http.Request
	var err error
	if body == "" {
		req, err = http.NewRequest(method, f.srv.URL+path, nil)
	} else {
		req, err = http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, respBody
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLibraryCRUD(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"docs"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var lib metastore.Library
	require.NoError(t, json.Unmarshal(body, &lib))
	assert.Equal(t, "docs", lib.Name)

	// Duplicate create conflicts.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"docs"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Invalid name is a bad request.
	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"bad name"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/libraries", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var summaries []library.Summary
	require.NoError(t, json.Unmarshal(body, &summaries))
	require.Len(t, summaries, 1)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/libraries/docs", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/libraries/absent", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/libraries/docs", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/libraries/docs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAddFileAndEmbed(t *testing.T) {
	f := newFixture(t)
	f.content["blob://a"] = strings.Repeat("text for the chunker to split apart. ", 8)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"docs"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/libraries/docs/files", `{"blob_uri":"blob://a"}`)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var added AddFileResponse
	require.NoError(t, json.Unmarshal(body, &added))
	assert.Greater(t, added.Chunks, 0)
	assert.Equal(t, metastore.FileChunked, added.File.Status)

	resp, body = f.do(t, http.MethodPost, "/api/v1/libraries/docs/embed", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var res embedder.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, added.Chunks, res.Embedded)
	assert.Zero(t, res.Failed)
	assert.Equal(t, "model-a", res.Model)

	// Fully embedded: the next call only skips.
	resp, body = f.do(t, http.MethodPost, "/api/v1/libraries/docs/embed", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Zero(t, res.Embedded)
	assert.Equal(t, added.Chunks, res.Skipped)
}

func TestAddFile_ContentUnavailable(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"docs"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/libraries/docs/files", `{"blob_uri":"blob://gone"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var added AddFileResponse
	require.NoError(t, json.Unmarshal(body, &added))
	require.NotNil(t, added.File)
	assert.Equal(t, metastore.FileRegistered, added.File.Status)
}

func TestAddFile_ValidationAndMissingLibrary(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/libraries/docs/files", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries/docs/files", `{"blob_uri":"blob://a"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEmbed_MissingLibrary(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/libraries/absent/embed", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcile(t *testing.T) {
	f := newFixture(t)
	f.content["blob://a"] = "short document"

	resp, _ := f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"docs"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries/docs/files", `{"blob_uri":"blob://a"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries/docs/embed", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/libraries/docs/reconcile", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var report library.ReconcileReport
	require.NoError(t, json.Unmarshal(body, &report))
	assert.True(t, report.Consistent())
}

func TestSearch(t *testing.T) {
	f := newFixture(t)
	f.content["blob://a"] = "alpha beta gamma"

	resp, _ := f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"docs"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries/docs/files", `{"blob_uri":"blob://a"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries/docs/embed", `{}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/libraries/docs/search", `{"query":"alpha beta","model":"model-a","k":5}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var sr SearchResponse
	require.NoError(t, json.Unmarshal(body, &sr))
	require.NotEmpty(t, sr.Results)
	assert.Contains(t, sr.Results[0].Text, "alpha")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/libraries/docs/search", `{"model":"model-a"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestScenario_CreateIngestEmbedDelete(t *testing.T) {
	f := newFixture(t)
	f.content["blob://f1"] = strings.Repeat("two chunks worth of text here. ", 4)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/libraries", `{"name":"docs"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/v1/libraries/docs/files", `{"blob_uri":"blob://f1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var added AddFileResponse
	require.NoError(t, json.Unmarshal(body, &added))

	resp, body = f.do(t, http.MethodPost, "/api/v1/libraries/docs/embed", `{"model":"model-a"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res embedder.Result
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, added.Chunks, res.Embedded)
	assert.Zero(t, res.Failed)

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/libraries/docs", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/libraries/docs", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServerLifecycle(t *testing.T) {
	store := metastore.NewMemoryStore()
	vectors := vectorstore.NewMemoryStore()
	logger := zap.NewNop()

	ch, err := chunker.New(chunker.Config{})
	require.NoError(t, err)
	libs, err := library.NewService(nil, store, vectors, logger)
	require.NoError(t, err)
	ing, err := ingest.NewService(store, vectors, &stubResolver{content: map[string]string{}}, ch, nil, logger)
	require.NoError(t, err)
	emb, err := embedder.NewService(nil, store, vectors, fakeProvider{}, nil, logger)
	require.NoError(t, err)

	server, err := NewServer(libs, ing, emb, vectors, fakeProvider{}, logger, &Config{Host: "localhost", Port: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
}
