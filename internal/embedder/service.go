// Package embedder coordinates embedding of pending chunks: it claims work
// in the metadata store, calls the embedding provider in bounded concurrent
// batches, writes vectors, and commits per-chunk status.
//
// Vector writes always precede metadata commits. A crash between the two
// leaves the chunk claimed-but-not-embedded, which a later call reclaims
// once the claim goes stale, so the metadata store never reports a vector
// that does not exist.
package embedder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/libraryd/internal/embeddings"
	"github.com/fyrsmithlabs/libraryd/internal/keylock"
	"github.com/fyrsmithlabs/libraryd/internal/metastore"
	"github.com/fyrsmithlabs/libraryd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/libraryd/internal/embedder"

// ErrInvalidConfig indicates invalid embedder configuration.
var ErrInvalidConfig = errors.New("invalid embedder configuration")

// Config configures the embedding coordinator.
type Config struct {
	// Model is the default embedding model when a request names none.
	Model string

	// BatchSize is the number of chunk texts per provider call.
	// Default: 100.
	BatchSize int

	// Concurrency bounds concurrent provider calls within one Embed call.
	// Default: 4.
	Concurrency int

	// BatchTimeout bounds each provider call. A timed-out batch is a
	// transient failure. Default: 60s.
	BatchTimeout time.Duration

	// MaxAttempts is the total attempt count per batch for transient
	// failures. Default: 3.
	MaxAttempts int

	// InitialBackoff is the first retry delay. Default: 500ms.
	InitialBackoff time.Duration

	// ClaimTTL is how long a claim blocks other embed calls before it is
	// considered stale and reclaimable. Default: 5m.
	ClaimTTL time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Model:          "text-embedding-3-small",
		BatchSize:      100,
		Concurrency:    4,
		BatchTimeout:   60 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		ClaimTTL:       5 * time.Minute,
	}
}

// ApplyDefaults fills unset fields from DefaultConfig.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.BatchSize == 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency == 0 {
		c.Concurrency = d.Concurrency
	}
	if c.BatchTimeout == 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.ClaimTTL == 0 {
		c.ClaimTTL = d.ClaimTTL
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", ErrInvalidConfig)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("%w: max attempts must be positive", ErrInvalidConfig)
	}
	if c.ClaimTTL <= 0 {
		return fmt.Errorf("%w: claim TTL must be positive", ErrInvalidConfig)
	}
	return nil
}

// EmbedRequest asks for all pending chunks of a library to be embedded.
type EmbedRequest struct {
	// Library is the library name.
	Library string

	// Model overrides the configured default embedding model.
	Model string
}

// ChunkFailure identifies a chunk that could not be embedded and why.
type ChunkFailure struct {
	ChunkID string `json:"chunk_id"`
	FileID  string `json:"file_id"`
	Reason  string `json:"reason"`
}

// Result summarizes an Embed call. Embedding is a partial operation over
// many chunks, so failures are reported as data rather than an error.
type Result struct {
	Library  string         `json:"library"`
	Model    string         `json:"embedding_model"`
	Embedded int            `json:"embedded"`
	Failed   int            `json:"failed"`
	Skipped  int            `json:"skipped"`
	Failures []ChunkFailure `json:"failures,omitempty"`
}

// Service coordinates embedding work for libraries.
type Service interface {
	// Embed embeds every chunk of the library that is not yet embedded for
	// the requested model. Fully embedded libraries return a result with
	// only skips and cause zero provider calls. Structural errors (unknown
	// library) are returned as errors; per-chunk failures live in the
	// result.
	Embed(ctx context.Context, req *EmbedRequest) (*Result, error)
}

// service implements the Service interface.
type service struct {
	config   *Config
	store    metastore.Store
	vectors  vectorstore.Store
	provider embeddings.Provider
	locks    *keylock.KeyLock
	logger   *zap.Logger

	tracer       trace.Tracer
	meter        metric.Meter
	chunkCounter metric.Int64Counter
	batchCounter metric.Int64Counter
}

// NewService creates an embedding coordinator.
func NewService(cfg *Config, store metastore.Store, vectors vectorstore.Store, provider embeddings.Provider, locks *keylock.KeyLock, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if store == nil {
		return nil, errors.New("metadata store is required")
	}
	if vectors == nil {
		return nil, errors.New("vector store is required")
	}
	if provider == nil {
		return nil, errors.New("embedding provider is required")
	}
	if locks == nil {
		locks = keylock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:   cfg,
		store:    store,
		vectors:  vectors,
		provider: provider,
		locks:    locks,
		logger:   logger,
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.chunkCounter, err = s.meter.Int64Counter(
		"libraryd.embedder.chunks_total",
		metric.WithDescription("Total number of chunks processed by embed calls"),
		metric.WithUnit("{chunk}"),
	)
	if err != nil {
		s.logger.Warn("failed to create chunk counter", zap.Error(err))
	}

	s.batchCounter, err = s.meter.Int64Counter(
		"libraryd.embedder.batches_total",
		metric.WithDescription("Total number of provider batch calls"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		s.logger.Warn("failed to create batch counter", zap.Error(err))
	}
}

// batch is one provider-call unit of claimed chunks.
type batch struct {
	chunks []*metastore.Chunk
}

// Embed embeds all pending chunks of the library for the requested model.
func (s *service) Embed(ctx context.Context, req *EmbedRequest) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "embedder.embed")
	defer span.End()

	if req == nil || req.Library == "" {
		return nil, errors.New("library name is required")
	}
	model := req.Model
	if model == "" {
		model = s.config.Model
	}

	span.SetAttributes(
		attribute.String("library", req.Library),
		attribute.String("model", model),
	)

	lib, err := s.store.GetLibrary(ctx, req.Library)
	if err != nil {
		return nil, fmt.Errorf("looking up library: %w", err)
	}
	if lib.State == metastore.LibraryDeleting {
		return nil, fmt.Errorf("%w: library %s is being deleted", metastore.ErrLibraryNotFound, req.Library)
	}

	now := time.Now()
	staleBefore := now.Add(-s.config.ClaimTTL)

	total, err := s.store.CountChunksByLibrary(ctx, req.Library)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}

	pending, err := s.store.ListUnembeddedChunks(ctx, req.Library, model, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("listing pending chunks: %w", err)
	}

	result := &Result{
		Library: req.Library,
		Model:   model,
		Skipped: total - len(pending),
	}
	if len(pending) == 0 {
		s.logger.Info("nothing to embed",
			zap.String("library", req.Library),
			zap.String("model", model),
			zap.Int("skipped", result.Skipped),
		)
		return result, nil
	}

	// Embedding must not interleave with re-ingestion of the same files.
	fileIDs := distinctFileIDs(pending)
	locked, err := s.acquireFileLocks(ctx, req.Library, fileIDs)
	if err != nil {
		return nil, err
	}
	defer s.releaseFileLocks(req.Library, locked)

	// Claim before dispatch so a concurrent embed call skips these chunks
	// instead of double-embedding them.
	var claimed []*metastore.Chunk
	for _, pc := range pending {
		ok, err := s.store.ClaimChunk(ctx, pc.Chunk.ID, model, now, staleBefore)
		if err != nil {
			return nil, fmt.Errorf("claiming chunk %s: %w", pc.Chunk.ID, err)
		}
		if !ok {
			result.Skipped++
			continue
		}
		claimed = append(claimed, pc.Chunk)
	}
	if len(claimed) == 0 {
		return result, nil
	}

	for _, fileID := range distinctChunkFileIDs(claimed) {
		if err := s.store.SetFileStatus(ctx, req.Library, fileID, metastore.FileEmbeddingPending, model); err != nil {
			return nil, fmt.Errorf("marking file pending: %w", err)
		}
	}

	batches := makeBatches(claimed, s.config.BatchSize)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.Concurrency)

	for _, b := range batches {
		b := b
		if gctx.Err() != nil {
			// Cancelled before dispatch: hand the claims back so the next
			// embed call does not wait out the claim TTL.
			s.releaseClaims(b.chunks, model)
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				s.releaseClaims(b.chunks, model)
				return nil
			}
			embedded, failures := s.processBatch(gctx, req.Library, model, b, true)
			mu.Lock()
			result.Embedded += embedded
			result.Failed += len(failures)
			result.Failures = append(result.Failures, failures...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.promoteFiles(ctx, req.Library, model, fileIDs); err != nil {
		return nil, err
	}

	sort.Slice(result.Failures, func(i, j int) bool {
		return result.Failures[i].ChunkID < result.Failures[j].ChunkID
	})

	s.chunkCounter.Add(ctx, int64(result.Embedded), metric.WithAttributes(
		attribute.String("library", req.Library),
		attribute.String("outcome", "embedded"),
	))
	s.chunkCounter.Add(ctx, int64(result.Failed), metric.WithAttributes(
		attribute.String("library", req.Library),
		attribute.String("outcome", "failed"),
	))
	s.logger.Info("embed finished",
		zap.String("library", req.Library),
		zap.String("model", model),
		zap.Int("embedded", result.Embedded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)

	return result, nil
}

// processBatch runs one batch through the provider with retries, writes the
// vectors, and commits chunk statuses. Returns the embedded count and the
// failures. When isolate is set, a permanent provider error on a multi-chunk
// batch re-dispatches the chunks one at a time so a single poison chunk does
// not fail its whole batch.
func (s *service) processBatch(ctx context.Context, library, model string, b batch, isolate bool) (int, []ChunkFailure) {
	s.batchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("library", library)))

	texts := make([]string, len(b.chunks))
	for i, c := range b.chunks {
		texts[i] = c.Text
	}

	operation := func() ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.config.BatchTimeout)
		defer cancel()

		vecs, err := s.provider.EmbedBatch(callCtx, model, texts)
		if err != nil {
			if embeddings.IsPermanent(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return vecs, nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.config.InitialBackoff

	vecs, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(uint(s.config.MaxAttempts)),
	)
	if err != nil {
		if isolate && len(b.chunks) > 1 && embeddings.IsPermanent(err) {
			var embedded int
			var failures []ChunkFailure
			for _, c := range b.chunks {
				e, f := s.processBatch(ctx, library, model, batch{chunks: []*metastore.Chunk{c}}, false)
				embedded += e
				failures = append(failures, f...)
			}
			return embedded, failures
		}
		return 0, s.failBatch(ctx, b.chunks, model, err)
	}

	now := time.Now()
	records := make([]vectorstore.VectorRecord, len(b.chunks))
	for i, c := range b.chunks {
		records[i] = vectorstore.VectorRecord{
			Library:   library,
			FileID:    c.FileID,
			ChunkID:   c.ID,
			Seq:       c.Seq,
			Model:     model,
			Text:      c.Text,
			Vector:    vecs[i],
			CreatedAt: now,
		}
	}

	// Vector first, metadata second. An interruption here leaves the chunks
	// claimed; the claim expires and the next call redoes the upsert, which
	// overwrites rather than duplicates.
	if err := s.vectors.UpsertVectors(ctx, records); err != nil {
		return 0, s.failBatch(ctx, b.chunks, model, fmt.Errorf("writing vectors: %w", err))
	}

	embedded := 0
	var failures []ChunkFailure
	commitCtx := context.WithoutCancel(ctx)
	for _, c := range b.chunks {
		if err := s.store.MarkChunkEmbedded(commitCtx, c.ID, model); err != nil {
			failures = append(failures, ChunkFailure{
				ChunkID: c.ID,
				FileID:  c.FileID,
				Reason:  fmt.Sprintf("committing status: %v", err),
			})
			continue
		}
		embedded++
	}
	return embedded, failures
}

// failBatch marks every chunk of a failed batch FAILED with the reason.
func (s *service) failBatch(ctx context.Context, chunks []*metastore.Chunk, model string, cause error) []ChunkFailure {
	s.logger.Warn("batch failed",
		zap.String("model", model),
		zap.Int("chunks", len(chunks)),
		zap.Error(cause),
	)

	commitCtx := context.WithoutCancel(ctx)
	failures := make([]ChunkFailure, 0, len(chunks))
	for _, c := range chunks {
		reason := cause.Error()
		if err := s.store.MarkChunkFailed(commitCtx, c.ID, model, reason); err != nil {
			s.logger.Error("failed to mark chunk failed",
				zap.String("chunk_id", c.ID),
				zap.Error(err),
			)
		}
		failures = append(failures, ChunkFailure{ChunkID: c.ID, FileID: c.FileID, Reason: reason})
	}
	return failures
}

// releaseClaims hands undispatched claims back to their retriable status.
func (s *service) releaseClaims(chunks []*metastore.Chunk, model string) {
	ctx := context.Background()
	for _, c := range chunks {
		if err := s.store.ReleaseClaim(ctx, c.ID, model); err != nil {
			s.logger.Warn("failed to release claim",
				zap.String("chunk_id", c.ID),
				zap.Error(err),
			)
		}
	}
}

// promoteFiles sets each touched file EMBEDDED when all of its chunks are
// embedded for the model, EMBED_FAILED otherwise.
func (s *service) promoteFiles(ctx context.Context, library, model string, fileIDs []string) error {
	ctx = context.WithoutCancel(ctx)
	for _, fileID := range fileIDs {
		chunks, err := s.store.ListChunksByFile(ctx, library, fileID)
		if err != nil {
			return fmt.Errorf("listing chunks of %s: %w", fileID, err)
		}

		status := metastore.FileEmbedded
		for _, c := range chunks {
			emb, err := s.store.GetChunkEmbedding(ctx, c.ID, model)
			if err != nil {
				return fmt.Errorf("reading chunk state: %w", err)
			}
			if emb == nil || emb.Status != metastore.ChunkEmbedded {
				status = metastore.FileEmbedFailed
				break
			}
		}
		if err := s.store.SetFileStatus(ctx, library, fileID, status, model); err != nil {
			return fmt.Errorf("promoting file %s: %w", fileID, err)
		}
	}
	return nil
}

func (s *service) acquireFileLocks(ctx context.Context, library string, fileIDs []string) ([]string, error) {
	var locked []string
	for _, fileID := range fileIDs {
		if err := s.locks.Acquire(ctx, library+"/"+fileID); err != nil {
			s.releaseFileLocks(library, locked)
			return nil, fmt.Errorf("acquiring file lock: %w", err)
		}
		locked = append(locked, fileID)
	}
	return locked, nil
}

func (s *service) releaseFileLocks(library string, fileIDs []string) {
	for _, fileID := range fileIDs {
		s.locks.Release(library + "/" + fileID)
	}
}

func makeBatches(chunks []*metastore.Chunk, size int) []batch {
	var out []batch
	for start := 0; start < len(chunks); start += size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}
		out = append(out, batch{chunks: chunks[start:end]})
	}
	return out
}

// distinctFileIDs returns the sorted distinct file IDs of pending chunks.
// Sorted order keeps lock acquisition deadlock-free across callers.
func distinctFileIDs(pending []*metastore.PendingChunk) []string {
	seen := make(map[string]struct{}, len(pending))
	var out []string
	for _, pc := range pending {
		if _, ok := seen[pc.Chunk.FileID]; ok {
			continue
		}
		seen[pc.Chunk.FileID] = struct{}{}
		out = append(out, pc.Chunk.FileID)
	}
	sort.Strings(out)
	return out
}

func distinctChunkFileIDs(chunks []*metastore.Chunk) []string {
	seen := make(map[string]struct{}, len(chunks))
	var out []string
	for _, c := range chunks {
		if _, ok := seen[c.FileID]; ok {
			continue
		}
		seen[c.FileID] = struct{}{}
		out = append(out, c.FileID)
	}
	sort.Strings(out)
	return out
}
