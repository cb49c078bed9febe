// Package ingest turns a raw file reference plus metadata into chunk records
// in the metadata store. Re-adding the same locator replaces the file's
// chunks and their vectors rather than appending.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/libraryd/internal/chunker"
	"github.com/fyrsmithlabs/libraryd/internal/keylock"
	"github.com/fyrsmithlabs/libraryd/internal/metastore"
	"github.com/fyrsmithlabs/libraryd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/libraryd/internal/ingest"

// Service coordinates file ingestion.
type Service interface {
	// AddFile registers a file in a library, resolves its content, and
	// splits it into chunks. When content resolution fails the file record
	// is kept with status REGISTERED and the error wraps
	// ErrContentUnavailable so the caller can retry the same request.
	AddFile(ctx context.Context, req *AddFileRequest) (*AddFileResult, error)
}

// AddFileRequest describes one file to ingest.
type AddFileRequest struct {
	// Library is the owning library name.
	Library string

	// BlobURI is the opaque content locator.
	BlobURI string

	// Metadata is caller-supplied metadata stored on the file record.
	Metadata map[string]string
}

// AddFileResult reports the outcome of an AddFile call.
type AddFileResult struct {
	// File is the created or replaced file record.
	File *metastore.File

	// Chunks is the number of chunks written. Zero when content was
	// unavailable.
	Chunks int

	// Replaced reports whether a previous ingestion of the same locator
	// was replaced.
	Replaced bool
}

// service implements the Service interface.
type service struct {
	store    metastore.Store
	vectors  vectorstore.Store
	resolver ContentResolver
	chunker  *chunker.Chunker
	locks    *keylock.KeyLock
	logger   *zap.Logger

	tracer      trace.Tracer
	meter       metric.Meter
	fileCounter metric.Int64Counter
}

// NewService creates an ingestion service.
func NewService(store metastore.Store, vectors vectorstore.Store, resolver ContentResolver, ch *chunker.Chunker, locks *keylock.KeyLock, logger *zap.Logger) (Service, error) {
	if store == nil {
		return nil, errors.New("metadata store is required")
	}
	if vectors == nil {
		return nil, errors.New("vector store is required")
	}
	if resolver == nil {
		return nil, errors.New("content resolver is required")
	}
	if ch == nil {
		return nil, errors.New("chunker is required")
	}
	if locks == nil {
		locks = keylock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		store:    store,
		vectors:  vectors,
		resolver: resolver,
		chunker:  ch,
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

	s.fileCounter, err = s.meter.Int64Counter(
		"libraryd.ingest.files_total",
		metric.WithDescription("Total number of files ingested"),
		metric.WithUnit("{file}"),
	)
	if err != nil {
		s.logger.Warn("failed to create file counter", zap.Error(err))
	}
}

// FileID derives the stable file identifier for a locator within a library.
// Re-adding the same locator maps to the same file, which is what gives
// AddFile its replace semantics.
func FileID(library, blobURI string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(library+"\x00"+blobURI)).String()
}

// ChunkID derives the stable chunk identifier for a sequence index of a file.
func ChunkID(fileID string, seq int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", fileID, seq))).String()
}

// AddFile registers a file and chunks its content.
func (s *service) AddFile(ctx context.Context, req *AddFileRequest) (*AddFileResult, error) {
	ctx, span := s.tracer.Start(ctx, "ingest.add_file")
	defer span.End()

	if req == nil || req.Library == "" {
		return nil, errors.New("library name is required")
	}
	if req.BlobURI == "" {
		return nil, errors.New("blob URI is required")
	}

	span.SetAttributes(
		attribute.String("library", req.Library),
		attribute.String("blob_uri", req.BlobURI),
	)

	fileID := FileID(req.Library, req.BlobURI)
	lockKey := req.Library + "/" + fileID
	if err := s.locks.Acquire(ctx, lockKey); err != nil {
		return nil, fmt.Errorf("acquiring file lock: %w", err)
	}
	defer s.locks.Release(lockKey)

	// Looked up under the file lock so a concurrent delete that has begun
	// tearing the library down cannot accept new files.
	lib, err := s.store.GetLibrary(ctx, req.Library)
	if err != nil {
		return nil, fmt.Errorf("looking up library: %w", err)
	}
	if lib.State == metastore.LibraryDeleting {
		return nil, fmt.Errorf("%w: library %s is being deleted", metastore.ErrLibraryNotFound, req.Library)
	}

	existing, err := s.store.GetFile(ctx, req.Library, fileID)
	if err != nil && !errors.Is(err, metastore.ErrFileNotFound) {
		return nil, fmt.Errorf("looking up file: %w", err)
	}
	replaced := existing != nil

	now := time.Now()
	file := &metastore.File{
		ID:        fileID,
		Library:   req.Library,
		BlobURI:   req.BlobURI,
		Metadata:  req.Metadata,
		Status:    metastore.FileRegistered,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing != nil {
		file.CreatedAt = existing.CreatedAt
	}
	if err := s.store.PutFile(ctx, file); err != nil {
		return nil, fmt.Errorf("recording file: %w", err)
	}

	// Resolve before touching existing chunks so a failed re-ingest leaves
	// the previous chunks and vectors intact.
	text, err := s.resolver.Resolve(ctx, req.BlobURI)
	if err != nil {
		s.fileCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("library", req.Library),
			attribute.String("outcome", "content_unavailable"),
		))
		s.logger.Warn("content unavailable, file kept for retry",
			zap.String("library", req.Library),
			zap.String("file_id", fileID),
			zap.String("blob_uri", req.BlobURI),
			zap.Error(err),
		)
		return &AddFileResult{File: file, Replaced: replaced}, err
	}

	if replaced {
		// Vectors go first so an interruption cannot leave vectors whose
		// chunks are gone.
		if err := s.vectors.DeleteVectorsForFile(ctx, req.Library, fileID); err != nil {
			return nil, fmt.Errorf("deleting previous vectors: %w", err)
		}
		if err := s.store.DeleteChunksByFile(ctx, req.Library, fileID); err != nil {
			return nil, fmt.Errorf("deleting previous chunks: %w", err)
		}
	}

	pieces, err := s.chunker.Split(text)
	if err != nil {
		return nil, fmt.Errorf("chunking content: %w", err)
	}

	chunks := make([]*metastore.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &metastore.Chunk{
			ID:        ChunkID(fileID, i),
			FileID:    fileID,
			Library:   req.Library,
			Seq:       i,
			Text:      piece,
			CreatedAt: now,
		}
	}
	if len(chunks) > 0 {
		if err := s.store.PutChunks(ctx, chunks); err != nil {
			return nil, fmt.Errorf("recording chunks: %w", err)
		}
	}

	if err := s.store.SetFileStatus(ctx, req.Library, fileID, metastore.FileChunked, ""); err != nil {
		return nil, fmt.Errorf("updating file status: %w", err)
	}
	file.Status = metastore.FileChunked

	s.fileCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("library", req.Library),
		attribute.String("outcome", "chunked"),
	))
	s.logger.Info("file ingested",
		zap.String("library", req.Library),
		zap.String("file_id", fileID),
		zap.Int("chunks", len(chunks)),
		zap.Bool("replaced", replaced),
	)

	return &AddFileResult{File: file, Chunks: len(chunks), Replaced: replaced}, nil
}
