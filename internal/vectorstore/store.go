// Package vectorstore defines the interface for vector storage operations.
//
// Vectors are keyed by (library, model, chunk): one collection per
// (library, model) pair, one point per chunk. Re-embedding a chunk with the
// same model overwrites its vector; a different model writes into its own
// collection, so prior vectors survive. The vector store is the single
// source of truth for vector content; existence and status live in the
// metadata store.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for vector store operations.
var (
	// ErrVectorNotFound is returned when a vector does not exist.
	ErrVectorNotFound = errors.New("vector not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyRecords indicates an empty or nil record batch.
	ErrEmptyRecords = errors.New("empty or nil records")

	// ErrDimensionMismatch indicates a vector whose dimensionality differs
	// from the collection's.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrConnectionFailed indicates the backing store is unreachable.
	ErrConnectionFailed = errors.New("failed to connect to vector store")
)

// VectorRecord is one chunk embedding to be stored.
type VectorRecord struct {
	// Library is the owning library name.
	Library string

	// FileID is the owning file identifier within the library.
	FileID string

	// ChunkID is the chunk identifier; it is the point ID in the store.
	ChunkID string

	// Seq is the chunk's sequence index within its file.
	Seq int

	// Model is the embedding model identifier.
	Model string

	// Text is the chunk content, stored alongside the vector so search
	// results can be returned without a metadata store round trip.
	Text string

	// Vector is the embedding. Dimensionality is fixed per model.
	Vector []float32

	// CreatedAt is the embedding creation timestamp.
	CreatedAt time.Time
}

// SearchResult is one similarity search hit.
type SearchResult struct {
	ChunkID string  `json:"chunk_id"`
	FileID  string  `json:"file_id"`
	Seq     int     `json:"seq"`
	Score   float32 `json:"score"`
	Text    string  `json:"text"`
}

// Store is the durable vector store contract.
//
// UpsertVectors must not return success before the write is durable: the
// coordinators commit EMBEDDED status to the metadata store only after this
// call returns, and the cross-store invariant depends on that ordering.
type Store interface {
	// UpsertVectors writes a batch of chunk vectors. All records in a batch
	// share the same (library, model). Overwrites existing vectors for the
	// same chunk.
	UpsertVectors(ctx context.Context, recs []VectorRecord) error

	// HasVector reports whether a vector exists for (library, model, chunk).
	HasVector(ctx context.Context, library, model, chunkID string) (bool, error)

	// DeleteVector removes the vector for (library, model, chunk). Deleting
	// a missing vector is not an error.
	DeleteVector(ctx context.Context, library, model, chunkID string) error

	// DeleteVectorsForFile removes all vectors belonging to a file across
	// every model collection of the library.
	DeleteVectorsForFile(ctx context.Context, library, fileID string) error

	// DeleteLibrary removes every collection belonging to a library.
	DeleteLibrary(ctx context.Context, library string) error

	// CountVectors returns the number of vectors stored for a library
	// across all models.
	CountVectors(ctx context.Context, library string) (int, error)

	// Search returns up to k chunks of the library most similar to the
	// query vector under the given model, ordered by descending score.
	Search(ctx context.Context, library, model string, vector []float32, k int) ([]SearchResult, error)

	// Close releases store resources.
	Close() error
}

// collectionSep joins library and model slug in collection names. Library
// names are validated upstream to never contain it.
const collectionSep = "__"

// CollectionName returns the store collection name for (library, model).
func CollectionName(library, model string) string {
	return library + collectionSep + modelSlug(model)
}

// libraryPrefix returns the prefix matching every collection of a library.
func libraryPrefix(library string) string {
	return library + collectionSep
}

// modelSlug normalizes a model identifier into a collection-name-safe slug.
// "text-embedding-3-small" stays as-is; "BAAI/bge-small-en-v1.5" becomes
// "baai-bge-small-en-v1-5".
func modelSlug(model string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(model) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// validateBatch checks that a record batch is non-empty and homogeneous.
func validateBatch(recs []VectorRecord) error {
	if len(recs) == 0 {
		return ErrEmptyRecords
	}
	lib, model := recs[0].Library, recs[0].Model
	dim := len(recs[0].Vector)
	for i, r := range recs {
		if r.Library != lib || r.Model != model {
			return fmt.Errorf("%w: record %d targets %s/%s, batch targets %s/%s",
				ErrInvalidConfig, i, r.Library, r.Model, lib, model)
		}
		if len(r.Vector) != dim {
			return fmt.Errorf("%w: record %d has dimension %d, batch has %d",
				ErrDimensionMismatch, i, len(r.Vector), dim)
		}
		if r.ChunkID == "" {
			return fmt.Errorf("%w: record %d has no chunk ID", ErrInvalidConfig, i)
		}
	}
	return nil
}
