package metastore

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for metadata store operations.
var (
	// ErrLibraryNotFound is returned when a library does not exist.
	ErrLibraryNotFound = errors.New("library not found")

	// ErrLibraryExists is returned when creating a library that already exists.
	ErrLibraryExists = errors.New("library already exists")

	// ErrFileNotFound is returned when a file does not exist in a library.
	ErrFileNotFound = errors.New("file not found")

	// ErrChunkNotFound is returned when a chunk does not exist.
	ErrChunkNotFound = errors.New("chunk not found")

	// ErrInvalidConfig indicates invalid store configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Store is the durable metadata store contract.
//
// All single-row status updates are conditional: ClaimChunk, the Mark* methods
// and ReleaseClaim compare the current status before writing, which is what
// makes concurrent embed calls on the same library safe. Implementations must
// make each method atomic with respect to the row it touches; no cross-row
// transactionality is assumed by callers.
type Store interface {
	// PutLibrary creates a library record. Returns ErrLibraryExists if a
	// library with the same name exists in any state.
	PutLibrary(ctx context.Context, lib *Library) error

	// GetLibrary returns a library by name, or ErrLibraryNotFound.
	GetLibrary(ctx context.Context, name string) (*Library, error)

	// ListLibraries returns all libraries ordered by name.
	ListLibraries(ctx context.Context) ([]*Library, error)

	// MarkLibraryDeleting transitions a library to the DELETING state so an
	// interrupted cascade delete can be resumed. Idempotent.
	MarkLibraryDeleting(ctx context.Context, name string) error

	// DeleteLibrary removes the library record. The caller is responsible
	// for having removed files, chunks, and vectors first.
	DeleteLibrary(ctx context.Context, name string) error

	// PutFile inserts or replaces a file record.
	PutFile(ctx context.Context, f *File) error

	// GetFile returns a file by library and ID, or ErrFileNotFound.
	GetFile(ctx context.Context, library, fileID string) (*File, error)

	// ListFilesByLibrary returns all files in a library ordered by ID.
	ListFilesByLibrary(ctx context.Context, library string) ([]*File, error)

	// DeleteFile removes a file record.
	DeleteFile(ctx context.Context, library, fileID string) error

	// SetFileStatus updates a file's status and the model of the embed call
	// that caused the transition (empty for ingestion transitions).
	SetFileStatus(ctx context.Context, library, fileID string, status FileStatus, model string) error

	// PutChunks inserts chunk records. Sequence indexes must be unique per
	// file; violations are an implementation error, not a caller-visible one.
	PutChunks(ctx context.Context, chunks []*Chunk) error

	// ListChunksByFile returns a file's chunks ordered by sequence index.
	ListChunksByFile(ctx context.Context, library, fileID string) ([]*Chunk, error)

	// DeleteChunksByFile removes all chunks of a file, along with their
	// per-model embedding state rows.
	DeleteChunksByFile(ctx context.Context, library, fileID string) error

	// ListUnembeddedChunks returns the library's chunks that are not
	// EMBEDDED for the model: never-attempted, pending, failed, and chunks
	// whose claim went stale before staleBefore. Ordered by file then seq.
	ListUnembeddedChunks(ctx context.Context, library, model string, staleBefore time.Time) ([]*PendingChunk, error)

	// CountChunksByLibrary returns total chunk count for a library.
	CountChunksByLibrary(ctx context.Context, library string) (int, error)

	// ClaimChunk atomically transitions (chunk, model) to CLAIMED if it is
	// pending, failed, unattempted, or holds a claim staler than
	// staleBefore. Returns false without error when another caller holds a
	// live claim or the chunk is already embedded.
	ClaimChunk(ctx context.Context, chunkID, model string, now, staleBefore time.Time) (bool, error)

	// CountLiveClaims returns the number of unexpired claims in a library,
	// used to refuse deleting a library with in-flight embedding work.
	CountLiveClaims(ctx context.Context, library, model string, staleBefore time.Time) (int, error)

	// MarkChunkEmbedded transitions a claimed (chunk, model) to EMBEDDED.
	// Called only after the vector write has been durably acknowledged.
	// No-op when the row is not currently claimed, so a claimant that lost
	// its claim to reclamation cannot overwrite a later writer's result.
	MarkChunkEmbedded(ctx context.Context, chunkID, model string) error

	// MarkChunkFailed transitions a claimed (chunk, model) to FAILED with a
	// reason. No-op when the row is not currently claimed; in particular a
	// stale claimant cannot demote a row another claimant already embedded.
	MarkChunkFailed(ctx context.Context, chunkID, model, reason string) error

	// DemoteChunkEmbedding forces (chunk, model) to FAILED regardless of
	// its current status. Used by reconciliation repair when the vector
	// behind an EMBEDDED row has gone missing.
	DemoteChunkEmbedding(ctx context.Context, chunkID, model, reason string) error

	// ReleaseClaim returns a claimed (chunk, model) to its prior retriable
	// status. Used when an embed call is cancelled before dispatch. No-op
	// if the chunk is not currently claimed.
	ReleaseClaim(ctx context.Context, chunkID, model string) error

	// GetChunkEmbedding returns per-model state for a chunk, or nil if no
	// embedding has been attempted.
	GetChunkEmbedding(ctx context.Context, chunkID, model string) (*ChunkEmbedding, error)

	// ListChunkEmbeddingsByLibrary returns all embedding state rows for a
	// library's chunks, optionally filtered by model (empty = all models).
	ListChunkEmbeddingsByLibrary(ctx context.Context, library, model string) ([]*ChunkEmbedding, error)

	// EmbedStatusByLibrary aggregates per-model embedding state, in the
	// shape surfaced by library detail responses.
	EmbedStatusByLibrary(ctx context.Context, library string) ([]*EmbedStatusSummary, error)

	// Close releases store resources.
	Close() error
}
