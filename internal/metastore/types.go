package metastore

import "time"

// LibraryState tracks the lifecycle of a library record.
type LibraryState string

const (
	// LibraryActive is the normal state of a library.
	LibraryActive LibraryState = "active"
	// LibraryDeleting marks a library whose cascade delete started but has
	// not finished. A retried delete resumes from the remaining files.
	LibraryDeleting LibraryState = "deleting"
)

// FileStatus tracks ingestion and embedding progress of a file.
//
// Status only advances forward, except that a failed embed may be retried
// back through EMBEDDING_PENDING on the next embed call.
type FileStatus string

const (
	// FileRegistered means the file row exists but its content could not be
	// resolved yet; chunking is deferred to a retried AddFile.
	FileRegistered FileStatus = "registered"
	// FileChunked means the file content has been split into chunks.
	FileChunked FileStatus = "chunked"
	// FileEmbeddingPending means an embed call has claimed the file's chunks.
	FileEmbeddingPending FileStatus = "embedding_pending"
	// FileEmbedded means every chunk of the file is embedded for the
	// requested model.
	FileEmbedded FileStatus = "embedded"
	// FileEmbedFailed means at least one chunk failed to embed. Per-chunk
	// successes are preserved so a retry reprocesses only the failed subset.
	FileEmbedFailed FileStatus = "embed_failed"
)

// ChunkEmbedStatus tracks per-(chunk, model) embedding progress.
type ChunkEmbedStatus string

const (
	// ChunkPending means no embedding has been attempted for the model.
	ChunkPending ChunkEmbedStatus = "pending"
	// ChunkClaimed means an embed call holds the chunk. Claims expire after
	// the claim TTL so a crashed run does not wedge the chunk forever.
	ChunkClaimed ChunkEmbedStatus = "claimed"
	// ChunkEmbedded means a vector for (chunk, model) exists in the vector
	// store. This status is written only after the vector write succeeded.
	ChunkEmbedded ChunkEmbedStatus = "embedded"
	// ChunkFailed means the provider rejected the chunk or retries were
	// exhausted. Failed chunks are retried by the next embed call.
	ChunkFailed ChunkEmbedStatus = "failed"
)

// Library is a named collection of files and their derived chunks.
type Library struct {
	Name      string       `json:"name"`
	State     LibraryState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
}

// File is one ingested document, referenced by an opaque content locator.
type File struct {
	ID       string            `json:"id"`
	Library  string            `json:"library"`
	BlobURI  string            `json:"blob_uri"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Status   FileStatus        `json:"status"`
	// EmbedModel is the model of the most recent embed call that touched
	// this file. Informational; per-model state lives on chunk embeddings.
	EmbedModel string    `json:"embed_model,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Chunk is a contiguous text segment of a file, the unit of embedding.
// Chunk text is immutable once created; re-ingestion replaces chunks.
type Chunk struct {
	ID        string    `json:"id"`
	FileID    string    `json:"file_id"`
	Library   string    `json:"library"`
	Seq       int       `json:"seq"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ChunkEmbedding is the per-(chunk, model) embedding state row backing the
// claim protocol. Rows are created lazily on first claim.
type ChunkEmbedding struct {
	ChunkID   string           `json:"chunk_id"`
	Model     string           `json:"model"`
	Status    ChunkEmbedStatus `json:"status"`
	ClaimedAt time.Time        `json:"claimed_at,omitempty"`
	Reason    string           `json:"reason,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// PendingChunk pairs a chunk with its current embedding status for a model,
// as returned by ListUnembeddedChunks.
type PendingChunk struct {
	Chunk  *Chunk
	Status ChunkEmbedStatus
}

// EmbedStatusSummary aggregates embedding state per model for a library,
// surfaced in library detail responses.
type EmbedStatusSummary struct {
	Model          string    `json:"embedding_model"`
	EmbeddedChunks int       `json:"embedded_chunks"`
	FailedChunks   int       `json:"failed_chunks"`
	UpdatedAt      time.Time `json:"time_stamp"`
}
