package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig configures the embedded chromem-go vector store.
type ChromemConfig struct {
	// Path is the persistence directory. Empty means in-memory only.
	Path string

	// Compress enables gzip compression of persisted collections.
	Compress bool
}

// ChromemStore implements Store on top of the embedded chromem-go database.
//
// Pure Go, no external service. chromem persists each write before
// returning, which satisfies the durability requirement UpsertVectors has.
type ChromemStore struct {
	db     *chromem.DB
	config ChromemConfig
	logger *zap.Logger

	mu sync.Mutex // serializes collection create/delete
}

// NewChromemStore opens (creating if necessary) a chromem vector store.
func NewChromemStore(config ChromemConfig, logger *zap.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var db *chromem.DB
	var err error
	if config.Path == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(config.Path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", config.Path, err)
		}
		db, err = chromem.NewPersistentDB(config.Path, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("opening chromem DB: %w", err)
		}
	}

	logger.Info("chromem vector store initialized",
		zap.String("path", config.Path),
		zap.Bool("compress", config.Compress),
	)

	return &ChromemStore{db: db, config: config, logger: logger}, nil
}

// noEmbeddingFunc guards against chromem falling back to its default remote
// embedder. All vectors written here are precomputed by the coordinators.
func noEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("vectors must be precomputed")
}

func (s *ChromemStore) UpsertVectors(ctx context.Context, recs []VectorRecord) error {
	if err := validateBatch(recs); err != nil {
		return err
	}

	name := CollectionName(recs[0].Library, recs[0].Model)
	s.mu.Lock()
	col, err := s.db.GetOrCreateCollection(name, nil, noEmbeddingFunc)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("getting collection %s: %w", name, err)
	}

	docs := make([]chromem.Document, len(recs))
	for i, r := range recs {
		docs[i] = chromem.Document{
			ID:        r.ChunkID,
			Content:   r.Text,
			Embedding: r.Vector,
			Metadata: map[string]string{
				"file_id":    r.FileID,
				"seq":        strconv.Itoa(r.Seq),
				"model":      r.Model,
				"created_at": r.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
			},
		}
	}

	// Embeddings are precomputed, no need for write concurrency.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to %s: %w", name, err)
	}

	s.logger.Debug("upserted vectors",
		zap.String("collection", name),
		zap.Int("count", len(recs)),
	)
	return nil
}

func (s *ChromemStore) HasVector(ctx context.Context, library, model, chunkID string) (bool, error) {
	col := s.db.GetCollection(CollectionName(library, model), noEmbeddingFunc)
	if col == nil {
		return false, nil
	}
	if _, err := col.GetByID(ctx, chunkID); err != nil {
		// chromem reports a missing ID as an error, not a typed sentinel.
		return false, nil
	}
	return true, nil
}

func (s *ChromemStore) DeleteVector(ctx context.Context, library, model, chunkID string) error {
	col := s.db.GetCollection(CollectionName(library, model), noEmbeddingFunc)
	if col == nil {
		return nil
	}
	if err := col.Delete(ctx, nil, nil, chunkID); err != nil {
		return fmt.Errorf("deleting vector %s: %w", chunkID, err)
	}
	return nil
}

func (s *ChromemStore) DeleteVectorsForFile(ctx context.Context, library, fileID string) error {
	for name, col := range s.libraryCollections(library) {
		if err := col.Delete(ctx, map[string]string{"file_id": fileID}, nil); err != nil {
			return fmt.Errorf("deleting file vectors from %s: %w", name, err)
		}
	}
	return nil
}

func (s *ChromemStore) DeleteLibrary(_ context.Context, library string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.libraryCollections(library) {
		if err := s.db.DeleteCollection(name); err != nil {
			return fmt.Errorf("deleting collection %s: %w", name, err)
		}
	}
	return nil
}

func (s *ChromemStore) CountVectors(_ context.Context, library string) (int, error) {
	n := 0
	for _, col := range s.libraryCollections(library) {
		n += col.Count()
	}
	return n, nil
}

func (s *ChromemStore) Search(ctx context.Context, library, model string, vector []float32, k int) ([]SearchResult, error) {
	col := s.db.GetCollection(CollectionName(library, model), noEmbeddingFunc)
	if col == nil {
		return nil, nil
	}
	// chromem rejects nResults larger than the collection.
	if count := col.Count(); k > count {
		k = count
	}
	if k == 0 {
		return nil, nil
	}

	hits, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}

	results := make([]SearchResult, len(hits))
	for i, h := range hits {
		seq, _ := strconv.Atoi(h.Metadata["seq"])
		results[i] = SearchResult{
			ChunkID: h.ID,
			FileID:  h.Metadata["file_id"],
			Seq:     seq,
			Score:   h.Similarity,
			Text:    h.Content,
		}
	}
	return results, nil
}

// Close is a no-op: chromem persists synchronously on write.
func (s *ChromemStore) Close() error {
	return nil
}

func (s *ChromemStore) libraryCollections(library string) map[string]*chromem.Collection {
	prefix := libraryPrefix(library)
	out := make(map[string]*chromem.Collection)
	for name, col := range s.db.ListCollections() {
		if strings.HasPrefix(name, prefix) {
			out[name] = col
		}
	}
	return out
}

var _ Store = (*ChromemStore)(nil)
