package vectorstore

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local experimentation.
//
// Writes are "durable" in the sense tests need: once UpsertVectors returns,
// HasVector observes the record. Search uses exact cosine similarity.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]VectorRecord // collection -> chunkID -> record
}

// NewMemoryStore creates an empty in-memory vector store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]VectorRecord)}
}

func (s *MemoryStore) UpsertVectors(_ context.Context, recs []VectorRecord) error {
	if err := validateBatch(recs); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	name := CollectionName(recs[0].Library, recs[0].Model)
	col := s.collections[name]
	if col == nil {
		col = make(map[string]VectorRecord)
		s.collections[name] = col
	}
	for _, r := range recs {
		col[r.ChunkID] = r
	}
	return nil
}

func (s *MemoryStore) HasVector(_ context.Context, library, model, chunkID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[CollectionName(library, model)][chunkID]
	return ok, nil
}

func (s *MemoryStore) DeleteVector(_ context.Context, library, model, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections[CollectionName(library, model)], chunkID)
	return nil
}

func (s *MemoryStore) DeleteVectorsForFile(_ context.Context, library, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := libraryPrefix(library)
	for name, col := range s.collections {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		for id, rec := range col {
			if rec.FileID == fileID {
				delete(col, id)
			}
		}
	}
	return nil
}

func (s *MemoryStore) DeleteLibrary(_ context.Context, library string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := libraryPrefix(library)
	for name := range s.collections {
		if strings.HasPrefix(name, prefix) {
			delete(s.collections, name)
		}
	}
	return nil
}

func (s *MemoryStore) CountVectors(_ context.Context, library string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := libraryPrefix(library)
	n := 0
	for name, col := range s.collections {
		if strings.HasPrefix(name, prefix) {
			n += len(col)
		}
	}
	return n, nil
}

func (s *MemoryStore) Search(_ context.Context, library, model string, vector []float32, k int) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col := s.collections[CollectionName(library, model)]

	results := make([]SearchResult, 0, len(col))
	for _, rec := range col {
		results = append(results, SearchResult{
			ChunkID: rec.ChunkID,
			FileID:  rec.FileID,
			Seq:     rec.Seq,
			Score:   cosineSimilarity(vector, rec.Vector),
			Text:    rec.Text,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if k > 0 && len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

var _ Store = (*MemoryStore)(nil)
