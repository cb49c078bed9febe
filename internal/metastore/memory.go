package metastore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
//
// It backs unit tests of the coordinators and doubles as a zero-dependency
// mode for local experimentation. All operations are guarded by a single
// mutex, which trivially satisfies the per-row atomicity contract.
type MemoryStore struct {
	mu         sync.Mutex
	libraries  map[string]*Library
	files      map[string]map[string]*File  // library -> id -> file
	chunks     map[string]*Chunk            // chunk id -> chunk
	embeddings map[string]*ChunkEmbedding   // chunk id + "\x00" + model -> state
}

// NewMemoryStore creates an empty in-memory metadata store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		libraries:  make(map[string]*Library),
		files:      make(map[string]map[string]*File),
		chunks:     make(map[string]*Chunk),
		embeddings: make(map[string]*ChunkEmbedding),
	}
}

func embedKey(chunkID, model string) string {
	return chunkID + "\x00" + model
}

func (s *MemoryStore) PutLibrary(_ context.Context, lib *Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.libraries[lib.Name]; ok {
		return fmt.Errorf("%w: %s", ErrLibraryExists, lib.Name)
	}
	cp := *lib
	if cp.State == "" {
		cp.State = LibraryActive
	}
	s.libraries[lib.Name] = &cp
	return nil
}

func (s *MemoryStore) GetLibrary(_ context.Context, name string) (*Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.libraries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
	}
	cp := *lib
	return &cp, nil
}

func (s *MemoryStore) ListLibraries(_ context.Context) ([]*Library, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Library, 0, len(s.libraries))
	for _, lib := range s.libraries {
		cp := *lib
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) MarkLibraryDeleting(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	lib, ok := s.libraries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
	}
	lib.State = LibraryDeleting
	return nil
}

func (s *MemoryStore) DeleteLibrary(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.libraries[name]; !ok {
		return fmt.Errorf("%w: %s", ErrLibraryNotFound, name)
	}
	delete(s.libraries, name)
	return nil
}

func (s *MemoryStore) PutFile(_ context.Context, f *File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files[f.Library] == nil {
		s.files[f.Library] = make(map[string]*File)
	}
	cp := *f
	s.files[f.Library][f.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, library, fileID string) (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[library][fileID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, library, fileID)
	}
	cp := *f
	return &cp, nil
}

func (s *MemoryStore) ListFilesByLibrary(_ context.Context, library string) ([]*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*File, 0, len(s.files[library]))
	for _, f := range s.files[library] {
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) DeleteFile(_ context.Context, library, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.files[library][fileID]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrFileNotFound, library, fileID)
	}
	delete(s.files[library], fileID)
	return nil
}

func (s *MemoryStore) SetFileStatus(_ context.Context, library, fileID string, status FileStatus, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[library][fileID]
	if !ok {
		return fmt.Errorf("%w: %s/%s", ErrFileNotFound, library, fileID)
	}
	f.Status = status
	f.EmbedModel = model
	f.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) PutChunks(_ context.Context, chunks []*Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		cp := *c
		s.chunks[c.ID] = &cp
	}
	return nil
}

func (s *MemoryStore) ListChunksByFile(_ context.Context, library, fileID string) ([]*Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Chunk
	for _, c := range s.chunks {
		if c.Library == library && c.FileID == fileID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) DeleteChunksByFile(_ context.Context, library, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.Library == library && c.FileID == fileID {
			delete(s.chunks, id)
			for key, ce := range s.embeddings {
				if ce.ChunkID == id {
					delete(s.embeddings, key)
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) ListUnembeddedChunks(_ context.Context, library, model string, staleBefore time.Time) ([]*PendingChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*PendingChunk
	for _, c := range s.chunks {
		if c.Library != library {
			continue
		}
		status := ChunkPending
		if ce, ok := s.embeddings[embedKey(c.ID, model)]; ok {
			status = ce.Status
			if status == ChunkEmbedded {
				continue
			}
			if status == ChunkClaimed && !ce.ClaimedAt.Before(staleBefore) {
				continue
			}
		}
		cp := *c
		out = append(out, &PendingChunk{Chunk: &cp, Status: status})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Chunk.FileID != out[j].Chunk.FileID {
			return out[i].Chunk.FileID < out[j].Chunk.FileID
		}
		return out[i].Chunk.Seq < out[j].Chunk.Seq
	})
	return out, nil
}

func (s *MemoryStore) CountChunksByLibrary(_ context.Context, library string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.chunks {
		if c.Library == library {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ClaimChunk(_ context.Context, chunkID, model string, claimTime, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := embedKey(chunkID, model)
	ce, ok := s.embeddings[key]
	if ok {
		switch ce.Status {
		case ChunkEmbedded:
			return false, nil
		case ChunkClaimed:
			if !ce.ClaimedAt.Before(staleBefore) {
				return false, nil
			}
		}
	}
	s.embeddings[key] = &ChunkEmbedding{
		ChunkID:   chunkID,
		Model:     model,
		Status:    ChunkClaimed,
		ClaimedAt: claimTime,
		UpdatedAt: claimTime,
	}
	return true, nil
}

func (s *MemoryStore) CountLiveClaims(_ context.Context, library, model string, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ce := range s.embeddings {
		if ce.Status != ChunkClaimed || ce.ClaimedAt.Before(staleBefore) {
			continue
		}
		if model != "" && ce.Model != model {
			continue
		}
		if c, ok := s.chunks[ce.ChunkID]; ok && c.Library == library {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) MarkChunkEmbedded(_ context.Context, chunkID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ce, ok := s.embeddings[embedKey(chunkID, model)]
	if !ok || ce.Status != ChunkClaimed {
		return nil
	}
	ce.Status = ChunkEmbedded
	ce.ClaimedAt = time.Time{}
	ce.Reason = ""
	ce.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkChunkFailed(_ context.Context, chunkID, model, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ce, ok := s.embeddings[embedKey(chunkID, model)]
	if !ok || ce.Status != ChunkClaimed {
		return nil
	}
	ce.Status = ChunkFailed
	ce.ClaimedAt = time.Time{}
	ce.Reason = reason
	ce.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DemoteChunkEmbedding(_ context.Context, chunkID, model, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.embeddings[embedKey(chunkID, model)] = &ChunkEmbedding{
		ChunkID:   chunkID,
		Model:     model,
		Status:    ChunkFailed,
		Reason:    reason,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) ReleaseClaim(_ context.Context, chunkID, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ce, ok := s.embeddings[embedKey(chunkID, model)]
	if !ok || ce.Status != ChunkClaimed {
		return nil
	}
	ce.Status = ChunkPending
	ce.ClaimedAt = time.Time{}
	ce.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetChunkEmbedding(_ context.Context, chunkID, model string) (*ChunkEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ce, ok := s.embeddings[embedKey(chunkID, model)]
	if !ok {
		return nil, nil
	}
	cp := *ce
	return &cp, nil
}

func (s *MemoryStore) ListChunkEmbeddingsByLibrary(_ context.Context, library, model string) ([]*ChunkEmbedding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ChunkEmbedding
	for _, ce := range s.embeddings {
		if model != "" && ce.Model != model {
			continue
		}
		if c, ok := s.chunks[ce.ChunkID]; ok && c.Library == library {
			cp := *ce
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChunkID != out[j].ChunkID {
			return out[i].ChunkID < out[j].ChunkID
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

func (s *MemoryStore) EmbedStatusByLibrary(_ context.Context, library string) ([]*EmbedStatusSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byModel := make(map[string]*EmbedStatusSummary)
	for _, ce := range s.embeddings {
		c, ok := s.chunks[ce.ChunkID]
		if !ok || c.Library != library {
			continue
		}
		sum := byModel[ce.Model]
		if sum == nil {
			sum = &EmbedStatusSummary{Model: ce.Model}
			byModel[ce.Model] = sum
		}
		switch ce.Status {
		case ChunkEmbedded:
			sum.EmbeddedChunks++
		case ChunkFailed:
			sum.FailedChunks++
		}
		if ce.UpdatedAt.After(sum.UpdatedAt) {
			sum.UpdatedAt = ce.UpdatedAt
		}
	}
	out := make([]*EmbedStatusSummary, 0, len(byModel))
	for _, sum := range byModel {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*SQLiteStore)(nil)
