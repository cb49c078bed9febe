package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testStores(t *testing.T) map[string]Store {
	chromemStore, err := NewChromemStore(ChromemConfig{}, zap.NewNop())
	require.NoError(t, err)
	return map[string]Store{
		"memory":  NewMemoryStore(),
		"chromem": chromemStore,
	}
}

func rec(library, fileID, chunkID, model, text string, vec ...float32) VectorRecord {
	return VectorRecord{
		Library: library, FileID: fileID, ChunkID: chunkID, Model: model,
		Text: text, Vector: vec, CreatedAt: time.Now().UTC(),
	}
}

func TestStore_UpsertAndHas(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-a", "alpha", 1, 0, 0),
				rec("docs", "f1", "c2", "model-a", "beta", 0, 1, 0),
			}))

			ok, err := s.HasVector(ctx, "docs", "model-a", "c1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.HasVector(ctx, "docs", "model-a", "c3")
			require.NoError(t, err)
			assert.False(t, ok)

			// Absent for a different model.
			ok, err = s.HasVector(ctx, "docs", "model-b", "c1")
			require.NoError(t, err)
			assert.False(t, ok)

			n, err := s.CountVectors(ctx, "docs")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			// Re-upsert with the same model overwrites, not duplicates.
			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-a", "alpha v2", 0, 0, 1),
			}))
			n, err = s.CountVectors(ctx, "docs")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			// A different model is additive.
			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-b", "alpha", 1, 1, 0),
			}))
			n, err = s.CountVectors(ctx, "docs")
			require.NoError(t, err)
			assert.Equal(t, 3, n)
		})
	}
}

func TestStore_DeleteVectorsForFile(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-a", "alpha", 1, 0),
				rec("docs", "f2", "c9", "model-a", "other", 0, 1),
			}))
			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-b", "alpha", 1, 1),
			}))

			require.NoError(t, s.DeleteVectorsForFile(ctx, "docs", "f1"))

			// Gone across every model collection.
			ok, err := s.HasVector(ctx, "docs", "model-a", "c1")
			require.NoError(t, err)
			assert.False(t, ok)
			ok, err = s.HasVector(ctx, "docs", "model-b", "c1")
			require.NoError(t, err)
			assert.False(t, ok)

			// Other files untouched.
			ok, err = s.HasVector(ctx, "docs", "model-a", "c9")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_DeleteLibrary(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-a", "alpha", 1, 0),
			}))
			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("notes", "g1", "d1", "model-a", "keep", 0, 1),
			}))

			require.NoError(t, s.DeleteLibrary(ctx, "docs"))

			n, err := s.CountVectors(ctx, "docs")
			require.NoError(t, err)
			assert.Zero(t, n)

			n, err = s.CountVectors(ctx, "notes")
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStore_SearchOrdering(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-a", "exact", 1, 0, 0),
				rec("docs", "f1", "c2", "model-a", "near", 0.9, 0.1, 0),
				rec("docs", "f1", "c3", "model-a", "far", 0, 0, 1),
			}))

			results, err := s.Search(ctx, "docs", "model-a", []float32{1, 0, 0}, 2)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Equal(t, "c1", results[0].ChunkID)
			assert.Equal(t, "c2", results[1].ChunkID)
			assert.Greater(t, results[0].Score, results[1].Score)
			assert.Equal(t, "exact", results[0].Text)
			assert.Equal(t, "f1", results[0].FileID)

			// Searching an unknown model collection returns nothing.
			results, err = s.Search(ctx, "docs", "model-x", []float32{1, 0, 0}, 2)
			require.NoError(t, err)
			assert.Empty(t, results)
		})
	}
}

func TestStore_BatchValidation(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := s.UpsertVectors(ctx, nil)
			require.ErrorIs(t, err, ErrEmptyRecords)

			err = s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-a", "a", 1, 0),
				rec("docs", "f1", "c2", "model-b", "b", 0, 1),
			})
			require.ErrorIs(t, err, ErrInvalidConfig)

			err = s.UpsertVectors(ctx, []VectorRecord{
				rec("docs", "f1", "c1", "model-a", "a", 1, 0),
				rec("docs", "f1", "c2", "model-a", "b", 0, 1, 0),
			})
			require.ErrorIs(t, err, ErrDimensionMismatch)
		})
	}
}

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "docs__text-embedding-3-small", CollectionName("docs", "text-embedding-3-small"))
	assert.Equal(t, "docs__baai-bge-small-en-v1-5", CollectionName("docs", "BAAI/bge-small-en-v1.5"))
}

func TestNewStore_UnknownProvider(t *testing.T) {
	_, err := NewStore(FactoryConfig{Provider: "bogus"}, zap.NewNop())
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewStore_DefaultsToChromem(t *testing.T) {
	s, err := NewStore(FactoryConfig{}, zap.NewNop())
	require.NoError(t, err)
	_, ok := s.(*ChromemStore)
	assert.True(t, ok)
}
