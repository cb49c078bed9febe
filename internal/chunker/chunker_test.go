package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "valid",
			config: Config{ChunkSize: 1000, ChunkOverlap: 200},
		},
		{
			name:   "no overlap",
			config: Config{ChunkSize: 500, ChunkOverlap: 0},
		},
		{
			name:    "negative size",
			config:  Config{ChunkSize: -1},
			wantErr: true,
		},
		{
			name:    "overlap equals size",
			config:  Config{ChunkSize: 100, ChunkOverlap: 100},
			wantErr: true,
		},
		{
			name:    "negative overlap",
			config:  Config{ChunkSize: 100, ChunkOverlap: -5},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChunker_Split(t *testing.T) {
	c, err := New(Config{ChunkSize: 50, ChunkOverlap: 10})
	require.NoError(t, err)

	t.Run("short text is one chunk", func(t *testing.T) {
		chunks, err := c.Split("a short sentence")
		require.NoError(t, err)
		require.Len(t, chunks, 1)
		assert.Equal(t, "a short sentence", chunks[0])
	})

	t.Run("long text splits", func(t *testing.T) {
		text := strings.Repeat("the quick brown fox jumps over the lazy dog. ", 20)
		chunks, err := c.Split(text)
		require.NoError(t, err)
		assert.Greater(t, len(chunks), 1)
		for _, chunk := range chunks {
			assert.NotEmpty(t, strings.TrimSpace(chunk))
		}
	})

	t.Run("empty input yields nothing", func(t *testing.T) {
		chunks, err := c.Split("")
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("whitespace only yields nothing", func(t *testing.T) {
		chunks, err := c.Split("  \n\t  ")
		require.NoError(t, err)
		assert.Empty(t, chunks)
	})

	t.Run("deterministic", func(t *testing.T) {
		text := strings.Repeat("deterministic splitting matters for ids. ", 15)
		first, err := c.Split(text)
		require.NoError(t, err)
		second, err := c.Split(text)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})
}

func TestNew_DefaultsApplied(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, 1000, c.config.ChunkSize)
	assert.Equal(t, 200, c.config.ChunkOverlap)
}
