package vectorstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	cfg := QdrantConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout)

	// Explicit values survive.
	cfg = QdrantConfig{Host: "qdrant.internal", Port: 7000}
	cfg.ApplyDefaults()
	assert.Equal(t, "qdrant.internal", cfg.Host)
	assert.Equal(t, 7000, cfg.Port)
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{Host: "localhost", Port: 6334}
	require.NoError(t, cfg.Validate())

	cfg = QdrantConfig{Port: 6334}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = QdrantConfig{Host: "localhost", Port: 99999}
	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
