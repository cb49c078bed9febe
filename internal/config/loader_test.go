package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadWithFile_YAML(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9191
  shutdown_timeout: 15s
log:
  level: debug
vectorstore:
  provider: memory
embed:
  model: model-x
  batch_size: 25
`)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.VectorStore.Provider)
	assert.Equal(t, "model-x", cfg.Embed.Model)
	assert.Equal(t, 25, cfg.Embed.BatchSize)

	// Untouched fields come from defaults.
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 1000, cfg.Ingest.ChunkSize)
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, `
server:
  http_port: 9191
`)

	t.Setenv("SERVER_HTTP_PORT", "7070")
	t.Setenv("EMBED_MODEL", "model-env")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "model-env", cfg.Embed.Model)
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadWithFile_RejectsWorldReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: info\n"), 0o644))

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permissions")
}

func TestLoadWithFile_RejectsInvalidValues(t *testing.T) {
	path := writeConfigFile(t, `
vectorstore:
  provider: pinecone
`)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vector store provider")
}

func TestLoadWithFile_SecretFromEnv(t *testing.T) {
	t.Setenv("EMBEDDINGS_API_KEY", "sk-test-123")

	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", cfg.Embeddings.APIKey.Value())
	assert.Equal(t, "[REDACTED]", cfg.Embeddings.APIKey.String())
}
