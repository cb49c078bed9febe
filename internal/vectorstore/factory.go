package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// FactoryConfig selects and configures a Store implementation.
type FactoryConfig struct {
	// Provider is the store type: "chromem" (default), "qdrant", or
	// "memory" (ephemeral, for tests and experimentation).
	Provider string

	// Chromem configures the embedded store (chromem provider).
	Chromem ChromemConfig

	// Qdrant configures the external store (qdrant provider).
	Qdrant QdrantConfig
}

// NewStore creates a vector store based on the configuration.
func NewStore(cfg FactoryConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
