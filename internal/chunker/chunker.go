// Package chunker splits document text into overlapping chunks sized for
// embedding. Splitting is deterministic: the same text and configuration
// always produce the same chunk sequence.
package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

var (
	// ErrInvalidConfig indicates chunker configuration is invalid.
	ErrInvalidConfig = errors.New("invalid chunker configuration")
)

// Config holds chunker configuration.
type Config struct {
	// ChunkSize is the target chunk length in characters. Default: 1000.
	ChunkSize int

	// ChunkOverlap is the number of characters shared between adjacent
	// chunks. Default: 200.
	ChunkOverlap int
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = 200
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if c.ChunkOverlap < 0 {
		return fmt.Errorf("%w: chunk overlap cannot be negative", ErrInvalidConfig)
	}
	if c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk overlap must be smaller than chunk size", ErrInvalidConfig)
	}
	return nil
}

// Chunker splits text into chunks.
type Chunker struct {
	config   Config
	splitter textsplitter.RecursiveCharacter
}

// New creates a chunker from the given configuration.
func New(config Config) (*Chunker, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(config.ChunkSize),
		textsplitter.WithChunkOverlap(config.ChunkOverlap),
	)

	return &Chunker{config: config, splitter: splitter}, nil
}

// Split splits text into chunks. Whitespace-only input yields no chunks.
func (c *Chunker) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	chunks, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("splitting text: %w", err)
	}

	out := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		out = append(out, chunk)
	}
	return out, nil
}
