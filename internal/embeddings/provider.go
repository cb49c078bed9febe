// Package embeddings provides embedding generation via remote providers.
//
// Provider failures carry a retry classification: transient failures
// (timeouts, rate limits, 5xx) are safe to retry with backoff, permanent
// failures (invalid input, exhausted quota with no retry window) are not.
// The embedding coordinator aggregates both into per-chunk outcomes instead
// of raising them.
package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Provider is the interface for embedding providers.
type Provider interface {
	// EmbedBatch generates one embedding per input text using the given
	// model. The call is bounded by the provider's request timeout and the
	// passed context, whichever is shorter. Errors are classified: check
	// with IsTransient / IsPermanent.
	EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error)

	// Close releases resources held by the provider.
	Close() error
}

// TransientError wraps a provider failure that is safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a provider failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent provider error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable provider failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a non-retryable provider failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err is classified as retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is classified as non-retryable.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Dimension returns the embedding dimension for a model name, falling back
// to 1536 (the text-embedding-3-small dimension) when unknown.
func Dimension(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	}
	switch {
	case strings.Contains(model, "large"):
		return 1024
	case strings.Contains(model, "base"):
		return 768
	case strings.Contains(model, "small"), strings.Contains(model, "mini"):
		return 384
	default:
		return 1536
	}
}
