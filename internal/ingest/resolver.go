package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// ErrContentUnavailable indicates the blob locator could not be resolved to
// content. The file record is preserved so a retried AddFile does not need
// the metadata re-submitted.
var ErrContentUnavailable = errors.New("content unavailable")

// ContentResolver turns an opaque blob locator into raw text.
type ContentResolver interface {
	// Resolve returns the content behind the locator, or an error wrapping
	// ErrContentUnavailable when it cannot be fetched.
	Resolve(ctx context.Context, blobURI string) (string, error)
}

// maxContentBytes caps resolved content to keep one file from exhausting
// memory during chunking.
const maxContentBytes = 64 << 20

// HTTPResolver fetches content over HTTP(S).
type HTTPResolver struct {
	client *http.Client
}

// NewHTTPResolver creates an HTTP resolver with the given per-fetch timeout.
func NewHTTPResolver(timeout time.Duration) *HTTPResolver {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPResolver{client: &http.Client{Timeout: timeout}}
}

// Resolve fetches the locator with a GET request.
func (r *HTTPResolver) Resolve(ctx context.Context, blobURI string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURI, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrContentUnavailable, blobURI, err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: fetching %s: %v", ErrContentUnavailable, blobURI, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned status %d", ErrContentUnavailable, blobURI, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxContentBytes))
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrContentUnavailable, blobURI, err)
	}
	return string(body), nil
}

// FileResolver reads content from the local filesystem, for file:// locators
// and bare paths.
type FileResolver struct{}

// Resolve reads the file behind the locator.
func (r *FileResolver) Resolve(ctx context.Context, blobURI string) (string, error) {
	path := strings.TrimPrefix(blobURI, "file://")

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrContentUnavailable, path, err)
	}
	if len(data) > maxContentBytes {
		return "", fmt.Errorf("%w: %s exceeds %d bytes", ErrContentUnavailable, path, maxContentBytes)
	}
	return string(data), nil
}

// SchemeResolver dispatches to a resolver based on the locator's URL scheme.
// Locators without a scheme are treated as local paths.
type SchemeResolver struct {
	http *HTTPResolver
	file *FileResolver
}

// NewSchemeResolver creates a resolver covering http(s) and file locators.
func NewSchemeResolver(httpTimeout time.Duration) *SchemeResolver {
	return &SchemeResolver{
		http: NewHTTPResolver(httpTimeout),
		file: &FileResolver{},
	}
}

// Resolve dispatches by scheme.
func (r *SchemeResolver) Resolve(ctx context.Context, blobURI string) (string, error) {
	u, err := url.Parse(blobURI)
	if err != nil {
		return "", fmt.Errorf("%w: parsing %s: %v", ErrContentUnavailable, blobURI, err)
	}

	switch u.Scheme {
	case "http", "https":
		return r.http.Resolve(ctx, blobURI)
	case "file", "":
		return r.file.Resolve(ctx, blobURI)
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrContentUnavailable, u.Scheme)
	}
}

var (
	_ ContentResolver = (*HTTPResolver)(nil)
	_ ContentResolver = (*FileResolver)(nil)
	_ ContentResolver = (*SchemeResolver)(nil)
)
