// Package library manages library lifecycle: creation, listing, detail
// aggregation, cascade deletion, and cross-store reconciliation.
//
// Deletion order is fixed: vectors first, then chunks, then file records,
// then the library record. A vector must never outlive the metadata that
// owns it, so the vector store is always emptied before the metadata store.
package library

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/libraryd/internal/metastore"
	"github.com/fyrsmithlabs/libraryd/internal/vectorstore"
)

const instrumentationName = "github.com/fyrsmithlabs/libraryd/internal/library"

var (
	// ErrInvalidName indicates a library name that cannot be used.
	ErrInvalidName = errors.New("invalid library name")

	// ErrEmbedInProgress is returned when deleting a library that has
	// unexpired embedding claims.
	ErrEmbedInProgress = errors.New("embedding in progress")

	// ErrInconsistentState is returned when reconciliation finds the
	// metadata store and the vector store disagreeing.
	ErrInconsistentState = errors.New("inconsistent state between metadata and vector stores")
)

// Library names become part of vector collection names, so the collection
// separator is forbidden.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

// ValidateName reports whether a library name is usable.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidName)
	}
	if strings.Contains(name, "__") {
		return fmt.Errorf("%w: %q must not contain %q", ErrInvalidName, name, "__")
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("%w: %q must match %s", ErrInvalidName, name, nameRe.String())
	}
	return nil
}

// Summary is a one-line library listing entry.
type Summary struct {
	Name      string    `json:"name"`
	Files     int       `json:"files"`
	CreatedAt time.Time `json:"created_at"`
}

// Detail is the full library view with aggregate counts.
type Detail struct {
	Name        string                          `json:"name"`
	State       metastore.LibraryState          `json:"state"`
	CreatedAt   time.Time                       `json:"created_at"`
	Files       []*metastore.File               `json:"files"`
	ChunkCount  int                             `json:"chunk_count"`
	VectorCount int                             `json:"vector_count"`
	EmbedStatus []*metastore.EmbedStatusSummary `json:"embed_status"`
}

// Service manages library lifecycle.
type Service interface {
	// Create creates an empty library. Returns metastore.ErrLibraryExists
	// on duplicates and ErrInvalidName for unusable names.
	Create(ctx context.Context, name string) (*metastore.Library, error)

	// List returns summaries for all libraries.
	List(ctx context.Context) ([]*Summary, error)

	// Get returns full detail for a library.
	Get(ctx context.Context, name string) (*Detail, error)

	// Delete removes a library and everything derived from it. Re-entrant:
	// an interrupted delete leaves the library in the DELETING state and a
	// retry resumes with the files that remain.
	Delete(ctx context.Context, name string) error

	// Reconcile checks the embedded-status-implies-vector invariant for a
	// library and, when repair is set, restores it. Without repair, found
	// violations are reported alongside ErrInconsistentState.
	Reconcile(ctx context.Context, name string, repair bool) (*ReconcileReport, error)
}

// Config holds library lifecycle settings.
type Config struct {
	// ClaimTTL is how old an embedding claim must be before deletion stops
	// treating it as in-flight work. Must match the embedder's claim TTL so
	// the two services agree on which claims are live.
	ClaimTTL time.Duration
}

// ApplyDefaults fills in zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 5 * time.Minute
	}
}

// service implements the Service interface.
type service struct {
	config  Config
	store   metastore.Store
	vectors vectorstore.Store
	logger  *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	createCounter metric.Int64Counter
	deleteCounter metric.Int64Counter
}

// NewService creates a library lifecycle service. A nil config uses defaults.
func NewService(cfg *Config, store metastore.Store, vectors vectorstore.Store, logger *zap.Logger) (Service, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if store == nil {
		return nil, errors.New("metadata store is required")
	}
	if vectors == nil {
		return nil, errors.New("vector store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		config:  *cfg,
		store:   store,
		vectors: vectors,
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		meter:   otel.Meter(instrumentationName),
	}

	s.initMetrics()

	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *service) initMetrics() {
	var err error

	s.createCounter, err = s.meter.Int64Counter(
		"libraryd.library.creates_total",
		metric.WithDescription("Total number of libraries created"),
		metric.WithUnit("{library}"),
	)
	if err != nil {
		s.logger.Warn("failed to create create counter", zap.Error(err))
	}

	s.deleteCounter, err = s.meter.Int64Counter(
		"libraryd.library.deletes_total",
		metric.WithDescription("Total number of libraries deleted"),
		metric.WithUnit("{library}"),
	)
	if err != nil {
		s.logger.Warn("failed to create delete counter", zap.Error(err))
	}
}

// Create creates an empty library.
func (s *service) Create(ctx context.Context, name string) (*metastore.Library, error) {
	ctx, span := s.tracer.Start(ctx, "library.create")
	defer span.End()
	span.SetAttributes(attribute.String("library", name))

	if err := ValidateName(name); err != nil {
		return nil, err
	}

	lib := &metastore.Library{
		Name:      name,
		State:     metastore.LibraryActive,
		CreatedAt: time.Now(),
	}
	if err := s.store.PutLibrary(ctx, lib); err != nil {
		return nil, fmt.Errorf("creating library: %w", err)
	}

	s.createCounter.Add(ctx, 1)
	s.logger.Info("library created", zap.String("library", name))
	return lib, nil
}

// List returns summaries for all libraries.
func (s *service) List(ctx context.Context) ([]*Summary, error) {
	ctx, span := s.tracer.Start(ctx, "library.list")
	defer span.End()

	libs, err := s.store.ListLibraries(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing libraries: %w", err)
	}

	out := make([]*Summary, 0, len(libs))
	for _, lib := range libs {
		files, err := s.store.ListFilesByLibrary(ctx, lib.Name)
		if err != nil {
			return nil, fmt.Errorf("listing files of %s: %w", lib.Name, err)
		}
		out = append(out, &Summary{
			Name:      lib.Name,
			Files:     len(files),
			CreatedAt: lib.CreatedAt,
		})
	}
	return out, nil
}

// Get returns full detail for a library.
func (s *service) Get(ctx context.Context, name string) (*Detail, error) {
	ctx, span := s.tracer.Start(ctx, "library.get")
	defer span.End()
	span.SetAttributes(attribute.String("library", name))

	lib, err := s.store.GetLibrary(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("looking up library: %w", err)
	}

	files, err := s.store.ListFilesByLibrary(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	chunkCount, err := s.store.CountChunksByLibrary(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("counting chunks: %w", err)
	}
	vectorCount, err := s.vectors.CountVectors(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("counting vectors: %w", err)
	}
	status, err := s.store.EmbedStatusByLibrary(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("aggregating embed status: %w", err)
	}

	return &Detail{
		Name:        lib.Name,
		State:       lib.State,
		CreatedAt:   lib.CreatedAt,
		Files:       files,
		ChunkCount:  chunkCount,
		VectorCount: vectorCount,
		EmbedStatus: status,
	}, nil
}

// Delete removes a library, its files, chunks, and vectors.
func (s *service) Delete(ctx context.Context, name string) error {
	ctx, span := s.tracer.Start(ctx, "library.delete")
	defer span.End()
	span.SetAttributes(attribute.String("library", name))

	if _, err := s.store.GetLibrary(ctx, name); err != nil {
		return fmt.Errorf("looking up library: %w", err)
	}

	live, err := s.store.CountLiveClaims(ctx, name, "", time.Now().Add(-s.config.ClaimTTL))
	if err != nil {
		return fmt.Errorf("counting live claims: %w", err)
	}
	if live > 0 {
		return fmt.Errorf("%w: %d chunks claimed in library %s", ErrEmbedInProgress, live, name)
	}

	if err := s.store.MarkLibraryDeleting(ctx, name); err != nil {
		return fmt.Errorf("marking library deleting: %w", err)
	}

	// An AddFile that looked the library up before the DELETING mark can
	// still land a file after a single enumeration. Sweep until the listing
	// comes back empty so no file or chunk rows outlive the library record.
	deleted := 0
	for {
		files, err := s.store.ListFilesByLibrary(ctx, name)
		if err != nil {
			return fmt.Errorf("listing files: %w", err)
		}
		if len(files) == 0 {
			break
		}
		for _, f := range files {
			if err := s.vectors.DeleteVectorsForFile(ctx, name, f.ID); err != nil {
				return fmt.Errorf("deleting vectors of file %s: %w", f.ID, err)
			}
			if err := s.store.DeleteChunksByFile(ctx, name, f.ID); err != nil {
				return fmt.Errorf("deleting chunks of file %s: %w", f.ID, err)
			}
			if err := s.store.DeleteFile(ctx, name, f.ID); err != nil {
				return fmt.Errorf("deleting file %s: %w", f.ID, err)
			}
		}
		deleted += len(files)
	}

	// Drop the per-model collections once no file references them.
	if err := s.vectors.DeleteLibrary(ctx, name); err != nil {
		return fmt.Errorf("deleting vector collections: %w", err)
	}
	if err := s.store.DeleteLibrary(ctx, name); err != nil {
		return fmt.Errorf("deleting library record: %w", err)
	}

	s.deleteCounter.Add(ctx, 1)
	s.logger.Info("library deleted",
		zap.String("library", name),
		zap.Int("files", deleted),
	)
	return nil
}
