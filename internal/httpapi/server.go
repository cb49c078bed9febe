// Package httpapi provides the HTTP API for libraryd.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/libraryd/internal/embedder"
	"github.com/fyrsmithlabs/libraryd/internal/embeddings"
	"github.com/fyrsmithlabs/libraryd/internal/ingest"
	"github.com/fyrsmithlabs/libraryd/internal/library"
	"github.com/fyrsmithlabs/libraryd/internal/metastore"
	"github.com/fyrsmithlabs/libraryd/internal/vectorstore"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server provides HTTP endpoints for libraryd.
type Server struct {
	echo      *echo.Echo
	libraries library.Service
	ingester  ingest.Service
	embedder  embedder.Service
	vectors   vectorstore.Store
	provider  embeddings.Provider
	logger    *zap.Logger
	config    *Config
}

// NewServer creates a new HTTP server.
func NewServer(libraries library.Service, ingester ingest.Service, emb embedder.Service, vectors vectorstore.Store, provider embeddings.Provider, logger *zap.Logger, cfg *Config) (*Server, error) {
	if libraries == nil {
		return nil, fmt.Errorf("library service is required")
	}
	if ingester == nil {
		return nil, fmt.Errorf("ingest service is required")
	}
	if emb == nil {
		return nil, fmt.Errorf("embedder service is required")
	}
	if vectors == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if provider == nil {
		return nil, fmt.Errorf("embedding provider is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 8080}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	metrics := NewHTTPMetrics(logger)
	e.Use(metrics.Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)

			return err
		}
	})

	s := &Server{
		echo:      e,
		libraries: libraries,
		ingester:  ingester,
		embedder:  emb,
		vectors:   vectors,
		provider:  provider,
		logger:    logger,
		config:    cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/libraries", s.handleCreateLibrary)
	v1.GET("/libraries", s.handleListLibraries)
	v1.GET("/libraries/:name", s.handleGetLibrary)
	v1.DELETE("/libraries/:name", s.handleDeleteLibrary)
	v1.POST("/libraries/:name/files", s.handleAddFile)
	v1.POST("/libraries/:name/embed", s.handleEmbed)
	v1.POST("/libraries/:name/reconcile", s.handleReconcile)
	v1.POST("/libraries/:name/search", s.handleSearch)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateLibraryRequest is the request body for POST /api/v1/libraries.
type CreateLibraryRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateLibrary(c echo.Context) error {
	var req CreateLibraryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	lib, err := s.libraries.Create(c.Request().Context(), req.Name)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, lib)
}

func (s *Server) handleListLibraries(c echo.Context) error {
	summaries, err := s.libraries.List(c.Request().Context())
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, summaries)
}

func (s *Server) handleGetLibrary(c echo.Context) error {
	detail, err := s.libraries.Get(c.Request().Context(), c.Param("name"))
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, detail)
}

func (s *Server) handleDeleteLibrary(c echo.Context) error {
	if err := s.libraries.Delete(c.Request().Context(), c.Param("name")); err != nil {
		return s.mapError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// AddFileRequest is the request body for POST /api/v1/libraries/:name/files.
type AddFileRequest struct {
	BlobURI  string            `json:"blob_uri"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AddFileResponse is the response body for a successful file ingestion.
type AddFileResponse struct {
	File     *metastore.File `json:"file"`
	Chunks   int             `json:"chunks"`
	Replaced bool            `json:"replaced"`
}

func (s *Server) handleAddFile(c echo.Context) error {
	var req AddFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.BlobURI == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blob_uri field is required")
	}

	res, err := s.ingester.AddFile(c.Request().Context(), &ingest.AddFileRequest{
		Library:  c.Param("name"),
		BlobURI:  req.BlobURI,
		Metadata: req.Metadata,
	})
	if err != nil {
		if errors.Is(err, ingest.ErrContentUnavailable) && res != nil {
			// The file row is kept; tell the caller to retry the same
			// request once the content is reachable.
			return c.JSON(http.StatusUnprocessableEntity, AddFileResponse{
				File: res.File, Replaced: res.Replaced,
			})
		}
		return s.mapError(err)
	}
	return c.JSON(http.StatusCreated, AddFileResponse{
		File: res.File, Chunks: res.Chunks, Replaced: res.Replaced,
	})
}

// EmbedRequest is the request body for POST /api/v1/libraries/:name/embed.
type EmbedRequest struct {
	Model string `json:"model,omitempty"`
}

func (s *Server) handleEmbed(c echo.Context) error {
	var req EmbedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.embedder.Embed(c.Request().Context(), &embedder.EmbedRequest{
		Library: c.Param("name"),
		Model:   req.Model,
	})
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// ReconcileRequest is the request body for POST /api/v1/libraries/:name/reconcile.
type ReconcileRequest struct {
	Repair bool `json:"repair,omitempty"`
}

func (s *Server) handleReconcile(c echo.Context) error {
	var req ReconcileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	report, err := s.libraries.Reconcile(c.Request().Context(), c.Param("name"), req.Repair)
	if err != nil {
		if errors.Is(err, library.ErrInconsistentState) && report != nil {
			return c.JSON(http.StatusConflict, report)
		}
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, report)
}

// SearchRequest is the request body for POST /api/v1/libraries/:name/search.
type SearchRequest struct {
	Query string `json:"query"`
	Model string `json:"model,omitempty"`
	K     int    `json:"k,omitempty"`
}

// SearchResponse is the response body for a search.
type SearchResponse struct {
	Results []vectorstore.SearchResult `json:"results"`
}

func (s *Server) handleSearch(c echo.Context) error {
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query field is required")
	}
	if req.Model == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "model field is required")
	}
	if req.K <= 0 {
		req.K = 10
	}

	ctx := c.Request().Context()
	if _, err := s.libraries.Get(ctx, c.Param("name")); err != nil {
		return s.mapError(err)
	}

	vecs, err := s.provider.EmbedBatch(ctx, req.Model, []string{req.Query})
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("embedding query: %v", err))
	}

	results, err := s.vectors.Search(ctx, c.Param("name"), req.Model, vecs[0], req.K)
	if err != nil {
		return s.mapError(err)
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results})
}

// mapError converts domain errors into HTTP status codes.
func (s *Server) mapError(err error) error {
	switch {
	case errors.Is(err, metastore.ErrLibraryNotFound),
		errors.Is(err, metastore.ErrFileNotFound),
		errors.Is(err, metastore.ErrChunkNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, metastore.ErrLibraryExists):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, library.ErrEmbedInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, library.ErrInvalidName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrContentUnavailable):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error("internal error", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}
