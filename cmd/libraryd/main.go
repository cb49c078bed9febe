// Libraryd is a document library daemon: it ingests files into named
// libraries, chunks and embeds their content, and keeps the metadata store
// and the vector store consistent.
//
// Configuration is loaded from ~/.config/libraryd/config.yaml with
// environment variable overrides. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	libraryd
//
//	# Configure via environment
//	SERVER_HTTP_PORT=9090 VECTORSTORE_PROVIDER=qdrant libraryd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/libraryd/internal/chunker"
	"github.com/fyrsmithlabs/libraryd/internal/config"
	"github.com/fyrsmithlabs/libraryd/internal/embedder"
	"github.com/fyrsmithlabs/libraryd/internal/embeddings"
	"github.com/fyrsmithlabs/libraryd/internal/httpapi"
	"github.com/fyrsmithlabs/libraryd/internal/ingest"
	"github.com/fyrsmithlabs/libraryd/internal/keylock"
	"github.com/fyrsmithlabs/libraryd/internal/library"
	"github.com/fyrsmithlabs/libraryd/internal/logging"
	"github.com/fyrsmithlabs/libraryd/internal/metastore"
	"github.com/fyrsmithlabs/libraryd/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/libraryd/config.yaml)")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  libraryd           Start the libraryd daemon\n")
			fmt.Fprintf(os.Stderr, "  libraryd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

// printVersion prints version information
func printVersion() {
	fmt.Printf("libraryd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the libraryd server and blocks until the context is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Starting libraryd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("vector_store", cfg.VectorStore.Provider),
		zap.String("embed_model", cfg.Embed.Model),
	)

	store, err := metastore.NewSQLiteStore(metastore.SQLiteConfig{Path: cfg.Metastore.Path})
	if err != nil {
		return fmt.Errorf("opening metadata store: %w", err)
	}
	defer store.Close()

	vectors, err := vectorstore.NewStore(vectorstore.FactoryConfig{
		Provider: cfg.VectorStore.Provider,
		Chromem: vectorstore.ChromemConfig{
			Path:     cfg.VectorStore.Path,
			Compress: cfg.VectorStore.Compress,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:           cfg.VectorStore.QdrantHost,
			Port:           cfg.VectorStore.QdrantPort,
			UseTLS:         cfg.VectorStore.QdrantUseTLS,
			APIKey:         cfg.VectorStore.QdrantAPIKey.Value(),
			RequestTimeout: cfg.VectorStore.QdrantTimeout.Duration(),
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}
	defer vectors.Close()

	provider, err := embeddings.NewOpenAIProvider(embeddings.OpenAIConfig{
		BaseURL:           cfg.Embeddings.BaseURL,
		APIKey:            cfg.Embeddings.APIKey.Value(),
		RequestTimeout:    cfg.Embeddings.RequestTimeout.Duration(),
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer provider.Close()

	ch, err := chunker.New(chunker.Config{
		ChunkSize:    cfg.Ingest.ChunkSize,
		ChunkOverlap: cfg.Ingest.ChunkOverlap,
	})
	if err != nil {
		return fmt.Errorf("creating chunker: %w", err)
	}

	locks := keylock.New()
	resolver := ingest.NewSchemeResolver(cfg.Ingest.FetchTimeout.Duration())

	libraries, err := library.NewService(&library.Config{
		ClaimTTL: cfg.Embed.ClaimTTL.Duration(),
	}, store, vectors, logger)
	if err != nil {
		return fmt.Errorf("creating library service: %w", err)
	}
	ingester, err := ingest.NewService(store, vectors, resolver, ch, locks, logger)
	if err != nil {
		return fmt.Errorf("creating ingest service: %w", err)
	}
	embedSvc, err := embedder.NewService(&embedder.Config{
		Model:          cfg.Embed.Model,
		BatchSize:      cfg.Embed.BatchSize,
		Concurrency:    cfg.Embed.Concurrency,
		BatchTimeout:   cfg.Embed.BatchTimeout.Duration(),
		MaxAttempts:    cfg.Embed.MaxAttempts,
		InitialBackoff: cfg.Embed.InitialBackoff.Duration(),
		ClaimTTL:       cfg.Embed.ClaimTTL.Duration(),
	}, store, vectors, provider, locks, logger)
	if err != nil {
		return fmt.Errorf("creating embedder service: %w", err)
	}

	server, err := httpapi.NewServer(libraries, ingester, embedSvc, vectors, provider, logger, &httpapi.Config{
		Host: "",
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	return nil
}
