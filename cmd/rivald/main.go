// Rivald is a competitor-product records pipeline daemon: it ingests a raw
// record feed, stages validated records relationally with atomic snapshot
// replacement, builds a vector index, and serves filtered similarity search.
//
// Configuration is loaded from an optional YAML file plus environment
// variables. See internal/config for the recognized options.
//
// Usage:
//
//	# Start the daemon with defaults (embedded vector store, local TEI)
//	rivald
//
//	# Configure via file and environment
//	rivald -config rivald.yaml
//	SERVER_PORT=9090 VECTORSTORE_PROVIDER=qdrant rivald
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rivald/internal/config"
	"github.com/fyrsmithlabs/rivald/internal/embeddings"
	"github.com/fyrsmithlabs/rivald/internal/index"
	"github.com/fyrsmithlabs/rivald/internal/logging"
	"github.com/fyrsmithlabs/rivald/internal/orchestrator"
	"github.com/fyrsmithlabs/rivald/internal/parser"
	"github.com/fyrsmithlabs/rivald/internal/search"
	"github.com/fyrsmithlabs/rivald/internal/server"
	"github.com/fyrsmithlabs/rivald/internal/source"
	"github.com/fyrsmithlabs/rivald/internal/staging"
	"github.com/fyrsmithlabs/rivald/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration file")
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
			fmt.Fprintf(os.Stderr, "  rivald           Start the rivald daemon\n")
			fmt.Fprintf(os.Stderr, "  rivald version   Show version information\n")
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
	fmt.Printf("rivald by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run initializes all dependencies and blocks until the context is
// cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.NewLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logging.Sync(logger)

	logger.Info("starting rivald",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	provider, err := embeddings.NewProvider(embeddings.Config{
		Provider:  cfg.Embeddings.Provider,
		BaseURL:   cfg.Embeddings.BaseURL,
		Model:     cfg.Embeddings.Model,
		APIKey:    cfg.Embeddings.APIKey,
		Dimension: cfg.Embeddings.Dimension,
	})
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}
	defer provider.Close()

	store, err := newVectorStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating vector store: %w", err)
	}
	defer store.Close()

	stagingStore, err := staging.Open(cfg.Staging.Path, logger.Named("staging"))
	if err != nil {
		return fmt.Errorf("opening staging store: %w", err)
	}
	defer stagingStore.Close()

	builder := index.NewBuilder(stagingStore, provider, store, index.Config{
		Collection:    cfg.VectorStore.Collection,
		ChunkSize:     cfg.Pipeline.ChunkSize,
		MaxRetries:    cfg.Pipeline.MaxRetries,
		RetryInterval: cfg.Pipeline.RetryInterval,
	}, logger.Named("index"))

	newSource := func() (source.Source, error) {
		return source.NewJSONLSource(cfg.Source.Path, logger.Named("source"))
	}

	builds := orchestrator.New(
		newSource,
		parser.New(logger.Named("parser")),
		stagingStore,
		builder,
		logger.Named("orchestrator"),
	)
	defer builds.Close()

	searcher := search.NewService(provider, store, search.Config{
		MaxTopK:        cfg.Search.MaxTopK,
		MetadataFields: cfg.Search.MetadataFields,
	}, logger.Named("search"))

	metrics := server.NewMetrics()
	builds.OnBuildComplete(func(state string, duration time.Duration) {
		metrics.BuildsTotal.WithLabelValues(state).Inc()
		metrics.BuildDuration.Observe(duration.Seconds())
	})

	srv, err := server.NewServer(builds, searcher, metrics, logger.Named("http"), &server.Config{
		Host:                cfg.Server.Host,
		Port:                cfg.Server.Port,
		DefaultBatchSize:    cfg.Pipeline.BatchSize,
		DefaultForceRebuild: cfg.Pipeline.ForceRebuildDefault,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", zap.Error(err))
	}
	return nil
}

// newVectorStore selects the vector index backend from configuration.
func newVectorStore(cfg *config.Config, logger *zap.Logger) (vectorstore.Store, error) {
	switch cfg.VectorStore.Provider {
	case "qdrant":
		qcfg := vectorstore.QdrantConfig{
			Host:       cfg.VectorStore.Qdrant.Host,
			Port:       cfg.VectorStore.Qdrant.Port,
			UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
			Collection: cfg.VectorStore.Collection,
			VectorSize: uint64(cfg.Embeddings.Dimension),
		}
		return vectorstore.NewQdrantStore(qcfg)
	case "chromem":
		ccfg := vectorstore.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			Collection: cfg.VectorStore.Collection,
			VectorSize: cfg.Embeddings.Dimension,
		}
		return vectorstore.NewChromemStore(ccfg, logger.Named("chromem"))
	default:
		return nil, fmt.Errorf("unknown vectorstore provider %q", cfg.VectorStore.Provider)
	}
}
