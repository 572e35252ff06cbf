// Decisiond is a shutdown decision-support daemon.
//
// It opens the persistent memory store, constructs the decision engine, and
// runs background pattern sync until terminated. Agents embed the engine as
// a library; this binary exists for standalone operation and smoke testing.
//
// Usage:
//
//	# Start with defaults (~/.config/decisiond/config.yaml)
//	decisiond
//
//	# Explicit config file and agent identity
//	decisiond -config /etc/decisiond/config.yaml -agent worker-3
//
//	# Configure via environment
//	DECISIOND_MEMORY_PATH=/var/lib/decisiond decisiond
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/config"
	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/engine"
	"github.com/fyrsmithlabs/decisiond/internal/logging"
	"github.com/fyrsmithlabs/decisiond/internal/memory"
	"github.com/fyrsmithlabs/decisiond/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default ~/.config/decisiond/config.yaml)")
	agentID := flag.String("agent", "", "agent identity override")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  decisiond           Start the decision daemon\n")
			fmt.Fprintf(os.Stderr, "  decisiond version   Show version information\n")
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

	if err := run(ctx, *configPath, *agentID); err != nil {
		log.Fatalf("decisiond error: %v", err)
	}
	log.Println("Shutdown complete")
}

func printVersion() {
	fmt.Printf("decisiond by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires the daemon and blocks until ctx is cancelled:
//  1. Loads and validates configuration
//  2. Builds the structured logger
//  3. Opens the embedding provider and vector store
//  4. Constructs the memory service and decision engine
//  5. Starts background pattern sync when configured
//  6. Stops sync and closes storage on shutdown
func run(ctx context.Context, configPath, agentID string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if agentID != "" {
		cfg.Engine.AgentID = agentID
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	embedder, err := embeddings.NewFeatureHash(cfg.Embeddings)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}

	// Open degrades to an ephemeral store when the durable path cannot be
	// used, so the daemon still comes up and keeps deciding.
	store, err := vectorstore.Open(vectorstore.ChromemConfig{
		Path:     cfg.Memory.Path,
		Compress: cfg.Memory.Compress,
	}, embedder, logger.Named("vectorstore"))
	if err != nil {
		return fmt.Errorf("opening vector store: %w", err)
	}

	mem, err := memory.NewService(cfg.Memory, store, logger.Named("memory"))
	if err != nil {
		return fmt.Errorf("creating memory service: %w", err)
	}

	eng, err := engine.New(cfg.Engine, mem, logger.Named("engine"))
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	if cfg.Engine.Sync.Auto {
		if err := eng.StartSync(); err != nil {
			return fmt.Errorf("starting pattern sync: %w", err)
		}
	}

	stats, err := mem.Stats(ctx)
	if err != nil {
		logger.Warn("memory stats unavailable", zap.Error(err))
	}
	logger.Info("decisiond started",
		zap.String("version", version),
		zap.String("agent_id", cfg.Engine.AgentID),
		zap.Bool("persistent", stats.Persistent),
		zap.Int("shared_patterns", stats.SharedPatterns),
		zap.Bool("auto_sync", cfg.Engine.Sync.Auto),
	)

	<-ctx.Done()

	logger.Info("decisiond stopping")
	if err := eng.Close(); err != nil {
		return fmt.Errorf("closing engine: %w", err)
	}
	return nil
}
