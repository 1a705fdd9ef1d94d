// Heuristd is the self-correcting heuristic knowledge store daemon.
//
// It serves the HTTP API for evidence submission, candidate acceptance, and
// domain inspection, and runs the background maintenance sweep (decay,
// contraction, merging, golden promotion, self-repair).
//
// Usage:
//
//	# Start with defaults (~/.config/heuristd/config.yaml if present)
//	heuristd
//
//	# Explicit config file
//	heuristd -config /etc/heuristd/config.yaml
//
//	# Configure via environment
//	SERVER_PORT=9180 STORE_PATH=/var/lib/heuristd/heuristd.db heuristd
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

	"github.com/fyrsmithlabs/heuristd/internal/config"
	"github.com/fyrsmithlabs/heuristd/internal/heuristics"
	"github.com/fyrsmithlabs/heuristd/internal/httpapi"
	"github.com/fyrsmithlabs/heuristd/internal/logging"
	"github.com/fyrsmithlabs/heuristd/internal/store"
	"github.com/fyrsmithlabs/heuristd/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if args := flag.Args(); len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  heuristd           Start the heuristd daemon\n")
			fmt.Fprintf(os.Stderr, "  heuristd version   Show version information\n")
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

func printVersion() {
	fmt.Printf("heuristd by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the daemon and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	if err := config.EnsureConfigDir(); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting heuristd",
		zap.String("version", version),
		zap.String("commit", gitCommit),
	)

	db, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer db.Close()

	service, err := heuristics.NewService(db, cfg.Heuristics, heuristics.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating heuristics service: %w", err)
	}
	if err := service.Start(); err != nil {
		return fmt.Errorf("starting maintenance scheduler: %w", err)
	}
	defer service.Stop()

	metrics := telemetry.New()
	server, err := httpapi.NewServer(service, metrics, logger, &httpapi.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	})
	if err != nil {
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
