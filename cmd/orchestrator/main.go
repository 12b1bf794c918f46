// Package main implements the orchestrator process: the Verification
// Orchestrator's entrypoint, wiring the State Store, Event Bus Gateway,
// DAG Orchestrator, Supervisor, Review Coordinator, Review Index, Observer
// Plane and Telemetry & Metrics components together behind serve/status/
// recover subcommands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/c360studio/veriflow/internal/config"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		natsURL    string
		ownerID    string
	)

	rootCmd := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Verification Orchestrator process",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL (default: embedded)")
	rootCmd.PersistentFlags().StringVar(&ownerID, "owner-id", "", "owner-lease identity for this process (default: random)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator: supervisor workers, observer plane, and operator HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, natsURL, ownerID)
		},
	}

	recoverCmd := &cobra.Command{
		Use:   "recover",
		Short: "Run a single startup Recovery pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecover(cmd.Context(), configPath, natsURL, ownerID)
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Print a single workflow's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), configPath, natsURL, args[0])
		},
	}

	rootCmd.AddCommand(serveCmd, recoverCmd, statusCmd)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func loadConfig(configPath, natsURL string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if natsURL != "" {
		cfg.Bus.URL = natsURL
		cfg.Bus.Embedded = false
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, configPath, natsURL, ownerID string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath, natsURL)
	if err != nil {
		return err
	}
	if ownerID == "" {
		ownerID = uuid.NewString()
	}

	app := NewApp(cfg, ownerID, logger)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}

	<-ctx.Done()
	app.Shutdown(30 * time.Second)
	return nil
}

func runRecover(ctx context.Context, configPath, natsURL, ownerID string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := loadConfig(configPath, natsURL)
	if err != nil {
		return err
	}
	if ownerID == "" {
		ownerID = uuid.NewString()
	}

	app := NewApp(cfg, ownerID, logger)
	recovered, err := app.runRecoveryOnly(ctx)
	if err != nil {
		return fmt.Errorf("recovery pass: %w", err)
	}
	fmt.Printf("recovered %d workflow(s)\n", recovered)
	app.Shutdown(5 * time.Second)
	return nil
}

func runStatus(ctx context.Context, configPath, natsURL, workflowID string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := loadConfig(configPath, natsURL)
	if err != nil {
		return err
	}

	app := NewApp(cfg, "status-cli", logger)
	if err := app.printStatus(ctx, workflowID); err != nil {
		return err
	}
	app.Shutdown(5 * time.Second)
	return nil
}
