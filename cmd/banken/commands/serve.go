package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/app"
)

// serveCmd runs the full pipeline: ingest, scoring, audit, alerting and
// the HTTP boundary.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Banken security pipeline",
	Long: `Start the event pipeline with the configured scorers, audit trail,
alert channels and maintenance jobs.

Examples:
  # Start with default config
  banken serve

  # Start with a specific config file
  banken serve --config /etc/banken/banken.yaml`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logs, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logs.Sync()
	logger := logs.GetLogger("app")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	application, err := app.New(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to assemble application: %w", err)
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	logger.Info("Banken serving", zap.String("version", Version))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	application.Stop()
	return nil
}
