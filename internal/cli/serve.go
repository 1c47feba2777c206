package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/splitbeam/splitbeam/internal/pipeline"
	"github.com/splitbeam/splitbeam/internal/server"
	"github.com/splitbeam/splitbeam/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the splitbeam server and analysis pipeline",
	Long: `Start the HTTP server (assignment, event ingestion, results) and the
scheduled analysis pipeline.

Example:
  splitbeam serve
  splitbeam serve --addr :9090 --config splitbeam.toml`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	s, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := pipeline.New(s, pipeline.Config{
		Interval:           time.Duration(cfg.Pipeline.IntervalSeconds) * time.Second,
		RunTimeout:         time.Duration(cfg.Pipeline.RunTimeoutSeconds) * time.Second,
		Concurrency:        cfg.Pipeline.Concurrency,
		BootstrapResamples: cfg.Pipeline.BootstrapResamples,
	}, logger)
	go p.Start(ctx)

	srv := server.New(s, cfg.Server.Addr, cfg.Tenant.DefaultID, logger)

	fmt.Println()
	fmt.Printf("splitbeam running on %s\n", srv.Addr())
	fmt.Printf("pipeline interval: %ds\n", cfg.Pipeline.IntervalSeconds)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
