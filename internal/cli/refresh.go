package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/splitbeam/splitbeam/internal/pipeline"
	"github.com/splitbeam/splitbeam/internal/store"
)

func init() {
	rootCmd.AddCommand(newRefreshCmd())
}

func newRefreshCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "refresh [test-id]",
		Short: "Run the analysis pipeline now",
		Long: `Run one analysis pass immediately instead of waiting for the next
scheduled tick: aggregate new events, recompute significance and
data-quality checks, and persist a fresh result snapshot.

With a test id only that test is refreshed; with --all every running
test is.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("provide a test id or --all")
			}
			return withStore(func(s *store.SQLiteStore) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}

				logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
				p := pipeline.New(s, pipeline.Config{
					BootstrapResamples: cfg.Pipeline.BootstrapResamples,
				}, logger)

				ctx := context.Background()
				if all {
					if err := p.RunAll(ctx); err != nil {
						return fmt.Errorf("refresh failed: %w", err)
					}
					fmt.Println("Refreshed all running tests.")
					return nil
				}

				if err := p.RunOne(ctx, tenantID, args[0]); err != nil {
					return fmt.Errorf("refresh failed: %w", err)
				}
				fmt.Printf("Refreshed test %s.\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "refresh every running test")

	return cmd
}
