package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/splitbeam/splitbeam/internal/assign"
	"github.com/splitbeam/splitbeam/internal/store"
)

func init() {
	rootCmd.AddCommand(newActivateCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newResumeCmd())
}

func newActivateCmd() *cobra.Command {
	var allowOverlap bool

	cmd := &cobra.Command{
		Use:   "activate <test-id>",
		Short: "Validate a test's configuration and start it",
		Long: `Re-validate a test's configuration (allocation sum, control
uniqueness, exclusion-group overlap) and transition it to running.
Configuration errors are rejected here, before any visitor is bucketed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()
				test, err := s.GetTest(ctx, tenantID, args[0])
				if err != nil {
					return fmt.Errorf("test not found: %s", args[0])
				}

				switch test.Status {
				case store.StatusDraft, store.StatusScheduled, store.StatusPaused:
				default:
					return fmt.Errorf("cannot activate a %s test", test.Status)
				}

				if err := assign.ValidateConfig(test); err != nil {
					return fmt.Errorf("configuration rejected: %w", err)
				}

				if test.ExclusionGroupID != "" && !allowOverlap && !test.AllowOverlap {
					n, err := s.RunningTestsInGroup(ctx, tenantID, test.ExclusionGroupID, test.ID)
					if err != nil {
						return err
					}
					if n > 0 {
						return fmt.Errorf("configuration rejected: %d other running test(s) in exclusion group %s", n, test.ExclusionGroupID)
					}
				}

				if err := s.UpdateTestStatus(ctx, tenantID, test.ID, store.StatusRunning); err != nil {
					return fmt.Errorf("failed to activate: %w", err)
				}

				fmt.Printf("Test '%s' is now running.\n", test.Name)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&allowOverlap, "allow-overlap", false, "allow running alongside other tests in the same exclusion group")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause <test-id>",
		Short: "Pause a running test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStatus(args[0], store.StatusRunning, store.StatusPaused, "paused")
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <test-id>",
		Short: "Resume a paused test",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setStatus(args[0], store.StatusPaused, store.StatusRunning, "running again")
		},
	}
}

func setStatus(testID string, from, to store.TestStatus, verb string) error {
	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()
		test, err := s.GetTest(ctx, tenantID, testID)
		if err != nil {
			return fmt.Errorf("test not found: %s", testID)
		}
		if test.Status != from {
			return fmt.Errorf("test is %s, expected %s", test.Status, from)
		}
		if err := s.UpdateTestStatus(ctx, tenantID, testID, to); err != nil {
			return err
		}
		fmt.Printf("Test '%s' is %s.\n", test.Name, verb)
		return nil
	})
}
