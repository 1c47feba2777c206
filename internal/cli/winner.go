package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/splitbeam/splitbeam/internal/decision"
	"github.com/splitbeam/splitbeam/internal/store"
)

func init() {
	rootCmd.AddCommand(newWinnerCmd())
}

func newWinnerCmd() *cobra.Command {
	var variantID string
	var force bool
	var yes bool

	cmd := &cobra.Command{
		Use:   "winner <test-id>",
		Short: "Declare a winner for a test",
		Long: `Declare a winning variant and complete the test. The declaration is
idempotent and never applies the winner to production traffic.

Declaration is refused while an SRM alert stands or the variant is not
winner-eligible in the latest snapshot; --force overrides after manual
investigation.

Example:
  splitbeam winner 4f7c... --variant 9a1b...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()

				test, err := s.GetTest(ctx, tenantID, args[0])
				if err != nil {
					return fmt.Errorf("test not found: %s", args[0])
				}

				var variantName string
				for _, v := range test.Variants {
					if v.ID == variantID {
						variantName = v.Name
					}
				}
				if variantName == "" {
					return fmt.Errorf("variant %s does not belong to test %s", variantID, test.ID)
				}

				if !yes {
					prompt := promptui.Prompt{
						Label:     fmt.Sprintf("Declare %q the winner of %q and complete the test", variantName, test.Name),
						IsConfirm: true,
					}
					if _, err := prompt.Run(); err != nil {
						if err == promptui.ErrInterrupt || err == promptui.ErrAbort {
							fmt.Println("Cancelled.")
							return nil
						}
						return err
					}
				}

				err = decision.NewEngine(s).Declare(ctx, test, variantID, force)
				if errors.Is(err, decision.ErrSRMBlocked) {
					return fmt.Errorf("declaration blocked: an SRM alert stands for this test; resolve it or use --force")
				}
				if errors.Is(err, store.ErrWinnerConflict) {
					return fmt.Errorf("a different winner was already declared")
				}
				if err != nil {
					return fmt.Errorf("failed to declare winner: %w", err)
				}

				fmt.Printf("Declared winner for test '%s': %q\n", test.Name, variantName)
				fmt.Println("Test has been marked as completed.")
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&variantID, "variant", "v", "", "winning variant id (required)")
	cmd.Flags().BoolVar(&force, "force", false, "override eligibility and SRM checks")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	cmd.MarkFlagRequired("variant")

	return cmd
}
