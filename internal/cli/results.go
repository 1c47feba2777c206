package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splitbeam/splitbeam/internal/decision"
	"github.com/splitbeam/splitbeam/internal/store"
)

var resultsCmd = &cobra.Command{
	Use:   "results <test-id>",
	Short: "Show detailed results for a test",
	Long:  `Show the latest result snapshot: rates, significance, quality flags, and the stopping-rule recommendation.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
}

func runResults(cmd *cobra.Command, args []string) error {
	return withStore(func(s *store.SQLiteStore) error {
		ctx := context.Background()

		test, err := s.GetTest(ctx, tenantID, args[0])
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("test '%s' not found", args[0])
			}
			return fmt.Errorf("failed to get test: %w", err)
		}

		snap, err := decision.NewEngine(s).Latest(ctx, tenantID, test.ID)
		if errors.Is(err, store.ErrNotFound) {
			fmt.Println("No results yet. Run: splitbeam refresh", test.ID)
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Printf("TEST: %s (%s)\n", test.Name, test.Type)
		fmt.Printf("STATUS: %s\n", test.Status)
		fmt.Printf("GOAL: %s (%s)\n", test.GoalEvent, test.OptimizationMetric)
		fmt.Printf("COMPUTED: %s\n", snap.ComputedAt.Format("2006-01-02 15:04:05"))
		fmt.Println()

		fmt.Println("VARIANT           VISITORS  CONV     RATE     NRPV      P-VALUE  IMPROVEMENT")
		fmt.Println(strings.Repeat("─", 80))
		for _, v := range snap.Results.Variants {
			name := v.Name
			if len(name) > 16 {
				name = name[:13] + "..."
			}
			marker := ""
			if v.IsControl {
				marker = " (control)"
			} else if v.Significant {
				marker = " ★"
			}

			pStr, impStr := "-", "-"
			if !v.IsControl {
				pStr = fmt.Sprintf("%.4f", v.PValue)
				impStr = fmt.Sprintf("%+.1f%%", v.Improvement*100)
			}

			fmt.Printf("%-16s  %-8d  %-7d  %-7s  $%-7.2f  %-7s  %s%s\n",
				name, v.Visitors, v.Conversions, formatPercent(v.Rate),
				v.RevenuePerVisitor/100, pStr, impStr, marker)
		}
		fmt.Println()

		q := snap.Quality
		if q != nil {
			if q.SRM.Alert {
				fmt.Printf("⚠ SRM ALERT: observed split deviates from configured allocations (χ²=%.2f, p=%.5f). Winner declaration is blocked.\n", q.SRM.ChiSquare, q.SRM.PValue)
			}
			if q.Novelty != nil && q.Novelty.Warning {
				fmt.Printf("⚠ Novelty effect: early lift %.2f%% decayed to %.2f%%. Extend the observation window.\n",
					q.Novelty.EarlyEffect*100, q.Novelty.LateEffect*100)
			}
			if q.Drift != nil && q.Drift.Warning {
				fmt.Printf("⚠ Covariate drift across variants (p=%.5f); check for an assignment or targeting leak.\n", q.Drift.PValue)
			}
			if q.Mismatch != nil && q.Mismatch.Warning {
				fmt.Printf("⚠ Shipping suffix mismatch rate %.1f%% (%d/%d orders).\n",
					q.Mismatch.Rate*100, q.Mismatch.Mismatched, q.Mismatch.TotalOrders)
			}
		}
		if snap.GuardrailBreached {
			fmt.Println("⚠ GUARDRAIL BREACH: the test was paused automatically.")
		}

		switch snap.Recommendation {
		case decision.DeclareWinner:
			fmt.Printf("Recommendation: declare winner (%s). Run: splitbeam winner %s --variant %s\n",
				snap.WinnerCandidateID, test.ID, snap.WinnerCandidateID)
		case decision.Inconclusive:
			fmt.Println("Recommendation: inconclusive. No variant reached significance with positive lift.")
		case decision.Paused:
			fmt.Println("Recommendation: investigate the guardrail breach before resuming.")
		default:
			fmt.Println("Recommendation: keep collecting data.")
		}
		return nil
	})
}
