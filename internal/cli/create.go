package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splitbeam/splitbeam/internal/store"
)

func init() {
	rootCmd.AddCommand(newCreateCmd())
}

func newCreateCmd() *cobra.Command {
	var (
		testType     string
		variants     string
		allocations  string
		controlIdx   int
		goalEvent    string
		metric       string
		confidence   float64
		groupID      string
		maxDays      int
		targetSample int
		banditMode   bool
		guardrails   []string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new A/B test (draft)",
		Long: `Create a new A/B test in draft state. Activate it with 'splitbeam
activate' once configuration is final.

Examples:
  splitbeam create free-shipping --type shipping --variants "Control,Free over $50" --goal purchase --metric revenue_per_visitor
  splitbeam create hero --variants "A,B,C" --allocations "0.5,0.25,0.25"
  splitbeam create checkout --variants "A,B" --guardrail "checkout_error:0.10"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]

			variantNames := splitTrim(variants)
			if len(variantNames) < 2 {
				return fmt.Errorf("need at least 2 variants. Example: --variants \"A,B\"")
			}

			allocs, err := parseAllocations(allocations, len(variantNames))
			if err != nil {
				return err
			}
			if controlIdx < 0 || controlIdx >= len(variantNames) {
				return fmt.Errorf("invalid control index %d", controlIdx)
			}

			test := &store.Test{
				TenantID:           tenantID,
				Name:               name,
				Type:               store.TestType(testType),
				GoalEvent:          goalEvent,
				OptimizationMetric: metric,
				ConfidenceLevel:    confidence,
				TargetSampleSize:   targetSample,
				MaxDurationDays:    maxDays,
				ExclusionGroupID:   groupID,
			}
			if banditMode {
				test.AllocationMode = store.AllocationBandit
			}
			for i, vn := range variantNames {
				test.Variants = append(test.Variants, store.Variant{
					Name:       vn,
					Allocation: allocs[i],
					IsControl:  i == controlIdx,
				})
			}

			return withStore(func(s *store.SQLiteStore) error {
				ctx := context.Background()
				if err := s.CreateTest(ctx, test); err != nil {
					return fmt.Errorf("failed to create test: %w", err)
				}

				for _, g := range guardrails {
					gr, err := parseGuardrail(g, test.ID)
					if err != nil {
						return err
					}
					if err := s.CreateGuardrail(ctx, gr); err != nil {
						return fmt.Errorf("failed to create guardrail: %w", err)
					}
				}

				fmt.Printf("Created %s test '%s' (%s) with %d variants:\n", test.Type, test.Name, test.ID, len(test.Variants))
				for i, v := range test.Variants {
					marker := ""
					if v.IsControl {
						marker = " (control)"
					}
					fmt.Printf("  %d: %s  %.0f%%%s\n", i, v.Name, v.Allocation*100, marker)
				}
				fmt.Println("\nActivate with: splitbeam activate " + test.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&testType, "type", string(store.TypeLandingPage), "test type: landing_page, shipping, email")
	cmd.Flags().StringVarP(&variants, "variants", "v", "", "comma-separated variant names (required)")
	cmd.Flags().StringVar(&allocations, "allocations", "", "comma-separated traffic allocations (default: even split)")
	cmd.Flags().IntVar(&controlIdx, "control", 0, "index of the control variant")
	cmd.Flags().StringVar(&goalEvent, "goal", "purchase", "goal event name")
	cmd.Flags().StringVar(&metric, "metric", store.MetricConversionRate, "optimization metric: conversion_rate or revenue_per_visitor")
	cmd.Flags().Float64Var(&confidence, "confidence", 0.95, "confidence level")
	cmd.Flags().StringVar(&groupID, "group", "", "exclusion group id")
	cmd.Flags().IntVar(&maxDays, "max-days", 0, "maximum duration in days (0 = unlimited)")
	cmd.Flags().IntVar(&targetSample, "target-sample", 0, "target sample size for the sequential boundary (0 = fixed horizon)")
	cmd.Flags().BoolVar(&banditMode, "bandit", false, "use Thompson-sampling allocation instead of the deterministic hash")
	cmd.Flags().StringArrayVar(&guardrails, "guardrail", nil, "guardrail as metric:max_degradation, e.g. checkout_error:0.10 (repeatable)")
	cmd.MarkFlagRequired("variants")

	return cmd
}

func splitTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseAllocations(s string, n int) ([]float64, error) {
	if s == "" {
		even := make([]float64, n)
		for i := range even {
			even[i] = 1.0 / float64(n)
		}
		return even, nil
	}
	parts := splitTrim(s)
	if len(parts) != n {
		return nil, fmt.Errorf("got %d allocations for %d variants", len(parts), n)
	}
	allocs := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid allocation %q: %w", p, err)
		}
		allocs[i] = f
	}
	return allocs, nil
}

func parseGuardrail(s, testID string) (*store.Guardrail, error) {
	name, bound, ok := strings.Cut(s, ":")
	if !ok {
		return nil, fmt.Errorf("guardrail must be metric:max_degradation, got %q", s)
	}
	f, err := strconv.ParseFloat(bound, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid guardrail bound %q: %w", bound, err)
	}
	return &store.Guardrail{TestID: testID, Metric: name, MaxRelativeDegradation: f}, nil
}
