package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/splitbeam/splitbeam/internal/store"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tests",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(s *store.SQLiteStore) error {
			tests, err := s.ListTests(context.Background(), tenantID)
			if err != nil {
				return fmt.Errorf("failed to list tests: %w", err)
			}
			if len(tests) == 0 {
				fmt.Println("No tests yet. Create one with: splitbeam create")
				return nil
			}

			fmt.Println("ID                                    NAME              TYPE          STATUS     VARIANTS")
			fmt.Println(strings.Repeat("─", 100))
			for _, t := range tests {
				name := t.Name
				if len(name) > 16 {
					name = name[:13] + "..."
				}
				fmt.Printf("%-37s %-17s %-13s %-10s %d\n",
					t.ID, name, t.Type, t.Status, len(t.Variants))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}
