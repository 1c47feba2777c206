package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	dbPath     string
	configPath string
	tenantID   string
)

var rootCmd = &cobra.Command{
	Use:   "splitbeam",
	Short: "Splitbeam - a self-hosted A/B testing statistical engine",
	Long: `Splitbeam assigns visitors to test variants deterministically, ingests
conversion and revenue events idempotently, and runs a batch analysis
pipeline: significance testing (z-test, Welch t-test, CUPED, bootstrap),
data-quality monitoring (SRM, novelty, drift), guardrails, and winner
decisions.

Running without a subcommand starts the server (same as 'splitbeam serve').`,
	RunE: runServe,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", getEnvOrDefault("SPLITBEAM_DB_PATH", "./splitbeam.db"), "database path")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", getEnvOrDefault("SPLITBEAM_CONFIG", ""), "config file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", getEnvOrDefault("SPLITBEAM_TENANT", "default"), "tenant id")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
