package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"invoicedesk/internal/config"
	"invoicedesk/internal/logger"
)

var version = "1.0.0"

// cfg is set by Execute before any command runs.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "invoicedesk",
	Short: "invoicedesk - review and manage OCR-processed invoices",
	Long: `invoicedesk is a command-line dashboard for the invoice OCR backend.

It lists the invoice history with filters and paging, follows live status
updates over the backend's socket connection, uploads PDF and ZIP files for
processing and confirms, rejects or retries invoices one at a time or in bulk.

The backend is selected with API_BASE_URL (or NEXT_PUBLIC_API_BASE_URL) or the
--api-url flag.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		log := logger.WithComponent("root")
		log.Info().
			Str("version", version).
			Msg("invoicedesk executed")

		fmt.Println("Welcome to invoicedesk!")
		fmt.Println("Use --help to see available commands and options.")
	},
}

// Execute runs the command tree with the loaded configuration. A nil config
// falls back to the built-in defaults.
func Execute(loaded *config.Config) {
	log := logger.WithComponent("cmd")

	cfg = loaded
	if cfg == nil {
		cfg = config.Default()
	}

	if err := rootCmd.Execute(); err != nil {
		log.Error().
			Err(err).
			Msg("Command execution failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information")

	rootCmd.PersistentFlags().String("api-url", "", "Backend base URL (default: API_BASE_URL)")
	rootCmd.PersistentFlags().Int("timeout", 0, "Request timeout in seconds (default: REQUEST_TIMEOUT)")
	rootCmd.PersistentFlags().Bool("json", false, "Print JSON instead of a table")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Write JSON output to a file instead of stdout")
}
