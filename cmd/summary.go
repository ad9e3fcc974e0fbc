package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
	"invoicedesk/pkg/models"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count invoices per status",
	Long: `Show how many invoices are in each status, optionally limited to invoices
uploaded within a date range.`,
	Example: `  invoicedesk summary
  invoicedesk summary --from 2024-01-01 --to 2024-01-31`,
	Args: cobra.NoArgs,
	RunE: runSummary,
}

func init() {
	rootCmd.AddCommand(summaryCmd)

	summaryCmd.Flags().String("from", "", "Start date (YYYY-MM-DD)")
	summaryCmd.Flags().String("to", "", "End date (YYYY-MM-DD)")
}

func runSummary(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("summary")

	dates, err := dateRangeFlags(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	summary, err := a.client.StatusSummary(ctx, dates)
	if err != nil {
		return handleCommandError(err, log)
	}

	log.Debug().
		Int("total", summary.Total()).
		Msg("Status summary loaded")

	if wantJSON(cmd) {
		return outputJSON(cmd, summary, log)
	}

	t := newTable("COUNT", "STATUS")
	for _, status := range models.KnownStatuses {
		t.Row(strconv.Itoa(summary.Summary[status]), statusLabel(status))
	}
	for status, count := range summary.Summary {
		if !status.IsValid() {
			t.Row(strconv.Itoa(count), string(status))
		}
	}
	t.Row(strconv.Itoa(summary.Total()), "total")
	printTable(cmd.OutOrStdout(), t)
	return nil
}

// dateRangeFlags reads and checks --from and --to.
func dateRangeFlags(cmd *cobra.Command) (api.DateRange, error) {
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	var start, end time.Time
	var err error
	if from != "" {
		if start, err = time.Parse(time.DateOnly, from); err != nil {
			return api.DateRange{}, fmt.Errorf("invalid --from date %q, expected YYYY-MM-DD", from)
		}
	}
	if to != "" {
		if end, err = time.Parse(time.DateOnly, to); err != nil {
			return api.DateRange{}, fmt.Errorf("invalid --to date %q, expected YYYY-MM-DD", to)
		}
	}
	if from != "" && to != "" && end.Before(start) {
		return api.DateRange{}, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return api.DateRange{StartDate: from, EndDate: to}, nil
}
