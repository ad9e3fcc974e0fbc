package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
	"invoicedesk/pkg/models"
)

const trendBarWidth = 40

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Daily counts of invoices reaching a status",
	Long: `Show how many invoices reached a status on each day.

--days counts back from today and takes precedence over --from. The status
defaults to processed.`,
	Example: `  invoicedesk trends --days 14
  invoicedesk trends --status failed --from 2024-01-01 --to 2024-01-31`,
	Args: cobra.NoArgs,
	RunE: runTrends,
}

func init() {
	rootCmd.AddCommand(trendsCmd)

	trendsCmd.Flags().Int("days", 0, "Number of days back from today")
	trendsCmd.Flags().String("from", "", "Start date (YYYY-MM-DD)")
	trendsCmd.Flags().String("to", "", "End date (YYYY-MM-DD)")
	trendsCmd.Flags().String("status", "", "Status to count (default: processed)")
}

func runTrends(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("trends")

	dates, err := dateRangeFlags(cmd)
	if err != nil {
		return err
	}
	days, _ := cmd.Flags().GetInt("days")
	rawStatus, _ := cmd.Flags().GetString("status")

	q := api.TrendsQuery{DateRange: dates, DaysAgo: days}
	if rawStatus != "" {
		status, err := models.ParseStatus(rawStatus)
		if err != nil {
			return err
		}
		q.Status = status
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	trends, err := a.client.Trends(ctx, q)
	if err != nil {
		return handleCommandError(err, log)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, trends, log)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("%s per day, %s to %s",
		trends.StatusQueried, trends.StartDate, trends.EndDate)))
	if len(trends.TrendData) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No data for this range."))
		return nil
	}

	peak := 0
	for _, p := range trends.TrendData {
		peak = max(peak, p.Count)
	}
	t := newTable("DATE", "COUNT", "")
	for _, p := range trends.TrendData {
		t.Row(p.Date, strconv.Itoa(p.Count), trendBar(p.Count, peak))
	}
	printTable(out, t)
	return nil
}

// trendBar scales count against peak.
func trendBar(count, peak int) string {
	if peak <= 0 || count <= 0 {
		return ""
	}
	width := max(1, count*trendBarWidth/peak)
	return strings.Repeat("#", width)
}
