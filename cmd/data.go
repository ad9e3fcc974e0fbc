package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
)

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "List the confirmed data of processed invoices",
	Long: `List the final data of processed invoices, optionally filtered by an
advertising (operation) number.`,
	Example: `  invoicedesk data
  invoicedesk data --op-number 88231 --json`,
	Args: cobra.NoArgs,
	RunE: runData,
}

func init() {
	rootCmd.AddCommand(dataCmd)

	dataCmd.Flags().Int("page", 1, "Page number")
	dataCmd.Flags().Int("page-size", 0, "Invoices per page (default: DEFAULT_PAGE_SIZE)")
	dataCmd.Flags().String("op-number", "", "Only invoices containing this advertising number")
}

func runData(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("data")

	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	opNumber, _ := cmd.Flags().GetString("op-number")
	if page < 1 {
		return fmt.Errorf("--page must be at least 1")
	}
	if pageSize <= 0 {
		pageSize = cfg.DefaultPageSize
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	result, err := a.client.ListInvoiceData(ctx, api.DataQuery{Page: page, PerPage: pageSize, OpNumber: opNumber})
	if err != nil {
		return handleCommandError(err, log)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, result, log)
	}

	out := cmd.OutOrStdout()
	if len(result.Invoices) == 0 {
		fmt.Fprintln(out, mutedStyle.Render("No processed invoices found."))
		return nil
	}
	t := newTable("ID", "NUMBER", "DATE", "BILL TO", "TOTAL", "ITEMS")
	for _, inv := range result.Invoices {
		t.Row(strconv.FormatInt(inv.InvoiceID, 10), inv.InvoiceNumber, inv.Date, inv.BillTo,
			inv.AmountTotal.StringFixed(2)+" "+inv.Currency, strconv.Itoa(len(inv.Items)))
	}
	printTable(out, t)
	fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("page %d/%d | %d invoices", result.Page, max(result.Pages, 1), result.Total)))
	return nil
}
