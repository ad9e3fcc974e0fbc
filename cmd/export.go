package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/sheets"
	"invoicedesk/pkg/models"
)

const exportPageSize = 100

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Append processed invoice data to a Google Sheet",
	Long: `Export the confirmed data of processed invoices to a Google Sheet.

Every page of processed invoice data is read and appended to the worksheet,
one row per invoice. The worksheet and its header row are created when
missing. Invoices already present in the sheet are skipped, so running the
export again only adds new invoices.

Credentials come from GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_CREDENTIALS.`,
	Example: `  # Use GOOGLE_SHEET_URL and GOOGLE_SHEET_WORKSHEET
  invoicedesk export

  # Only one advertising number, into a named worksheet
  invoicedesk export --op-number 88231 --worksheet "Campaign 88231"

  # See what would be exported
  invoicedesk export --dry-run`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("sheet-url", "", "Google Sheet URL (default: GOOGLE_SHEET_URL)")
	exportCmd.Flags().String("worksheet", "", "Worksheet name (default: GOOGLE_SHEET_WORKSHEET)")
	exportCmd.Flags().String("op-number", "", "Only invoices containing this advertising number")
	exportCmd.Flags().Bool("dry-run", false, "Read the invoice data but don't write to the sheet")
}

func runExport(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("export")

	sheetURL, _ := cmd.Flags().GetString("sheet-url")
	worksheet, _ := cmd.Flags().GetString("worksheet")
	opNumber, _ := cmd.Flags().GetString("op-number")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	if sheetURL == "" {
		sheetURL = cfg.GoogleSheetURL
	}
	if worksheet == "" {
		worksheet = cfg.GoogleSheetWorksheet
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	var svc *sheets.Service
	if !dryRun {
		svc, err = sheets.NewSheetsService(ctx, sheetURL)
		if err != nil {
			return handleCommandError(err, log)
		}
	}

	var data []models.ProcessedInvoiceData
	for page := 1; ; page++ {
		result, err := a.client.ListInvoiceData(ctx, api.DataQuery{Page: page, PerPage: exportPageSize, OpNumber: opNumber})
		if err != nil {
			return handleCommandError(err, log)
		}
		data = append(data, result.Invoices...)

		log.Debug().
			Int("page", page).
			Int("pages", result.Pages).
			Int("rows", len(result.Invoices)).
			Msg("Invoice data page loaded")
		if page >= result.Pages || len(result.Invoices) == 0 {
			break
		}
	}

	log.Info().
		Int("invoices", len(data)).
		Str("worksheet", worksheet).
		Bool("dry_run", dryRun).
		Msg("Invoice data collected")

	out := cmd.OutOrStdout()
	if dryRun {
		fmt.Fprintf(out, "%d invoices would be exported to worksheet %q\n", len(data), worksheet)
		return nil
	}

	result, err := svc.ExportInvoices(ctx, data, worksheet)
	if err != nil {
		return handleCommandError(err, log)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, result, log)
	}
	fmt.Fprintf(out, "Sheet: %s\n", worksheet)
	fmt.Fprintf(out, "Rows appended: %d\n", result.Appended)
	fmt.Fprintf(out, "Already exported: %d\n", result.Skipped)
	fmt.Fprintf(out, "URL: %s\n", sheetURL)
	return nil
}
