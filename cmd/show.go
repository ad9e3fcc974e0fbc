package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"invoicedesk/internal/logger"
	"invoicedesk/pkg/models"
)

var showCmd = &cobra.Command{
	Use:   "show <invoice-id>",
	Short: "Show one invoice with its extracted data",
	Long: `Show the status and extracted data of one invoice.

Processed invoices show their confirmed data. Invoices waiting for validation
show the pending preview that confirm would accept.`,
	Example: `  invoicedesk show 42
  invoicedesk show 42 --json -o invoice-42.json`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

func init() {
	rootCmd.AddCommand(showCmd)
}

func runShow(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("show")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	id := ids[0]

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	log.Info().Int64("invoice_id", id).Msg("Fetching invoice")
	detail, err := a.client.GetInvoice(ctx, id)
	if err != nil {
		return handleCommandError(err, log)
	}

	if wantJSON(cmd) {
		return outputJSON(cmd, detail, log)
	}
	renderInvoiceDetail(cmd.OutOrStdout(), id, detail)
	return nil
}

func renderInvoiceDetail(w io.Writer, id int64, d *models.InvoiceDetail) {
	if identity := d.Identity(); identity != 0 {
		id = identity
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Invoice %d", id)))

	var fields [][2]string
	if d.Filename != "" {
		fields = append(fields, [2]string{"File", d.Filename})
	}
	fields = append(fields,
		[2]string{"Uploaded", d.CreatedAt.Display()},
		[2]string{"Status", statusLabel(d.Status)},
	)
	renderFields(w, fields)

	content := d.Content()
	if content == nil {
		fmt.Fprintln(w, mutedStyle.Render("No extracted data yet."))
		return
	}
	if d.FinalData == nil {
		fmt.Fprintln(w, mutedStyle.Render("Preview, not confirmed yet."))
	}

	fmt.Fprintln(w)
	fields = [][2]string{
		{"Number", content.InvoiceNumber},
		{"Date", content.Date},
		{"Bill to", content.BillTo},
		{"Total", content.AmountTotal.StringFixed(2) + " " + content.Currency},
	}
	if content.PaymentTerms != "" {
		fields = append(fields, [2]string{"Terms", content.PaymentTerms})
	}
	renderFields(w, fields)

	if len(content.Items) == 0 {
		return
	}
	fmt.Fprintln(w)
	t := newTable("DESCRIPTION", "AMOUNT", "ADVERTISING NUMBERS")
	for _, item := range content.Items {
		t.Row(item.Description, item.Amount.StringFixed(2), strings.Join(item.AdvertisingNumbers, ", "))
	}
	printTable(w, t)
}
