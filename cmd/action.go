package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"invoicedesk/internal/actions"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
	"invoicedesk/pkg/models"
)

var confirmCmd = newActionCommand(actions.KindConfirm,
	"Confirm invoices waiting for validation",
	`Confirm one or more invoices. The pending preview becomes the invoice's
final data. Only invoices in waiting_validation can be confirmed.

With more than one id the requests are sent concurrently and every outcome is
reported; one failure does not stop the others.`,
	`  invoicedesk confirm 42
  invoicedesk confirm 42 43 44 --check`)

var rejectCmd = newActionCommand(actions.KindReject,
	"Reject invoices waiting for validation",
	`Reject one or more invoices, optionally with a reason. Only invoices in
waiting_validation can be rejected. An empty --reason is refused; omit the flag
to reject without a reason.`,
	`  invoicedesk reject 42 --reason "wrong supplier"
  invoicedesk reject 42 43`)

var retryCmd = newActionCommand(actions.KindRetry,
	"Re-queue failed or rejected invoices",
	`Send failed or rejected invoices back to OCR processing.`,
	`  invoicedesk retry 17
  invoicedesk retry 17 18 19 --json`)

func newActionCommand(kind actions.Kind, short, long, example string) *cobra.Command {
	return &cobra.Command{
		Use:     string(kind) + " <invoice-id>...",
		Short:   short,
		Long:    long,
		Example: example,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAction(cmd, kind, args)
		},
	}
}

func init() {
	for _, c := range []*cobra.Command{confirmCmd, rejectCmd, retryCmd} {
		rootCmd.AddCommand(c)
		c.Flags().Bool("check", false, "Look up each invoice first and refuse invalid transitions locally")
	}
	rejectCmd.Flags().String("reason", "", "Reason recorded with the rejection")
}

// detailLookup holds statuses fetched for --check.
type detailLookup map[int64]models.InvoiceStatus

func (l detailLookup) Status(id int64) (models.InvoiceStatus, bool) {
	status, ok := l[id]
	return status, ok
}

func runAction(cmd *cobra.Command, kind actions.Kind, args []string) error {
	log := logger.WithComponent(string(kind))

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}

	var reason *string
	if cmd.Flags().Changed("reason") {
		r, _ := cmd.Flags().GetString("reason")
		reason = &r
	}
	check, _ := cmd.Flags().GetBool("check")

	log.Info().
		Str("action", string(kind)).
		Ints64("invoice_ids", ids).
		Bool("check", check).
		Msg("Running invoice action")

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	var lookup actions.StatusLookup
	if check {
		lookup = fetchStatuses(ctx, a.client, ids, log)
	}
	ctrl := a.actionController(lookup)

	if len(ids) == 1 {
		result, err := ctrl.Do(ctx, kind, ids[0], reason)
		if err != nil {
			return handleCommandError(err, log)
		}
		if wantJSON(cmd) {
			return outputJSON(cmd, result, log)
		}
		renderActionResult(cmd.OutOrStdout(), kind, result)
		return nil
	}

	report := ctrl.Bulk(ctx, kind, ids, reason)
	if wantJSON(cmd) {
		if err := outputJSON(cmd, report, log); err != nil {
			return err
		}
	} else {
		renderBulkReport(cmd.OutOrStdout(), report)
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d invoices could not be processed", report.Failed, report.Failed+report.Succeeded)
	}
	return nil
}

// fetchStatuses loads the current status of each invoice. Invoices that
// cannot be loaded are left out and decided by the backend.
func fetchStatuses(ctx context.Context, client *api.Client, ids []int64, log zerolog.Logger) detailLookup {
	lookup := make(detailLookup, len(ids))
	for _, id := range ids {
		detail, err := client.GetInvoice(ctx, id)
		if err != nil {
			log.Warn().
				Err(err).
				Int64("invoice_id", id).
				Msg("Could not load invoice status, leaving the check to the backend")
			continue
		}
		lookup[id] = detail.Status
	}
	return lookup
}

func renderActionResult(w io.Writer, kind actions.Kind, result *models.ActionResult) {
	msg := result.Message
	if msg == "" {
		msg = string(kind) + " accepted"
	}
	if result.Status != "" {
		fmt.Fprintf(w, "Invoice %d: %s (%s)\n", result.InvoiceID, msg, statusLabel(result.Status))
		return
	}
	fmt.Fprintf(w, "Invoice %d: %s\n", result.InvoiceID, msg)
}

func renderBulkReport(w io.Writer, report actions.BulkReport) {
	for i := range report.Results {
		renderActionResult(w, report.Action, &report.Results[i])
	}
	for _, f := range report.Failures {
		fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("Invoice %d: %s", f.ID, f.Message)))
	}
	fmt.Fprintf(w, "%s: %d succeeded, %d failed\n", report.Action, report.Succeeded, report.Failed)
}
