package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/upload"
	"invoicedesk/pkg/models"
)

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload PDF or ZIP files for OCR processing",
	Long: `Upload invoices to the backend for OCR processing.

Files must be PDF documents or ZIP archives of PDFs, detected by content. At
most one ZIP can be sent per upload. Each file is reported individually; files
the backend refused do not appear in the invoice history.`,
	Example: `  invoicedesk upload invoice.pdf
  invoicedesk upload january/*.pdf --company-id 3
  invoicedesk upload batch.zip --list`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

// UploadOutput is the JSON form of an upload.
type UploadOutput struct {
	Files    int                         `json:"files"`
	Bytes    int64                       `json:"bytes"`
	Accepted int                         `json:"accepted"`
	Refused  int                         `json:"refused"`
	Items    []models.UploadResponseItem `json:"items"`
}

func init() {
	rootCmd.AddCommand(uploadCmd)

	uploadCmd.Flags().Int64("company-id", 0, "Process with this company's extraction prompt")
	uploadCmd.Flags().Bool("list", false, "Show the first page of the invoice history afterwards")
}

func runUpload(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("upload")

	companyID, _ := cmd.Flags().GetInt64("company-id")
	showList, _ := cmd.Flags().GetBool("list")

	batch, err := upload.Prepare(args)
	if err != nil {
		return handleCommandError(err, log)
	}

	log.Info().
		Int("files", len(batch.Files)).
		Int64("bytes", batch.TotalSize()).
		Int64("company_id", companyID).
		Msg("Uploading invoices")

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	files, closeAll, err := batch.Open()
	if err != nil {
		return handleCommandError(err, log)
	}
	defer func() {
		if closeErr := closeAll(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close upload files")
		}
	}()

	var company *int64
	if companyID > 0 {
		company = &companyID
	}
	items, err := a.client.UploadInvoices(ctx, files, company)
	if err != nil {
		return handleCommandError(err, log)
	}

	out := UploadOutput{Files: len(batch.Files), Bytes: batch.TotalSize(), Items: items}
	for _, item := range items {
		if item.Failed() {
			out.Refused++
		} else {
			out.Accepted++
		}
	}

	log.Info().
		Int("accepted", out.Accepted).
		Int("refused", out.Refused).
		Msg("Upload finished")

	if wantJSON(cmd) {
		if err := outputJSON(cmd, out, log); err != nil {
			return err
		}
	} else {
		renderUpload(cmd, out)
	}

	if showList {
		ctrl := a.listController(nil)
		defer ctrl.Close()
		if !ctrl.ApplyUploadResults(items) {
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("No invoices were added."))
		} else {
			ctrl.Wait()
			fmt.Fprintln(cmd.OutOrStdout())
			renderInvoicePage(cmd.OutOrStdout(), ctrl.State(), nil)
		}
	}

	if out.Refused > 0 && out.Accepted == 0 {
		return fmt.Errorf("the backend refused every file")
	}
	return nil
}

func renderUpload(cmd *cobra.Command, out UploadOutput) {
	t := newTable("FILE", "INVOICE", "MESSAGE", "STATUS")
	for _, item := range out.Items {
		id := "-"
		if item.InvoiceID != nil {
			id = strconv.FormatInt(*item.InvoiceID, 10)
		}
		t.Row(item.Filename, id, item.Message, statusLabel(item.Status))
	}
	printTable(cmd.OutOrStdout(), t)
	fmt.Fprintf(cmd.OutOrStdout(), "%d accepted, %d refused\n", out.Accepted, out.Refused)
}
