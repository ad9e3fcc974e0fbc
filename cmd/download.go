package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"invoicedesk/internal/logger"
)

var downloadCmd = &cobra.Command{
	Use:   "download <invoice-id>",
	Short: "Download the original file of an invoice",
	Long: `Download the file that was uploaded for an invoice.

Without --output the file is saved in the current directory under the name the
backend reports.`,
	Example: `  invoicedesk download 42
  invoicedesk download 42 -o /tmp/invoice.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: runDownload,
}

func init() {
	rootCmd.AddCommand(downloadCmd)
}

func runDownload(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("download")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	id := ids[0]
	outputPath, _ := cmd.Flags().GetString("output")

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	dir := "."
	if outputPath != "" {
		dir = filepath.Dir(outputPath)
	}
	tmp, err := os.CreateTemp(dir, ".invoicedesk-download-*")
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// No-op once renamed.
		_ = os.Remove(tmpName)
	}()

	log.Info().Int64("invoice_id", id).Msg("Downloading invoice file")
	dl, err := a.client.DownloadInvoice(ctx, id, tmp)
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("failed to write download file: %w", closeErr)
	}
	if err != nil {
		return handleCommandError(err, log)
	}

	target := outputPath
	if target == "" {
		target = filepath.Base(dl.Filename)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to save %s: %w", target, err)
	}

	log.Info().
		Str("file", target).
		Int64("bytes", dl.Bytes).
		Str("content_type", dl.ContentType).
		Msg("Invoice file saved")
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", target, dl.Bytes)
	return nil
}
