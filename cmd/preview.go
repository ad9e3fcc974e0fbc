package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/socket"
)

var previewCmd = &cobra.Command{
	Use:   "preview <invoice-id>",
	Short: "Replace the preview data of an invoice waiting for validation",
	Long: `Patch the extracted preview data of an invoice before it is confirmed.

The file must hold the preview as JSON, in the shape 'show --json' prints under
preview_data. While the update is sent the command listens on the invoice's
live room and prints the change the backend broadcasts.`,
	Example: `  invoicedesk show 42 --json | jq .preview_data > preview.json
  invoicedesk preview 42 --file preview.json`,
	Args: cobra.ExactArgs(1),
	RunE: runPreview,
}

func init() {
	rootCmd.AddCommand(previewCmd)

	previewCmd.Flags().String("file", "", "JSON file with the new preview data [REQUIRED]")
	previewCmd.Flags().Int("wait", 5, "Seconds to wait for the live confirmation, 0 to skip")
	_ = previewCmd.MarkFlagRequired("file")
}

func runPreview(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("preview")

	ids, err := parseIDs(args)
	if err != nil {
		return err
	}
	id := ids[0]
	path, _ := cmd.Flags().GetString("file")
	waitSecs, _ := cmd.Flags().GetInt("wait")

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read preview file: %w", err)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("preview file %s is not valid JSON", path)
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	echoes := make(chan socket.PreviewUpdate, 1)
	if waitSecs > 0 {
		mgr, err := a.socketManager(nil)
		if err != nil {
			return handleCommandError(err, log)
		}
		mgr.OnPreviewUpdate(func(pu socket.PreviewUpdate) {
			if pu.ID != id {
				return
			}
			select {
			case echoes <- pu:
			default:
			}
		})

		release, err := mgr.Retain(ctx)
		defer release()
		if err != nil {
			log.Warn().Err(err).Msg("Live updates unavailable, not waiting for confirmation")
			waitSecs = 0
		} else {
			room := fmt.Sprintf("invoice_%d", id)
			if err := mgr.JoinRoom(room); err != nil {
				log.Warn().Err(err).Str("room", room).Msg("Failed to join invoice room")
				waitSecs = 0
			} else {
				defer func() { _ = mgr.LeaveRoom(room) }()
			}
		}
	}

	log.Info().
		Int64("invoice_id", id).
		Int("bytes", len(raw)).
		Msg("Updating preview data")
	result, err := a.client.UpdatePreview(ctx, id, json.RawMessage(raw))
	if err != nil {
		return handleCommandError(err, log)
	}

	if wantJSON(cmd) {
		if err := outputJSON(cmd, result, log); err != nil {
			return err
		}
	} else {
		msg := result.Message
		if msg == "" {
			msg = "preview updated"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Invoice %d: %s\n", id, msg)
	}

	if waitSecs <= 0 {
		return nil
	}
	select {
	case pu := <-echoes:
		log.Info().Int64("invoice_id", pu.ID).Msg("Preview change broadcast received")
		if !wantJSON(cmd) {
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("Broadcast to other viewers of this invoice."))
		}
	case <-time.After(time.Duration(waitSecs) * time.Second):
		log.Warn().Msg("No live confirmation received")
	case <-ctx.Done():
	}
	return nil
}
