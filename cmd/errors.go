package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"invoicedesk/internal/actions"
	"invoicedesk/internal/api"
	"invoicedesk/internal/listing"
	"invoicedesk/internal/sheets"
	"invoicedesk/internal/upload"
)

// createCommandContext creates a context with an optional timeout that is
// also canceled on SIGINT or SIGTERM. A zero timeout never expires.
func createCommandContext(timeout time.Duration, log zerolog.Logger) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received interrupt signal, canceling")
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}

// handleCommandError turns library errors into messages a user can act on.
func handleCommandError(err error, log zerolog.Logger) error {
	if err == nil {
		return nil
	}
	log.Error().Err(err).Msg("Command failed")

	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("operation was canceled")
	case errors.Is(err, api.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("the backend did not answer in time. Try again or increase --timeout")
	case errors.Is(err, api.ErrNetwork):
		return fmt.Errorf("could not reach the backend at %s. Check API_BASE_URL and that the server is running", cfg.APIBaseURL)
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("not found: %s", api.Message(err))
	case errors.Is(err, api.ErrConflict):
		return fmt.Errorf("already exists: %s", api.Message(err))
	case errors.Is(err, api.ErrHTTPStatus):
		return fmt.Errorf("backend refused the request (HTTP %d): %s", api.StatusCode(err), api.Message(err))
	case errors.Is(err, api.ErrDecode):
		return fmt.Errorf("backend sent an unexpected response: %w", err)
	case errors.Is(err, api.ErrInvalidRequest):
		return fmt.Errorf("invalid request: %s", api.Message(err))
	case errors.Is(err, listing.ErrInvalidFilter):
		return fmt.Errorf("invalid filter: %w", err)
	case errors.Is(err, actions.ErrInvalidTransition):
		return fmt.Errorf("%w. Run 'invoicedesk show <id>' to check the current status", err)
	case errors.Is(err, actions.ErrBlankReason):
		return fmt.Errorf("--reason must not be blank. Omit it to reject without a reason")
	case errors.Is(err, actions.ErrUnknownAction):
		return err
	case errors.Is(err, upload.ErrNoFiles),
		errors.Is(err, upload.ErrUnsupportedType),
		errors.Is(err, upload.ErrTooManyArchives),
		errors.Is(err, upload.ErrEmptyFile):
		return fmt.Errorf("upload rejected:\n%w", err)
	case errors.Is(err, sheets.ErrMissingCredentials):
		return fmt.Errorf("missing Google credentials. Please set one of:\n" +
			"  GOOGLE_APPLICATION_CREDENTIALS=/path/to/service-account-key.json\n" +
			"  GOOGLE_CREDENTIALS='<json-credentials>'")
	case errors.Is(err, sheets.ErrInvalidSheetURL):
		return fmt.Errorf("invalid Google Sheet URL. Pass --sheet-url or set GOOGLE_SHEET_URL")
	default:
		return err
	}
}

// parseIDs converts invoice id arguments.
func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid invoice id %q", arg)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
