package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"invoicedesk/internal/actions"
	"invoicedesk/internal/listing"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/socket"
	"invoicedesk/pkg/models"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the invoice history with live status updates",
	Long: `Show one page of the invoice history and keep it current.

Status changes pushed by the backend are applied to the visible rows in place
and marked for a moment. Updates for invoices outside the page reload it.

Lines typed on stdin drive the view:
  n / p               next / previous page
  /<term>             search (applied after typing stops, at least 3 characters)
  f <status,...>      filter by status, "f" alone clears
  s <field>           sort by id, filename, status or created_at (again flips)
  size <n>            change the page size
  x                   clear search and filters
  sel <id...|all>     toggle selection, "all" selects the page
  confirm | retry     run the action on the selection
  reject [reason]     reject the selection
  r                   reload
  q                   quit`,
	Example: `  invoicedesk watch
  invoicedesk watch --status processing,waiting_validation --metrics-addr :9108`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringSlice("status", nil, "Only show these statuses")
	watchCmd.Flags().String("search", "", "Initial search term")
	watchCmd.Flags().Int("page", 1, "Initial page")
	watchCmd.Flags().Int("page-size", 0, "Invoices per page (default: DEFAULT_PAGE_SIZE)")
	watchCmd.Flags().String("sort", listing.SortByCreatedAt, "Sort by id, filename, status or created_at")
	watchCmd.Flags().String("order", listing.SortDesc, "Sort order, asc or desc")
	watchCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address (default: METRICS_ADDR)")
}

// watchSession ties the list, the socket and the terminal together.
type watchSession struct {
	app     *app
	out     io.Writer
	ctrl    *listing.Controller
	actions *actions.Controller
	socket  *socket.Manager
	log     zerolog.Logger

	drawMu sync.Mutex

	redrawMu    sync.Mutex
	redraw      *time.Timer
	redrawDelay time.Duration
	stopped     bool
}

func runWatch(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("watch")

	filters, page, err := listFilters(cmd)
	if err != nil {
		return handleCommandError(err, log)
	}

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	s := &watchSession{
		app:         a,
		out:         cmd.OutOrStdout(),
		log:         log,
		redrawDelay: rowHighlight + 100*time.Millisecond,
	}
	s.ctrl = a.listController(func(st listing.State) {
		if !st.Loading {
			s.draw(st)
		}
	})
	defer s.ctrl.Close()
	s.actions = a.actionController(s.ctrl)

	mgr, err := a.socketManager(func(h socket.Health) {
		log.Info().
			Str("health", h.String()).
			Int("attempt", h.Attempt).
			Msg("Live updates connection changed")
	})
	if err != nil {
		return handleCommandError(err, log)
	}
	s.socket = mgr

	// Listeners are dropped when the last hold is released.
	mgr.OnStatusUpdate(s.onStatusUpdate)

	release, err := mgr.Retain(ctx)
	defer release()
	defer s.stopRedraw()
	if err != nil {
		log.Warn().
			Err(err).
			Str("endpoint", mgr.Endpoint()).
			Msg("Live updates unavailable, showing a static list")
	}

	addr, _ := cmd.Flags().GetString("metrics-addr")
	if addr == "" {
		addr = cfg.MetricsAddr
	}
	if addr != "" {
		stop := serveMetrics(addr, a, log)
		defer stop()
	}

	if err := s.ctrl.SetFilters(filters); err != nil {
		return handleCommandError(err, log)
	}
	if err := s.ctrl.SetPage(page); err != nil {
		return handleCommandError(err, log)
	}
	if err := s.ctrl.Refresh(ctx); err != nil && !errors.Is(err, listing.ErrSuperseded) {
		log.Warn().Err(err).Msg("Initial load failed")
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Stopped watching")
			return nil
		case line := <-lines:
			if line == "q" || line == "quit" {
				return nil
			}
			if err := s.handle(ctx, line); err != nil {
				fmt.Fprintln(s.out, errorStyle.Render(handleCommandError(err, log).Error()))
			}
		}
	}
}

// onStatusUpdate runs on the socket read goroutine.
func (s *watchSession) onStatusUpdate(su socket.StatusUpdate) {
	// Cached pages no longer reflect the backend.
	s.app.client.InvalidateCache(context.Background())
	s.ctrl.ApplyStatusUpdate(su)
	s.scheduleRedraw()
}

// scheduleRedraw redraws once the highlight of the latest update has
// expired. A burst of updates shares one redraw.
func (s *watchSession) scheduleRedraw() {
	s.redrawMu.Lock()
	defer s.redrawMu.Unlock()
	if s.stopped {
		return
	}
	if s.redraw != nil {
		s.redraw.Reset(s.redrawDelay)
		return
	}
	s.redraw = time.AfterFunc(s.redrawDelay, s.redrawNow)
}

func (s *watchSession) redrawNow() {
	s.redrawMu.Lock()
	stopped := s.stopped
	s.redrawMu.Unlock()
	if stopped {
		return
	}
	if st := s.ctrl.State(); !st.Loading {
		s.draw(st)
	}
}

// stopRedraw cancels the pending redraw; later updates schedule none.
func (s *watchSession) stopRedraw() {
	s.redrawMu.Lock()
	defer s.redrawMu.Unlock()
	s.stopped = true
	if s.redraw != nil {
		s.redraw.Stop()
	}
}

func (s *watchSession) draw(st listing.State) {
	s.drawMu.Lock()
	defer s.drawMu.Unlock()

	health := "live updates off"
	if s.socket != nil {
		health = "live updates " + s.socket.Health().String()
	}
	header := fmt.Sprintf("%s  %s", time.Now().Format("15:04:05"), health)
	if selected := len(st.Selected); selected > 0 {
		header += fmt.Sprintf("  %d selected", selected)
	}

	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, headerStyle.Render(header))
	renderInvoicePage(s.out, st, s.ctrl.RecentlyUpdated)
}

// handle executes one line of input.
func (s *watchSession) handle(ctx context.Context, line string) error {
	if line == "" {
		return nil
	}
	if strings.HasPrefix(line, "/") {
		s.ctrl.SetSearch(strings.TrimPrefix(line, "/"))
		return nil
	}

	word, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch word {
	case "n":
		if !s.ctrl.NextPage() {
			fmt.Fprintln(s.out, mutedStyle.Render("Already on the last page."))
		}
	case "p":
		if !s.ctrl.PrevPage() {
			fmt.Fprintln(s.out, mutedStyle.Render("Already on the first page."))
		}
	case "r":
		s.app.client.InvalidateCache(ctx)
		if err := s.ctrl.Refresh(ctx); err != nil && !errors.Is(err, listing.ErrSuperseded) {
			return err
		}
	case "f":
		var statuses []models.InvoiceStatus
		for _, raw := range strings.Split(rest, ",") {
			if strings.TrimSpace(raw) == "" {
				continue
			}
			status, err := models.ParseStatus(raw)
			if err != nil {
				return fmt.Errorf("%w: %v", listing.ErrInvalidFilter, err)
			}
			statuses = append(statuses, status)
		}
		return s.ctrl.SetStatusFilter(statuses...)
	case "s":
		return s.ctrl.SetSort(rest)
	case "size":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return fmt.Errorf("%w: page size must be a number", listing.ErrInvalidFilter)
		}
		return s.ctrl.SetPageSize(n)
	case "x":
		s.ctrl.ResetFilters()
	case "sel":
		return s.toggleSelection(rest)
	case "confirm", "retry", "reject":
		return s.runBulk(ctx, word, rest)
	default:
		fmt.Fprintln(s.out, mutedStyle.Render("Unknown input. See 'invoicedesk watch --help'."))
	}
	return nil
}

func (s *watchSession) toggleSelection(rest string) error {
	if rest == "all" {
		s.ctrl.SelectPage()
	} else {
		ids, err := parseIDs(strings.Fields(rest))
		if err != nil {
			return err
		}
		for _, id := range ids {
			s.ctrl.Toggle(id)
		}
	}
	s.draw(s.ctrl.State())
	return nil
}

func (s *watchSession) runBulk(ctx context.Context, word, rest string) error {
	kind, err := actions.ParseKind(word)
	if err != nil {
		return err
	}
	ids := s.ctrl.Selected()
	if len(ids) == 0 {
		fmt.Fprintln(s.out, mutedStyle.Render("Nothing selected. Use 'sel <id...>' first."))
		return nil
	}

	var reason *string
	if kind == actions.KindReject && rest != "" {
		reason = &rest
	}

	report := s.actions.Bulk(ctx, kind, ids, reason)
	s.ctrl.ClearSelection()
	renderBulkReport(s.out, report)

	s.app.client.InvalidateCache(ctx)
	if err := s.ctrl.Refresh(ctx); err != nil && !errors.Is(err, listing.ErrSuperseded) {
		return err
	}
	return nil
}

// serveMetrics exposes the metrics registry until the returned stop is called.
func serveMetrics(addr string, a *app, log zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info().Str("addr", addr).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("Metrics server failed")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to stop metrics server")
		}
	}
}
