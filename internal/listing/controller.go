// Package listing holds the state of one filtered, sorted and paginated view
// of the invoice history and keeps it in step with live status updates.
//
// A Controller is the single source of truth for:
//   - paging (page, page size) and sorting (field, direction)
//   - filters (status set, debounced free-text search)
//   - the rows of the current page plus total and page counts
//   - loading and error state
//   - the row selection used by bulk actions
//
// Every change that alters the result set starts a new fetch. Only the
// newest fetch may write rows: older ones are cancelled and their results
// discarded even if they arrive later.
package listing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"invoicedesk/internal/api"
	"invoicedesk/internal/logger"
	"invoicedesk/internal/socket"
	"invoicedesk/pkg/models"
)

// Fetcher loads one page of the invoice history. *api.Client implements it.
type Fetcher interface {
	ListInvoices(ctx context.Context, q api.ListQuery) (*models.PaginatedInvoices[models.InvoiceListItem], error)
}

// Options tune a Controller. Zero values select the defaults.
type Options struct {
	PageSize        int           // default 10
	Debounce        time.Duration // search quiet period, default 500ms; negative disables
	MinSearchLength int           // default 3
	Highlight       time.Duration // how long an updated row stays marked, default 1.5s

	// IgnoreMissing disables the refetch triggered by a status update for a
	// row that is not on the current page.
	IgnoreMissing bool

	// OnChange receives a snapshot after every state change, outside any lock.
	OnChange func(State)
}

// DefaultMinSearchLength is the shortest search term that triggers a fetch.
const DefaultMinSearchLength = 3

const (
	defaultPageSize  = 10
	defaultDebounce  = 500 * time.Millisecond
	defaultHighlight = 1500 * time.Millisecond
)

// State is a copy of the controller state.
type State struct {
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
	Search    string // search term currently applied to Rows
	Statuses  []models.InvoiceStatus
	Rows      []models.InvoiceListItem
	Total     int
	Pages     int
	Loading   bool
	Err       error
	Selected  []int64
}

// HasFilters reports whether a search or status filter is active.
func (s State) HasFilters() bool {
	return s.Search != "" || len(s.Statuses) > 0
}

// Controller coordinates list state. It is safe for concurrent use.
type Controller struct {
	fetcher Fetcher
	opts    Options
	log     zerolog.Logger
	now     func() time.Time

	ctx  context.Context // parent of background fetches
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	page      int
	pageSize  int
	sortBy    string
	sortOrder string
	search    string
	typed     string
	statuses  map[models.InvoiceStatus]struct{}
	rows      []models.InvoiceListItem
	total     int
	pages     int
	loading   bool
	err       error
	selection map[int64]struct{}
	touched   map[int64]time.Time

	seq       uint64
	cancel    context.CancelFunc
	patches   map[int64]models.InvoiceStatus // updates received while a fetch is in flight
	debounce  *time.Timer
	searchGen uint64 // bumped whenever a pending search is superseded
}

// New returns a Controller on page 1 sorted by newest first. Nothing is
// fetched until Refresh or a setter is called.
func New(fetcher Fetcher, opts Options) *Controller {
	if opts.PageSize <= 0 || opts.PageSize > MaxPageSize {
		opts.PageSize = defaultPageSize
	}
	if opts.Debounce == 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Debounce < 0 {
		opts.Debounce = 0
	}
	if opts.MinSearchLength <= 0 {
		opts.MinSearchLength = DefaultMinSearchLength
	}
	if opts.Highlight <= 0 {
		opts.Highlight = defaultHighlight
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Controller{
		fetcher:   fetcher,
		opts:      opts,
		log:       logger.WithComponent("listing"),
		now:       time.Now,
		ctx:       ctx,
		stop:      stop,
		page:      1,
		pageSize:  opts.PageSize,
		sortBy:    SortByCreatedAt,
		sortOrder: SortDesc,
		statuses:  make(map[models.InvoiceStatus]struct{}),
		selection: make(map[int64]struct{}),
		touched:   make(map[int64]time.Time),
	}
}

// State returns a snapshot of the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() State {
	return State{
		Page:      c.page,
		PageSize:  c.pageSize,
		SortBy:    c.sortBy,
		SortOrder: c.sortOrder,
		Search:    c.search,
		Statuses:  sortedStatuses(c.statuses),
		Rows:      append([]models.InvoiceListItem(nil), c.rows...),
		Total:     c.total,
		Pages:     c.pages,
		Loading:   c.loading,
		Err:       c.err,
		Selected:  sortedIDs(c.selection),
	}
}

// Status returns the status of a row on the current page.
func (c *Controller) Status(id int64) (models.InvoiceStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, row := range c.rows {
		if row.ID == id {
			return row.Status, true
		}
	}
	return "", false
}

// RecentlyUpdated reports whether a live update touched id within the
// highlight window.
func (c *Controller) RecentlyUpdated(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.touched[id]
	return ok && c.now().Sub(at) < c.opts.Highlight
}

// Refresh fetches the current page and waits for the result. It supersedes
// any fetch already in flight and returns ErrSuperseded if a newer one
// started before it finished.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.fetch(ctx)
}

// Wait blocks until every background fetch has finished. A pending debounced
// search is not waited for.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels pending work. The controller must not be used afterwards.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.mu.Unlock()

	c.stop()
	c.wg.Wait()
}

// SetFilters replaces statuses and search and, when set, sort and page size.
// The page resets to 1 and the selection is cleared.
func (c *Controller) SetFilters(f Filters) error {
	if err := f.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	c.stopDebounceLocked()
	c.statuses = statusSet(f.Statuses)
	c.search = strings.TrimSpace(f.Search)
	c.typed = c.search
	if f.SortBy != "" {
		c.sortBy = f.SortBy
	}
	if f.SortOrder != "" {
		c.sortOrder = f.SortOrder
	}
	if f.PageSize != 0 {
		c.pageSize = f.PageSize
	}
	c.resetPageLocked()
	c.mu.Unlock()

	c.log.Debug().Interface("filters", f).Msg("Filters replaced")
	c.refetch()
	return nil
}

// SetStatusFilter replaces the status filter. An empty call clears it.
func (c *Controller) SetStatusFilter(statuses ...models.InvoiceStatus) error {
	if err := validateStruct("SetStatusFilter", statusFilter{Statuses: statuses}); err != nil {
		return err
	}

	c.mu.Lock()
	next := statusSet(statuses)
	if sameStatuses(c.statuses, next) {
		c.mu.Unlock()
		return nil
	}
	c.statuses = next
	c.resetPageLocked()
	c.mu.Unlock()

	c.refetch()
	return nil
}

// SetSearch records a keystroke. The term is applied after the debounce
// window; terms shorter than the minimum length (other than empty) never
// fetch.
func (c *Controller) SetSearch(term string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.typed = term
	c.stopDebounceLocked()
	gen := c.searchGen
	if c.opts.Debounce == 0 {
		c.mu.Unlock()
		c.applySearch(term, gen)
		return
	}
	c.debounce = time.AfterFunc(c.opts.Debounce, func() { c.applySearch(term, gen) })
	c.mu.Unlock()
}

// Typed returns the last search input, which may not be applied yet.
func (c *Controller) Typed() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typed
}

// applySearch is dropped when a later keystroke or filter change superseded
// the search identified by gen.
func (c *Controller) applySearch(term string, gen uint64) {
	term = strings.TrimSpace(term)
	if n := utf8.RuneCountInString(term); n > 0 && n < c.opts.MinSearchLength {
		c.log.Debug().Int("length", n).Msg("Search term too short, not fetching")
		return
	}

	c.mu.Lock()
	if c.closed || c.searchGen != gen || c.search == term {
		c.mu.Unlock()
		return
	}
	c.search = term
	c.resetPageLocked()
	c.mu.Unlock()

	c.log.Debug().Str("search", term).Msg("Search applied")
	c.refetch()
}

// SetPage moves to page n. Filters and page size are kept.
func (c *Controller) SetPage(n int) error {
	if n < 1 {
		return &FilterError{Op: "SetPage", Fields: map[string]string{"Page": "min"}}
	}

	c.mu.Lock()
	if c.page == n {
		c.mu.Unlock()
		return nil
	}
	c.page = n
	c.selection = make(map[int64]struct{})
	c.mu.Unlock()

	c.refetch()
	return nil
}

// NextPage moves forward if there is a next page.
func (c *Controller) NextPage() bool {
	c.mu.Lock()
	page, pages := c.page, c.pages
	c.mu.Unlock()
	if page >= pages {
		return false
	}
	return c.SetPage(page+1) == nil
}

// PrevPage moves back if not on the first page.
func (c *Controller) PrevPage() bool {
	c.mu.Lock()
	page := c.page
	c.mu.Unlock()
	if page <= 1 {
		return false
	}
	return c.SetPage(page-1) == nil
}

// SetPageSize changes the page size and returns to page 1.
func (c *Controller) SetPageSize(n int) error {
	if err := validateStruct("SetPageSize", pageSizeFilter{PageSize: n}); err != nil {
		return err
	}

	c.mu.Lock()
	c.pageSize = n
	c.resetPageLocked()
	c.mu.Unlock()

	c.refetch()
	return nil
}

// SetSort sorts by field. Choosing the current field flips the direction;
// a new field starts descending. The page resets to 1.
func (c *Controller) SetSort(field string) error {
	if err := validateStruct("SetSort", sortFilter{SortBy: field}); err != nil {
		return err
	}

	c.mu.Lock()
	if c.sortBy == field {
		if c.sortOrder == SortDesc {
			c.sortOrder = SortAsc
		} else {
			c.sortOrder = SortDesc
		}
	} else {
		c.sortBy = field
		c.sortOrder = SortDesc
	}
	c.resetPageLocked()
	c.mu.Unlock()

	c.refetch()
	return nil
}

// ResetFilters clears search and status filters and returns to page 1.
func (c *Controller) ResetFilters() {
	c.mu.Lock()
	c.stopDebounceLocked()
	c.search = ""
	c.typed = ""
	c.statuses = make(map[models.InvoiceStatus]struct{})
	c.resetPageLocked()
	c.mu.Unlock()

	c.refetch()
}

// ApplyStatusUpdate patches the status of a row in place. Row order and all
// other rows are left untouched. An update for a row that is not on the
// current page triggers a refetch unless Options.IgnoreMissing is set.
func (c *Controller) ApplyStatusUpdate(su socket.StatusUpdate) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.patches != nil {
		c.patches[su.ID] = su.Status
	}
	now := c.now()
	c.touched[su.ID] = now
	for id, at := range c.touched {
		if now.Sub(at) >= c.opts.Highlight {
			delete(c.touched, id)
		}
	}

	found := false
	for i := range c.rows {
		if c.rows[i].ID == su.ID {
			c.rows[i].Status = su.Status
			found = true
			break
		}
	}
	snap := c.snapshotLocked()
	c.mu.Unlock()

	if found {
		c.log.Debug().
			Int64("invoice_id", su.ID).
			Str("status", string(su.Status)).
			Msg("Row status updated")
		c.emit(snap)
		return
	}

	c.log.Info().
		Int64("invoice_id", su.ID).
		Str("status", string(su.Status)).
		Str("filename", su.Filename).
		Bool("refetch", !c.opts.IgnoreMissing).
		Msg("Status update for invoice outside current page")
	if !c.opts.IgnoreMissing {
		c.refetch()
	}
}

// ApplyUploadResults reacts to an upload response. Rows are never inserted
// locally; when at least one file was accepted the page is refetched so the
// server decides where new invoices appear. It reports whether a refetch
// was started.
func (c *Controller) ApplyUploadResults(items []models.UploadResponseItem) bool {
	accepted := 0
	for _, item := range items {
		if !item.Failed() {
			accepted++
		}
	}

	c.log.Debug().
		Int("items", len(items)).
		Int("accepted", accepted).
		Msg("Upload results received")
	if accepted == 0 {
		return false
	}
	c.refetch()
	return true
}

// Select adds ids to the selection.
func (c *Controller) Select(ids ...int64) {
	c.mu.Lock()
	for _, id := range ids {
		c.selection[id] = struct{}{}
	}
	c.mu.Unlock()
}

// Deselect removes ids from the selection.
func (c *Controller) Deselect(ids ...int64) {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.selection, id)
	}
	c.mu.Unlock()
}

// Toggle flips the selection of id and reports whether it is now selected.
func (c *Controller) Toggle(id int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.selection[id]; ok {
		delete(c.selection, id)
		return false
	}
	c.selection[id] = struct{}{}
	return true
}

// SelectPage selects every row on the current page.
func (c *Controller) SelectPage() {
	c.mu.Lock()
	for _, row := range c.rows {
		c.selection[row.ID] = struct{}{}
	}
	c.mu.Unlock()
}

// ClearSelection empties the selection, e.g. after a bulk action.
func (c *Controller) ClearSelection() {
	c.mu.Lock()
	c.selection = make(map[int64]struct{})
	c.mu.Unlock()
}

// Selected returns the selected ids in ascending order.
func (c *Controller) Selected() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedIDs(c.selection)
}

// refetch starts a background fetch.
func (c *Controller) refetch() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		_ = c.fetch(c.ctx)
	}()
}

func (c *Controller) fetch(parent context.Context) error {
	const op = "fetch"

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(parent)
	c.seq++
	seq := c.seq
	c.cancel = cancel
	c.loading = true
	c.patches = make(map[int64]models.InvoiceStatus)
	q := c.queryLocked()
	snap := c.snapshotLocked()
	c.mu.Unlock()
	c.emit(snap)

	log := c.log.With().Uint64("seq", seq).Logger()
	log.Debug().
		Int("page", q.Page).
		Int("per_page", q.PerPage).
		Str("search", q.Search).
		Str("sort_by", q.SortBy).
		Str("sort_order", q.SortOrder).
		Msg("Fetching invoices")

	page, err := c.fetcher.ListInvoices(ctx, q)
	cancel()

	c.mu.Lock()
	if seq != c.seq {
		c.mu.Unlock()
		log.Debug().Msg("Discarding superseded result")
		return ErrSuperseded
	}
	c.cancel = nil
	c.loading = false
	patches := c.patches
	c.patches = nil

	if err != nil {
		c.err = err
		snap = c.snapshotLocked()
		c.mu.Unlock()
		log.Warn().Err(err).Msg("Failed to fetch invoices, keeping current rows")
		c.emit(snap)
		return err
	}

	page.Normalize()
	rows := append([]models.InvoiceListItem(nil), page.Invoices...)
	for i := range rows {
		if status, ok := patches[rows[i].ID]; ok {
			rows[i].Status = status
		}
	}
	c.err = nil
	c.rows = rows
	c.total = page.Total
	c.pages = models.PageCount(page.Total, c.pageSize)
	if page.Pages > 0 && page.PerPage == c.pageSize {
		c.pages = page.Pages
	}
	snap = c.snapshotLocked()
	c.mu.Unlock()

	log.Debug().
		Int("rows", len(rows)).
		Int("total", page.Total).
		Int("pages", snap.Pages).
		Int("patched", len(patches)).
		Msg("Invoices loaded")
	c.emit(snap)
	return nil
}

func (c *Controller) queryLocked() api.ListQuery {
	return api.ListQuery{
		Page:      c.page,
		PerPage:   c.pageSize,
		Statuses:  sortedStatuses(c.statuses),
		Search:    c.search,
		SortBy:    c.sortBy,
		SortOrder: c.sortOrder,
	}
}

func (c *Controller) resetPageLocked() {
	c.page = 1
	c.selection = make(map[int64]struct{})
}

func (c *Controller) stopDebounceLocked() {
	c.searchGen++
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
}

func (c *Controller) emit(s State) {
	if c.opts.OnChange != nil {
		c.opts.OnChange(s)
	}
}

func statusSet(statuses []models.InvoiceStatus) map[models.InvoiceStatus]struct{} {
	set := make(map[models.InvoiceStatus]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

func sameStatuses(a, b map[models.InvoiceStatus]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for s := range a {
		if _, ok := b[s]; !ok {
			return false
		}
	}
	return true
}

func sortedStatuses(set map[models.InvoiceStatus]struct{}) []models.InvoiceStatus {
	out := make([]models.InvoiceStatus, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func sortedIDs(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
