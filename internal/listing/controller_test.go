package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"invoicedesk/internal/api"
	"invoicedesk/internal/socket"
	"invoicedesk/pkg/models"
)

// datasetFetcher pages over a fixed set of rows the way the backend does.
type datasetFetcher struct {
	mu      sync.Mutex
	rows    []models.InvoiceListItem
	err     error
	queries []api.ListQuery
}

func (f *datasetFetcher) ListInvoices(_ context.Context, q api.ListQuery) (*models.PaginatedInvoices[models.InvoiceListItem], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}

	var matched []models.InvoiceListItem
	for _, row := range f.rows {
		if len(q.Statuses) > 0 && !hasStatus(q.Statuses, row.Status) {
			continue
		}
		if q.Search != "" && !strings.Contains(row.Filename, q.Search) {
			continue
		}
		matched = append(matched, row)
	}

	start := min((q.Page-1)*q.PerPage, len(matched))
	end := min(start+q.PerPage, len(matched))
	return &models.PaginatedInvoices[models.InvoiceListItem]{
		Page:     q.Page,
		PerPage:  q.PerPage,
		Total:    len(matched),
		Invoices: append([]models.InvoiceListItem(nil), matched[start:end]...),
	}, nil
}

func (f *datasetFetcher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *datasetFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

func (f *datasetFetcher) last() api.ListQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries[len(f.queries)-1]
}

func hasStatus(list []models.InvoiceStatus, s models.InvoiceStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func makeRows(n int) []models.InvoiceListItem {
	rows := make([]models.InvoiceListItem, n)
	for i := range rows {
		rows[i] = models.InvoiceListItem{
			ID:       int64(i + 1),
			Filename: fmt.Sprintf("invoice-%02d.pdf", i+1),
			Status:   models.StatusWaitingValidation,
		}
	}
	return rows
}

// gatedFetcher holds every request until the test replies to it. It ignores
// cancellation so stale replies really do arrive late.
type gatedFetcher struct {
	calls chan *pendingCall
}

type pendingCall struct {
	q     api.ListQuery
	reply chan gatedReply
}

type gatedReply struct {
	page *models.PaginatedInvoices[models.InvoiceListItem]
	err  error
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{calls: make(chan *pendingCall, 16)}
}

func (g *gatedFetcher) ListInvoices(_ context.Context, q api.ListQuery) (*models.PaginatedInvoices[models.InvoiceListItem], error) {
	pc := &pendingCall{q: q, reply: make(chan gatedReply, 1)}
	g.calls <- pc
	r := <-pc.reply
	return r.page, r.err
}

func (g *gatedFetcher) next(t *testing.T) *pendingCall {
	t.Helper()
	select {
	case pc := <-g.calls:
		return pc
	case <-time.After(2 * time.Second):
		t.Fatal("expected a fetch")
		return nil
	}
}

func (pc *pendingCall) respond(rows ...models.InvoiceListItem) {
	pc.reply <- gatedReply{page: &models.PaginatedInvoices[models.InvoiceListItem]{
		Page:     pc.q.Page,
		PerPage:  pc.q.PerPage,
		Total:    len(rows),
		Invoices: rows,
	}}
}

func (pc *pendingCall) fail(err error) {
	pc.reply <- gatedReply{err: err}
}

func newController(t *testing.T, f Fetcher, opts Options) *Controller {
	t.Helper()
	c := New(f, opts)
	t.Cleanup(c.Close)
	return c
}

func TestPageScenarioTwentyFiveRows(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(25)}
	c := newController(t, f, Options{PageSize: 10})

	require.NoError(t, c.SetPage(3))
	c.Wait()

	s := c.State()
	assert.Equal(t, 3, s.Page)
	assert.Equal(t, 25, s.Total)
	assert.Equal(t, 3, s.Pages)
	require.Len(t, s.Rows, 5)
	assert.Equal(t, int64(21), s.Rows[0].ID)
}

func TestPageSizeChangeResetsPage(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(25)}
	c := newController(t, f, Options{PageSize: 10})

	for _, size := range []int{1, 7, 10, 20, 25, 100} {
		require.NoError(t, c.SetPage(2))
		c.Wait()

		require.NoError(t, c.SetPageSize(size))
		c.Wait()

		s := c.State()
		assert.Equal(t, 1, s.Page, "page size %d", size)
		assert.Equal(t, size, s.PageSize)
		assert.Equal(t, (25+size-1)/size, s.Pages, "page size %d", size)
		assert.Equal(t, size, f.last().PerPage)
		assert.Equal(t, 1, f.last().Page)
	}
}

func TestPageChangeKeepsFilters(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(25)}
	c := newController(t, f, Options{})

	require.NoError(t, c.SetStatusFilter(models.StatusWaitingValidation))
	c.Wait()
	require.NoError(t, c.SetPage(2))
	c.Wait()

	q := f.last()
	assert.Equal(t, 2, q.Page)
	assert.Equal(t, []models.InvoiceStatus{models.StatusWaitingValidation}, q.Statuses)
	assert.True(t, c.State().HasFilters())

	assert.True(t, c.NextPage())
	c.Wait()
	assert.False(t, c.NextPage(), "already on the last page")
	assert.True(t, c.PrevPage())
	c.Wait()
	assert.Equal(t, 2, c.State().Page)
}

func TestOnlyLatestFetchIsApplied(t *testing.T) {
	g := newGatedFetcher()
	c := newController(t, g, Options{})

	require.NoError(t, c.SetStatusFilter(models.StatusProcessing))
	first := g.next(t)
	require.NoError(t, c.SetStatusFilter(models.StatusFailed))
	second := g.next(t)
	require.NoError(t, c.SetStatusFilter(models.StatusRejected))
	third := g.next(t)

	assert.Equal(t, []models.InvoiceStatus{models.StatusRejected}, third.q.Statuses)

	third.respond(models.InvoiceListItem{ID: 3, Status: models.StatusRejected})
	second.respond(models.InvoiceListItem{ID: 2, Status: models.StatusFailed})
	first.fail(errors.New("slow and broken"))
	c.Wait()

	s := c.State()
	require.Len(t, s.Rows, 1)
	assert.Equal(t, int64(3), s.Rows[0].ID)
	assert.NoError(t, s.Err, "a stale failure must not surface")
	assert.False(t, s.Loading)
}

func TestRefreshReportsSuperseded(t *testing.T) {
	g := newGatedFetcher()
	c := newController(t, g, Options{})

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	stale := g.next(t)

	require.NoError(t, c.SetPage(2))
	fresh := g.next(t)
	fresh.respond(models.InvoiceListItem{ID: 11})
	c.Wait()

	stale.respond(models.InvoiceListItem{ID: 1})
	assert.ErrorIs(t, <-done, ErrSuperseded)
	assert.Equal(t, int64(11), c.State().Rows[0].ID)
}

func TestStatusUpdatePatchesRowInPlace(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(3)}
	c := newController(t, f, Options{})
	require.NoError(t, c.Refresh(context.Background()))
	before := c.State().Rows

	c.ApplyStatusUpdate(socket.StatusUpdate{ID: 2, Status: models.StatusProcessed, Filename: "invoice-02.pdf"})

	after := c.State().Rows
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID, "order preserved")
		if before[i].ID == 2 {
			assert.Equal(t, models.StatusProcessed, after[i].Status)
			continue
		}
		assert.Equal(t, before[i], after[i], "other rows untouched")
	}
	assert.Equal(t, 1, f.calls(), "in-place update does not refetch")
	assert.True(t, c.RecentlyUpdated(2))
	assert.False(t, c.RecentlyUpdated(1))

	status, ok := c.Status(2)
	assert.True(t, ok)
	assert.Equal(t, models.StatusProcessed, status)
}

func TestHighlightExpires(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(1)}
	c := newController(t, f, Options{Highlight: time.Second})
	require.NoError(t, c.Refresh(context.Background()))

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.ApplyStatusUpdate(socket.StatusUpdate{ID: 1, Status: models.StatusProcessed})
	assert.True(t, c.RecentlyUpdated(1))

	now = now.Add(time.Second)
	assert.False(t, c.RecentlyUpdated(1))
}

func TestStatusUpdateForAbsentRow(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(3)}
	c := newController(t, f, Options{})
	require.NoError(t, c.Refresh(context.Background()))
	before := c.State().Rows

	assert.NotPanics(t, func() {
		c.ApplyStatusUpdate(socket.StatusUpdate{ID: 99, Status: models.StatusFailed})
	})
	c.Wait()

	assert.Equal(t, before, c.State().Rows)
	assert.Equal(t, 2, f.calls(), "absent row triggers a refetch")
}

func TestStatusUpdateForAbsentRowWithoutRefetch(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(3)}
	c := newController(t, f, Options{IgnoreMissing: true})
	require.NoError(t, c.Refresh(context.Background()))

	c.ApplyStatusUpdate(socket.StatusUpdate{ID: 99, Status: models.StatusFailed})
	c.Wait()

	assert.Len(t, c.State().Rows, 3)
	assert.Equal(t, 1, f.calls())
}

func TestStatusUpdateDuringFetchIsReapplied(t *testing.T) {
	g := newGatedFetcher()
	c := newController(t, g, Options{IgnoreMissing: true})

	done := make(chan error, 1)
	go func() { done <- c.Refresh(context.Background()) }()
	pc := g.next(t)

	c.ApplyStatusUpdate(socket.StatusUpdate{ID: 1, Status: models.StatusProcessed})
	pc.respond(
		models.InvoiceListItem{ID: 1, Status: models.StatusProcessing},
		models.InvoiceListItem{ID: 2, Status: models.StatusProcessing},
	)
	require.NoError(t, <-done)

	rows := c.State().Rows
	assert.Equal(t, models.StatusProcessed, rows[0].Status)
	assert.Equal(t, models.StatusProcessing, rows[1].Status)
}

func TestFetchFailureKeepsRows(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(4)}
	c := newController(t, f, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	boom := &api.APIError{Op: "ListInvoices", Kind: api.ErrNetwork, Message: "connection refused"}
	f.setErr(boom)
	err := c.Refresh(context.Background())
	require.ErrorIs(t, err, api.ErrNetwork)

	s := c.State()
	assert.False(t, s.Loading)
	assert.ErrorIs(t, s.Err, api.ErrNetwork)
	assert.Len(t, s.Rows, 4, "rows stay visible after a failure")

	f.setErr(nil)
	require.NoError(t, c.Refresh(context.Background()))
	assert.NoError(t, c.State().Err)
}

func TestSearchLengthThresholdAndDebounce(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(12)}
	c := newController(t, f, Options{Debounce: 30 * time.Millisecond})

	c.SetSearch("in")
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, f.calls(), "two characters never fetch")
	assert.Equal(t, "in", c.Typed())

	c.SetSearch("inv")
	c.SetSearch("invo")
	c.SetSearch("invoice-1")
	assert.Equal(t, 0, f.calls(), "nothing before the quiet period")

	assert.Eventually(t, func() bool { return f.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	c.Wait()
	assert.Equal(t, "invoice-1", f.last().Search)
	assert.Equal(t, 1, f.last().Page)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, f.calls(), "keystrokes inside the window coalesce into one fetch")
	assert.Equal(t, "invoice-1", c.State().Search)

	c.SetSearch("")
	assert.Eventually(t, func() bool { return f.calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	c.Wait()
	assert.Equal(t, "", f.last().Search)
}

func TestSupersededSearchIsNotApplied(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(12)}
	c := newController(t, f, Options{Debounce: time.Hour})

	c.SetSearch("invoice-0")
	c.mu.Lock()
	gen := c.searchGen
	c.mu.Unlock()

	require.NoError(t, c.SetFilters(Filters{Search: "invoice-1"}))
	c.Wait()

	// The debounce timer for the older term fired just as SetFilters ran.
	c.applySearch("invoice-0", gen)
	c.Wait()

	assert.Equal(t, "invoice-1", c.State().Search)
	assert.Equal(t, 1, f.calls())
	assert.Equal(t, "invoice-1", f.last().Search)
}

func TestSearchResetsPageAndSelection(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(30)}
	c := newController(t, f, Options{Debounce: -1})

	require.NoError(t, c.SetPage(2))
	c.Wait()
	c.Select(11, 12)

	c.SetSearch("invoice-1")
	c.Wait()

	s := c.State()
	assert.Equal(t, 1, s.Page)
	assert.Empty(t, s.Selected)
	assert.Equal(t, 10, s.Total)
}

func TestUploadErrorAddsNoRows(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(2)}
	c := newController(t, f, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	refetched := c.ApplyUploadResults([]models.UploadResponseItem{
		{Filename: "broken.pdf", Status: models.UploadStatusError, Message: "not a PDF"},
	})
	c.Wait()

	assert.False(t, refetched)
	assert.Len(t, c.State().Rows, 2)
	assert.Equal(t, 1, f.calls())

	id := int64(3)
	refetched = c.ApplyUploadResults([]models.UploadResponseItem{
		{InvoiceID: &id, Filename: "good.pdf", Status: models.StatusProcessing},
		{Filename: "broken.pdf", Status: models.UploadStatusError},
	})
	c.Wait()
	assert.True(t, refetched)
	assert.Equal(t, 2, f.calls())
}

func TestSelectionClearedOnViewChanges(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(25)}
	c := newController(t, f, Options{})
	require.NoError(t, c.Refresh(context.Background()))

	changes := []struct {
		name  string
		apply func() error
	}{
		{"page", func() error { return c.SetPage(2) }},
		{"page size", func() error { return c.SetPageSize(20) }},
		{"sort", func() error { return c.SetSort(SortByFilename) }},
		{"status filter", func() error { return c.SetStatusFilter(models.StatusFailed) }},
		{"filters", func() error { return c.SetFilters(Filters{Search: "x"}) }},
		{"reset", func() error { c.ResetFilters(); return nil }},
	}
	for _, tc := range changes {
		c.SelectPage()
		c.Select(100)
		require.NotEmpty(t, c.Selected())

		require.NoError(t, tc.apply())
		c.Wait()
		assert.Empty(t, c.Selected(), tc.name)
	}
}

func TestSelectionOps(t *testing.T) {
	c := newController(t, &datasetFetcher{}, Options{})

	c.Select(3, 1, 2)
	assert.Equal(t, []int64{1, 2, 3}, c.Selected())
	assert.False(t, c.Toggle(2))
	assert.True(t, c.Toggle(7))
	c.Deselect(1, 42)
	assert.Equal(t, []int64{3, 7}, c.Selected())
	c.ClearSelection()
	assert.Empty(t, c.Selected())
}

func TestSetSort(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(25)}
	c := newController(t, f, Options{})
	require.NoError(t, c.SetPage(3))
	c.Wait()

	require.NoError(t, c.SetSort(SortByCreatedAt))
	c.Wait()
	s := c.State()
	assert.Equal(t, SortAsc, s.SortOrder, "same field flips direction")
	assert.Equal(t, 1, s.Page)

	require.NoError(t, c.SetSort(SortByFilename))
	c.Wait()
	q := f.last()
	assert.Equal(t, SortByFilename, q.SortBy)
	assert.Equal(t, SortDesc, q.SortOrder, "new field starts descending")
}

func TestInvalidFiltersAreRejected(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(3)}
	c := newController(t, f, Options{})

	err := c.SetSort("amount_total")
	require.ErrorIs(t, err, ErrInvalidFilter)
	var fe *FilterError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "oneof", fe.Fields["SortBy"])

	assert.ErrorIs(t, c.SetStatusFilter("archived"), ErrInvalidFilter)
	assert.ErrorIs(t, c.SetStatusFilter(models.UploadStatusError), ErrInvalidFilter)
	assert.ErrorIs(t, c.SetPageSize(0), ErrInvalidFilter)
	assert.ErrorIs(t, c.SetPageSize(MaxPageSize+1), ErrInvalidFilter)
	assert.ErrorIs(t, c.SetPage(0), ErrInvalidFilter)
	assert.ErrorIs(t, c.SetFilters(Filters{SortOrder: "sideways"}), ErrInvalidFilter)

	c.Wait()
	assert.Equal(t, 0, f.calls(), "rejected changes never reach the backend")

	assert.NoError(t, Filters{
		Statuses:  []models.InvoiceStatus{models.StatusFailed, models.StatusRejected},
		SortBy:    SortByStatus,
		SortOrder: SortAsc,
		PageSize:  50,
	}.Validate())
}

func TestOnChangeSeesLoadingThenRows(t *testing.T) {
	var mu sync.Mutex
	var loading []bool
	f := &datasetFetcher{rows: makeRows(2)}
	c := newController(t, f, Options{OnChange: func(s State) {
		mu.Lock()
		loading = append(loading, s.Loading)
		mu.Unlock()
	}})

	require.NoError(t, c.Refresh(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, loading)
}

func TestClosedControllerIgnoresWork(t *testing.T) {
	f := &datasetFetcher{rows: makeRows(2)}
	c := New(f, Options{})
	c.Close()

	assert.ErrorIs(t, c.Refresh(context.Background()), ErrClosed)
	c.SetSearch("invoice")
	c.ApplyStatusUpdate(socket.StatusUpdate{ID: 5})
	c.Wait()
	assert.Equal(t, 0, f.calls())
}
