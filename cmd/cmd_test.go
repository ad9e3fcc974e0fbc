package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"invoicedesk/internal/api"
	"invoicedesk/internal/config"
	"invoicedesk/internal/listing"
	"invoicedesk/pkg/models"
)

// resetFlags restores every flag in the tree to its default so commands can
// be executed repeatedly in one process.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg = config.Default()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	err := rootCmd.Execute()
	return out.String(), err
}

func TestListCommandPrintsJSON(t *testing.T) {
	var mu sync.Mutex
	var queries []url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/invoices/", r.URL.Path)
		mu.Lock()
		queries = append(queries, r.URL.Query())
		mu.Unlock()
		_, _ = io.WriteString(w, `{"page":1,"per_page":5,"total":1,"pages":1,"invoices":[
			{"id":7,"filename":"acme.pdf","status":"waiting_validation","created_at":"2024-05-01T10:00:00"}]}`)
	}))
	defer srv.Close()

	out, err := execute(t, "list", "--api-url", srv.URL,
		"--status", "waiting_validation", "--page-size", "5", "--search", "ac", "--json")
	require.NoError(t, err)

	var got ListOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, 1, got.Total)
	assert.Equal(t, 5, got.PageSize)
	require.Len(t, got.Invoices, 1)
	assert.Equal(t, int64(7), got.Invoices[0].ID)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, queries)
	last := queries[len(queries)-1]
	assert.Equal(t, "waiting_validation", last.Get("status"))
	assert.Equal(t, "5", last.Get("per_page"))
	assert.Empty(t, last.Get("search"), "two-character search is not applied")
}

func TestListCommandRejectsUnknownStatus(t *testing.T) {
	_, err := execute(t, "list", "--api-url", "http://127.0.0.1:1", "--status", "archived")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid filter")
}

func TestConfirmBulkReportsEveryOutcome(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/invoices/2/confirm":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":"Invoice already processed"}`)
		case "/api/invoices/1/confirm":
			_, _ = io.WriteString(w, `{"invoice_id":1,"status":"processed","message":"Invoice confirmed"}`)
		case "/api/invoices/3/confirm":
			_, _ = io.WriteString(w, `{"invoice_id":3,"status":"processed","message":"Invoice confirmed"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "confirm", "1", "2", "3", "--api-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, out, "Invoice 1: Invoice confirmed")
	assert.Contains(t, out, "Invoice 2: Invoice already processed")
	assert.Contains(t, out, "confirm: 2 succeeded, 1 failed")
}

func TestRejectBlankReasonNeverReachesBackend(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	_, err := execute(t, "reject", "5", "--reason", "   ", "--api-url", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--reason must not be blank")
	assert.Zero(t, calls.Load())
}

func TestUploadRejectsUnsupportedFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o600))

	_, err := execute(t, "upload", path, "--api-url", "http://127.0.0.1:1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upload rejected")
}

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs([]string{"1", "42"})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 42}, ids)

	_, err = parseIDs([]string{"0"})
	assert.Error(t, err)
	_, err = parseIDs([]string{"abc"})
	assert.Error(t, err)
}

func TestDateRangeFlags(t *testing.T) {
	newCmd := func(from, to string) *cobra.Command {
		c := &cobra.Command{}
		c.Flags().String("from", "", "")
		c.Flags().String("to", "", "")
		require.NoError(t, c.Flags().Set("from", from))
		require.NoError(t, c.Flags().Set("to", to))
		return c
	}

	r, err := dateRangeFlags(newCmd("2024-01-01", "2024-01-31"))
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01", r.StartDate)
	assert.Equal(t, "2024-01-31", r.EndDate)

	_, err = dateRangeFlags(newCmd("2024-02-01", "2024-01-31"))
	assert.Error(t, err)
	_, err = dateRangeFlags(newCmd("01/02/2024", ""))
	assert.Error(t, err)
}

func TestTrendBar(t *testing.T) {
	assert.Equal(t, "", trendBar(0, 10))
	assert.Len(t, trendBar(10, 10), trendBarWidth)
	assert.Len(t, trendBar(1, 1000), 1, "small counts stay visible")
}

func TestRenderInvoicePageMarksUpdatedRows(t *testing.T) {
	st := listing.State{
		Page: 2, Pages: 3, Total: 25, SortBy: "created_at", SortOrder: "desc",
		Search: "acme",
		Rows: []models.InvoiceListItem{
			{ID: 11, Filename: "a.pdf", Status: models.StatusProcessed},
			{ID: 12, Filename: "b.pdf", Status: models.StatusFailed},
		},
	}

	var buf bytes.Buffer
	renderInvoicePage(&buf, st, func(id int64) bool { return id == 12 })
	out := buf.String()

	assert.Contains(t, out, "FILENAME")
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.Contains(line, "b.pdf"):
			assert.True(t, strings.HasPrefix(line, "* "), "updated row is marked: %q", line)
		case strings.Contains(line, "a.pdf"):
			assert.False(t, strings.HasPrefix(line, "*"), "other rows are not marked: %q", line)
		}
	}
	assert.Contains(t, out, `page 2/3 | 25 invoices | sorted by created_at desc | search "acme"`)

	buf.Reset()
	renderInvoicePage(&buf, listing.State{Statuses: []models.InvoiceStatus{models.StatusFailed}}, nil)
	assert.Contains(t, buf.String(), "No invoices match the current filters.")
}

func TestRenderFieldsAlignsValues(t *testing.T) {
	var buf bytes.Buffer
	renderFields(&buf, [][2]string{{"File", "acme.pdf"}, {"Uploaded", "2024-05-01"}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Index(lines[0], "acme.pdf"), strings.Index(lines[1], "2024-05-01"))
}

type staticFetcher struct{}

func (staticFetcher) ListInvoices(_ context.Context, q api.ListQuery) (*models.PaginatedInvoices[models.InvoiceListItem], error) {
	return &models.PaginatedInvoices[models.InvoiceListItem]{Page: q.Page, PerPage: q.PerPage}, nil
}

func TestWatchRedrawsCoalesceAndStop(t *testing.T) {
	ctrl := listing.New(staticFetcher{}, listing.Options{})
	t.Cleanup(ctrl.Close)

	var out bytes.Buffer
	s := &watchSession{out: &out, ctrl: ctrl, redrawDelay: 30 * time.Millisecond}
	draws := func() int {
		s.drawMu.Lock()
		defer s.drawMu.Unlock()
		return strings.Count(out.String(), "live updates off")
	}

	for i := 0; i < 5; i++ {
		s.scheduleRedraw()
	}
	assert.Eventually(t, func() bool { return draws() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, draws(), "a burst of updates redraws once")

	s.stopRedraw()
	s.scheduleRedraw()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, draws(), "no redraw after the session ended")
}
