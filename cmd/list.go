package cmd

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"invoicedesk/internal/listing"
	"invoicedesk/internal/logger"
	"invoicedesk/pkg/models"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the invoice history",
	Long: `List one page of the invoice history.

Results can be filtered by status and a search term, sorted by id, filename,
status or upload time, and paged. Search terms shorter than three characters
are ignored.`,
	Example: `  # Newest invoices first
  invoicedesk list

  # Invoices waiting for validation, 25 per page
  invoicedesk list --status waiting_validation --page-size 25

  # Search filenames, oldest first, as JSON
  invoicedesk list --search "acme" --sort created_at --order asc --json`,
	Args: cobra.NoArgs,
	RunE: runList,
}

// ListOutput is the JSON form of one page.
type ListOutput struct {
	Page     int                      `json:"page"`
	PageSize int                      `json:"page_size"`
	Total    int                      `json:"total"`
	Pages    int                      `json:"pages"`
	Invoices []models.InvoiceListItem `json:"invoices"`
}

func init() {
	rootCmd.AddCommand(listCmd)

	listCmd.Flags().StringSlice("status", nil, "Only show these statuses (repeatable or comma separated)")
	listCmd.Flags().String("search", "", "Filter by search term (at least 3 characters)")
	listCmd.Flags().Int("page", 1, "Page number")
	listCmd.Flags().Int("page-size", 0, "Invoices per page (default: DEFAULT_PAGE_SIZE)")
	listCmd.Flags().String("sort", listing.SortByCreatedAt, "Sort by id, filename, status or created_at")
	listCmd.Flags().String("order", listing.SortDesc, "Sort order, asc or desc")
}

func runList(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("list")

	filters, page, err := listFilters(cmd)
	if err != nil {
		return handleCommandError(err, log)
	}

	log.Info().
		Interface("filters", filters).
		Int("page", page).
		Msg("Listing invoices")

	ctx, cancel := createCommandContext(0, log)
	defer cancel()

	a, err := newApp(ctx, cmd, log)
	if err != nil {
		return handleCommandError(err, log)
	}
	defer a.Close()

	ctrl := a.listController(nil)
	defer ctrl.Close()

	if err := ctrl.SetFilters(filters); err != nil {
		return handleCommandError(err, log)
	}
	if err := ctrl.SetPage(page); err != nil {
		return handleCommandError(err, log)
	}
	if err := ctrl.Refresh(ctx); err != nil {
		return handleCommandError(err, log)
	}

	st := ctrl.State()
	log.Debug().
		Int("rows", len(st.Rows)).
		Int("total", st.Total).
		Msg("Page loaded")

	if wantJSON(cmd) {
		return outputJSON(cmd, ListOutput{
			Page:     st.Page,
			PageSize: st.PageSize,
			Total:    st.Total,
			Pages:    st.Pages,
			Invoices: st.Rows,
		}, log)
	}
	renderInvoicePage(cmd.OutOrStdout(), st, nil)
	return nil
}

// listFilters reads the filter flags shared by list and watch.
func listFilters(cmd *cobra.Command) (listing.Filters, int, error) {
	rawStatuses, _ := cmd.Flags().GetStringSlice("status")
	search, _ := cmd.Flags().GetString("search")
	page, _ := cmd.Flags().GetInt("page")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	sortBy, _ := cmd.Flags().GetString("sort")
	order, _ := cmd.Flags().GetString("order")

	// Short terms are dropped the same way the live search ignores them.
	if n := utf8.RuneCountInString(strings.TrimSpace(search)); n > 0 && n < listing.DefaultMinSearchLength {
		search = ""
	}

	statuses := make([]models.InvoiceStatus, 0, len(rawStatuses))
	for _, raw := range rawStatuses {
		status, err := models.ParseStatus(raw)
		if err != nil {
			return listing.Filters{}, 0, fmt.Errorf("%w: %v", listing.ErrInvalidFilter, err)
		}
		statuses = append(statuses, status)
	}

	filters := listing.Filters{
		Statuses:  statuses,
		Search:    search,
		SortBy:    sortBy,
		SortOrder: order,
		PageSize:  pageSize,
	}
	if err := filters.Validate(); err != nil {
		return listing.Filters{}, 0, err
	}
	if page < 1 {
		return listing.Filters{}, 0, fmt.Errorf("%w: --page must be at least 1", listing.ErrInvalidFilter)
	}
	return filters, page, nil
}
