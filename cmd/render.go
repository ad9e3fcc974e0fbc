package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"invoicedesk/internal/listing"
	"invoicedesk/pkg/models"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true)
	highlightStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	mutedStyle     = lipgloss.NewStyle().Faint(true)
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	cellStyle      = lipgloss.NewStyle().PaddingRight(2)

	statusStyles = map[models.InvoiceStatus]lipgloss.Style{
		models.StatusPendingProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		models.StatusProcessing:        lipgloss.NewStyle().Foreground(lipgloss.Color("12")),
		models.StatusWaitingValidation: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		models.StatusProcessed:         lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		models.StatusFailed:            lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		models.StatusRejected:          lipgloss.NewStyle().Foreground(lipgloss.Color("13")),
		models.StatusDuplicated:        lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		models.UploadStatusError:       lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
	}
)

// statusLabel renders a status with its color.
func statusLabel(s models.InvoiceStatus) string {
	if style, ok := statusStyles[s]; ok {
		return style.Render(string(s))
	}
	return string(s)
}

// newTable returns a table with a rule under the header row and no other
// borders. Cells are padded so columns stay apart.
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderColumn(false).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.PaddingRight(2)
			}
			return cellStyle
		})
}

func printTable(w io.Writer, t *table.Table) {
	fmt.Fprintln(w, t.String())
}

// renderFields prints label/value pairs as two aligned columns.
func renderFields(w io.Writer, fields [][2]string) {
	labels := make([]string, len(fields))
	values := make([]string, len(fields))
	for i, f := range fields {
		labels[i] = f[0] + ":"
		values[i] = f[1]
	}
	fmt.Fprintln(w, lipgloss.JoinHorizontal(lipgloss.Top,
		cellStyle.Render(strings.Join(labels, "\n")),
		strings.Join(values, "\n")))
}

// wantJSON reports whether the command should print JSON.
func wantJSON(cmd *cobra.Command) bool {
	asJSON, _ := cmd.Flags().GetBool("json")
	outputPath, _ := cmd.Flags().GetString("output")
	return asJSON || outputPath != ""
}

// outputJSON writes v as indented JSON to --output or stdout.
func outputJSON(cmd *cobra.Command, v interface{}, log zerolog.Logger) error {
	outputPath, _ := cmd.Flags().GetString("output")

	jsonData, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal output to JSON")
		return fmt.Errorf("failed to format output: %w", err)
	}

	if outputPath != "" {
		if err := os.WriteFile(outputPath, jsonData, 0o644); err != nil {
			log.Error().
				Err(err).
				Str("output_file", outputPath).
				Msg("Failed to write output file")
			return fmt.Errorf("failed to write output file: %w", err)
		}
		log.Info().
			Str("output_file", outputPath).
			Int("bytes", len(jsonData)).
			Msg("Results written to file")
		return nil
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(jsonData))
	return nil
}

// renderInvoicePage prints one page of the invoice history. Rows for which
// marked returns true are flagged with an asterisk.
func renderInvoicePage(w io.Writer, st listing.State, marked func(int64) bool) {
	if st.Err != nil {
		fmt.Fprintln(w, errorStyle.Render("Error: "+st.Err.Error()))
	}
	if len(st.Rows) == 0 {
		if st.HasFilters() {
			fmt.Fprintln(w, mutedStyle.Render("No invoices match the current filters."))
		} else {
			fmt.Fprintln(w, mutedStyle.Render("No invoices yet."))
		}
		return
	}

	hot := make([]bool, len(st.Rows))
	t := newTable(" ", "ID", "CREATED", "FILENAME", "STATUS")
	for i, row := range st.Rows {
		mark, status := " ", statusLabel(row.Status)
		if marked != nil && marked(row.ID) {
			hot[i] = true
			mark, status = "*", string(row.Status)
		}
		t.Row(mark, fmt.Sprintf("%d", row.ID), row.CreatedAt.Display(), row.Filename, status)
	}
	t.StyleFunc(func(row, _ int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle.PaddingRight(2)
		case hot[row]:
			return highlightStyle.PaddingRight(2)
		default:
			return cellStyle
		}
	})
	printTable(w, t)

	fmt.Fprintln(w, mutedStyle.Render(pageFooter(st)))
}

func pageFooter(st listing.State) string {
	pages := st.Pages
	if pages == 0 {
		pages = 1
	}
	parts := []string{
		fmt.Sprintf("page %d/%d", st.Page, pages),
		fmt.Sprintf("%d invoices", st.Total),
		fmt.Sprintf("sorted by %s %s", st.SortBy, st.SortOrder),
	}
	if st.Search != "" {
		parts = append(parts, fmt.Sprintf("search %q", st.Search))
	}
	if len(st.Statuses) > 0 {
		names := make([]string, len(st.Statuses))
		for i, s := range st.Statuses {
			names[i] = string(s)
		}
		parts = append(parts, "status "+strings.Join(names, ","))
	}
	return strings.Join(parts, " | ")
}
