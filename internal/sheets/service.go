// Package sheets appends confirmed invoice data to a Google Sheets worksheet.
//
// The worksheet is created with a bold header row when missing. Invoice ids
// already present in column A are skipped, so running an export twice does
// not duplicate rows.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
	"invoicedesk/internal/logger"
	"invoicedesk/pkg/models"
)

var (
	// ErrInvalidSheetURL is returned when the URL does not name a spreadsheet.
	ErrInvalidSheetURL = errors.New("invalid Google Sheets URL format")

	// ErrMissingCredentials is returned when no service account is configured.
	ErrMissingCredentials = errors.New("neither GOOGLE_APPLICATION_CREDENTIALS nor GOOGLE_CREDENTIALS is set")
)

// Header is the column layout of the export worksheet.
var Header = []interface{}{
	"Invoice ID", "Invoice Number", "Date", "Bill To", "Currency",
	"Amount Total", "Payment Terms", "Items", "Advertising Numbers",
	"Company ID", "Exported At",
}

const lastColumn = "K"

var spreadsheetIDPattern = regexp.MustCompile(`/spreadsheets/d/([a-zA-Z0-9-_]+)`)

// Service writes to one spreadsheet.
type Service struct {
	sheetsService *sheets.Service
	spreadsheetID string
	now           func() time.Time
	log           zerolog.Logger
}

// ExportResult counts what an export did.
type ExportResult struct {
	Appended int `json:"appended"`
	Skipped  int `json:"skipped"`
}

// NewSheetsService connects to the spreadsheet behind sheetURL. Without
// client options the service account is read from
// GOOGLE_APPLICATION_CREDENTIALS (a file) or GOOGLE_CREDENTIALS (inline JSON).
func NewSheetsService(ctx context.Context, sheetURL string, opts ...option.ClientOption) (*Service, error) {
	const op = "NewSheetsService"

	log := logger.WithComponent("sheets")

	spreadsheetID, err := extractSpreadsheetID(sheetURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	log.Debug().Str("spreadsheet_id", spreadsheetID).Msg("Extracted spreadsheet ID")

	if len(opts) == 0 {
		clientOpt, err := credentialsOption(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		opts = []option.ClientOption{clientOpt}
	}

	sheetsService, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create sheets service: %w", op, err)
	}

	return &Service{
		sheetsService: sheetsService,
		spreadsheetID: spreadsheetID,
		now:           time.Now,
		log:           log,
	}, nil
}

func credentialsOption(ctx context.Context) (option.ClientOption, error) {
	var creds []byte
	if credsFile := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); credsFile != "" {
		data, err := os.ReadFile(credsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read credentials file: %w", err)
		}
		creds = data
	} else if credsJSON := os.Getenv("GOOGLE_CREDENTIALS"); credsJSON != "" {
		creds = []byte(credsJSON)
	} else {
		return nil, ErrMissingCredentials
	}

	config, err := google.JWTConfigFromJSON(creds, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("failed to parse credentials: %w", err)
	}
	return option.WithHTTPClient(config.Client(ctx)), nil
}

// extractSpreadsheetID pulls the id out of a docs.google.com URL.
func extractSpreadsheetID(url string) (string, error) {
	matches := spreadsheetIDPattern.FindStringSubmatch(url)
	if len(matches) < 2 {
		return "", fmt.Errorf("%w: %q", ErrInvalidSheetURL, url)
	}
	return matches[1], nil
}

// SpreadsheetID returns the id of the target spreadsheet.
func (s *Service) SpreadsheetID() string {
	return s.spreadsheetID
}

// ExportInvoices appends one row per invoice not yet in the worksheet.
func (s *Service) ExportInvoices(ctx context.Context, data []models.ProcessedInvoiceData, sheetName string) (ExportResult, error) {
	const op = "ExportInvoices"

	var result ExportResult
	s.log.Info().
		Str("sheet", sheetName).
		Int("invoices", len(data)).
		Msg("Exporting invoices to Google Sheet")

	if err := s.ensureSheetWithHeaders(ctx, sheetName); err != nil {
		return result, fmt.Errorf("%s: failed to ensure sheet exists: %w", op, err)
	}

	existing, err := s.exportedIDs(ctx, sheetName)
	if err != nil {
		return result, fmt.Errorf("%s: %w", op, err)
	}

	exportedAt := s.now().Format("2006-01-02 15:04:05")
	var values [][]interface{}
	for _, inv := range data {
		if _, ok := existing[inv.InvoiceID]; ok {
			result.Skipped++
			continue
		}
		existing[inv.InvoiceID] = struct{}{}
		values = append(values, rowValues(inv, exportedAt))
	}

	if len(values) == 0 {
		s.log.Info().Int("skipped", result.Skipped).Msg("Nothing new to export")
		return result, nil
	}

	_, err = s.sheetsService.Spreadsheets.Values.Append(
		s.spreadsheetID,
		sheetName+"!A:"+lastColumn,
		&sheets.ValueRange{Values: values},
	).ValueInputOption("USER_ENTERED").Context(ctx).Do()
	if err != nil {
		return result, fmt.Errorf("%s: failed to append values to sheet: %w", op, err)
	}

	result.Appended = len(values)
	s.log.Info().
		Int("rows_written", result.Appended).
		Int("skipped", result.Skipped).
		Msg("Successfully exported invoices to Google Sheet")
	return result, nil
}

// exportedIDs reads the invoice ids already in column A.
func (s *Service) exportedIDs(ctx context.Context, sheetName string) (map[int64]struct{}, error) {
	values, err := s.ReadRange(ctx, sheetName+"!A2:A")
	if err != nil {
		return nil, err
	}

	ids := make(map[int64]struct{}, len(values))
	for _, row := range values {
		if len(row) == 0 {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(fmt.Sprint(row[0])), 10, 64)
		if err != nil {
			continue
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

// rowValues converts one invoice to cells A..K.
func rowValues(inv models.ProcessedInvoiceData, exportedAt string) []interface{} {
	companyID := ""
	if inv.CompanyID != nil {
		companyID = strconv.FormatInt(*inv.CompanyID, 10)
	}

	var adNumbers []string
	for _, item := range inv.Items {
		adNumbers = append(adNumbers, item.AdvertisingNumbers...)
	}

	return []interface{}{
		inv.InvoiceID,
		inv.InvoiceNumber,
		inv.Date,
		inv.BillTo,
		normalizeCurrency(inv.Currency),
		inv.AmountTotal.InexactFloat64(),
		inv.PaymentTerms,
		len(inv.Items),
		strings.Join(adNumbers, ", "),
		companyID,
		exportedAt,
	}
}

// ensureSheetWithHeaders creates the worksheet and header row when missing.
func (s *Service) ensureSheetWithHeaders(ctx context.Context, sheetName string) error {
	const op = "ensureSheetWithHeaders"

	spreadsheet, err := s.sheetsService.Spreadsheets.Get(s.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get spreadsheet: %w", op, err)
	}

	var sheetExists bool
	var sheetID int64
	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == sheetName {
			sheetExists = true
			sheetID = sheet.Properties.SheetId
			break
		}
	}

	if !sheetExists {
		s.log.Info().Str("sheet", sheetName).Msg("Creating new sheet")

		req := &sheets.BatchUpdateSpreadsheetRequest{
			Requests: []*sheets.Request{
				{AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: sheetName}}},
			},
		}
		resp, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("%s: failed to create sheet: %w", op, err)
		}
		if len(resp.Replies) > 0 && resp.Replies[0].AddSheet != nil {
			sheetID = resp.Replies[0].AddSheet.Properties.SheetId
		}
	}

	headerRange := fmt.Sprintf("%s!A1:%s1", sheetName, lastColumn)
	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, headerRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to get headers: %w", op, err)
	}
	if len(resp.Values) > 0 && len(resp.Values[0]) > 0 {
		return nil
	}

	s.log.Info().Str("sheet", sheetName).Msg("Adding headers to sheet")
	_, err = s.sheetsService.Spreadsheets.Values.Update(
		s.spreadsheetID,
		headerRange,
		&sheets.ValueRange{Values: [][]interface{}{Header}},
	).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("%s: failed to add headers: %w", op, err)
	}

	if err := s.formatHeaders(ctx, sheetID); err != nil {
		s.log.Warn().Err(err).Msg("Failed to format headers, continuing anyway")
	}
	return nil
}

// formatHeaders makes the header row bold and resizes the columns.
func (s *Service) formatHeaders(ctx context.Context, sheetID int64) error {
	const op = "formatHeaders"

	columns := int64(len(Header))
	requests := []*sheets.Request{
		{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          sheetID,
					StartRowIndex:    0,
					EndRowIndex:      1,
					StartColumnIndex: 0,
					EndColumnIndex:   columns,
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{
						TextFormat:      &sheets.TextFormat{Bold: true},
						BackgroundColor: &sheets.Color{Red: 0.9, Green: 0.9, Blue: 0.9},
					},
				},
				Fields: "userEnteredFormat(textFormat,backgroundColor)",
			},
		},
		{
			AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
				Dimensions: &sheets.DimensionRange{
					SheetId:    sheetID,
					Dimension:  "COLUMNS",
					StartIndex: 0,
					EndIndex:   columns,
				},
			},
		},
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{Requests: requests}
	if _, err := s.sheetsService.Spreadsheets.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("%s: failed to format headers: %w", op, err)
	}
	return nil
}

// normalizeCurrency maps symbols and spelled-out names to ISO codes. Unknown
// values are returned upper-cased.
func normalizeCurrency(currency string) string {
	normalized := strings.ToUpper(strings.TrimSpace(currency))

	switch normalized {
	case "€", "EURO", "EUROS":
		return "EUR"
	case "$", "US$", "DOLLAR", "DOLLARS", "DÓLARES":
		return "USD"
	case "MX$", "PESO", "PESOS":
		return "MXN"
	case "£", "POUND", "POUNDS":
		return "GBP"
	default:
		return normalized
	}
}

// ReadRange reads values from a range such as "Invoices!A2:A".
func (s *Service) ReadRange(ctx context.Context, rangeSpec string) ([][]interface{}, error) {
	const op = "ReadRange"

	s.log.Debug().Str("range", rangeSpec).Msg("Reading range from spreadsheet")

	resp, err := s.sheetsService.Spreadsheets.Values.Get(s.spreadsheetID, rangeSpec).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("%s: failed to read range %s: %w", op, rangeSpec, err)
	}

	s.log.Debug().
		Int("rows", len(resp.Values)).
		Str("range", rangeSpec).
		Msg("Successfully read range from spreadsheet")
	return resp.Values, nil
}
