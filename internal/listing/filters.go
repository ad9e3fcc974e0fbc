package listing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"invoicedesk/pkg/models"
)

// Sortable columns of the invoice history.
const (
	SortByID        = "id"
	SortByFilename  = "filename"
	SortByStatus    = "status"
	SortByCreatedAt = "created_at"
)

// Sort directions.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// MaxPageSize is the largest page the controller asks for.
const MaxPageSize = 100

var validate = validator.New()

// Filters is the complete set of user-controlled list parameters. Zero
// values mean "leave as is" for SortBy, SortOrder and PageSize; Statuses and
// Search always replace the current values.
type Filters struct {
	Statuses  []models.InvoiceStatus `validate:"dive,oneof=pending_processing processing waiting_validation processed failed rejected duplicated"`
	Search    string                 `validate:"max=200"`
	SortBy    string                 `validate:"omitempty,oneof=id filename status created_at"`
	SortOrder string                 `validate:"omitempty,oneof=asc desc"`
	PageSize  int                    `validate:"omitempty,min=1,max=100"`
}

// Validate checks f against the supported value domains.
func (f Filters) Validate() error {
	return validateStruct("Filters", f)
}

type statusFilter struct {
	Statuses []models.InvoiceStatus `validate:"dive,oneof=pending_processing processing waiting_validation processed failed rejected duplicated"`
}

type sortFilter struct {
	SortBy string `validate:"required,oneof=id filename status created_at"`
}

type pageSizeFilter struct {
	PageSize int `validate:"min=1,max=100"`
}

func validateStruct(op string, v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("listing: %s: %w", op, err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &FilterError{Op: op, Fields: fields}
}

func formatFields(fields map[string]string) string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, name+" ("+fields[name]+")")
	}
	return strings.Join(parts, ", ")
}
