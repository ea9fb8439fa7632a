package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/nimasrn/mass-mailer/internal/model"
	pkgerrors "github.com/pkg/errors"
)

const (
	columnEmail = "email"
	columnName  = "name"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Row is one data row of an upload. Line is the 1-based data row number,
// the header excluded.
type Row struct {
	Line     int
	Email    string
	Name     string
	Metadata map[string]string
}

type RowError struct {
	Row    int    `json:"row"`
	Email  string `json:"email,omitempty"`
	Reason string `json:"reason"`
}

type Report struct {
	RecipientsAdded int        `json:"recipients_added"`
	TotalErrors     int        `json:"total_errors"`
	Errors          []RowError `json:"errors"`
}

// AddFunc persists one recipient. ErrValidation and ErrDuplicate are
// reported against the row, any other error aborts the import.
type AddFunc func(ctx context.Context, req model.RecipientCreateRequest) error

// Parse reads the whole upload before anything is stored, so a file without a
// usable header is rejected without partial effects. The header is matched
// case-insensitively; an email column is required, name is optional and
// every other named column becomes recipient metadata. Quotes are read
// leniently: a stray quote stays in its field and the row is judged by
// recipient validation like any other.
func Parse(r io.Reader) ([]Row, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, model.Formatf("read upload: %v", err)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)

	cr := csv.NewReader(bytes.NewReader(raw))
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true
	cr.ReuseRecord = false

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, model.Formatf("file is empty, a header row is required")
	}
	if err != nil {
		return nil, model.Formatf("unparseable header: %v", err)
	}

	columns := make([]string, len(header))
	emailIdx, nameIdx := -1, -1
	for i, h := range header {
		col := strings.ToLower(strings.TrimSpace(h))
		columns[i] = col
		switch {
		case col == columnEmail && emailIdx < 0:
			emailIdx = i
		case col == columnName && nameIdx < 0:
			nameIdx = i
		}
	}
	if emailIdx < 0 {
		return nil, model.Formatf("header has no %q column", columnEmail)
	}

	var rows []Row
	for line := 1; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, model.Formatf("unparseable data row %d: %v", line, err)
		}
		if blank(record) {
			line--
			continue
		}

		row := Row{Line: line, Email: field(record, emailIdx), Name: field(record, nameIdx)}
		for i, col := range columns {
			if i == emailIdx || i == nameIdx || col == "" {
				continue
			}
			if v := field(record, i); v != "" {
				if row.Metadata == nil {
					row.Metadata = make(map[string]string)
				}
				row.Metadata[col] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Import parses the upload and adds every row through add, collecting
// per-row failures instead of stopping at the first one.
func Import(ctx context.Context, r io.Reader, add AddFunc) (*Report, error) {
	rows, err := Parse(r)
	if err != nil {
		return nil, err
	}

	report := &Report{Errors: []RowError{}}
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if row.Email == "" {
			report.reject(row, "missing email")
			continue
		}

		err := add(ctx, model.RecipientCreateRequest{
			Email:    row.Email,
			Name:     row.Name,
			Metadata: row.Metadata,
		})
		switch {
		case err == nil:
			report.RecipientsAdded++
		case errors.Is(err, model.ErrDuplicate):
			report.reject(row, "duplicate email")
		case errors.Is(err, model.ErrValidation):
			report.reject(row, strings.TrimPrefix(err.Error(), model.ErrValidation.Error()+": "))
		default:
			return nil, pkgerrors.Wrapf(err, "import row %d", row.Line)
		}
	}
	return report, nil
}

func (r *Report) reject(row Row, reason string) {
	r.Errors = append(r.Errors, RowError{Row: row.Line, Email: row.Email, Reason: reason})
	r.TotalErrors++
}

func field(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

func blank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
