// Package parser converts tabular invoice input into typed records.
// Parsing is pure and synchronous: malformed rows are logged and skipped,
// and only an unreadable input fails the whole batch.
package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Column layout of an invoice sheet. The first row is a header and is skipped.
const (
	colInvoiceNumber = iota
	colVendor
	colVendorCode
	colService
	colDate
	colAmount
	colNote
)

// requiredColumns is the minimum field count for a data row; the note column
// is optional.
const requiredColumns = colAmount + 1

// dateFormats are the accepted date layouts, tried in order. The first
// successful parse wins.
var dateFormats = []string{
	"01/02/2006", // MM/dd/yyyy
	"2006-01-02", // yyyy-MM-dd
	"02/01/2006", // dd/MM/yyyy
	"1/2/2006",   // M/d/yyyy
}

// amountJunk matches everything that is not a digit, dot or minus sign.
var amountJunk = regexp.MustCompile(`[^0-9.\-]`)

// Result holds the parsed records plus rejection accounting. RowsSeen counts
// data rows only, header excluded; RowsSeen - len(Records) == RowsRejected.
type Result struct {
	Records      []*domain.InvoiceRecord
	RowsSeen     int
	RowsRejected int
}

// ParseCSV reads a CSV document and parses its rows. Rows are read one at a
// time, so a row with malformed quoting is rejected on its own like any other
// bad row. It fails only when the input itself cannot be read, including a
// header that never parses.
func ParseCSV(r io.Reader) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	result := &Result{}
	headerSeen := false
	row := 0
	for {
		fields, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++

		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			if !headerSeen {
				return nil, fmt.Errorf("failed to read csv input: %w", err)
			}
			slog.Warn("invoice row rejected",
				"row", row,
				"error", err,
			)
			result.RowsSeen++
			result.RowsRejected++
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv input: %w", err)
		}

		if !headerSeen {
			headerSeen = true
			continue
		}

		result.RowsSeen++
		rec, err := parseRow(fields)
		if err != nil {
			slog.Warn("invoice row rejected",
				"row", row,
				"error", err,
			)
			result.RowsRejected++
			continue
		}
		result.Records = append(result.Records, rec)
	}

	return result, nil
}

// ParseRows parses pre-split rows. The first row is treated as a header.
func ParseRows(rows [][]string) *Result {
	result := &Result{}
	if len(rows) <= 1 {
		return result
	}

	for i, row := range rows[1:] {
		result.RowsSeen++
		rec, err := parseRow(row)
		if err != nil {
			slog.Warn("invoice row rejected",
				"row", i+2, // 1-based, counting the header
				"error", err,
			)
			result.RowsRejected++
			continue
		}
		result.Records = append(result.Records, rec)
	}

	return result
}

func parseRow(row []string) (*domain.InvoiceRecord, error) {
	if len(row) < requiredColumns {
		return nil, fmt.Errorf("expected at least %d fields, got %d", requiredColumns, len(row))
	}

	field := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}

	rec := &domain.InvoiceRecord{
		InvoiceNumber: field(colInvoiceNumber),
		Vendor:        field(colVendor),
		VendorCode:    field(colVendorCode),
		Service:       field(colService),
		Note:          field(colNote),
	}

	switch {
	case rec.InvoiceNumber == "":
		return nil, errors.New("missing invoice number")
	case rec.Vendor == "":
		return nil, errors.New("missing vendor")
	case rec.VendorCode == "":
		return nil, errors.New("missing vendor code")
	case rec.Service == "":
		return nil, errors.New("missing service")
	}

	date, err := parseDate(field(colDate))
	if err != nil {
		return nil, err
	}
	rec.Date = date

	amount, err := parseAmount(field(colAmount))
	if err != nil {
		return nil, err
	}
	rec.Amount = amount

	return rec, nil
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("missing date")
	}
	for _, layout := range dateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}

// parseAmount accepts a plain number or a formatted string ("$1,234.50");
// everything except digits, dot and minus is stripped before conversion.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Decimal{}, errors.New("missing amount")
	}
	cleaned := amountJunk.ReplaceAllString(s, "")
	amount, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unparseable amount %q", s)
	}
	if amount.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("amount must be positive, got %s", amount)
	}
	return amount, nil
}
