package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

// dateFormats are tried in order when parsing the Date column.
var dateFormats = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04",
	"01/02/2006",
}

// header locates the required columns in a ledger file, case-insensitively.
type header struct {
	date, description, amount int
	category                  int // -1 when absent
}

// ReadLedger parses a CSV ledger into accepted records and rejected rows,
// preserving file order. A missing required column is a file-level error;
// malformed individual rows go to the rejection list.
func ReadLedger(r io.Reader, subjectID string) (*Result, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // validate per row, not per file
	reader.TrimLeadingSpace = true

	head, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("ledger file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols, err := locateColumns(head)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			result.Rejected = append(result.Rejected, RejectedRow{
				Line:   line,
				Reason: fmt.Sprintf("unreadable row: %v", err),
			})
			continue
		}

		tx, reason := parseRow(record, cols, subjectID, line)
		if reason != "" {
			result.Rejected = append(result.Rejected, RejectedRow{
				Line:   line,
				Reason: reason,
				Raw:    strings.Join(record, ","),
			})
			continue
		}
		result.Accepted = append(result.Accepted, tx)
	}

	return result, nil
}

// locateColumns maps column names to indices, case-insensitively.
func locateColumns(head []string) (header, error) {
	cols := header{date: -1, description: -1, amount: -1, category: -1}
	for i, name := range head {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "date":
			cols.date = i
		case "description":
			cols.description = i
		case "amount":
			cols.amount = i
		case "category":
			cols.category = i
		}
	}

	var missing []string
	if cols.date < 0 {
		missing = append(missing, "date")
	}
	if cols.description < 0 {
		missing = append(missing, "description")
	}
	if cols.amount < 0 {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return cols, fmt.Errorf("missing required columns: %s", strings.Join(missing, ", "))
	}
	return cols, nil
}

// parseRow validates a single row. Returns the record, or a rejection reason.
func parseRow(record []string, cols header, subjectID string, line int) (TransactionRecord, string) {
	maxIdx := cols.date
	if cols.description > maxIdx {
		maxIdx = cols.description
	}
	if cols.amount > maxIdx {
		maxIdx = cols.amount
	}
	if len(record) <= maxIdx {
		return TransactionRecord{}, fmt.Sprintf("expected at least %d fields, got %d", maxIdx+1, len(record))
	}

	ts, err := parseDate(record[cols.date])
	if err != nil {
		return TransactionRecord{}, fmt.Sprintf("invalid date %q", record[cols.date])
	}

	amount, err := strconv.ParseFloat(strings.TrimSpace(record[cols.amount]), 64)
	if err != nil || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return TransactionRecord{}, fmt.Sprintf("invalid amount %q", record[cols.amount])
	}

	category := CategoryOther
	if cols.category >= 0 && cols.category < len(record) {
		if c := strings.ToLower(strings.TrimSpace(record[cols.category])); c != "" {
			category = c
		}
	}

	description := strings.TrimSpace(record[cols.description])

	return TransactionRecord{
		ID:          Reference(subjectID, ts, amount, description, line),
		SubjectID:   subjectID,
		Timestamp:   ts,
		Amount:      amount,
		Description: description,
		Category:    category,
		Line:        line,
	}, ""
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateFormats {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format %q", s)
}
