// Package ingest parses raw ledger files into canonical transaction records.
//
// A ledger is delimited tabular text with columns Date, Description, Amount
// and an optional Category. Rows that fail validation are collected into a
// rejection list with a reason; they are never silently dropped and never
// abort the rest of the ledger.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// CategoryOther is assigned when a row has no category column or an empty value.
const CategoryOther = "other"

// TransactionRecord is a validated ledger row. Immutable once created.
type TransactionRecord struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subjectId"`
	Timestamp   time.Time `json:"timestamp"`
	Amount      float64   `json:"amount"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	Line        int       `json:"line"` // 1-based line number in the source file
}

// RejectedRow records a ledger row that failed validation.
type RejectedRow struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Raw    string `json:"raw"`
}

// Result is the outcome of parsing one ledger: the accepted records in file
// order plus the rejected rows with reasons.
type Result struct {
	Accepted []TransactionRecord `json:"accepted"`
	Rejected []RejectedRow       `json:"rejected"`
}

// Reference derives the deterministic transaction ID from row content.
// Reprocessing the same ledger yields the same IDs, which is what makes
// score writes and alert creation idempotent under retry.
func Reference(subjectID string, ts time.Time, amount float64, description string, line int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d",
		subjectID,
		ts.UTC().Format(time.RFC3339Nano),
		strconv.FormatFloat(amount, 'g', -1, 64),
		description,
		line,
	)
	return "txn_" + hex.EncodeToString(h.Sum(nil))[:24]
}

// Store persists accepted transaction records and serves per-subject history.
type Store interface {
	// CreateIfAbsent inserts the record unless one with the same ID exists.
	// Returns true when a new record was written.
	CreateIfAbsent(ctx context.Context, tx *TransactionRecord) (bool, error)

	// ListBySubject returns the subject's records ordered by timestamp
	// ascending, ties broken by ID for deterministic replay.
	ListBySubject(ctx context.Context, subjectID string) ([]TransactionRecord, error)

	// CountBySubject returns the number of stored records for a subject.
	CountBySubject(ctx context.Context, subjectID string) (int, error)
}
