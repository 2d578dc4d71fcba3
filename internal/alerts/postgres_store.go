package alerts

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Per-transaction dedup is
// enforced by a unique index on transaction_id.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed alert store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const alertColumns = `id, transaction_id, subject_id, score, severity, reasons, status, reviewer_id, excluded_reviewer_id, notes, false_positive, resolved_at, created_at, updated_at`

func scanAlert(row interface{ Scan(...interface{}) error }) (*Alert, error) {
	a := &Alert{}
	var reasons pq.StringArray
	var reviewer, excluded, notes sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&a.ID, &a.TransactionID, &a.SubjectID, &a.Score, &a.Severity, &reasons,
		&a.Status, &reviewer, &excluded, &notes, &a.FalsePositive, &resolvedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Reasons = []string(reasons)
	a.ReviewerID = reviewer.String
	a.ExcludedReviewerID = excluded.String
	a.Notes = notes.String
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	return a, nil
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, a *Alert) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, transaction_id, subject_id, score, severity, reasons, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (transaction_id) DO NOTHING
	`, a.ID, a.TransactionID, a.SubjectID, a.Score, a.Severity, pq.Array(a.Reasons), a.Status, a.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Alert, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id)
	a, err := scanAlert(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Alert, error) {
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.SubjectID != "" {
		add("subject_id = $%d", f.SubjectID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.ReviewerID != "" {
		add("reviewer_id = $%d", f.ReviewerID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectAlerts(rows)
}

func (s *PostgresStore) ListOpenUnassigned(ctx context.Context) ([]*Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts
		WHERE status = $1 AND reviewer_id IS NULL
		ORDER BY created_at ASC, id ASC
	`, StatusPending)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectAlerts(rows)
}

func collectAlerts(rows *sql.Rows) ([]*Alert, error) {
	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) OpenCountsByReviewer(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reviewer_id, COUNT(*) FROM alerts
		WHERE status IN ($1, $2) AND reviewer_id IS NOT NULL
		GROUP BY reviewer_id
	`, StatusPending, StatusInReview)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, a *Alert) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET
			status = $2,
			reviewer_id = NULLIF($3, ''),
			excluded_reviewer_id = NULLIF($4, ''),
			notes = $5,
			false_positive = $6,
			resolved_at = $7,
			updated_at = NOW()
		WHERE id = $1
	`, a.ID, a.Status, a.ReviewerID, a.ExcludedReviewerID, a.Notes, a.FalsePositive, a.ResolvedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE status = $1 AND resolved_at < $2
	`, StatusResolved, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PostgresPool reads the reviewer pool from the reviewers table.
type PostgresPool struct {
	db *sql.DB
}

// NewPostgresPool creates a database-backed reviewer pool.
func NewPostgresPool(db *sql.DB) *PostgresPool {
	return &PostgresPool{db: db}
}

func (p *PostgresPool) ListActive(ctx context.Context) ([]Reviewer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, active, created_at FROM reviewers
		WHERE active ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Reviewer
	for rows.Next() {
		var r Reviewer
		if err := rows.Scan(&r.ID, &r.Name, &r.Active, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
