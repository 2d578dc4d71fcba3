package ingest

import (
	"context"
	"database/sql"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, tx *TransactionRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, subject_id, ts, amount, description, category, line)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, tx.ID, tx.SubjectID, tx.Timestamp, tx.Amount, tx.Description, tx.Category, tx.Line)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID string) ([]TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, ts, amount, description, category, line
		FROM transactions WHERE subject_id = $1
		ORDER BY ts ASC, id ASC
	`, subjectID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []TransactionRecord
	for rows.Next() {
		var tx TransactionRecord
		if err := rows.Scan(&tx.ID, &tx.SubjectID, &tx.Timestamp, &tx.Amount, &tx.Description, &tx.Category, &tx.Line); err != nil {
			return nil, err
		}
		result = append(result, tx)
	}
	return result, rows.Err()
}

func (s *PostgresStore) CountBySubject(ctx context.Context, subjectID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM transactions WHERE subject_id = $1
	`, subjectID).Scan(&count)
	return count, err
}
