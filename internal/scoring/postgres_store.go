package scoring

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore implements Store with PostgreSQL. Score immutability is
// enforced at the database with ON CONFLICT DO NOTHING on the transaction
// primary key.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed score store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, sc *RiskScore) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_scores (transaction_id, subject_id, anomaly_component, rule_component, fused, profile_version, degraded, reasons, scored_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (transaction_id) DO NOTHING
	`, sc.TransactionID, sc.SubjectID, sc.Anomaly, sc.Rule, sc.Fused, sc.ProfileVersion, sc.Degraded, pq.Array(sc.Reasons), sc.ScoredAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) GetByTransaction(ctx context.Context, transactionID string) (*RiskScore, error) {
	sc := &RiskScore{}
	var reasons pq.StringArray
	err := s.db.QueryRowContext(ctx, `
		SELECT transaction_id, subject_id, anomaly_component, rule_component, fused, profile_version, degraded, reasons, scored_at
		FROM risk_scores WHERE transaction_id = $1
	`, transactionID).Scan(&sc.TransactionID, &sc.SubjectID, &sc.Anomaly, &sc.Rule, &sc.Fused, &sc.ProfileVersion, &sc.Degraded, &reasons, &sc.ScoredAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sc.Reasons = []string(reasons)
	return sc, nil
}

func (s *PostgresStore) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*RiskScore, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT transaction_id, subject_id, anomaly_component, rule_component, fused, profile_version, degraded, reasons, scored_at
		FROM risk_scores WHERE subject_id = $1
		ORDER BY scored_at DESC, transaction_id ASC
		LIMIT $2
	`, subjectID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*RiskScore
	for rows.Next() {
		sc := &RiskScore{}
		var reasons pq.StringArray
		if err := rows.Scan(&sc.TransactionID, &sc.SubjectID, &sc.Anomaly, &sc.Rule, &sc.Fused, &sc.ProfileVersion, &sc.Degraded, &reasons, &sc.ScoredAt); err != nil {
			return nil, err
		}
		sc.Reasons = []string(reasons)
		out = append(out, sc)
	}
	return out, rows.Err()
}
