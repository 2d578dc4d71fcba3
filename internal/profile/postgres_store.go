package profile

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresStore implements Store with PostgreSQL. Normalization statistics,
// vocabulary, and the serialized model live in a JSONB parameters column;
// the columns queried by sweeps stay relational.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, subjectID string) (*Profile, error) {
	var params []byte
	var p Profile
	var trainedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT subject_id, version, parameters, new_since_train, trained_at, created_at, updated_at
		FROM risk_profiles WHERE subject_id = $1
	`, subjectID).Scan(&p.SubjectID, &p.Version, &params, &p.NewSinceTrain, &trainedAt, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	// The JSONB payload carries the full profile; relational columns win for
	// the fields read by sweeps.
	var full Profile
	if err := json.Unmarshal(params, &full); err != nil {
		return nil, fmt.Errorf("corrupt profile parameters for %s: %w", subjectID, err)
	}
	full.SubjectID = p.SubjectID
	full.Version = p.Version
	full.NewSinceTrain = p.NewSinceTrain
	if trainedAt.Valid {
		full.TrainedAt = trainedAt.Time
	}
	full.CreatedAt = p.CreatedAt
	full.UpdatedAt = p.UpdatedAt
	return &full, nil
}

func (s *PostgresStore) Save(ctx context.Context, p *Profile) error {
	params, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (subject_id, version, parameters, new_since_train, trained_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (subject_id) DO UPDATE SET
			version = EXCLUDED.version,
			parameters = EXCLUDED.parameters,
			new_since_train = EXCLUDED.new_since_train,
			trained_at = EXCLUDED.trained_at,
			updated_at = NOW()
	`, p.SubjectID, p.Version, params, p.NewSinceTrain, nullableTime(p.TrainedAt), p.CreatedAt)
	return err
}

func (s *PostgresStore) ListStale(ctx context.Context, batchSize int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id FROM risk_profiles WHERE new_since_train >= $1
		ORDER BY subject_id
	`, batchSize)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var subjects []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		subjects = append(subjects, id)
	}
	return subjects, rows.Err()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
