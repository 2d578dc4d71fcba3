package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanujathanu123/finsight/internal/testutil"
)

func pgRecord(subjectID string, ts time.Time, amount float64, desc string, line int) *TransactionRecord {
	return &TransactionRecord{
		ID:          Reference(subjectID, ts, amount, desc, line),
		SubjectID:   subjectID,
		Timestamp:   ts,
		Amount:      amount,
		Description: desc,
		Category:    CategoryOther,
		Line:        line,
	}
}

func TestPostgresTransactionsCreateIfAbsent(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))
	ctx := context.Background()
	ts := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

	rec := pgRecord("sub-pg-1", ts, 100, "groceries", 1)

	created, err := store.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	// Replaying the same row hits the primary key and writes nothing.
	created, err = store.CreateIfAbsent(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)

	count, err := store.CountBySubject(ctx, "sub-pg-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPostgresTransactionsListOrdered(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))
	ctx := context.Background()
	base := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

	// Insert out of timestamp order.
	for _, rec := range []*TransactionRecord{
		pgRecord("sub-pg-2", base.Add(2*time.Hour), 30, "third", 3),
		pgRecord("sub-pg-2", base, 10, "first", 1),
		pgRecord("sub-pg-2", base.Add(time.Hour), 20, "second", 2),
	} {
		_, err := store.CreateIfAbsent(ctx, rec)
		require.NoError(t, err)
	}

	out, err := store.ListBySubject(ctx, "sub-pg-2")
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "first", out[0].Description)
	assert.Equal(t, "second", out[1].Description)
	assert.Equal(t, "third", out[2].Description)
}

func TestPostgresTransactionsCountBySubject(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))
	ctx := context.Background()
	ts := time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

	_, err := store.CreateIfAbsent(ctx, pgRecord("sub-pg-3", ts, 1, "only row", 1))
	require.NoError(t, err)

	count, err := store.CountBySubject(ctx, "sub-pg-3")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.CountBySubject(ctx, "sub-pg-nobody")
	require.NoError(t, err)
	assert.Zero(t, count)
}
