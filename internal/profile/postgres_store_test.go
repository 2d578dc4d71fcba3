package profile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanujathanu123/finsight/internal/anomaly"
	"github.com/thanujathanu123/finsight/internal/testutil"
)

func trainedForest(t *testing.T) *anomaly.Forest {
	t.Helper()
	vectors := make([][]float64, 60)
	for i := range vectors {
		vectors[i] = []float64{float64(i % 7), float64(i % 11)}
	}
	f, err := anomaly.Train(vectors, 0.1, anomaly.Options{})
	require.NoError(t, err)
	return f
}

func TestPostgresProfileRoundTrip(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))
	ctx := context.Background()

	prof := New("sub-pg-1", Defaults{
		Contamination:     0.10,
		WeightAnomaly:     0.5,
		AmountMultiplier:  3.0,
		OffHoursStart:     22,
		OffHoursEnd:       6,
		RapidRepeatCount:  5,
		RapidRepeatWindow: 24 * time.Hour,
	})
	prof.Version = 2
	prof.Vocabulary = []string{"dining", "income"}
	prof.Means = []float64{1.5, 2.5}
	prof.Scales = []float64{0.5, 1.0}
	prof.Model = trainedForest(t)
	prof.MeanAbsAmount = 123.45
	prof.TrainedAt = time.Now().UTC().Truncate(time.Second)
	prof.TrainedSamples = 60
	prof.NewSinceTrain = 3

	require.NoError(t, store.Save(ctx, prof))

	got, err := store.Get(ctx, "sub-pg-1")
	require.NoError(t, err)

	assert.Equal(t, 2, got.Version)
	assert.Equal(t, prof.Vocabulary, got.Vocabulary)
	assert.Equal(t, prof.Means, got.Means)
	assert.Equal(t, prof.Scales, got.Scales)
	assert.Equal(t, 123.45, got.MeanAbsAmount)
	assert.Equal(t, 60, got.TrainedSamples)
	assert.Equal(t, 3, got.NewSinceTrain)
	assert.True(t, got.Trained(), "model must survive the JSONB round trip")

	// The restored model scores identically to the one that was saved.
	probe := []float64{3, 5}
	assert.Equal(t, prof.Model.Score(probe), got.Model.Score(probe))
}

func TestPostgresProfileUpsert(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))
	ctx := context.Background()

	prof := New("sub-pg-2", Defaults{Contamination: 0.1, WeightAnomaly: 0.5})
	require.NoError(t, store.Save(ctx, prof))

	prof.Version = 2
	prof.NewSinceTrain = 7
	require.NoError(t, store.Save(ctx, prof))

	got, err := store.Get(ctx, "sub-pg-2")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 7, got.NewSinceTrain)
}

func TestPostgresProfileUntrainedHasNullTrainedAt(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, New("sub-pg-3", Defaults{Contamination: 0.1})))

	got, err := store.Get(ctx, "sub-pg-3")
	require.NoError(t, err)
	assert.True(t, got.TrainedAt.IsZero())
	assert.False(t, got.Trained())
}

func TestPostgresProfileNotFound(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))

	_, err := store.Get(context.Background(), "sub-pg-nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresProfileListStale(t *testing.T) {
	store := NewPostgresStore(testutil.PostgresDB(t))
	ctx := context.Background()

	fresh := New("sub-pg-fresh", Defaults{Contamination: 0.1})
	fresh.NewSinceTrain = 2
	stale := New("sub-pg-stale", Defaults{Contamination: 0.1})
	stale.NewSinceTrain = 10

	require.NoError(t, store.Save(ctx, fresh))
	require.NoError(t, store.Save(ctx, stale))

	subjects, err := store.ListStale(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub-pg-stale"}, subjects)
}
