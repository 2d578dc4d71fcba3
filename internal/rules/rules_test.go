package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thanujathanu123/finsight/internal/ingest"
	"github.com/thanujathanu123/finsight/internal/profile"
)

func testProfile() *profile.Profile {
	return &profile.Profile{
		SubjectID:         "sub-1",
		MeanAbsAmount:     100,
		AmountMultiplier:  3,
		OffHoursStart:     22,
		OffHoursEnd:       6,
		RapidRepeatCount:  3,
		RapidRepeatWindow: time.Hour,
	}
}

func txAt(ts time.Time, amount float64) ingest.TransactionRecord {
	return ingest.TransactionRecord{
		ID:        "txn_test",
		SubjectID: "sub-1",
		Timestamp: ts,
		Amount:    amount,
	}
}

func TestAmountMultiplierRule(t *testing.T) {
	r := &AmountMultiplierRule{}
	p := testProfile()
	noon := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

	assert.Nil(t, r.Evaluate(&Context{Tx: txAt(noon, 250), Profile: p}), "below 3x mean")
	assert.Nil(t, r.Evaluate(&Context{Tx: txAt(noon, 300), Profile: p}), "exactly at the limit")

	v := r.Evaluate(&Context{Tx: txAt(noon, -301), Profile: p})
	require.NotNil(t, v, "absolute value counts")
	assert.Equal(t, 0.5, v.Weight)
}

func TestAmountMultiplierInactiveWithoutTraining(t *testing.T) {
	p := testProfile()
	p.MeanAbsAmount = 0
	r := &AmountMultiplierRule{}
	assert.Nil(t, r.Evaluate(&Context{Tx: txAt(time.Now(), 1e9), Profile: p}))
}

func TestOffHoursRuleWrapsMidnight(t *testing.T) {
	r := &OffHoursRule{}
	p := testProfile()
	day := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		hour int
		fire bool
	}{
		{21, false},
		{22, true},
		{23, true},
		{0, true},
		{5, true},
		{6, false},
		{12, false},
	}
	for _, tc := range cases {
		v := r.Evaluate(&Context{Tx: txAt(day.Add(time.Duration(tc.hour)*time.Hour), 1), Profile: p})
		if tc.fire {
			assert.NotNil(t, v, "hour %d should fire", tc.hour)
		} else {
			assert.Nil(t, v, "hour %d should not fire", tc.hour)
		}
	}
}

func TestOffHoursRuleNonWrappingBand(t *testing.T) {
	r := &OffHoursRule{}
	p := testProfile()
	p.OffHoursStart, p.OffHoursEnd = 2, 5
	day := time.Date(2024, 3, 6, 0, 0, 0, 0, time.UTC)

	assert.NotNil(t, r.Evaluate(&Context{Tx: txAt(day.Add(3*time.Hour), 1), Profile: p}))
	assert.Nil(t, r.Evaluate(&Context{Tx: txAt(day.Add(6*time.Hour), 1), Profile: p}))
}

func TestRapidRepeatRule(t *testing.T) {
	r := &RapidRepeatRule{}
	p := testProfile()
	base := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

	history := []ingest.TransactionRecord{
		txAt(base.Add(-2*time.Hour), 1), // outside window
		txAt(base.Add(-40*time.Minute), 1),
		txAt(base.Add(-10*time.Minute), 1),
		txAt(base, 1),
	}
	v := r.Evaluate(&Context{Tx: txAt(base, 1), History: history, Profile: p})
	require.NotNil(t, v, "3 transactions in the hour, trigger included")
	assert.Equal(t, 0.35, v.Weight)

	assert.Nil(t, r.Evaluate(&Context{Tx: txAt(base, 1), History: history[2:], Profile: p}))
}

func TestRoundAmountRule(t *testing.T) {
	r := &RoundAmountRule{}
	p := testProfile()
	now := time.Now()

	assert.NotNil(t, r.Evaluate(&Context{Tx: txAt(now, 5000), Profile: p}))
	assert.NotNil(t, r.Evaluate(&Context{Tx: txAt(now, -1000), Profile: p}))
	assert.Nil(t, r.Evaluate(&Context{Tx: txAt(now, 500), Profile: p}), "below the step")
	assert.Nil(t, r.Evaluate(&Context{Tx: txAt(now, 5001), Profile: p}), "not round")
}

func TestEngineComponentClampedAndReasoned(t *testing.T) {
	e := NewEngine()
	p := testProfile()
	// 23:00 off-hours, huge round amount, rapid repeats: every rule fires.
	late := time.Date(2024, 3, 6, 23, 0, 0, 0, time.UTC)
	history := []ingest.TransactionRecord{
		txAt(late.Add(-30*time.Minute), 1),
		txAt(late.Add(-20*time.Minute), 1),
		txAt(late, 50000),
	}

	component, reasons := e.Component(&Context{Tx: txAt(late, 50000), History: history, Profile: p})
	assert.Equal(t, 1.0, component, "weight sum 1.35 clamps to 1")
	assert.Len(t, reasons, 4)
}

func TestEngineComponentQuietTransaction(t *testing.T) {
	e := NewEngine()
	p := testProfile()
	noon := time.Date(2024, 3, 6, 12, 0, 0, 0, time.UTC)

	component, reasons := e.Component(&Context{Tx: txAt(noon, 50), History: []ingest.TransactionRecord{txAt(noon, 50)}, Profile: p})
	assert.Equal(t, 0.0, component)
	assert.Empty(t, reasons)
}
