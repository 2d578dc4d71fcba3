package ingest

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLedgerHappyPath(t *testing.T) {
	ledger := `Date,Description,Amount,Category
2024-03-01 09:15:00,coffee shop,-4.50,dining
2024-03-01 12:00:00,salary,2500.00,income
2024-03-02,rent,-1200.00,housing
`
	res, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.NoError(t, err)
	require.Len(t, res.Accepted, 3)
	assert.Empty(t, res.Rejected)

	first := res.Accepted[0]
	assert.Equal(t, "sub-1", first.SubjectID)
	assert.Equal(t, -4.50, first.Amount)
	assert.Equal(t, "coffee shop", first.Description)
	assert.Equal(t, "dining", first.Category)
	assert.Equal(t, 2, first.Line)
	assert.True(t, strings.HasPrefix(first.ID, "txn_"))
}

func TestReadLedgerRejectsBadRowsKeepsRest(t *testing.T) {
	ledger := `Date,Description,Amount
2024-03-01,ok row,10.00
not-a-date,bad date,5.00
2024-03-02,bad amount,abc
2024-03-03,nan amount,NaN
2024-03-04,another ok row,-20.00
`
	res, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 2)
	require.Len(t, res.Rejected, 3)

	assert.Equal(t, 3, res.Rejected[0].Line)
	assert.Contains(t, res.Rejected[0].Reason, "invalid date")
	assert.Contains(t, res.Rejected[1].Reason, "invalid amount")
	assert.Contains(t, res.Rejected[2].Reason, "invalid amount")
}

func TestReadLedgerMissingColumnIsFileLevelError(t *testing.T) {
	ledger := `Date,Amount
2024-03-01,10.00
`
	_, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "description")
}

func TestReadLedgerEmptyFile(t *testing.T) {
	_, err := ReadLedger(strings.NewReader(""), "sub-1")
	require.Error(t, err)
}

func TestReadLedgerHeaderCaseInsensitive(t *testing.T) {
	ledger := `DATE,description,AMOUNT
2024-03-01,row,1.00
`
	res, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 1)
}

func TestReadLedgerMissingCategoryDefaultsToOther(t *testing.T) {
	ledger := `Date,Description,Amount
2024-03-01,row,1.00
`
	res, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, CategoryOther, res.Accepted[0].Category)
}

func TestReadLedgerDateFormats(t *testing.T) {
	ledger := `Date,Description,Amount
2024-03-01T09:00:00Z,rfc3339,1.00
2024-03-01 09:00:00,datetime,1.00
2024-03-01,date only,1.00
03/01/2024 09:00,us datetime,1.00
03/01/2024,us date,1.00
`
	res, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.NoError(t, err)
	assert.Len(t, res.Accepted, 5)
	assert.Empty(t, res.Rejected)
}

func TestReferenceDeterministic(t *testing.T) {
	ts := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	a := Reference("sub-1", ts, 10.5, "coffee", 2)
	b := Reference("sub-1", ts, 10.5, "coffee", 2)
	assert.Equal(t, a, b)

	assert.NotEqual(t, a, Reference("sub-2", ts, 10.5, "coffee", 2))
	assert.NotEqual(t, a, Reference("sub-1", ts, 10.6, "coffee", 2))
	assert.NotEqual(t, a, Reference("sub-1", ts, 10.5, "coffee", 3))
}

func TestReadLedgerReplayProducesSameIDs(t *testing.T) {
	ledger := `Date,Description,Amount
2024-03-01,row one,10.00
2024-03-02,row two,20.00
`
	first, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.NoError(t, err)
	second, err := ReadLedger(strings.NewReader(ledger), "sub-1")
	require.NoError(t, err)

	require.Len(t, second.Accepted, len(first.Accepted))
	for i := range first.Accepted {
		assert.Equal(t, first.Accepted[i].ID, second.Accepted[i].ID)
	}
}
