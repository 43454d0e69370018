package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
)

var day0 = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestBatchTracker_ConsumesOldestFirst(t *testing.T) {
	tr := NewBatchTracker(id.New(), nil, fixedClock(day0))

	first, err := tr.Open(dec("10"), day0.AddDate(0, 0, -2), 28, dec("1"))
	require.NoError(t, err)
	second, err := tr.Open(dec("10"), day0.AddDate(0, 0, -1), 28, dec("1"))
	require.NoError(t, err)

	consumed, err := tr.Consume(dec("15"))
	require.NoError(t, err)
	require.Len(t, consumed, 2)
	assert.Equal(t, first.ID, consumed[0].BatchID)
	assertDecimal(t, "10", consumed[0].Quantity)
	assert.Equal(t, second.ID, consumed[1].BatchID)
	assertDecimal(t, "5", consumed[1].Quantity)

	open := tr.OpenBatches()
	require.Len(t, open, 1)
	assert.Equal(t, second.ID, open[0].ID)
	assertDecimal(t, "5", open[0].CurrentQuantity)
	assertDecimal(t, "5", tr.TotalAvailable())
}

func TestBatchTracker_OrdersByProductionDateNotArrival(t *testing.T) {
	tr := NewBatchTracker(id.New(), nil, fixedClock(day0))

	late, err := tr.Open(dec("4"), day0, 28, decimal.Zero)
	require.NoError(t, err)
	early, err := tr.Open(dec("4"), day0.AddDate(0, 0, -5), 28, decimal.Zero)
	require.NoError(t, err)

	consumed, err := tr.Consume(dec("4"))
	require.NoError(t, err)
	require.Len(t, consumed, 1)
	assert.Equal(t, early.ID, consumed[0].BatchID)
	assert.Greater(t, early.Sequence, late.Sequence)
}

func TestBatchTracker_ConsumeIsAllOrNothing(t *testing.T) {
	tr := NewBatchTracker(id.New(), nil, fixedClock(day0))
	_, err := tr.Open(dec("10"), day0, 5, decimal.Zero)
	require.NoError(t, err)
	_, err = tr.Open(dec("10"), day0, 5, decimal.Zero)
	require.NoError(t, err)

	_, err = tr.Consume(dec("25"))
	require.Error(t, err)
	assert.True(t, apperror.IsInsufficientStock(err))

	assertDecimal(t, "20", tr.TotalAvailable())
	for _, b := range tr.OpenBatches() {
		assertDecimal(t, "10", b.CurrentQuantity)
		assert.False(t, b.IsDepleted)
	}
}

func TestBatchTracker_RejectsNonPositive(t *testing.T) {
	tr := NewBatchTracker(id.New(), nil, fixedClock(day0))

	_, err := tr.Open(decimal.Zero, day0, 5, decimal.Zero)
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity))
	_, err = tr.Open(dec("1"), day0, -1, decimal.Zero)
	assert.True(t, apperror.HasCode(err, apperror.CodeValidation))
	_, err = tr.Consume(dec("-2"))
	assert.True(t, apperror.HasCode(err, apperror.CodeInvalidQuantity))
}

func TestBatchTracker_ExpiryAndAge(t *testing.T) {
	tr := NewBatchTracker(id.New(), nil, fixedClock(day0))

	old, err := tr.Open(dec("6"), day0.AddDate(0, 0, -30), 28, decimal.Zero)
	require.NoError(t, err)
	_, err = tr.Open(dec("2"), day0, 28, decimal.Zero)
	require.NoError(t, err)

	assert.True(t, old.IsExpired(day0))
	assert.Equal(t, -3, old.DaysUntilExpiry(day0))
	assertDecimal(t, "6", tr.ExpiredQuantity(day0))

	oldest, ok := tr.OldestProductionDate()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 8, 0, 0, 0, 0, time.UTC), oldest)

	// (30.4 * 6 + 0.4 * 2) / 8
	avg, ok := tr.AverageAgeDays(day0)
	require.True(t, ok)
	assertDecimal(t, "22.9", avg)
}

func TestBatchTracker_ExpiredBatchesStayConsumable(t *testing.T) {
	tr := NewBatchTracker(id.New(), nil, fixedClock(day0))

	expired, err := tr.Open(dec("3"), day0.AddDate(0, 0, -40), 28, decimal.Zero)
	require.NoError(t, err)
	fresh, err := tr.Open(dec("5"), day0.AddDate(0, 0, -1), 28, decimal.Zero)
	require.NoError(t, err)
	require.True(t, expired.IsExpired(day0))

	consumed, err := tr.Consume(dec("4"))
	require.NoError(t, err)
	require.Len(t, consumed, 2)
	assert.Equal(t, expired.ID, consumed[0].BatchID)
	assert.True(t, consumed[0].Expired)
	assertDecimal(t, "3", consumed[0].Quantity)
	assert.Equal(t, fresh.ID, consumed[1].BatchID)
	assert.False(t, consumed[1].Expired)
	assertDecimal(t, "1", consumed[1].Quantity)

	assert.True(t, expired.IsDepleted)
	assertDecimal(t, "0", tr.ExpiredQuantity(day0))
	assertDecimal(t, "4", tr.TotalAvailable())
}

func TestBatchTracker_ChangedTracksOnlyTouchedBatches(t *testing.T) {
	accountID := id.New()
	loaded := []Batch{
		{ID: id.New(), AccountID: accountID, Sequence: 0, InitialQuantity: dec("3"), CurrentQuantity: dec("3"), ProductionDate: day0.AddDate(0, 0, -2)},
		{ID: id.New(), AccountID: accountID, Sequence: 1, InitialQuantity: dec("3"), CurrentQuantity: dec("3"), ProductionDate: day0.AddDate(0, 0, -1)},
	}
	tr := NewBatchTracker(accountID, loaded, fixedClock(day0))

	_, err := tr.Consume(dec("2"))
	require.NoError(t, err)
	opened, err := tr.Open(dec("1"), day0, 1, decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, int64(2), opened.Sequence)

	changed := tr.Changed()
	require.Len(t, changed, 2)
	assert.Equal(t, loaded[0].ID, changed[0].ID)
	assertDecimal(t, "1", changed[0].CurrentQuantity)
	assert.Equal(t, opened.ID, changed[1].ID)
}
