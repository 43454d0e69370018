package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/domain/mirror"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func testKey() ledger.AccountKey {
	return ledger.AccountKey{FarmID: id.New(), Category: ledger.CategoryLiveBirds, ProductName: "Point-of-lay hens"}
}

func TestRollbackDropsStagedWrites(t *testing.T) {
	s := New()
	key := testKey()
	boom := errors.New("boom")

	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		acc, created, err := s.LockOrCreateAccount(ctx, key, ledger.NewAccount(key, ledger.AccountDefaults{Unit: "bird"}, testNow))
		require.NoError(t, err)
		assert.True(t, created)
		require.NoError(t, s.Notify(ctx, ledger.EventStockChanged, acc.ID, nil))

		visible, err := s.FindAccount(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, acc.ID, visible.ID)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.FindAccount(context.Background(), key)
	assert.True(t, apperror.IsNotFound(err))
	assert.Empty(t, s.Events())
}

func TestCommitPublishesWrites(t *testing.T) {
	s := New()
	key := testKey()
	var accountID id.ID

	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		acc, _, err := s.LockOrCreateAccount(ctx, key, ledger.NewAccount(key, ledger.AccountDefaults{Unit: "bird"}, testNow))
		if err != nil {
			return err
		}
		accountID = acc.ID
		acc.QuantityAvailable = decimal.NewFromInt(3)
		acc.Version = 1
		if err := s.UpdateAccount(ctx, acc, 0); err != nil {
			return err
		}
		return s.InsertMovement(ctx, &ledger.Movement{ID: id.New(), AccountID: acc.ID, Sequence: 1, Quantity: acc.QuantityAvailable, BalanceAfter: acc.QuantityAvailable})
	})
	require.NoError(t, err)

	acc, err := s.GetAccount(context.Background(), accountID)
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(3).Equal(acc.QuantityAvailable))

	last, err := s.LastMovement(context.Background(), accountID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, int64(1), last.Sequence)
}

func TestUpdateAccountChecksVersion(t *testing.T) {
	s := New()
	key := testKey()

	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		acc, _, err := s.LockOrCreateAccount(ctx, key, ledger.NewAccount(key, ledger.AccountDefaults{}, testNow))
		require.NoError(t, err)
		return s.UpdateAccount(ctx, acc, 7)
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeConcurrencyConflict))
}

func TestLockTimesOutAsConflict(t *testing.T) {
	s := New(WithLockTimeout(20 * time.Millisecond))
	key := testKey()

	holding := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = s.RunInTransaction(context.Background(), func(ctx context.Context) error {
			_, err := s.LockAccount(ctx, key)
			assert.NoError(t, err)
			close(holding)
			<-done
			return nil
		})
	}()
	<-holding

	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		_, err := s.LockAccount(ctx, key)
		return err
	})
	close(done)

	require.Error(t, err)
	assert.True(t, apperror.IsRetryable(err))
}

func TestLocksRequireTransaction(t *testing.T) {
	s := New()
	_, err := s.LockAccount(context.Background(), testKey())
	assert.True(t, apperror.HasCode(err, apperror.CodeInternal))
}

func TestListingUpdatesAreTransactional(t *testing.T) {
	s := New()
	accountID := id.New()
	listing := mirror.Listing{ID: id.New(), AccountID: accountID, Status: mirror.StatusActive}
	s.PutListing(listing)

	_ = s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		require.NoError(t, s.ApplyListingUpdate(ctx, mirror.ListingUpdate{ListingID: listing.ID, Status: mirror.StatusOutOfStock, SyncedAt: testNow}))
		staged, err := s.ListingsForAccount(ctx, accountID)
		require.NoError(t, err)
		require.Len(t, staged, 1)
		assert.Equal(t, mirror.StatusOutOfStock, staged[0].Status)
		return errors.New("rollback")
	})

	got, ok := s.Listing(listing.ID)
	require.True(t, ok)
	assert.Equal(t, mirror.StatusActive, got.Status)
	assert.Nil(t, got.InventorySyncedAt)

	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		return s.ApplyListingUpdate(ctx, mirror.ListingUpdate{ListingID: id.New(), Status: mirror.StatusActive})
	})
	assert.True(t, apperror.IsNotFound(err))
}

func TestListMovementsNewestFirstWithPaging(t *testing.T) {
	s := New()
	accountID := id.New()
	err := s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		for seq := int64(1); seq <= 5; seq++ {
			m := &ledger.Movement{
				ID:         id.New(),
				AccountID:  accountID,
				Sequence:   seq,
				Quantity:   decimal.NewFromInt(1),
				Type:       ledger.MovementProduction,
				OccurredAt: testNow.Add(time.Duration(seq) * time.Hour),
			}
			if err := s.InsertMovement(ctx, m); err != nil {
				return err
			}
		}
		return s.InsertMovement(ctx, &ledger.Movement{ID: id.New(), AccountID: accountID, Sequence: 3})
	})
	assert.True(t, apperror.HasCode(err, apperror.CodeConcurrencyConflict))

	err = s.RunInTransaction(context.Background(), func(ctx context.Context) error {
		for seq := int64(1); seq <= 5; seq++ {
			m := &ledger.Movement{ID: id.New(), AccountID: accountID, Sequence: seq, Type: ledger.MovementProduction, OccurredAt: testNow.Add(time.Duration(seq) * time.Hour)}
			if err := s.InsertMovement(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	paged, err := s.ListMovements(context.Background(), ledger.MovementFilter{AccountID: accountID, Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, paged, 2)
	assert.Equal(t, int64(4), paged[0].Sequence)
	assert.Equal(t, int64(3), paged[1].Sequence)

	from := testNow.Add(2 * time.Hour)
	to := testNow.Add(4 * time.Hour)
	window, err := s.ListMovements(context.Background(), ledger.MovementFilter{AccountID: accountID, From: &from, To: &to})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, int64(3), window[0].Sequence)
}
