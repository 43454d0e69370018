package mirror

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmledger/internal/core/id"
)

type fakeStore struct {
	listings []Listing
	updates  []ListingUpdate
	failOn   id.ID
}

func (f *fakeStore) ListingsForAccount(_ context.Context, accountID id.ID) ([]Listing, error) {
	var out []Listing
	for _, l := range f.listings {
		if l.AccountID == accountID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) ApplyListingUpdate(_ context.Context, u ListingUpdate) error {
	if u.ListingID == f.failOn {
		return errors.New("listing locked")
	}
	f.updates = append(f.updates, u)
	return nil
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		current  ListingStatus
		onHand   string
		expected ListingStatus
	}{
		{StatusActive, "0", StatusOutOfStock},
		{StatusActive, "3", StatusActive},
		{StatusOutOfStock, "0.5", StatusActive},
		{StatusOutOfStock, "0", StatusOutOfStock},
		{StatusDraft, "10", StatusDraft},
		{StatusWithdrawn, "0", StatusWithdrawn},
		{StatusSuspended, "4", StatusSuspended},
	}
	for _, tt := range tests {
		t.Run(string(tt.current)+"/"+tt.onHand, func(t *testing.T) {
			assert.Equal(t, tt.expected, DeriveStatus(tt.current, decimal.RequireFromString(tt.onHand)))
		})
	}
}

func TestSync(t *testing.T) {
	accountID := id.New()
	active := Listing{ID: id.New(), AccountID: accountID, Status: StatusActive}
	draft := Listing{ID: id.New(), AccountID: accountID, Status: StatusDraft}
	unrelated := Listing{ID: id.New(), AccountID: id.New(), Status: StatusActive}
	store := &fakeStore{listings: []Listing{active, draft, unrelated}}
	at := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	res, err := New(store).Sync(context.Background(), Snapshot{AccountID: accountID, OnHand: decimal.Zero, At: at})
	require.NoError(t, err)

	assert.Equal(t, 2, res.Listings)
	assert.Equal(t, []id.ID{active.ID}, res.Toggled)
	assert.Equal(t, []id.ID{draft.ID}, res.Held)
	require.Len(t, store.updates, 2)
	assert.Equal(t, StatusOutOfStock, store.updates[0].Status)
	assert.Equal(t, StatusDraft, store.updates[1].Status)
	for _, u := range store.updates {
		assert.True(t, u.OnHand.IsZero())
		assert.Equal(t, at, u.SyncedAt)
	}
}

func TestSync_HaltedWritesNothing(t *testing.T) {
	accountID := id.New()
	store := &fakeStore{listings: []Listing{{ID: id.New(), AccountID: accountID, Status: StatusActive}}}

	res, err := New(store).Sync(context.Background(), Snapshot{AccountID: accountID, OnHand: decimal.Zero, Halted: true})
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, store.updates)
}

func TestSync_PropagatesStoreErrors(t *testing.T) {
	accountID := id.New()
	bad := Listing{ID: id.New(), AccountID: accountID, Status: StatusActive}
	store := &fakeStore{listings: []Listing{bad}, failOn: bad.ID}

	_, err := New(store).Sync(context.Background(), Snapshot{AccountID: accountID, OnHand: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listing locked")
}
