// Package mirror_repo stores the inventory-facing columns of marketplace listings.
package mirror_repo

import (
	"context"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/mirror"
	"farmledger/internal/infrastructure/storage/postgres"
)

const listingsTable = "market_listings"

var listingColumns = postgres.ExtractDBColumns[mirror.Listing]()

// ListingRepo implements mirror.Store.
type ListingRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

var _ mirror.Store = (*ListingRepo)(nil)

// NewListingRepo creates the repository.
func NewListingRepo(txm *postgres.TxManager) *ListingRepo {
	return &ListingRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *ListingRepo) listingsQuery(accountID id.ID) squirrel.SelectBuilder {
	return r.builder.Select(listingColumns...).
		From(listingsTable).
		Where(squirrel.Eq{"inventory_account_id": accountID}).
		OrderBy("id").
		Suffix("FOR UPDATE")
}

// ListingsForAccount locks and returns the listings linked to an account.
func (r *ListingRepo) ListingsForAccount(ctx context.Context, accountID id.ID) ([]mirror.Listing, error) {
	sql, args, err := r.listingsQuery(accountID).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []mirror.Listing
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	return out, nil
}

// updateQuery only lets the status move inside the active/out_of_stock pair,
// so a listing an operator withdrew concurrently keeps its status.
func (r *ListingRepo) updateQuery(u mirror.ListingUpdate) squirrel.UpdateBuilder {
	return r.builder.Update(listingsTable).
		Set("on_hand_quantity", u.OnHand).
		Set("status", squirrel.Expr("CASE WHEN status IN (?, ?) THEN ? ELSE status END",
			mirror.StatusActive, mirror.StatusOutOfStock, u.Status)).
		Set("inventory_synced_at", u.SyncedAt).
		Where(squirrel.Eq{"id": u.ListingID})
}

// ApplyListingUpdate writes one mirror update.
func (r *ListingRepo) ApplyListingUpdate(ctx context.Context, u mirror.ListingUpdate) error {
	sql, args, err := r.updateQuery(u).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("listing", u.ListingID.String())
	}
	return nil
}
