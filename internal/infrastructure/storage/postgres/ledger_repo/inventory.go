// Package ledger_repo provides the PostgreSQL implementation of ledger.Repository.
package ledger_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/shopspring/decimal"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/infrastructure/storage/postgres"
)

const (
	accountsTable  = "inv_accounts"
	batchesTable   = "inv_batches"
	movementsTable = "inv_movements"

	accountKeyConflict = "ON CONFLICT (farm_id, category, product_name) DO NOTHING"
)

var (
	accountColumns  = postgres.ExtractDBColumns[ledger.Account]()
	batchColumns    = postgres.ExtractDBColumns[ledger.Batch]()
	movementColumns = []string{
		"id", "account_id", "sequence", "quantity", "unit_cost", "unit_price", "balance_after",
		"movement_type", "source_kind", "source_id", "actor", "notes", "occurred_at", "created_at",
	}
)

// InventoryRepo implements ledger.Repository on PostgreSQL.
type InventoryRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

var _ ledger.Repository = (*InventoryRepo)(nil)

// NewInventoryRepo creates the repository.
func NewInventoryRepo(txm *postgres.TxManager) *InventoryRepo {
	return &InventoryRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

func (r *InventoryRepo) requireTx(ctx context.Context, op string) error {
	if r.txm.GetTx(ctx) == nil {
		return fmt.Errorf("%s requires transaction context", op)
	}
	return nil
}

func (r *InventoryRepo) selectAccounts() squirrel.SelectBuilder {
	return r.builder.Select(accountColumns...).From(accountsTable)
}

func keyEq(key ledger.AccountKey) squirrel.Eq {
	return squirrel.Eq{
		"farm_id":      key.FarmID,
		"category":     key.Category,
		"product_name": key.ProductName,
	}
}

func (r *InventoryRepo) getOne(ctx context.Context, q squirrel.SelectBuilder) (*ledger.Account, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var acc ledger.Account
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &acc, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("select account: %w", err)
	}
	return &acc, nil
}

// LockOrCreateAccount inserts seed unless the key exists, then locks the row.
func (r *InventoryRepo) LockOrCreateAccount(ctx context.Context, key ledger.AccountKey, seed *ledger.Account) (*ledger.Account, bool, error) {
	if err := r.requireTx(ctx, "LockOrCreateAccount"); err != nil {
		return nil, false, err
	}

	sql, args, err := r.builder.Insert(accountsTable).
		SetMap(postgres.StructToMap(seed)).
		Suffix(accountKeyConflict).
		ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build insert: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return nil, false, fmt.Errorf("insert account: %w", err)
	}
	created := tag.RowsAffected() == 1

	acc, err := r.getOne(ctx, r.selectAccounts().Where(keyEq(key)).Suffix("FOR UPDATE"))
	if err != nil {
		return nil, false, err
	}
	if acc == nil {
		return nil, false, apperror.NewNotFound("inventory_account", key.String())
	}
	return acc, created, nil
}

// LockAccount locks the row for key; nil when absent.
func (r *InventoryRepo) LockAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	if err := r.requireTx(ctx, "LockAccount"); err != nil {
		return nil, err
	}
	return r.getOne(ctx, r.selectAccounts().Where(keyEq(key)).Suffix("FOR UPDATE"))
}

// LockAccountByID locks an existing row.
func (r *InventoryRepo) LockAccountByID(ctx context.Context, accountID id.ID) (*ledger.Account, error) {
	if err := r.requireTx(ctx, "LockAccountByID"); err != nil {
		return nil, err
	}
	acc, err := r.getOne(ctx, r.selectAccounts().Where(squirrel.Eq{"id": accountID}).Suffix("FOR UPDATE"))
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperror.NewNotFound("inventory_account", accountID.String())
	}
	return acc, nil
}

// GetAccount reads an account without locking.
func (r *InventoryRepo) GetAccount(ctx context.Context, accountID id.ID) (*ledger.Account, error) {
	acc, err := r.getOne(ctx, r.selectAccounts().Where(squirrel.Eq{"id": accountID}))
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperror.NewNotFound("inventory_account", accountID.String())
	}
	return acc, nil
}

// FindAccount reads an account by natural key.
func (r *InventoryRepo) FindAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	acc, err := r.getOne(ctx, r.selectAccounts().Where(keyEq(key)))
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperror.NewNotFound("inventory_account", key.String())
	}
	return acc, nil
}

func (r *InventoryRepo) listAccountsQuery(f ledger.AccountFilter) squirrel.SelectBuilder {
	q := r.selectAccounts()
	if f.FarmID != nil {
		q = q.Where(squirrel.Eq{"farm_id": *f.FarmID})
	}
	if f.Category != nil {
		q = q.Where(squirrel.Eq{"category": *f.Category})
	}
	if f.LowStockOnly {
		q = q.Where(squirrel.Eq{"is_low_stock": true})
	}
	if f.Health != nil {
		q = q.Where(squirrel.Eq{"stock_health": *f.Health})
	}
	if f.ActiveOnly {
		q = q.Where(squirrel.Eq{"is_active": true})
	}
	q = q.OrderBy("farm_id", "category", "product_name")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	return q
}

// ListAccounts filters on the persisted read-model columns.
func (r *InventoryRepo) ListAccounts(ctx context.Context, f ledger.AccountFilter) ([]ledger.Account, error) {
	sql, args, err := r.listAccountsQuery(f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []ledger.Account
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("select accounts: %w", err)
	}
	return out, nil
}

func (r *InventoryRepo) updateAccountQuery(acc *ledger.Account, expectedVersion int64) squirrel.UpdateBuilder {
	values := postgres.Without(postgres.StructToMap(acc),
		"id", "farm_id", "category", "product_name", "created_at")
	return r.builder.Update(accountsTable).
		SetMap(values).
		Where(squirrel.Eq{"id": acc.ID, "version": expectedVersion})
}

// UpdateAccount writes acc when the stored version still equals expectedVersion.
func (r *InventoryRepo) UpdateAccount(ctx context.Context, acc *ledger.Account, expectedVersion int64) error {
	sql, args, err := r.updateAccountQuery(acc, expectedVersion).ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewConcurrencyConflict("inventory_account", acc.ID)
	}
	return nil
}

// SetSyncHalted flips the listing sync flag.
func (r *InventoryRepo) SetSyncHalted(ctx context.Context, accountID id.ID, halted bool, reason *string) error {
	if !halted {
		reason = nil
	}
	sql, args, err := r.builder.Update(accountsTable).
		Set("sync_halted", halted).
		Set("sync_halt_reason", reason).
		Set("updated_at", time.Now().UTC()).
		Where(squirrel.Eq{"id": accountID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	tag, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("set sync halted: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NewNotFound("inventory_account", accountID.String())
	}
	return nil
}

func (r *InventoryRepo) selectBatches(accountID id.ID, includeDepleted bool) squirrel.SelectBuilder {
	q := r.builder.Select(batchColumns...).From(batchesTable).
		Where(squirrel.Eq{"account_id": accountID})
	if !includeDepleted {
		q = q.Where(squirrel.Eq{"is_depleted": false})
	}
	return q.OrderBy("production_date", "sequence")
}

func (r *InventoryRepo) queryBatches(ctx context.Context, q squirrel.Sqlizer) ([]ledger.Batch, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var out []ledger.Batch
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &out, sql, args...); err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	return out, nil
}

// LoadOpenBatches returns non-depleted batches in FIFO order.
func (r *InventoryRepo) LoadOpenBatches(ctx context.Context, accountID id.ID) ([]ledger.Batch, error) {
	return r.queryBatches(ctx, r.selectBatches(accountID, false))
}

// ListBatches returns batches in FIFO order.
func (r *InventoryRepo) ListBatches(ctx context.Context, accountID id.ID, includeDepleted bool) ([]ledger.Batch, error) {
	return r.queryBatches(ctx, r.selectBatches(accountID, includeDepleted))
}

func (r *InventoryRepo) expiringQuery(farmID *id.ID, before time.Time) squirrel.SelectBuilder {
	cols := make([]string, len(batchColumns))
	for i, c := range batchColumns {
		cols[i] = "b." + c
	}
	q := r.builder.Select(cols...).
		From(batchesTable + " b").
		Join(accountsTable + " a ON a.id = b.account_id").
		Where(squirrel.Eq{"b.is_depleted": false}).
		Where(squirrel.Lt{"b.expiry_date": before})
	if farmID != nil {
		q = q.Where(squirrel.Eq{"a.farm_id": *farmID})
	}
	return q.OrderBy("b.expiry_date", "b.sequence")
}

// ExpiringBatches returns open batches expiring before the cutoff.
func (r *InventoryRepo) ExpiringBatches(ctx context.Context, farmID *id.ID, before time.Time) ([]ledger.Batch, error) {
	return r.queryBatches(ctx, r.expiringQuery(farmID, before))
}

func (r *InventoryRepo) saveBatchesQuery(batches []ledger.Batch) squirrel.InsertBuilder {
	q := r.builder.Insert(batchesTable).Columns(batchColumns...)
	for i := range batches {
		m := postgres.StructToMap(&batches[i])
		row := make([]any, len(batchColumns))
		for j, c := range batchColumns {
			row[j] = m[c]
		}
		q = q.Values(row...)
	}
	return q.Suffix(`ON CONFLICT (id) DO UPDATE SET
		current_quantity = EXCLUDED.current_quantity,
		is_depleted = EXCLUDED.is_depleted,
		updated_at = EXCLUDED.updated_at`)
}

// SaveBatches upserts new and changed batches in one statement.
func (r *InventoryRepo) SaveBatches(ctx context.Context, batches []ledger.Batch) error {
	if len(batches) == 0 {
		return nil
	}
	sql, args, err := r.saveBatchesQuery(batches).ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("upsert batches: %w", err)
	}
	return nil
}

// movementRow is the storage shape of ledger.Movement.
type movementRow struct {
	ID           id.ID               `db:"id"`
	AccountID    id.ID               `db:"account_id"`
	Sequence     int64               `db:"sequence"`
	Quantity     decimal.Decimal     `db:"quantity"`
	UnitCost     decimal.Decimal     `db:"unit_cost"`
	UnitPrice    decimal.NullDecimal `db:"unit_price"`
	BalanceAfter decimal.Decimal     `db:"balance_after"`
	MovementType string              `db:"movement_type"`
	SourceKind   *string             `db:"source_kind"`
	SourceID     *string             `db:"source_id"`
	Actor        string              `db:"actor"`
	Notes        *string             `db:"notes"`
	OccurredAt   time.Time           `db:"occurred_at"`
	CreatedAt    time.Time           `db:"created_at"`
}

func toRow(m *ledger.Movement) movementRow {
	row := movementRow{
		ID:           m.ID,
		AccountID:    m.AccountID,
		Sequence:     m.Sequence,
		Quantity:     m.Quantity,
		UnitCost:     m.UnitCost,
		UnitPrice:    m.UnitPrice,
		BalanceAfter: m.BalanceAfter,
		MovementType: string(m.Type),
		Actor:        m.Actor,
		OccurredAt:   m.OccurredAt,
		CreatedAt:    m.CreatedAt,
	}
	if !m.Source.IsZero() {
		kind, srcID := string(m.Source.Kind()), m.Source.ID()
		row.SourceKind, row.SourceID = &kind, &srcID
	}
	if m.Notes != "" {
		row.Notes = &m.Notes
	}
	return row
}

func (row movementRow) toMovement() (ledger.Movement, error) {
	var kind, srcID string
	if row.SourceKind != nil {
		kind = *row.SourceKind
	}
	if row.SourceID != nil {
		srcID = *row.SourceID
	}
	src, err := ledger.ParseSourceRef(kind, srcID)
	if err != nil {
		return ledger.Movement{}, fmt.Errorf("movement %s: %w", row.ID, err)
	}
	m := ledger.Movement{
		ID:           row.ID,
		AccountID:    row.AccountID,
		Sequence:     row.Sequence,
		Quantity:     row.Quantity,
		UnitCost:     row.UnitCost,
		UnitPrice:    row.UnitPrice,
		BalanceAfter: row.BalanceAfter,
		Type:         ledger.MovementType(row.MovementType),
		Source:       src,
		Actor:        row.Actor,
		OccurredAt:   row.OccurredAt,
		CreatedAt:    row.CreatedAt,
	}
	if row.Notes != nil {
		m.Notes = *row.Notes
	}
	return m, nil
}

// InsertMovement appends one ledger row. A duplicate sequence means another
// writer got there first.
func (r *InventoryRepo) InsertMovement(ctx context.Context, m *ledger.Movement) error {
	row := toRow(m)
	sql, args, err := r.builder.Insert(movementsTable).
		SetMap(postgres.StructToMap(row)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		if postgres.IsUniqueViolation(err) {
			return apperror.NewConcurrencyConflict("inventory_movement", m.AccountID).WithCause(err)
		}
		return fmt.Errorf("insert movement: %w", err)
	}
	return nil
}

func (r *InventoryRepo) queryMovements(ctx context.Context, q squirrel.Sqlizer) ([]ledger.Movement, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var rows []movementRow
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, fmt.Errorf("select movements: %w", err)
	}
	out := make([]ledger.Movement, 0, len(rows))
	for _, row := range rows {
		m, err := row.toMovement()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// LastMovement returns the newest movement or nil.
func (r *InventoryRepo) LastMovement(ctx context.Context, accountID id.ID) (*ledger.Movement, error) {
	q := r.builder.Select(movementColumns...).From(movementsTable).
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("sequence DESC").
		Limit(1)
	out, err := r.queryMovements(ctx, q)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// MovementsForReplay returns the full history in sequence order.
func (r *InventoryRepo) MovementsForReplay(ctx context.Context, accountID id.ID) ([]ledger.Movement, error) {
	q := r.builder.Select(movementColumns...).From(movementsTable).
		Where(squirrel.Eq{"account_id": accountID}).
		OrderBy("sequence")
	return r.queryMovements(ctx, q)
}

func (r *InventoryRepo) listMovementsQuery(f ledger.MovementFilter) squirrel.SelectBuilder {
	q := r.builder.Select(movementColumns...).From(movementsTable).
		Where(squirrel.Eq{"account_id": f.AccountID})
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q = q.Where(squirrel.Eq{"movement_type": types})
	}
	if f.From != nil {
		q = q.Where(squirrel.GtOrEq{"occurred_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(squirrel.Lt{"occurred_at": *f.To})
	}
	q = q.OrderBy("sequence DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	return q
}

// ListMovements returns movements newest first.
func (r *InventoryRepo) ListMovements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	return r.queryMovements(ctx, r.listMovementsQuery(f))
}
