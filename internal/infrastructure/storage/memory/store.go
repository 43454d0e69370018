// Package memory is an in-process implementation of the ledger storage
// interfaces. It is used by tests and when no DATABASE_URL is configured.
//
// Transactions stage their writes in an overlay that is merged on commit and
// dropped on rollback. Account row locks are held until the transaction ends.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/core/tx"
	"farmledger/internal/domain/ledger"
	"farmledger/internal/domain/mirror"
)

var (
	_ ledger.Repository = (*Store)(nil)
	_ ledger.Notifier   = (*Store)(nil)
	_ ledger.Auditor    = (*Store)(nil)
	_ mirror.Store      = (*Store)(nil)
	_ tx.Manager        = (*Store)(nil)
)

// Event is an outbox entry captured by the store.
type Event struct {
	Type        string
	AggregateID id.ID
	Payload     any
	CreatedAt   time.Time
}

// Store keeps all ledger state in maps.
type Store struct {
	mu        sync.RWMutex
	accounts  map[id.ID]ledger.Account
	byKey     map[ledger.AccountKey]id.ID
	batches   map[id.ID]map[id.ID]ledger.Batch
	movements map[id.ID][]ledger.Movement
	listings  map[id.ID]mirror.Listing
	events    []Event
	audit     []ledger.AuditEntry

	locksMu     sync.Mutex
	locks       map[ledger.AccountKey]chan struct{}
	lockTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for an account lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[id.ID]ledger.Account),
		byKey:       make(map[ledger.AccountKey]id.ID),
		batches:     make(map[id.ID]map[id.ID]ledger.Batch),
		movements:   make(map[id.ID][]ledger.Movement),
		listings:    make(map[id.ID]mirror.Listing),
		locks:       make(map[ledger.AccountKey]chan struct{}),
		lockTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// memTx is the overlay of one transaction.
type memTx struct {
	accounts  map[id.ID]ledger.Account
	byKey     map[ledger.AccountKey]id.ID
	batches   map[id.ID]ledger.Batch
	movements []ledger.Movement
	listings  map[id.ID]mirror.Listing
	events    []Event
	audit     []ledger.AuditEntry
	held      map[ledger.AccountKey]chan struct{}
}

type txKey struct{}

func getTx(ctx context.Context) *memTx {
	t, _ := ctx.Value(txKey{}).(*memTx)
	return t
}

// RunInTransaction runs fn with a fresh overlay. Nested calls reuse the outer one.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if getTx(ctx) != nil {
		return fn(ctx)
	}
	t := &memTx{
		accounts: make(map[id.ID]ledger.Account),
		byKey:    make(map[ledger.AccountKey]id.ID),
		batches:  make(map[id.ID]ledger.Batch),
		listings: make(map[id.ID]mirror.Listing),
		held:     make(map[ledger.AccountKey]chan struct{}),
	}
	defer s.release(t)

	if err := fn(context.WithValue(ctx, txKey{}, t)); err != nil {
		return err
	}
	s.commit(t)
	return nil
}

func (s *Store) commit(t *memTx) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range t.byKey {
		s.byKey[k] = v
	}
	for accountID, acc := range t.accounts {
		s.accounts[accountID] = acc
	}
	for batchID, b := range t.batches {
		if s.batches[b.AccountID] == nil {
			s.batches[b.AccountID] = make(map[id.ID]ledger.Batch)
		}
		s.batches[b.AccountID][batchID] = b
	}
	for _, m := range t.movements {
		s.movements[m.AccountID] = append(s.movements[m.AccountID], m)
	}
	for listingID, l := range t.listings {
		s.listings[listingID] = l
	}
	s.events = append(s.events, t.events...)
	s.audit = append(s.audit, t.audit...)
}

func (s *Store) release(t *memTx) {
	for _, ch := range t.held {
		<-ch
	}
}

// lock takes the row lock for key within the transaction.
func (s *Store) lock(ctx context.Context, t *memTx, key ledger.AccountKey) error {
	if _, ok := t.held[key]; ok {
		return nil
	}
	s.locksMu.Lock()
	ch, ok := s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[key] = ch
	}
	s.locksMu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		t.held[key] = ch
		return nil
	case <-timer.C:
		return apperror.NewConcurrencyConflict("inventory_account", key.String())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func requireTx(ctx context.Context) (*memTx, error) {
	t := getTx(ctx)
	if t == nil {
		return nil, apperror.NewInternal(errNoTx)
	}
	return t, nil
}

var errNoTx = errors.New("row lock requires transaction context")

// account reads through the overlay. The caller holds s.mu for reading.
func (s *Store) account(t *memTx, accountID id.ID) (ledger.Account, bool) {
	if t != nil {
		if acc, ok := t.accounts[accountID]; ok {
			return acc, true
		}
	}
	acc, ok := s.accounts[accountID]
	return acc, ok
}

func (s *Store) accountIDForKey(t *memTx, key ledger.AccountKey) (id.ID, bool) {
	if t != nil {
		if accountID, ok := t.byKey[key]; ok {
			return accountID, true
		}
	}
	accountID, ok := s.byKey[key]
	return accountID, ok
}

func (s *Store) readAccountByKey(t *memTx, key ledger.AccountKey) (*ledger.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	accountID, ok := s.accountIDForKey(t, key)
	if !ok {
		return nil, false
	}
	acc, ok := s.account(t, accountID)
	if !ok {
		return nil, false
	}
	return &acc, true
}

// LockOrCreateAccount locks key and inserts seed when no account exists.
func (s *Store) LockOrCreateAccount(ctx context.Context, key ledger.AccountKey, seed *ledger.Account) (*ledger.Account, bool, error) {
	t, err := requireTx(ctx)
	if err != nil {
		return nil, false, err
	}
	if err := s.lock(ctx, t, key); err != nil {
		return nil, false, err
	}
	if acc, ok := s.readAccountByKey(t, key); ok {
		return acc, false, nil
	}
	created := *seed
	t.accounts[created.ID] = created
	t.byKey[key] = created.ID
	return &created, true, nil
}

// LockAccount locks key and returns nil when no account exists.
func (s *Store) LockAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	t, err := requireTx(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.lock(ctx, t, key); err != nil {
		return nil, err
	}
	acc, ok := s.readAccountByKey(t, key)
	if !ok {
		return nil, nil
	}
	return acc, nil
}

// LockAccountByID locks an existing account.
func (s *Store) LockAccountByID(ctx context.Context, accountID id.ID) (*ledger.Account, error) {
	t, err := requireTx(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	acc, ok := s.account(t, accountID)
	s.mu.RUnlock()
	if !ok {
		return nil, apperror.NewNotFound("inventory_account", accountID.String())
	}
	if err := s.lock(ctx, t, acc.Key()); err != nil {
		return nil, err
	}
	s.mu.RLock()
	acc, _ = s.account(t, accountID)
	s.mu.RUnlock()
	return &acc, nil
}

// GetAccount returns an account by id.
func (s *Store) GetAccount(ctx context.Context, accountID id.ID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.account(getTx(ctx), accountID)
	if !ok {
		return nil, apperror.NewNotFound("inventory_account", accountID.String())
	}
	return &acc, nil
}

// FindAccount returns an account by natural key.
func (s *Store) FindAccount(ctx context.Context, key ledger.AccountKey) (*ledger.Account, error) {
	acc, ok := s.readAccountByKey(getTx(ctx), key.Normalized())
	if !ok {
		return nil, apperror.NewNotFound("inventory_account", key.String())
	}
	return acc, nil
}

// ListAccounts returns committed accounts matching filter, ordered by key.
func (s *Store) ListAccounts(ctx context.Context, filter ledger.AccountFilter) ([]ledger.Account, error) {
	t := getTx(ctx)
	s.mu.RLock()
	seen := make(map[id.ID]struct{})
	var out []ledger.Account
	collect := func(acc ledger.Account) {
		if _, ok := seen[acc.ID]; ok {
			return
		}
		seen[acc.ID] = struct{}{}
		if matchAccount(acc, filter) {
			out = append(out, acc)
		}
	}
	if t != nil {
		for _, acc := range t.accounts {
			collect(acc)
		}
	}
	for _, acc := range s.accounts {
		collect(acc)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.FarmID != b.FarmID {
			return a.FarmID.String() < b.FarmID.String()
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.ProductName < b.ProductName
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func matchAccount(acc ledger.Account, f ledger.AccountFilter) bool {
	switch {
	case f.FarmID != nil && acc.FarmID != *f.FarmID:
		return false
	case f.Category != nil && acc.Category != *f.Category:
		return false
	case f.LowStockOnly && !acc.IsLowStock:
		return false
	case f.Health != nil && acc.StockHealth != *f.Health:
		return false
	case f.ActiveOnly && !acc.IsActive:
		return false
	}
	return true
}

func page[T any](items []T, offset, limit uint64) []T {
	if offset >= uint64(len(items)) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < uint64(len(items)) {
		items = items[:limit]
	}
	return items
}

// UpdateAccount stages acc when the stored version matches.
func (s *Store) UpdateAccount(ctx context.Context, acc *ledger.Account, expectedVersion int64) error {
	t, err := requireTx(ctx)
	if err != nil {
		return err
	}
	s.mu.RLock()
	current, ok := s.account(t, acc.ID)
	s.mu.RUnlock()
	if !ok {
		return apperror.NewNotFound("inventory_account", acc.ID.String())
	}
	if current.Version != expectedVersion {
		return apperror.NewConcurrencyConflict("inventory_account", acc.ID)
	}
	t.accounts[acc.ID] = *acc
	return nil
}

// SetSyncHalted flips the listing sync flag without touching the version.
func (s *Store) SetSyncHalted(ctx context.Context, accountID id.ID, halted bool, reason *string) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		acc, err := s.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		acc.SyncHalted = halted
		acc.SyncHaltReason = reason
		if !halted {
			acc.SyncHaltReason = nil
		}
		getTx(ctx).accounts[accountID] = *acc
		return nil
	})
}

func (s *Store) accountBatches(t *memTx, accountID id.ID) []ledger.Batch {
	s.mu.RLock()
	merged := make(map[id.ID]ledger.Batch, len(s.batches[accountID]))
	for batchID, b := range s.batches[accountID] {
		merged[batchID] = b
	}
	s.mu.RUnlock()
	if t != nil {
		for batchID, b := range t.batches {
			if b.AccountID == accountID {
				merged[batchID] = b
			}
		}
	}
	out := make([]ledger.Batch, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sortFIFO(out)
	return out
}

func sortFIFO(batches []ledger.Batch) {
	sort.SliceStable(batches, func(i, j int) bool {
		a, b := batches[i], batches[j]
		if !a.ProductionDate.Equal(b.ProductionDate) {
			return a.ProductionDate.Before(b.ProductionDate)
		}
		return a.Sequence < b.Sequence
	})
}

// LoadOpenBatches returns non-depleted batches in FIFO order.
func (s *Store) LoadOpenBatches(ctx context.Context, accountID id.ID) ([]ledger.Batch, error) {
	return s.ListBatches(ctx, accountID, false)
}

// ListBatches returns the account's batches in FIFO order.
func (s *Store) ListBatches(ctx context.Context, accountID id.ID, includeDepleted bool) ([]ledger.Batch, error) {
	all := s.accountBatches(getTx(ctx), accountID)
	if includeDepleted {
		return all, nil
	}
	out := all[:0]
	for _, b := range all {
		if !b.IsDepleted {
			out = append(out, b)
		}
	}
	return out, nil
}

// ExpiringBatches returns open batches expiring before the cutoff.
func (s *Store) ExpiringBatches(ctx context.Context, farmID *id.ID, before time.Time) ([]ledger.Batch, error) {
	s.mu.RLock()
	var accountIDs []id.ID
	for accountID, acc := range s.accounts {
		if farmID == nil || acc.FarmID == *farmID {
			accountIDs = append(accountIDs, accountID)
		}
	}
	s.mu.RUnlock()

	var out []ledger.Batch
	t := getTx(ctx)
	for _, accountID := range accountIDs {
		for _, b := range s.accountBatches(t, accountID) {
			if !b.IsDepleted && b.ExpiryDate.Before(before) {
				out = append(out, b)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExpiryDate.Before(out[j].ExpiryDate)
	})
	return out, nil
}

// SaveBatches stages new and changed batches.
func (s *Store) SaveBatches(ctx context.Context, batches []ledger.Batch) error {
	t, err := requireTx(ctx)
	if err != nil {
		return err
	}
	for _, b := range batches {
		t.batches[b.ID] = b
	}
	return nil
}

func (s *Store) accountMovements(t *memTx, accountID id.ID) []ledger.Movement {
	s.mu.RLock()
	out := append([]ledger.Movement(nil), s.movements[accountID]...)
	s.mu.RUnlock()
	if t != nil {
		for _, m := range t.movements {
			if m.AccountID == accountID {
				out = append(out, m)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// InsertMovement stages m. Sequences are unique per account.
func (s *Store) InsertMovement(ctx context.Context, m *ledger.Movement) error {
	t, err := requireTx(ctx)
	if err != nil {
		return err
	}
	for _, existing := range s.accountMovements(t, m.AccountID) {
		if existing.Sequence == m.Sequence {
			return apperror.NewConcurrencyConflict("inventory_movement", m.AccountID)
		}
	}
	t.movements = append(t.movements, *m)
	return nil
}

// LastMovement returns the highest-sequence movement or nil.
func (s *Store) LastMovement(ctx context.Context, accountID id.ID) (*ledger.Movement, error) {
	all := s.accountMovements(getTx(ctx), accountID)
	if len(all) == 0 {
		return nil, nil
	}
	last := all[len(all)-1]
	return &last, nil
}

// MovementsForReplay returns every movement in sequence order.
func (s *Store) MovementsForReplay(ctx context.Context, accountID id.ID) ([]ledger.Movement, error) {
	return s.accountMovements(getTx(ctx), accountID), nil
}

// ListMovements returns movements newest first.
func (s *Store) ListMovements(ctx context.Context, f ledger.MovementFilter) ([]ledger.Movement, error) {
	all := s.accountMovements(getTx(ctx), f.AccountID)
	var out []ledger.Movement
	for i := len(all) - 1; i >= 0; i-- {
		m := all[i]
		if len(f.Types) > 0 && !containsType(f.Types, m.Type) {
			continue
		}
		if f.From != nil && m.OccurredAt.Before(*f.From) {
			continue
		}
		if f.To != nil && !m.OccurredAt.Before(*f.To) {
			continue
		}
		out = append(out, m)
	}
	return page(out, f.Offset, f.Limit), nil
}

func containsType(types []ledger.MovementType, t ledger.MovementType) bool {
	for _, candidate := range types {
		if candidate == t {
			return true
		}
	}
	return false
}

// PutListing inserts or replaces a listing outside any transaction.
func (s *Store) PutListing(l mirror.Listing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listings[l.ID] = l
}

// Listing returns a committed listing.
func (s *Store) Listing(listingID id.ID) (mirror.Listing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.listings[listingID]
	return l, ok
}

// ListingsForAccount returns listings linked to the account.
func (s *Store) ListingsForAccount(ctx context.Context, accountID id.ID) ([]mirror.Listing, error) {
	t := getTx(ctx)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []mirror.Listing
	for listingID, l := range s.listings {
		if t != nil {
			if staged, ok := t.listings[listingID]; ok {
				l = staged
			}
		}
		if l.AccountID == accountID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// ApplyListingUpdate stages a listing change.
func (s *Store) ApplyListingUpdate(ctx context.Context, u mirror.ListingUpdate) error {
	t, err := requireTx(ctx)
	if err != nil {
		return err
	}
	s.mu.RLock()
	l, ok := s.listings[u.ListingID]
	s.mu.RUnlock()
	if staged, found := t.listings[u.ListingID]; found {
		l, ok = staged, true
	}
	if !ok {
		return apperror.NewNotFound("listing", u.ListingID.String())
	}
	l.OnHandQuantity = u.OnHand
	l.Status = u.Status
	syncedAt := u.SyncedAt
	l.InventorySyncedAt = &syncedAt
	t.listings[u.ListingID] = l
	return nil
}

// Notify stages an outbox event.
func (s *Store) Notify(ctx context.Context, eventType string, aggregateID id.ID, payload any) error {
	t, err := requireTx(ctx)
	if err != nil {
		return err
	}
	t.events = append(t.events, Event{Type: eventType, AggregateID: aggregateID, Payload: payload, CreatedAt: time.Now().UTC()})
	return nil
}

// Events returns committed outbox events.
func (s *Store) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}

// Record stages an audit entry.
func (s *Store) Record(ctx context.Context, entry ledger.AuditEntry) error {
	t, err := requireTx(ctx)
	if err != nil {
		return err
	}
	t.audit = append(t.audit, entry)
	return nil
}

// AuditEntries returns committed audit entries for an account.
func (s *Store) AuditEntries(accountID id.ID) []ledger.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ledger.AuditEntry
	for _, e := range s.audit {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

// ReplaceAccount overwrites a committed account row without a movement.
// Tests use it to exercise reconciliation failures.
func (s *Store) ReplaceAccount(acc ledger.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = acc
}
