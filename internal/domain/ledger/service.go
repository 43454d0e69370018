package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"farmledger/internal/core/apperror"
	appctx "farmledger/internal/core/context"
	"farmledger/internal/core/id"
	"farmledger/internal/core/tx"
	"farmledger/internal/domain/mirror"
	"farmledger/pkg/logger"
)

var tracer = otel.Tracer("farmledger/ledger")

const entityAccount = "inventory_account"

// DefaultsFunc returns the seed values for a lazily created account.
type DefaultsFunc func(Category) AccountDefaults

// Service owns every change to inventory quantities. AddStock and RemoveStock
// open their own transaction, lock the account row and commit the account,
// batches, movement, listing mirror, outbox event and audit entry together.
type Service struct {
	repo     Repository
	txm      tx.Manager
	ledger   *Ledger
	mirror   *mirror.Mirror
	notifier Notifier
	auditor  Auditor
	defaults DefaultsFunc
	policy   HealthPolicy
	now      func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithHealthPolicy sets the stock health thresholds.
func WithHealthPolicy(p HealthPolicy) Option {
	return func(s *Service) { s.policy = p }
}

// WithDefaults sets the category defaults for new accounts.
func WithDefaults(fn DefaultsFunc) Option {
	return func(s *Service) { s.defaults = fn }
}

// WithNotifier sets the outbox notifier.
func WithNotifier(n Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithAuditor sets the audit writer.
func WithAuditor(a Auditor) Option {
	return func(s *Service) { s.auditor = a }
}

// NewService creates the inventory service.
func NewService(repo Repository, txm tx.Manager, listings mirror.Store, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		txm:      txm,
		ledger:   NewLedger(repo),
		mirror:   mirror.New(listings),
		defaults: func(Category) AccountDefaults { return AccountDefaults{Unit: "unit"} },
		policy:   DefaultHealthPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddStock increases the account for key, creating it on first use.
func (s *Service) AddStock(ctx context.Context, key AccountKey, req AddStockRequest) (*MovementResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.AddStock", trace.WithAttributes(
		attribute.String("account.key", key.String()),
		attribute.String("movement.type", string(req.Type)),
		attribute.String("movement.quantity", req.Quantity.String()),
	))
	defer span.End()

	key = key.Normalized()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		result    *MovementResult
		accountID id.ID
	)
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		now := s.now()
		seed := NewAccount(key, s.defaults(key.Category), now)
		acc, created, err := s.repo.LockOrCreateAccount(ctx, key, seed)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		accountID = acc.ID

		batches, err := s.loadBatches(ctx, acc)
		if err != nil {
			return err
		}
		before := *acc
		m, batch, err := acc.applyAddition(batches, req, actorOf(ctx), now, s.policy)
		if err != nil {
			return err
		}

		res, err := s.commit(ctx, &before, acc, batches, m, AuditStockAdded)
		if err != nil {
			return err
		}
		if created && s.auditor != nil {
			entry := AuditEntry{AccountID: acc.ID, Action: AuditAccountCreated, After: before}
			if err := s.auditor.Record(ctx, entry); err != nil {
				return fmt.Errorf("audit: %w", err)
			}
		}
		res.Created = created
		res.BatchID = &batch.ID
		result = res
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, accountID, err)
	}

	logger.Info(ctx, "stock added",
		"account_id", result.AccountID,
		"movement_id", result.MovementID,
		"type", req.Type,
		"quantity", req.Quantity.String(),
		"balance", result.Balance.String(),
		"created", result.Created,
	)
	return result, nil
}

// RemoveStock decreases the account for key. The account must exist and
// hold at least the requested quantity; otherwise nothing changes.
func (s *Service) RemoveStock(ctx context.Context, key AccountKey, req RemoveStockRequest) (*MovementResult, error) {
	ctx, span := tracer.Start(ctx, "ledger.RemoveStock", trace.WithAttributes(
		attribute.String("account.key", key.String()),
		attribute.String("movement.type", string(req.Type)),
		attribute.String("movement.quantity", req.Quantity.String()),
	))
	defer span.End()

	key = key.Normalized()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var (
		result    *MovementResult
		accountID id.ID
	)
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		now := s.now()
		acc, err := s.repo.LockAccount(ctx, key)
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		if acc == nil {
			return apperror.NewNotFound(entityAccount, key.String())
		}
		accountID = acc.ID

		batches, err := s.loadBatches(ctx, acc)
		if err != nil {
			return err
		}
		before := *acc
		m, consumed, err := acc.applyRemoval(batches, req, actorOf(ctx), now, s.policy)
		if err != nil {
			return err
		}

		res, err := s.commit(ctx, &before, acc, batches, m, AuditStockRemoved)
		if err != nil {
			return err
		}
		res.Consumed = consumed
		result = res
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, accountID, err)
	}

	logger.Info(ctx, "stock removed",
		"account_id", result.AccountID,
		"movement_id", result.MovementID,
		"type", req.Type,
		"quantity", req.Quantity.String(),
		"balance", result.Balance.String(),
		"batches", len(result.Consumed),
	)
	return result, nil
}

func (s *Service) loadBatches(ctx context.Context, acc *Account) (*BatchTracker, error) {
	open, err := s.repo.LoadOpenBatches(ctx, acc.ID)
	if err != nil {
		return nil, fmt.Errorf("load batches: %w", err)
	}
	return NewBatchTracker(acc.ID, open, s.now), nil
}

// commit persists one mutation. It runs inside the caller's transaction.
func (s *Service) commit(ctx context.Context, before, acc *Account, batches *BatchTracker, m *Movement, action string) (*MovementResult, error) {
	if held := batches.TotalAvailable(); !held.Equal(acc.QuantityAvailable) {
		return nil, apperror.NewReconciliationMismatch(acc.ID.String(),
			fmt.Sprintf("batches hold %s, account holds %s", held, acc.QuantityAvailable))
	}

	if err := s.repo.UpdateAccount(ctx, acc, before.Version); err != nil {
		return nil, fmt.Errorf("update account: %w", err)
	}
	if err := s.repo.SaveBatches(ctx, batches.Changed()); err != nil {
		return nil, fmt.Errorf("save batches: %w", err)
	}
	movementID, err := s.ledger.Record(ctx, m, acc.QuantityAvailable)
	if err != nil {
		return nil, err
	}

	synced, err := s.mirror.Sync(ctx, mirror.Snapshot{
		AccountID: acc.ID,
		OnHand:    acc.QuantityAvailable,
		Halted:    acc.SyncHalted,
		At:        m.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("mirror listings: %w", err)
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, EventStockChanged, acc.ID, stockChanged(acc, m)); err != nil {
			return nil, fmt.Errorf("queue stock event: %w", err)
		}
	}
	if s.auditor != nil {
		entry := AuditEntry{AccountID: acc.ID, Action: action, Before: before, After: acc}
		if err := s.auditor.Record(ctx, entry); err != nil {
			return nil, fmt.Errorf("audit: %w", err)
		}
	}

	return &MovementResult{
		MovementID: movementID,
		AccountID:  acc.ID,
		Balance:    acc.QuantityAvailable,
		UnitCost:   acc.UnitCost,
		Health:     acc.StockHealth,
		LowStock:   acc.BelowThreshold(),
		Mirror:     &synced,
		Movement:   m,
	}, nil
}

func stockChanged(acc *Account, m *Movement) StockChanged {
	ev := StockChanged{
		AccountID:   acc.ID,
		FarmID:      acc.FarmID,
		Category:    acc.Category,
		ProductName: acc.ProductName,
		Delta:       decimal.Zero,
		Balance:     acc.QuantityAvailable,
		UnitCost:    acc.UnitCost,
		IsLowStock:  acc.BelowThreshold(),
		StockHealth: acc.StockHealth,
		Version:     acc.Version,
		OccurredAt:  acc.UpdatedAt,
	}
	if m != nil {
		ev.MovementID = m.ID
		ev.MovementType = m.Type
		ev.Delta = m.Quantity
		ev.OccurredAt = m.OccurredAt
	}
	return ev
}

// fail records a failed mutation on the span. A reconciliation mismatch
// additionally halts listing sync for the account.
func (s *Service) fail(ctx context.Context, span trace.Span, accountID id.ID, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	if !apperror.IsReconciliationMismatch(err) {
		return err
	}

	reason := err.Error()
	var appErr *apperror.AppError
	if errors.As(err, &appErr) && appErr.Err != nil {
		reason = appErr.Err.Error()
	}
	logger.Error(ctx, "reconciliation mismatch, mutation rolled back",
		"account_id", accountID,
		"reason", reason,
	)
	if !id.IsNil(accountID) {
		if haltErr := s.haltSync(ctx, accountID, reason); haltErr != nil {
			logger.Error(ctx, "failed to halt listing sync", "account_id", accountID, "error", haltErr)
		}
	}
	return err
}

// haltSync stops listing sync in its own transaction, after the failed one rolled back.
func (s *Service) haltSync(ctx context.Context, accountID id.ID, reason string) error {
	return s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		if err := s.repo.SetSyncHalted(ctx, accountID, true, &reason); err != nil {
			return err
		}
		if s.notifier != nil {
			payload := map[string]any{"accountId": accountID, "reason": reason}
			if err := s.notifier.Notify(ctx, EventSyncHalted, accountID, payload); err != nil {
				return err
			}
		}
		if s.auditor != nil {
			return s.auditor.Record(ctx, AuditEntry{AccountID: accountID, Action: AuditMismatch, Reason: reason})
		}
		return nil
	})
}

func actorOf(ctx context.Context) string {
	if actor := appctx.GetActorID(ctx); actor != "" {
		return actor
	}
	return "system"
}

// GetAccount returns the account with derived values evaluated at the current time.
func (s *Service) GetAccount(ctx context.Context, accountID id.ID) (*Account, error) {
	acc, err := s.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

// FindAccount looks an account up by its natural key.
func (s *Service) FindAccount(ctx context.Context, key AccountKey) (*Account, error) {
	key = key.Normalized()
	if err := key.Validate(); err != nil {
		return nil, err
	}
	acc, err := s.repo.FindAccount(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.refresh(ctx, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func (s *Service) refresh(ctx context.Context, acc *Account) error {
	batches, err := s.loadBatches(ctx, acc)
	if err != nil {
		return err
	}
	acc.derive(batches, s.now(), s.policy)
	return nil
}

// ListAccounts filters on the persisted read-model values.
func (s *Service) ListAccounts(ctx context.Context, filter AccountFilter) ([]Account, error) {
	if filter.Limit == 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListAccounts(ctx, filter)
}

// ListBatches returns the batches of an account in FIFO order.
func (s *Service) ListBatches(ctx context.Context, accountID id.ID, includeDepleted bool) ([]Batch, error) {
	if _, err := s.repo.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return s.repo.ListBatches(ctx, accountID, includeDepleted)
}

// ExpiringBatches returns open batches that expire within the window, expired ones included.
func (s *Service) ExpiringBatches(ctx context.Context, farmID *id.ID, within time.Duration) ([]Batch, error) {
	if within < 0 {
		return nil, apperror.NewValidation("window must not be negative")
	}
	return s.repo.ExpiringBatches(ctx, farmID, s.now().Add(within))
}

// ListMovements returns ledger entries newest first.
func (s *Service) ListMovements(ctx context.Context, filter MovementFilter) ([]Movement, error) {
	if id.IsNil(filter.AccountID) {
		return nil, apperror.NewValidation("account_id is required")
	}
	if filter.Limit == 0 || filter.Limit > 1000 {
		filter.Limit = 200
	}
	return s.repo.ListMovements(ctx, filter)
}

// Reconcile replays the ledger under the account lock and compares it with the
// stored quantity and batches. An unbalanced account has its listing sync halted.
func (s *Service) Reconcile(ctx context.Context, accountID id.ID) (*Reconciliation, error) {
	ctx, span := tracer.Start(ctx, "ledger.Reconcile", trace.WithAttributes(
		attribute.String("account.id", accountID.String()),
	))
	defer span.End()

	var rec *Reconciliation
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		acc, err := s.repo.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		batches, err := s.loadBatches(ctx, acc)
		if err != nil {
			return err
		}
		r, err := s.ledger.Replay(ctx, accountID)
		if err != nil {
			return err
		}
		rec = reconcile(acc, batches, r)
		if rec.Balanced || acc.SyncHalted {
			return nil
		}

		logger.Error(ctx, "reconciliation mismatch found by replay",
			"account_id", accountID,
			"reason", rec.Reason,
		)
		if err := s.repo.SetSyncHalted(ctx, accountID, true, &rec.Reason); err != nil {
			return fmt.Errorf("halt sync: %w", err)
		}
		if s.auditor != nil {
			return s.auditor.Record(ctx, AuditEntry{AccountID: accountID, Action: AuditMismatch, Reason: rec.Reason, After: rec})
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return rec, nil
}

// ResumeSync clears a sync halt once the account reconciles, then pushes the
// current quantity to its listings.
func (s *Service) ResumeSync(ctx context.Context, accountID id.ID, note string) (*mirror.Result, error) {
	var result mirror.Result
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		acc, err := s.repo.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if !acc.SyncHalted {
			return apperror.NewBusinessRule(apperror.CodeBusinessRule, "listing sync is not halted")
		}
		batches, err := s.loadBatches(ctx, acc)
		if err != nil {
			return err
		}
		r, err := s.ledger.Replay(ctx, accountID)
		if err != nil {
			return err
		}
		if rec := reconcile(acc, batches, r); !rec.Balanced {
			return apperror.NewBusinessRule(apperror.CodeReconciliationMismatch,
				"account still does not reconcile: "+rec.Reason)
		}

		if err := s.repo.SetSyncHalted(ctx, accountID, false, nil); err != nil {
			return fmt.Errorf("resume sync: %w", err)
		}
		result, err = s.mirror.Sync(ctx, mirror.Snapshot{
			AccountID: accountID,
			OnHand:    acc.QuantityAvailable,
			At:        s.now(),
		})
		if err != nil {
			return fmt.Errorf("mirror listings: %w", err)
		}
		if s.notifier != nil {
			if err := s.notifier.Notify(ctx, EventSyncResumed, accountID, map[string]any{"accountId": accountID}); err != nil {
				return err
			}
		}
		if s.auditor != nil {
			return s.auditor.Record(ctx, AuditEntry{AccountID: accountID, Action: AuditSyncResumed, Reason: note})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "listing sync resumed", "account_id", accountID, "listings", result.Listings)
	return &result, nil
}

// UpdateSettings changes configuration attributes. Quantities never change here.
func (s *Service) UpdateSettings(ctx context.Context, accountID id.ID, settings Settings) (*Account, error) {
	var out *Account
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		acc, err := s.repo.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		batches, err := s.loadBatches(ctx, acc)
		if err != nil {
			return err
		}
		before := *acc
		if err := acc.applySettings(settings, batches, s.now(), s.policy); err != nil {
			return err
		}
		if err := s.saveMeta(ctx, &before, acc, AuditSettings); err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Deactivate closes an empty account to further movements.
func (s *Service) Deactivate(ctx context.Context, accountID id.ID) (*Account, error) {
	return s.setActive(ctx, accountID, false)
}

// Reactivate reopens a deactivated account.
func (s *Service) Reactivate(ctx context.Context, accountID id.ID) (*Account, error) {
	return s.setActive(ctx, accountID, true)
}

func (s *Service) setActive(ctx context.Context, accountID id.ID, active bool) (*Account, error) {
	var out *Account
	err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		acc, err := s.repo.LockAccountByID(ctx, accountID)
		if err != nil {
			return err
		}
		if acc.IsActive == active {
			out = acc
			return nil
		}
		if !active && !acc.QuantityAvailable.IsZero() {
			return apperror.NewBusinessRule(apperror.CodeBusinessRule,
				fmt.Sprintf("account still holds %s %s", acc.QuantityAvailable, acc.Unit))
		}
		before := *acc
		acc.IsActive = active
		acc.UpdatedAt = s.now()
		action := AuditDeactivated
		if active {
			action = AuditSettings
		}
		if err := s.saveMeta(ctx, &before, acc, action); err != nil {
			return err
		}
		out = acc
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "account activity changed", "account_id", accountID, "active", active)
	return out, nil
}

// saveMeta persists a change that creates no movement.
func (s *Service) saveMeta(ctx context.Context, before, acc *Account, action string) error {
	if err := s.repo.UpdateAccount(ctx, acc, before.Version); err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, EventStockChanged, acc.ID, stockChanged(acc, nil)); err != nil {
			return fmt.Errorf("queue stock event: %w", err)
		}
	}
	if s.auditor != nil {
		if err := s.auditor.Record(ctx, AuditEntry{AccountID: acc.ID, Action: action, Before: before, After: acc}); err != nil {
			return fmt.Errorf("audit: %w", err)
		}
	}
	return nil
}

// RefreshDerived re-evaluates health and age for stocked accounts so list
// filters stay current as batches age. Returns the number of accounts updated.
func (s *Service) RefreshDerived(ctx context.Context, farmID *id.ID) (int, error) {
	accounts, err := s.repo.ListAccounts(ctx, AccountFilter{FarmID: farmID, ActiveOnly: true, Limit: 10000})
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	updated := 0
	for _, listed := range accounts {
		if listed.QuantityAvailable.IsZero() {
			continue
		}
		changed := false
		err := s.txm.RunInTransaction(ctx, func(ctx context.Context) error {
			acc, err := s.repo.LockAccountByID(ctx, listed.ID)
			if err != nil {
				return err
			}
			batches, err := s.loadBatches(ctx, acc)
			if err != nil {
				return err
			}
			prev := acc.Derived
			acc.derive(batches, s.now(), s.policy)
			if sameDerived(prev, acc.Derived) {
				return nil
			}
			changed = true
			return s.repo.UpdateAccount(ctx, acc, acc.Version)
		})
		if err != nil {
			if apperror.IsRetryable(err) {
				// Skip rows a mutation is holding; the next run picks them up.
				logger.Warn(ctx, "skipped busy account", "account_id", listed.ID)
				continue
			}
			return updated, err
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func sameDerived(a, b Derived) bool {
	if a.IsLowStock != b.IsLowStock || a.StockHealth != b.StockHealth {
		return false
	}
	if !a.ExpiredQuantity.Equal(b.ExpiredQuantity) {
		return false
	}
	if a.AverageAgeDays.Valid != b.AverageAgeDays.Valid || !a.AverageAgeDays.Decimal.Equal(b.AverageAgeDays.Decimal) {
		return false
	}
	return true
}
