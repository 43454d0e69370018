// Package feeder turns ready-stock events from farm operations into ledger
// movements. It never writes quantities itself; every event ends in exactly
// one AddStock or RemoveStock call, or is skipped.
package feeder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"farmledger/internal/core/apperror"
	appctx "farmledger/internal/core/context"
	"farmledger/internal/core/id"
	"farmledger/internal/domain/ledger"
	"farmledger/pkg/logger"
)

// Kind is the type of a ready-stock event.
type Kind string

const (
	KindEggCollection    Kind = "egg_collection"
	KindBirdsReady       Kind = "birds_ready"
	KindProcessingOutput Kind = "processing_output"
	KindPurchaseReceived Kind = "purchase_received"
	KindReturnAccepted   Kind = "return_accepted"
	KindSaleFulfilled    Kind = "sale_fulfilled"
	KindSpoilage         Kind = "spoilage"
	KindBreakage         Kind = "breakage"
	KindMortality        Kind = "mortality"
	KindInternalUse      Kind = "internal_use"
	KindAdjustment       Kind = "adjustment"
)

// Event is the wire shape of a ready-stock event.
type Event struct {
	ID          string           `json:"id"`
	Kind        Kind             `json:"kind"`
	FarmID      id.ID            `json:"farmId"`
	Category    ledger.Category  `json:"category"`
	ProductName string           `json:"productName"`
	Quantity    decimal.Decimal  `json:"quantity"` // signed for adjustments only
	UnitCost    *decimal.Decimal `json:"unitCost,omitempty"`
	UnitPrice   *decimal.Decimal `json:"unitPrice,omitempty"`
	EventDate   *time.Time       `json:"eventDate,omitempty"`
	SourceID    string           `json:"sourceId"`
	// FitForResale gates returns; a return that cannot be resold creates no stock.
	FitForResale *bool  `json:"fitForResale,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// Decode parses a message body.
func Decode(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, apperror.NewValidation("malformed ready-stock event").WithCause(err)
	}
	return ev, nil
}

// Key returns the account the event targets.
func (e Event) Key() ledger.AccountKey {
	return ledger.AccountKey{FarmID: e.FarmID, Category: e.Category, ProductName: e.ProductName}
}

// StockService is the part of the ledger the feeder drives.
type StockService interface {
	AddStock(ctx context.Context, key ledger.AccountKey, req ledger.AddStockRequest) (*ledger.MovementResult, error)
	RemoveStock(ctx context.Context, key ledger.AccountKey, req ledger.RemoveStockRequest) (*ledger.MovementResult, error)
}

// Feeder routes events to the ledger.
type Feeder struct {
	stock      StockService
	maxTries   uint
	newBackOff func() backoff.BackOff
	now        func() time.Time
}

// Option configures a Feeder.
type Option func(*Feeder)

// WithMaxTries caps attempts per event, the first one included.
func WithMaxTries(n uint) Option {
	return func(f *Feeder) { f.maxTries = n }
}

// WithBackOff sets the retry schedule factory.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(f *Feeder) { f.newBackOff = fn }
}

// WithClock replaces time.Now for undated events.
func WithClock(now func() time.Time) Option {
	return func(f *Feeder) { f.now = now }
}

// New creates a feeder.
func New(stock StockService, opts ...Option) *Feeder {
	f := &Feeder{
		stock:    stock,
		maxTries: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Handle applies ev. Concurrency conflicts are retried with backoff; every
// other error is returned unchanged. A nil result with a nil error means the
// event was intentionally skipped.
func (f *Feeder) Handle(ctx context.Context, ev Event) (*ledger.MovementResult, error) {
	ctx = appctx.WithSystemActor(ctx, "feeder."+string(ev.Kind))

	op := func() (*ledger.MovementResult, error) {
		res, err := f.apply(ctx, ev)
		if err != nil && !apperror.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return res, err
	}
	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(f.newBackOff()),
		backoff.WithMaxTries(f.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn(ctx, "retrying ready-stock event",
				"event_id", ev.ID,
				"kind", ev.Kind,
				"wait", wait,
				"error", err,
			)
		}),
	)
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (f *Feeder) apply(ctx context.Context, ev Event) (*ledger.MovementResult, error) {
	key := ev.Key()
	switch ev.Kind {
	case KindEggCollection:
		return f.add(ctx, key, ev, ledger.MovementProduction, ledger.EggCollectionRef(ev.SourceID))
	case KindBirdsReady:
		return f.add(ctx, key, ev, ledger.MovementProduction, ledger.FlockRef(ev.SourceID))
	case KindProcessingOutput:
		return f.add(ctx, key, ev, ledger.MovementProcessingOutput, ledger.ProcessingRef(ev.SourceID))
	case KindPurchaseReceived:
		return f.add(ctx, key, ev, ledger.MovementPurchase, ledger.PurchaseRef(ev.SourceID))
	case KindReturnAccepted:
		if ev.FitForResale == nil || !*ev.FitForResale {
			logger.Info(ctx, "return not fit for resale, no stock added", "event_id", ev.ID, "source_id", ev.SourceID)
			return nil, nil
		}
		return f.add(ctx, key, ev, ledger.MovementReturn, ledger.ReturnRef(ev.SourceID))
	case KindSaleFulfilled:
		return f.remove(ctx, key, ev, ledger.MovementSale, ledger.SaleRef(ev.SourceID))
	case KindSpoilage:
		return f.remove(ctx, key, ev, ledger.MovementSpoilage, ledger.SpoilageRef(ev.SourceID))
	case KindBreakage:
		return f.remove(ctx, key, ev, ledger.MovementBreakage, ledger.SpoilageRef(ev.SourceID))
	case KindMortality:
		return f.remove(ctx, key, ev, ledger.MovementMortality, ledger.FlockRef(ev.SourceID))
	case KindInternalUse:
		return f.remove(ctx, key, ev, ledger.MovementInternalUse, ledger.AdjustmentRef(ev.SourceID))
	case KindAdjustment:
		if ev.Quantity.IsNegative() {
			neg := ev
			neg.Quantity = ev.Quantity.Neg()
			return f.remove(ctx, key, neg, ledger.MovementAdjustment, ledger.AdjustmentRef(ev.SourceID))
		}
		return f.add(ctx, key, ev, ledger.MovementAdjustment, ledger.AdjustmentRef(ev.SourceID))
	}
	return nil, apperror.NewValidation(fmt.Sprintf("unknown ready-stock event kind %q", ev.Kind))
}

func (f *Feeder) add(ctx context.Context, key ledger.AccountKey, ev Event, t ledger.MovementType, src ledger.SourceRef) (*ledger.MovementResult, error) {
	produced := f.now()
	if ev.EventDate != nil {
		produced = *ev.EventDate
	}
	req := ledger.AddStockRequest{
		Quantity:       ev.Quantity,
		Type:           t,
		ProductionDate: &produced,
		Source:         sourceOrZero(ev, src),
		Notes:          ev.Notes,
		OccurredAt:     f.now(),
	}
	if ev.UnitCost != nil {
		req.UnitCost = decimal.NewNullDecimal(*ev.UnitCost)
	}
	return f.stock.AddStock(ctx, key, req)
}

func (f *Feeder) remove(ctx context.Context, key ledger.AccountKey, ev Event, t ledger.MovementType, src ledger.SourceRef) (*ledger.MovementResult, error) {
	req := ledger.RemoveStockRequest{
		Quantity:   ev.Quantity,
		Type:       t,
		Source:     sourceOrZero(ev, src),
		Notes:      ev.Notes,
		OccurredAt: f.now(),
	}
	if ev.EventDate != nil {
		req.OccurredAt = *ev.EventDate
	}
	if ev.UnitPrice != nil && t == ledger.MovementSale {
		req.UnitPrice = decimal.NewNullDecimal(*ev.UnitPrice)
	}
	return f.stock.RemoveStock(ctx, key, req)
}

func sourceOrZero(ev Event, src ledger.SourceRef) ledger.SourceRef {
	if ev.SourceID == "" {
		return ledger.SourceRef{}
	}
	return src
}
