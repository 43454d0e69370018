package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"farmledger/internal/core/apperror"
	"farmledger/internal/core/id"
	"farmledger/internal/core/types"
	"farmledger/internal/domain/mirror"
)

// MovementType classifies why stock moved.
type MovementType string

const (
	MovementProduction       MovementType = "production"
	MovementPurchase         MovementType = "purchase"
	MovementReturn           MovementType = "return"
	MovementProcessingOutput MovementType = "processing_output"

	MovementSale        MovementType = "sale"
	MovementSpoilage    MovementType = "spoilage"
	MovementBreakage    MovementType = "breakage"
	MovementMortality   MovementType = "mortality"
	MovementInternalUse MovementType = "internal_use"

	MovementAdjustment MovementType = "adjustment"
	MovementTransfer   MovementType = "transfer"
)

// Direction says which mutator a movement type may be used with.
type Direction int

const (
	DirectionInbound Direction = iota + 1
	DirectionOutbound
	DirectionEither
)

var movementDirections = map[MovementType]Direction{
	MovementProduction:       DirectionInbound,
	MovementPurchase:         DirectionInbound,
	MovementReturn:           DirectionInbound,
	MovementProcessingOutput: DirectionInbound,
	MovementSale:             DirectionOutbound,
	MovementSpoilage:         DirectionOutbound,
	MovementBreakage:         DirectionOutbound,
	MovementMortality:        DirectionOutbound,
	MovementInternalUse:      DirectionOutbound,
	MovementAdjustment:       DirectionEither,
	MovementTransfer:         DirectionEither,
}

// ParseMovementType validates a movement type coming from an external caller.
func ParseMovementType(s string) (MovementType, error) {
	t := MovementType(s)
	if _, ok := movementDirections[t]; !ok {
		return "", apperror.NewValidation(fmt.Sprintf("unknown movement type %q", s))
	}
	return t, nil
}

// AllowsInbound reports whether the type may be used with AddStock.
func (t MovementType) AllowsInbound() bool {
	d := movementDirections[t]
	return d == DirectionInbound || d == DirectionEither
}

// AllowsOutbound reports whether the type may be used with RemoveStock.
func (t MovementType) AllowsOutbound() bool {
	d := movementDirections[t]
	return d == DirectionOutbound || d == DirectionEither
}

// IsLoss reports whether an outbound movement of this type counts toward total_lost.
// Every removal other than a sale is a loss from the sales point of view.
func (t MovementType) IsLoss() bool {
	return t != MovementSale && t.AllowsOutbound()
}

// SourceKind is the closed set of things that can trigger a movement.
type SourceKind string

const (
	SourceSale          SourceKind = "sale"
	SourceProduction    SourceKind = "production"
	SourcePurchase      SourceKind = "purchase"
	SourceReturn        SourceKind = "return"
	SourceProcessing    SourceKind = "processing"
	SourceSpoilage      SourceKind = "spoilage"
	SourceAdjustment    SourceKind = "adjustment"
	SourceTransfer      SourceKind = "transfer"
	SourceEggCollection SourceKind = "egg_collection"
	SourceFlock         SourceKind = "flock"
)

var sourceKinds = map[SourceKind]struct{}{
	SourceSale: {}, SourceProduction: {}, SourcePurchase: {}, SourceReturn: {},
	SourceProcessing: {}, SourceSpoilage: {}, SourceAdjustment: {}, SourceTransfer: {},
	SourceEggCollection: {}, SourceFlock: {},
}

// SourceRef points at the record that caused a movement.
// The zero value means "no source". Values are built with the typed
// constructors or ParseSourceRef, never from free text.
type SourceRef struct {
	kind SourceKind
	id   string
}

func SaleRef(saleID string) SourceRef             { return SourceRef{SourceSale, saleID} }
func ProductionRef(recordID string) SourceRef     { return SourceRef{SourceProduction, recordID} }
func PurchaseRef(purchaseID string) SourceRef     { return SourceRef{SourcePurchase, purchaseID} }
func ReturnRef(returnID string) SourceRef         { return SourceRef{SourceReturn, returnID} }
func ProcessingRef(runID string) SourceRef        { return SourceRef{SourceProcessing, runID} }
func SpoilageRef(reportID string) SourceRef       { return SourceRef{SourceSpoilage, reportID} }
func AdjustmentRef(adjustmentID string) SourceRef { return SourceRef{SourceAdjustment, adjustmentID} }
func TransferRef(transferID string) SourceRef     { return SourceRef{SourceTransfer, transferID} }
func EggCollectionRef(collectionID string) SourceRef {
	return SourceRef{SourceEggCollection, collectionID}
}
func FlockRef(flockID string) SourceRef { return SourceRef{SourceFlock, flockID} }

// ParseSourceRef rebuilds a reference from its stored parts.
// Both parts empty yields the zero reference.
func ParseSourceRef(kind, refID string) (SourceRef, error) {
	if kind == "" && refID == "" {
		return SourceRef{}, nil
	}
	k := SourceKind(kind)
	if _, ok := sourceKinds[k]; !ok {
		return SourceRef{}, apperror.NewValidation(fmt.Sprintf("unknown source kind %q", kind))
	}
	if refID == "" {
		return SourceRef{}, apperror.NewValidation("source id is required")
	}
	return SourceRef{kind: k, id: refID}, nil
}

func (r SourceRef) Kind() SourceKind { return r.kind }
func (r SourceRef) ID() string       { return r.id }
func (r SourceRef) IsZero() bool     { return r.kind == "" }

func (r SourceRef) String() string {
	if r.IsZero() {
		return ""
	}
	return string(r.kind) + ":" + r.id
}

// Movement is one immutable ledger entry.
type Movement struct {
	ID        id.ID
	AccountID id.ID
	// Sequence is the account version the movement produced; it totally orders an account's history.
	Sequence     int64
	Quantity     types.Quantity // signed: positive adds, negative removes
	UnitCost     types.Money
	UnitPrice    decimal.NullDecimal
	BalanceAfter types.Quantity
	Type         MovementType
	Source       SourceRef
	Actor        string
	Notes        string
	OccurredAt   time.Time
	CreatedAt    time.Time
}

// IsAddition reports whether the movement increased stock.
func (m *Movement) IsAddition() bool {
	return m.Quantity.IsPositive()
}

// MovementResult is returned by the mutators.
type MovementResult struct {
	MovementID id.ID          `json:"movementId"`
	AccountID  id.ID          `json:"accountId"`
	Created    bool           `json:"accountCreated"`
	Balance    types.Quantity `json:"balance"`
	UnitCost   types.Money    `json:"unitCost"`
	Consumed   []Consumption  `json:"consumed,omitempty"`
	BatchID    *id.ID         `json:"batchId,omitempty"`
	Health     StockHealth    `json:"stockHealth"`
	LowStock   bool           `json:"isLowStock"`
	Mirror     *mirror.Result `json:"mirror,omitempty"`
	Movement   *Movement      `json:"-"`
}
