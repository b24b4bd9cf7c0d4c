package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
)

// MovementMeta carries optional audit context for a ledger mutation.
type MovementMeta struct {
	OrderID *uint64
	ActorID *uint64
	Notes   string
}

// Ledger owns the counter invariants of a single stock row. Every mutator
// runs inside the caller's transaction, persists the counters under the
// version guard and appends exactly one movement record. The ledger is the
// sole writer of stock counters and movements.
type Ledger struct {
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewLedger returns Ledger.
func NewLedger(r repo.RepositoryInterface, logger *zap.SugaredLogger) *Ledger {
	return &Ledger{repo: r, log: logger}
}

// Receive increments on-hand stock. A cost price recalculates the weighted
// average and stamps last_restocked_at.
func (l *Ledger) Receive(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, qty int64, costPrice *decimal.Decimal, meta MovementMeta) (*model.StockMovement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	prev := rec.Quantity
	if costPrice != nil {
		rec.CostPrice = weightedAvgCost(prev, qty, rec.CostPrice, *costPrice)
	}
	now := time.Now()
	rec.LastRestockedAt = &now
	rec.Quantity = prev + qty
	return l.commit(ctx, tx, rec, model.MovementIn, qty, prev, rec.Quantity, meta)
}

// Ship decrements on-hand stock; fails when available cannot cover qty.
func (l *Ledger) Ship(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, qty int64, meta MovementMeta) (*model.StockMovement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if rec.Available() < qty {
		return nil, repo.ErrInsufficientStock
	}
	prev := rec.Quantity
	rec.Quantity = prev - qty
	return l.commit(ctx, tx, rec, model.MovementOut, -qty, prev, rec.Quantity, meta)
}

// Reserve places a provisional hold; fails when available cannot cover qty.
func (l *Ledger) Reserve(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, qty int64, meta MovementMeta) (*model.StockMovement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if rec.Available() < qty {
		return nil, repo.ErrInsufficientStock
	}
	prev := rec.ReservedQuantity
	rec.ReservedQuantity = prev + qty
	return l.commit(ctx, tx, rec, model.MovementReserve, qty, prev, rec.ReservedQuantity, meta)
}

// Release returns reserved units to availability. Releasing more than is
// reserved is a caller bug, never clamped.
func (l *Ledger) Release(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, qty int64, meta MovementMeta) (*model.StockMovement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if qty > rec.ReservedQuantity {
		l.log.Errorw("release exceeds reserved quantity",
			"stock_id", rec.ID, "reserved", rec.ReservedQuantity, "qty", qty)
		return nil, fmt.Errorf("release %d exceeds reserved %d: %w", qty, rec.ReservedQuantity, ErrInvariantViolation)
	}
	prev := rec.ReservedQuantity
	rec.ReservedQuantity = prev - qty
	return l.commit(ctx, tx, rec, model.MovementRelease, -qty, prev, rec.ReservedQuantity, meta)
}

// Fulfill converts a reservation into an actual depletion: both counters drop
// by qty atomically. A shortfall on either counter is a caller bug because
// fulfillment replays a previously recorded reservation.
func (l *Ledger) Fulfill(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, qty int64, meta MovementMeta) (*model.StockMovement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	if qty > rec.ReservedQuantity || qty > rec.Quantity {
		l.log.Errorw("fulfill exceeds reserved or on-hand quantity",
			"stock_id", rec.ID, "quantity", rec.Quantity, "reserved", rec.ReservedQuantity, "qty", qty)
		return nil, fmt.Errorf("fulfill %d exceeds counters (on-hand %d, reserved %d): %w",
			qty, rec.Quantity, rec.ReservedQuantity, ErrInvariantViolation)
	}
	prev := rec.Quantity
	rec.Quantity = prev - qty
	rec.ReservedQuantity -= qty
	return l.commit(ctx, tx, rec, model.MovementFulfill, -qty, prev, rec.Quantity, meta)
}

// Adjust applies an administrative correction. The result may not drop below
// zero or below the reserved quantity.
func (l *Ledger) Adjust(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, delta int64, meta MovementMeta) (*model.StockMovement, error) {
	if delta == 0 {
		return nil, ErrInvalidQuantity
	}
	prev := rec.Quantity
	next := prev + delta
	if next < 0 || next < rec.ReservedQuantity {
		l.log.Errorw("adjustment would break counters",
			"stock_id", rec.ID, "quantity", prev, "reserved", rec.ReservedQuantity, "delta", delta)
		return nil, fmt.Errorf("adjust by %d from %d (reserved %d): %w",
			delta, prev, rec.ReservedQuantity, ErrInvariantViolation)
	}
	rec.Quantity = next
	return l.commit(ctx, tx, rec, model.MovementAdjustment, delta, prev, next, meta)
}

// commit persists counters under the version guard and appends the movement.
func (l *Ledger) commit(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, movementType string, qty, prev, next int64, meta MovementMeta) (*model.StockMovement, error) {
	if err := l.repo.UpdateStockCounters(ctx, tx, rec, rec.Version); err != nil {
		return nil, err
	}
	m := &model.StockMovement{
		StockRecordID:    rec.ID,
		ProductID:        rec.ProductID,
		WarehouseID:      rec.WarehouseID,
		MovementType:     movementType,
		Quantity:         qty,
		PreviousQuantity: prev,
		NewQuantity:      next,
		OrderID:          meta.OrderID,
		ActorID:          meta.ActorID,
		Notes:            meta.Notes,
	}
	if err := l.repo.CreateMovement(ctx, tx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// weightedAvgCost folds a received batch into the moving average cost.
func weightedAvgCost(oldQty, addQty int64, oldCost *decimal.Decimal, addCost decimal.Decimal) *decimal.Decimal {
	if addQty <= 0 {
		return oldCost
	}
	prev := decimal.Zero
	if oldCost != nil {
		prev = *oldCost
	}
	numerator := prev.Mul(decimal.NewFromInt(oldQty)).Add(addCost.Mul(decimal.NewFromInt(addQty)))
	avg := numerator.Div(decimal.NewFromInt(oldQty + addQty)).Round(2)
	return &avg
}
