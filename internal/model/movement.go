package model

import "time"

// Movement types. in/out/fulfill/adjustment track the on-hand counter,
// reserve/release track the reserved counter.
const (
	MovementIn         = "in"
	MovementOut        = "out"
	MovementReserve    = "reserve"
	MovementRelease    = "release"
	MovementFulfill    = "fulfill"
	MovementAdjustment = "adjustment"
)

// StockMovement is an append-only audit record, one per successful ledger
// mutation, written inside the same transaction. Rows are never updated.
type StockMovement struct {
	ID               uint64 `gorm:"primaryKey"`
	StockRecordID    uint64 `gorm:"not null;index:ix_movements_stock_created"`
	ProductID        uint64 `gorm:"not null;index"`
	WarehouseID      uint64 `gorm:"not null"`
	MovementType     string `gorm:"size:32;not null;index"`
	Quantity         int64  `gorm:"not null"`
	PreviousQuantity int64  `gorm:"not null"`
	NewQuantity      int64  `gorm:"not null"`
	OrderID          *uint64 `gorm:"index"`
	ActorID          *uint64
	Notes            string    `gorm:"type:text"`
	CreatedAt        time.Time `gorm:"autoCreateTime;index:ix_movements_stock_created"`
}

func (StockMovement) TableName() string { return "stock_movements" }
