package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// StockRecord tracks on-hand and reserved quantity for one (product, warehouse)
// pair. Counters are mutated only by the ledger service; reserved_quantity never
// exceeds quantity and neither goes negative.
type StockRecord struct {
	ID               uint64 `gorm:"primaryKey"`
	ProductID        uint64 `gorm:"not null;index;uniqueIndex:uq_stock_product_warehouse"`
	WarehouseID      uint64 `gorm:"not null;index;uniqueIndex:uq_stock_product_warehouse"`
	Quantity         int64  `gorm:"not null;default:0"`
	ReservedQuantity int64  `gorm:"not null;default:0"`
	MinQuantity      int64  `gorm:"not null;default:0"`
	CostPrice        *decimal.Decimal `gorm:"type:numeric(14,2)"`
	Version          uint64 `gorm:"not null;default:0"`
	IsArchived       bool   `gorm:"not null;default:false;index"`
	ArchivedAt       *time.Time
	LastRestockedAt  *time.Time
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime"`
}

func (StockRecord) TableName() string { return "stock_records" }

// NewStockRecord validates required fields up front; counters start at zero.
func NewStockRecord(productID, warehouseID uint64, minQuantity int64) (*StockRecord, error) {
	if productID == 0 || warehouseID == 0 {
		return nil, errors.New("product id and warehouse id are required")
	}
	if minQuantity < 0 {
		return nil, errors.New("min quantity must be non-negative")
	}
	return &StockRecord{
		ProductID:   productID,
		WarehouseID: warehouseID,
		MinQuantity: minQuantity,
	}, nil
}

// Available is on-hand minus reserved.
func (s *StockRecord) Available() int64 {
	avail := s.Quantity - s.ReservedQuantity
	if avail < 0 {
		return 0
	}
	return avail
}

func (s *StockRecord) IsLowStock() bool { return s.Quantity <= s.MinQuantity }

func (s *StockRecord) Archive(now time.Time) {
	s.IsArchived = true
	s.ArchivedAt = &now
}

func (s *StockRecord) Restore() {
	s.IsArchived = false
	s.ArchivedAt = nil
}
