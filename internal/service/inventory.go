package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
)

// InventoryService exposes single-row stock operations and read queries.
// Multi-row reservations live on the Coordinator.
type InventoryService struct {
	repo   repo.RepositoryInterface
	ledger *Ledger
	outbox *OutboxQueue
	log    *zap.SugaredLogger
}

// NewInventoryService returns InventoryService.
func NewInventoryService(r repo.RepositoryInterface, ledger *Ledger, outbox *OutboxQueue, logger *zap.SugaredLogger) *InventoryService {
	return &InventoryService{repo: r, ledger: ledger, outbox: outbox, log: logger}
}

// Receive books incoming stock; the stock row is created on first receive.
func (s *InventoryService) Receive(ctx context.Context, productID, warehouseID uint64, qty int64, costPrice *decimal.Decimal, meta MovementMeta) (*model.StockRecord, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	var rec *model.StockRecord
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, err = s.repo.FindStockForUpdate(ctx, tx, productID, warehouseID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			rec, err = model.NewStockRecord(productID, warehouseID, 0)
			if err != nil {
				return err
			}
			if err := s.repo.CreateStockRecord(ctx, tx, rec); err != nil {
				return err
			}
		}
		m, err := s.ledger.Receive(ctx, tx, rec, qty, costPrice, meta)
		if err != nil {
			return err
		}
		s.enqueueStockEvent(ctx, tx, rec, m, "stock.received")
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshAvailability(ctx, productID)
	return rec, nil
}

// Ship books outgoing stock that bypasses the reservation flow.
func (s *InventoryService) Ship(ctx context.Context, productID, warehouseID uint64, qty int64, meta MovementMeta) (*model.StockRecord, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	var rec *model.StockRecord
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, err = s.repo.FindStockForUpdate(ctx, tx, productID, warehouseID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return repo.ErrInsufficientStock
			}
			return err
		}
		m, err := s.ledger.Ship(ctx, tx, rec, qty, meta)
		if err != nil {
			return err
		}
		s.enqueueStockEvent(ctx, tx, rec, m, "stock.shipped")
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshAvailability(ctx, productID)
	return rec, nil
}

// Adjust applies an administrative correction to on-hand stock.
func (s *InventoryService) Adjust(ctx context.Context, productID, warehouseID uint64, delta int64, meta MovementMeta) (*model.StockRecord, error) {
	var rec *model.StockRecord
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rec, err = s.repo.FindStockForUpdate(ctx, tx, productID, warehouseID)
		if err != nil {
			return err
		}
		m, err := s.ledger.Adjust(ctx, tx, rec, delta, meta)
		if err != nil {
			return err
		}
		s.enqueueStockEvent(ctx, tx, rec, m, "stock.adjusted")
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refreshAvailability(ctx, productID)
	return rec, nil
}

// Transfer moves stock between two warehouses of the same product: an out
// movement on the source and an in movement on the destination, committed
// together. The destination row is created on first transfer into it and
// folds the source's average cost into its own.
func (s *InventoryService) Transfer(ctx context.Context, productID, fromWH, toWH uint64, qty int64, meta MovementMeta) (*model.StockRecord, *model.StockRecord, error) {
	if qty <= 0 {
		return nil, nil, ErrInvalidQuantity
	}
	if fromWH == toWH {
		return nil, nil, errors.New("cannot transfer within the same warehouse")
	}
	var from, to *model.StockRecord
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		// lock rows in warehouse order so opposite transfers cannot deadlock
		var err error
		if fromWH < toWH {
			if from, err = s.lockForTransfer(ctx, tx, productID, fromWH, false); err != nil {
				return err
			}
			if to, err = s.lockForTransfer(ctx, tx, productID, toWH, true); err != nil {
				return err
			}
		} else {
			if to, err = s.lockForTransfer(ctx, tx, productID, toWH, true); err != nil {
				return err
			}
			if from, err = s.lockForTransfer(ctx, tx, productID, fromWH, false); err != nil {
				return err
			}
		}
		if _, err := s.ledger.Ship(ctx, tx, from, qty, meta); err != nil {
			return err
		}
		if _, err := s.ledger.Receive(ctx, tx, to, qty, from.CostPrice, meta); err != nil {
			return err
		}
		s.outbox.SafeEnqueue(ctx, tx, EnqueueParams{
			AggregateType: "product",
			AggregateID:   strconv.FormatUint(productID, 10),
			EventType:     "stock.transferred",
			Channel:       model.ChannelERP,
			Payload: map[string]interface{}{
				"product_id":        productID,
				"from_warehouse_id": fromWH,
				"to_warehouse_id":   toWH,
				"quantity":          qty,
				"from_quantity":     from.Quantity,
				"to_quantity":       to.Quantity,
			},
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.refreshAvailability(ctx, productID)
	return from, to, nil
}

// lockForTransfer locks one side of a transfer. A missing source reads as a
// shortage; a missing destination is created empty.
func (s *InventoryService) lockForTransfer(ctx context.Context, tx *gorm.DB, productID, warehouseID uint64, create bool) (*model.StockRecord, error) {
	rec, err := s.repo.FindStockForUpdate(ctx, tx, productID, warehouseID)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if !create {
		return nil, repo.ErrInsufficientStock
	}
	rec, err = model.NewStockRecord(productID, warehouseID, 0)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateStockRecord(ctx, tx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Archive retires a stock row; queries and reservations skip archived rows.
func (s *InventoryService) Archive(ctx context.Context, stockID uint64) error {
	return s.setArchived(ctx, stockID, true)
}

// Restore brings an archived stock row back.
func (s *InventoryService) Restore(ctx context.Context, stockID uint64) error {
	return s.setArchived(ctx, stockID, false)
}

func (s *InventoryService) setArchived(ctx context.Context, stockID uint64, archived bool) error {
	return s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.repo.GetStockForUpdate(ctx, tx, stockID)
		if err != nil {
			return err
		}
		if archived {
			rec.Archive(time.Now())
		} else {
			rec.Restore()
		}
		return s.repo.UpdateStockArchive(ctx, tx, rec)
	})
}

// GetAvailability returns the product's available total across non-archived
// rows, served from cache when fresh. Reservations never read this value.
func (s *InventoryService) GetAvailability(ctx context.Context, productID uint64) (int64, error) {
	if avail, err := s.repo.GetCachedAvailability(ctx, productID); err == nil {
		return avail, nil
	}
	avail, err := s.repo.SumAvailability(ctx, productID)
	if err != nil {
		return 0, err
	}
	if err := s.repo.CacheAvailability(ctx, productID, avail); err != nil {
		s.log.Warnw("availability cache write failed", "product_id", productID, "err", err)
	}
	return avail, nil
}

// GetMovements fetches the audit trail for one stock record.
func (s *InventoryService) GetMovements(ctx context.Context, stockID uint64, since time.Time, limit int) ([]model.StockMovement, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListMovements(ctx, stockID, since, limit)
}

func (s *InventoryService) enqueueStockEvent(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, m *model.StockMovement, eventType string) {
	s.outbox.SafeEnqueue(ctx, tx, EnqueueParams{
		AggregateType: "stock",
		AggregateID:   strconv.FormatUint(rec.ID, 10),
		EventType:     eventType,
		Channel:       model.ChannelERP,
		Payload: map[string]interface{}{
			"product_id":        rec.ProductID,
			"warehouse_id":      rec.WarehouseID,
			"movement_type":     m.MovementType,
			"delta":             m.Quantity,
			"quantity":          rec.Quantity,
			"reserved_quantity": rec.ReservedQuantity,
			"available":         rec.Available(),
		},
	})
}

func (s *InventoryService) refreshAvailability(ctx context.Context, productID uint64) {
	avail, err := s.repo.SumAvailability(ctx, productID)
	if err != nil {
		s.log.Warnw("availability refresh failed", "product_id", productID, "err", err)
		return
	}
	if err := s.repo.CacheAvailability(ctx, productID, avail); err != nil {
		s.log.Warnw("availability cache write failed", "product_id", productID, "err", err)
	}
}
