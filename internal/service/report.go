package service

import (
	"context"
	"strconv"

	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
)

// ReorderAlert is one line of the low-stock report.
type ReorderAlert struct {
	StockRecordID        uint64 `json:"stock_record_id"`
	ProductID            uint64 `json:"product_id"`
	WarehouseID          uint64 `json:"warehouse_id"`
	Quantity             int64  `json:"quantity"`
	ReservedQuantity     int64  `json:"reserved_quantity"`
	MinQuantity          int64  `json:"min_quantity"`
	SuggestedPurchaseQty int64  `json:"suggested_purchase_qty"`
}

// LowStockReport lists non-archived rows at or below their reorder threshold.
func (s *InventoryService) LowStockReport(ctx context.Context, warehouseID *uint64) ([]ReorderAlert, error) {
	recs, err := s.repo.ListLowStocks(ctx, warehouseID)
	if err != nil {
		return nil, err
	}
	alerts := make([]ReorderAlert, 0, len(recs))
	for i := range recs {
		alerts = append(alerts, reorderAlert(&recs[i]))
	}
	return alerts, nil
}

// ScanReorderAlerts enqueues a reorder.alert task event for every low-stock
// row. An unavailable outbox degrades to zero alerts, never an error.
func (s *InventoryService) ScanReorderAlerts(ctx context.Context, warehouseID *uint64) (int, error) {
	recs, err := s.repo.ListLowStocks(ctx, warehouseID)
	if err != nil {
		return 0, err
	}
	enqueued := 0
	err = s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range recs {
			alert := reorderAlert(&recs[i])
			_, ok := s.outbox.SafeEnqueue(ctx, tx, EnqueueParams{
				AggregateType: "stock",
				AggregateID:   strconv.FormatUint(alert.StockRecordID, 10),
				EventType:     "reorder.alert",
				Channel:       model.ChannelTask,
				Payload: map[string]interface{}{
					"product_id":             alert.ProductID,
					"warehouse_id":           alert.WarehouseID,
					"current_qty":            alert.Quantity,
					"reserved_qty":           alert.ReservedQuantity,
					"min_qty":                alert.MinQuantity,
					"suggested_purchase_qty": alert.SuggestedPurchaseQty,
				},
			})
			if ok {
				enqueued++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return enqueued, nil
}

func reorderAlert(rec *model.StockRecord) ReorderAlert {
	// restock back to twice the threshold, the original heuristic
	target := rec.MinQuantity * 2
	need := target - rec.Quantity
	if need < 0 {
		need = 0
	}
	return ReorderAlert{
		StockRecordID:        rec.ID,
		ProductID:            rec.ProductID,
		WarehouseID:          rec.WarehouseID,
		Quantity:             rec.Quantity,
		ReservedQuantity:     rec.ReservedQuantity,
		MinQuantity:          rec.MinQuantity,
		SuggestedPurchaseQty: need,
	}
}
