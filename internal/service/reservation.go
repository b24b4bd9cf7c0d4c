package service

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
)

// ReservationLine records the allocation taken from one stock row.
type ReservationLine struct {
	StockRecordID uint64 `json:"stock_record_id"`
	WarehouseID   uint64 `json:"warehouse_id"`
	Quantity      int64  `json:"quantity"`
}

// ReservationTicket captures, at reservation time, exactly which rows were
// charged and by how much. Release and Fulfill replay these lines instead of
// re-deriving the allocation, which could pick different rows under
// concurrent mutation. The caller (order flow) owns the ticket's storage.
type ReservationTicket struct {
	ProductID uint64            `json:"product_id"`
	Quantity  int64             `json:"quantity"`
	OrderID   *uint64           `json:"order_id,omitempty"`
	Lines     []ReservationLine `json:"lines"`
}

// Coordinator satisfies a reservation for one product across multiple
// warehouse stock rows as a single all-or-nothing transaction.
type Coordinator struct {
	repo   repo.RepositoryInterface
	ledger *Ledger
	outbox *OutboxQueue
	log    *zap.SugaredLogger
}

// NewCoordinator returns Coordinator.
func NewCoordinator(r repo.RepositoryInterface, ledger *Ledger, outbox *OutboxQueue, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{repo: r, ledger: ledger, outbox: outbox, log: logger}
}

// Reserve locks the product's stock rows with SKIP LOCKED, fills greedily in
// ascending warehouse id and commits either the full quantity or nothing.
// Returns ErrContended when rows held by concurrent reservations hid enough
// capacity (retryable) and repo.ErrInsufficientStock when the visible total
// genuinely cannot cover the request (terminal).
func (c *Coordinator) Reserve(ctx context.Context, productID uint64, qty int64, meta MovementMeta) (*ReservationTicket, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	var ticket *ReservationTicket
	err := c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		stocks, err := c.repo.ListStocksForReservation(ctx, tx, productID)
		if err != nil {
			return err
		}
		remaining := qty
		lines := make([]ReservationLine, 0, len(stocks))
		for i := range stocks {
			if remaining <= 0 {
				break
			}
			rec := &stocks[i]
			avail := rec.Available()
			if avail <= 0 {
				continue
			}
			take := avail
			if remaining < take {
				take = remaining
			}
			if _, err := c.ledger.Reserve(ctx, tx, rec, take, meta); err != nil {
				if errors.Is(err, repo.ErrStaleStock) {
					return ErrContended
				}
				return err
			}
			lines = append(lines, ReservationLine{
				StockRecordID: rec.ID,
				WarehouseID:   rec.WarehouseID,
				Quantity:      take,
			})
			remaining -= take
		}
		if remaining > 0 {
			total, err := c.repo.CountActiveStocks(ctx, tx, productID)
			if err != nil {
				return err
			}
			if total > int64(len(stocks)) {
				// rows skipped by the lock may hold the missing capacity
				return ErrContended
			}
			return repo.ErrInsufficientStock
		}
		ticket = &ReservationTicket{
			ProductID: productID,
			Quantity:  qty,
			OrderID:   meta.OrderID,
			Lines:     lines,
		}
		c.outbox.SafeEnqueue(ctx, tx, EnqueueParams{
			AggregateType: "product",
			AggregateID:   strconv.FormatUint(productID, 10),
			EventType:     "stock.reserved",
			Channel:       model.ChannelERP,
			Payload:       ticketPayload(ticket),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ticket, nil
}

// Release undoes a reservation, returning each line's quantity to
// availability on the same rows that were charged.
func (c *Coordinator) Release(ctx context.Context, ticket *ReservationTicket, meta MovementMeta) error {
	if err := validateTicket(ticket); err != nil {
		return err
	}
	if meta.OrderID == nil {
		meta.OrderID = ticket.OrderID
	}
	return c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		for _, line := range ticket.Lines {
			rec, err := c.repo.GetStockForUpdate(ctx, tx, line.StockRecordID)
			if err != nil {
				return err
			}
			if _, err := c.ledger.Release(ctx, tx, rec, line.Quantity, meta); err != nil {
				if errors.Is(err, repo.ErrStaleStock) {
					return ErrContended
				}
				return err
			}
		}
		c.outbox.SafeEnqueue(ctx, tx, EnqueueParams{
			AggregateType: "product",
			AggregateID:   strconv.FormatUint(ticket.ProductID, 10),
			EventType:     "stock.released",
			Channel:       model.ChannelERP,
			Payload:       ticketPayload(ticket),
		})
		return nil
	})
}

// Fulfill converts the reservation into a depletion on the same rows.
func (c *Coordinator) Fulfill(ctx context.Context, ticket *ReservationTicket, meta MovementMeta) error {
	if err := validateTicket(ticket); err != nil {
		return err
	}
	if meta.OrderID == nil {
		meta.OrderID = ticket.OrderID
	}
	return c.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		for _, line := range ticket.Lines {
			rec, err := c.repo.GetStockForUpdate(ctx, tx, line.StockRecordID)
			if err != nil {
				return err
			}
			if _, err := c.ledger.Fulfill(ctx, tx, rec, line.Quantity, meta); err != nil {
				if errors.Is(err, repo.ErrStaleStock) {
					return ErrContended
				}
				return err
			}
		}
		c.outbox.SafeEnqueue(ctx, tx, EnqueueParams{
			AggregateType: "product",
			AggregateID:   strconv.FormatUint(ticket.ProductID, 10),
			EventType:     "stock.fulfilled",
			Channel:       model.ChannelERP,
			Payload:       ticketPayload(ticket),
		})
		return nil
	})
}

func validateTicket(t *ReservationTicket) error {
	if t == nil || t.ProductID == 0 || len(t.Lines) == 0 {
		return errors.New("reservation ticket is empty")
	}
	for _, line := range t.Lines {
		if line.StockRecordID == 0 || line.Quantity <= 0 {
			return errors.New("reservation ticket has an invalid line")
		}
	}
	return nil
}

func ticketPayload(t *ReservationTicket) map[string]interface{} {
	lines := make([]map[string]interface{}, 0, len(t.Lines))
	for _, l := range t.Lines {
		lines = append(lines, map[string]interface{}{
			"stock_record_id": l.StockRecordID,
			"warehouse_id":    l.WarehouseID,
			"quantity":        l.Quantity,
		})
	}
	payload := map[string]interface{}{
		"product_id": t.ProductID,
		"quantity":   t.Quantity,
		"lines":      lines,
	}
	if t.OrderID != nil {
		payload["order_id"] = *t.OrderID
	}
	return payload
}
