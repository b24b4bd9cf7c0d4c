package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/repo"
	"github.com/Akyl1988/smartsell-inventory/internal/service"
)

func RegisterHandlers(r *gin.Engine, inv *service.InventoryService, coord *service.Coordinator) {
	v1 := r.Group("/v1")
	{
		v1.POST("/stocks/receive", receiveHandler(inv))
		v1.POST("/stocks/ship", shipHandler(inv))
		v1.POST("/stocks/adjust", adjustHandler(inv))
		v1.POST("/stocks/transfer", transferHandler(inv))
		v1.POST("/stocks/:id/archive", archiveHandler(inv, true))
		v1.POST("/stocks/:id/restore", archiveHandler(inv, false))
		v1.GET("/stocks/:id/movements", movementsHandler(inv))
		v1.GET("/products/:id/availability", availabilityHandler(inv))
		v1.POST("/reservations", reserveHandler(coord))
		v1.POST("/reservations/release", ticketHandler(coord.Release))
		v1.POST("/reservations/fulfill", ticketHandler(coord.Fulfill))
		v1.GET("/reports/low-stock", lowStockHandler(inv))
		v1.POST("/reports/reorder-scan", reorderScanHandler(inv))
	}
}

// writeError maps the error taxonomy onto status codes: shortage is a
// conflict, contention asks the client to retry, invariant breaches are
// server bugs.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidQuantity):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, repo.ErrInsufficientStock):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrContended):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "retryable": true})
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, service.ErrInvariantViolation):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type stockOpReq struct {
	ProductID   uint64  `json:"product_id" binding:"required"`
	WarehouseID uint64  `json:"warehouse_id" binding:"required"`
	Quantity    int64   `json:"quantity"`
	Delta       int64   `json:"delta"`
	CostPrice   string  `json:"cost_price"`
	OrderID     *uint64 `json:"order_id"`
	ActorID     *uint64 `json:"actor_id"`
	Notes       string  `json:"notes"`
}

func (req *stockOpReq) meta() service.MovementMeta {
	return service.MovementMeta{OrderID: req.OrderID, ActorID: req.ActorID, Notes: req.Notes}
}

func receiveHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stockOpReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var costPrice *decimal.Decimal
		if req.CostPrice != "" {
			cp, err := decimal.NewFromString(req.CostPrice)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cost_price"})
				return
			}
			costPrice = &cp
		}
		rec, err := inv.Receive(c, req.ProductID, req.WarehouseID, req.Quantity, costPrice, req.meta())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func shipHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stockOpReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := inv.Ship(c, req.ProductID, req.WarehouseID, req.Quantity, req.meta())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

func adjustHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req stockOpReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := inv.Adjust(c, req.ProductID, req.WarehouseID, req.Delta, req.meta())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, rec)
	}
}

type transferReq struct {
	ProductID       uint64  `json:"product_id" binding:"required"`
	FromWarehouseID uint64  `json:"from_warehouse_id" binding:"required"`
	ToWarehouseID   uint64  `json:"to_warehouse_id" binding:"required"`
	Quantity        int64   `json:"quantity" binding:"required"`
	OrderID         *uint64 `json:"order_id"`
	ActorID         *uint64 `json:"actor_id"`
	Notes           string  `json:"notes"`
}

func transferHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transferReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		meta := service.MovementMeta{OrderID: req.OrderID, ActorID: req.ActorID, Notes: req.Notes}
		from, to, err := inv.Transfer(c, req.ProductID, req.FromWarehouseID, req.ToWarehouseID, req.Quantity, meta)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"from": from, "to": to})
	}
}

func archiveHandler(inv *service.InventoryService, archive bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stock id"})
			return
		}
		if archive {
			err = inv.Archive(c, id)
		} else {
			err = inv.Restore(c, id)
		}
		if err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func movementsHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid stock id"})
			return
		}
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		sinceStr := c.DefaultQuery("since", time.Now().Add(-24*time.Hour).Format(time.RFC3339))
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since"})
			return
		}
		ms, err := inv.GetMovements(c, id, since, limit)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, ms)
	}
}

func availabilityHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid product id"})
			return
		}
		avail, err := inv.GetAvailability(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"product_id": id, "available": avail})
	}
}

type reserveReq struct {
	ProductID uint64  `json:"product_id" binding:"required"`
	Quantity  int64   `json:"quantity" binding:"required"`
	OrderID   *uint64 `json:"order_id"`
	ActorID   *uint64 `json:"actor_id"`
	Notes     string  `json:"notes"`
}

func reserveHandler(coord *service.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reserveReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		meta := service.MovementMeta{OrderID: req.OrderID, ActorID: req.ActorID, Notes: req.Notes}
		ticket, err := coord.Reserve(c, req.ProductID, req.Quantity, meta)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, ticket)
	}
}

type ticketReq struct {
	Ticket  service.ReservationTicket `json:"ticket" binding:"required"`
	ActorID *uint64                   `json:"actor_id"`
	Notes   string                    `json:"notes"`
}

func ticketHandler(op func(ctx context.Context, t *service.ReservationTicket, meta service.MovementMeta) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ticketReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		meta := service.MovementMeta{ActorID: req.ActorID, Notes: req.Notes}
		if err := op(c, &req.Ticket, meta); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func lowStockHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var warehouseID *uint64
		if s := c.Query("warehouse_id"); s != "" {
			id, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse_id"})
				return
			}
			warehouseID = &id
		}
		alerts, err := inv.LowStockReport(c, warehouseID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, alerts)
	}
}

func reorderScanHandler(inv *service.InventoryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var warehouseID *uint64
		if s := c.Query("warehouse_id"); s != "" {
			id, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid warehouse_id"})
				return
			}
			warehouseID = &id
		}
		n, err := inv.ScanReorderAlerts(c, warehouseID)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"enqueued": n})
	}
}
