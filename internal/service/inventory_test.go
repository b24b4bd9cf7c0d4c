package service

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
)

func TestInventory_TransferMovesStockBetweenWarehouses(t *testing.T) {
	env, ctx := newTestEnv(t, true)
	src := env.seedStock(t, 1, 1, 10, 0, 0)

	from, to, err := env.inv.Transfer(ctx, 1, 1, 2, 4, MovementMeta{Notes: "rebalance"})
	assert.NoError(t, err)
	assert.Equal(t, int64(6), from.Quantity)
	assert.Equal(t, int64(4), to.Quantity)

	// destination row was created on first transfer into that warehouse
	dst := env.reloadStock(t, to.ID)
	assert.Equal(t, uint64(2), dst.WarehouseID)
	assert.Equal(t, int64(4), dst.Quantity)

	// an out movement on the source and an in movement on the destination
	var out, in model.StockMovement
	assert.NoError(t, env.db.Where("stock_record_id = ?", src.ID).First(&out).Error)
	assert.Equal(t, model.MovementOut, out.MovementType)
	assert.Equal(t, int64(-4), out.Quantity)
	assert.NoError(t, env.db.Where("stock_record_id = ?", to.ID).First(&in).Error)
	assert.Equal(t, model.MovementIn, in.MovementType)
	assert.Equal(t, int64(4), in.Quantity)

	var evts []model.OutboxEvent
	assert.NoError(t, env.db.Where("event_type = ?", "stock.transferred").Find(&evts).Error)
	assert.Len(t, evts, 1)
	assert.Equal(t, model.OutboxPending, evts[0].Status)
}

func TestInventory_TransferRespectsAvailability(t *testing.T) {
	env, ctx := newTestEnv(t, true)
	src := env.seedStock(t, 1, 1, 10, 7, 0)

	// only 3 available, moving 4 would strand the reservation
	_, _, err := env.inv.Transfer(ctx, 1, 1, 2, 4, MovementMeta{})
	assert.ErrorIs(t, err, repo.ErrInsufficientStock)

	// all-or-nothing: nothing moved, no destination row survives the rollback
	assert.Equal(t, int64(10), env.reloadStock(t, src.ID).Quantity)
	assert.Equal(t, int64(0), env.movementCount(t, src.ID))
	var n int64
	assert.NoError(t, env.db.Model(&model.StockRecord{}).
		Where("warehouse_id = ?", 2).Count(&n).Error)
	assert.Equal(t, int64(0), n)
}

func TestInventory_TransferCarriesAverageCost(t *testing.T) {
	env, ctx := newTestEnv(t, true)
	cost := decimal.RequireFromString("12.50")
	_, err := env.inv.Receive(ctx, 1, 1, 10, &cost, MovementMeta{})
	assert.NoError(t, err)

	_, to, err := env.inv.Transfer(ctx, 1, 1, 2, 4, MovementMeta{})
	assert.NoError(t, err)

	dst := env.reloadStock(t, to.ID)
	assert.NotNil(t, dst.CostPrice)
	assert.True(t, dst.CostPrice.Equal(cost), "expected %s, got %s", cost, dst.CostPrice)
}

func TestInventory_TransferInvalidInputs(t *testing.T) {
	env, ctx := newTestEnv(t, true)
	env.seedStock(t, 1, 1, 10, 0, 0)

	_, _, err := env.inv.Transfer(ctx, 1, 1, 1, 4, MovementMeta{})
	assert.Error(t, err)

	_, _, err = env.inv.Transfer(ctx, 1, 1, 2, 0, MovementMeta{})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	// unknown source reads as a shortage
	_, _, err = env.inv.Transfer(ctx, 9, 1, 2, 1, MovementMeta{})
	assert.ErrorIs(t, err, repo.ErrInsufficientStock)
}
