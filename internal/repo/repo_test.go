package repo

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/logger"
	"github.com/Akyl1988/smartsell-inventory/internal/model"
)

func newTestRepo(t *testing.T) (*Repository, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.StockRecord{}, &model.StockMovement{}, &model.OutboxEvent{}))
	return NewRepository(db, nil, &kafka.Writer{}, must(logger.NewLogger())), db
}

func TestUpdateStockCounters_StaleVersion(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	rec := &model.StockRecord{ProductID: 1, WarehouseID: 1, Quantity: 100}
	assert.NoError(t, db.Create(rec).Error)
	staleVersion := rec.Version

	err := db.Transaction(func(tx *gorm.DB) error {
		fresh, err := repo.GetStockForUpdate(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		fresh.Quantity += 10
		return repo.UpdateStockCounters(ctx, tx, fresh, fresh.Version)
	})
	assert.NoError(t, err)

	// second writer still holds the pre-update version
	err = db.Transaction(func(tx *gorm.DB) error {
		rec.Quantity += 10
		return repo.UpdateStockCounters(ctx, tx, rec, staleVersion)
	})
	assert.ErrorIs(t, err, ErrStaleStock)

	var final model.StockRecord
	assert.NoError(t, db.First(&final, rec.ID).Error)
	assert.Equal(t, int64(110), final.Quantity, "only the first writer should land")
	assert.Equal(t, staleVersion+1, final.Version)
}

func TestListStocksForReservation_OrderAndArchiveFilter(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	assert.NoError(t, db.Create(&model.StockRecord{ProductID: 7, WarehouseID: 3, Quantity: 5}).Error)
	assert.NoError(t, db.Create(&model.StockRecord{ProductID: 7, WarehouseID: 1, Quantity: 5}).Error)
	now := time.Now()
	assert.NoError(t, db.Create(&model.StockRecord{
		ProductID: 7, WarehouseID: 2, Quantity: 5, IsArchived: true, ArchivedAt: &now,
	}).Error)
	assert.NoError(t, db.Create(&model.StockRecord{ProductID: 8, WarehouseID: 1, Quantity: 5}).Error)

	err := db.Transaction(func(tx *gorm.DB) error {
		stocks, err := repo.ListStocksForReservation(ctx, tx, 7)
		if err != nil {
			return err
		}
		assert.Len(t, stocks, 2)
		assert.Equal(t, uint64(1), stocks[0].WarehouseID)
		assert.Equal(t, uint64(3), stocks[1].WarehouseID)
		return nil
	})
	assert.NoError(t, err)

	var n int64
	err = db.Transaction(func(tx *gorm.DB) error {
		n, err = repo.CountActiveStocks(ctx, tx, 7)
		return err
	})
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n, "archived rows are invisible to reservation")
}

func TestFetchDueOutbox_StatusAndDuePredicate(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	rows := []model.OutboxEvent{
		{AggregateType: "stock", AggregateID: "1", EventType: "pending.null", Payload: "{}",
			Status: model.OutboxPending},
		{AggregateType: "stock", AggregateID: "2", EventType: "failed.due", Payload: "{}",
			Status: model.OutboxFailed, Attempts: 1, NextAttemptAt: &past},
		{AggregateType: "stock", AggregateID: "3", EventType: "failed.backoff", Payload: "{}",
			Status: model.OutboxFailed, Attempts: 1, NextAttemptAt: &future},
		{AggregateType: "stock", AggregateID: "4", EventType: "sent", Payload: "{}",
			Status: model.OutboxSent},
	}
	for i := range rows {
		assert.NoError(t, db.Create(&rows[i]).Error)
	}

	evts, err := repo.FetchDueOutbox(ctx, 10, "", "")
	assert.NoError(t, err)
	types := make([]string, 0, len(evts))
	for _, e := range evts {
		types = append(types, e.EventType)
	}
	assert.ElementsMatch(t, []string{"pending.null", "failed.due"}, types)
}

func TestSumAvailability(t *testing.T) {
	repo, db := newTestRepo(t)
	ctx := context.Background()

	assert.NoError(t, db.Create(&model.StockRecord{ProductID: 5, WarehouseID: 1, Quantity: 10, ReservedQuantity: 4}).Error)
	assert.NoError(t, db.Create(&model.StockRecord{ProductID: 5, WarehouseID: 2, Quantity: 3}).Error)
	now := time.Now()
	assert.NoError(t, db.Create(&model.StockRecord{
		ProductID: 5, WarehouseID: 3, Quantity: 100, IsArchived: true, ArchivedAt: &now,
	}).Error)

	total, err := repo.SumAvailability(ctx, 5)
	assert.NoError(t, err)
	assert.Equal(t, int64(9), total)
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}
