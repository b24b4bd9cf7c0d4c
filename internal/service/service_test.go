package service

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v8"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/Akyl1988/smartsell-inventory/internal/logger"
	"github.com/Akyl1988/smartsell-inventory/internal/model"
	"github.com/Akyl1988/smartsell-inventory/internal/repo"
)

type testEnv struct {
	db     *gorm.DB
	repo   *repo.Repository
	ledger *Ledger
	outbox *OutboxQueue
	inv    *InventoryService
	coord  *Coordinator
	log    *zap.SugaredLogger
}

// newTestEnv builds the service stack on an in-memory SQLite DB. The pool is
// capped at one connection so concurrent transactions serialize instead of
// hitting SQLite's single-writer lock.
func newTestEnv(t *testing.T, migrateOutbox bool) (*testEnv, context.Context) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	assert.NoError(t, db.AutoMigrate(&model.StockRecord{}, &model.StockMovement{}))
	if migrateOutbox {
		assert.NoError(t, db.AutoMigrate(&model.OutboxEvent{}))
	}

	rdb, _ := redismock.NewClientMock()
	log, err := logger.NewLogger()
	assert.NoError(t, err)

	repository := repo.NewRepository(db, rdb, &kafka.Writer{}, log)
	ledger := NewLedger(repository, log)
	outbox := NewOutboxQueue(repository, log)
	env := &testEnv{
		db:     db,
		repo:   repository,
		ledger: ledger,
		outbox: outbox,
		inv:    NewInventoryService(repository, ledger, outbox, log),
		coord:  NewCoordinator(repository, ledger, outbox, log),
		log:    log,
	}
	return env, context.Background()
}

func (e *testEnv) seedStock(t *testing.T, productID, warehouseID uint64, qty, reserved, minQty int64) *model.StockRecord {
	t.Helper()
	rec := &model.StockRecord{
		ProductID:        productID,
		WarehouseID:      warehouseID,
		Quantity:         qty,
		ReservedQuantity: reserved,
		MinQuantity:      minQty,
	}
	assert.NoError(t, e.db.Create(rec).Error)
	return rec
}

func (e *testEnv) reloadStock(t *testing.T, id uint64) *model.StockRecord {
	t.Helper()
	var rec model.StockRecord
	assert.NoError(t, e.db.First(&rec, id).Error)
	return &rec
}

func (e *testEnv) movementCount(t *testing.T, stockID uint64) int64 {
	t.Helper()
	var n int64
	assert.NoError(t, e.db.Model(&model.StockMovement{}).
		Where("stock_record_id = ?", stockID).Count(&n).Error)
	return n
}
