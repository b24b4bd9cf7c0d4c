package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Akyl1988/smartsell-inventory/internal/model"
)

// ErrInsufficientStock is returned when available stock cannot cover a request.
var ErrInsufficientStock = errors.New("insufficient stock")

// ErrStaleStock is returned when a versioned update lost a concurrent race.
var ErrStaleStock = errors.New("stock record was modified concurrently")

const availabilityTTL = 5 * time.Minute

// RepositoryInterface restricts Repo methods so services can be unit-tested
// against a narrow surface.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB

	FindStockForUpdate(ctx context.Context, tx *gorm.DB, productID, warehouseID uint64) (*model.StockRecord, error)
	GetStockForUpdate(ctx context.Context, tx *gorm.DB, stockID uint64) (*model.StockRecord, error)
	ListStocksForReservation(ctx context.Context, tx *gorm.DB, productID uint64) ([]model.StockRecord, error)
	CountActiveStocks(ctx context.Context, tx *gorm.DB, productID uint64) (int64, error)
	CreateStockRecord(ctx context.Context, tx *gorm.DB, rec *model.StockRecord) error
	UpdateStockCounters(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, oldVersion uint64) error
	UpdateStockArchive(ctx context.Context, tx *gorm.DB, rec *model.StockRecord) error
	SumAvailability(ctx context.Context, productID uint64) (int64, error)
	ListLowStocks(ctx context.Context, warehouseID *uint64) ([]model.StockRecord, error)

	CreateMovement(ctx context.Context, tx *gorm.DB, m *model.StockMovement) error
	ListMovements(ctx context.Context, stockID uint64, since time.Time, limit int) ([]model.StockMovement, error)

	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	FetchDueOutbox(ctx context.Context, limit int, aggregateType, channel string) ([]model.OutboxEvent, error)
	MarkOutboxSent(ctx context.Context, id uint64) error
	MarkOutboxFailed(ctx context.Context, id uint64, errMsg string, retryIn time.Duration) error
	ResetOutboxPending(ctx context.Context, id uint64, delay *time.Duration) error

	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	CacheAvailability(ctx context.Context, productID uint64, available int64) error
	GetCachedAvailability(ctx context.Context, productID uint64) (int64, error)
}

// Repository implements RepositoryInterface on gorm + redis + kafka.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// lockClause builds the row-locking clause for the current dialect. SQLite has
// no row locks; there the transaction itself serializes writers and the
// version guard in UpdateStockCounters catches races.
func (r *Repository) lockClause(options string) []clause.Expression {
	if r.db.Dialector.Name() == "sqlite" {
		return nil
	}
	return []clause.Expression{clause.Locking{Strength: "UPDATE", Options: options}}
}

// FindStockForUpdate locks the row for a (product, warehouse) pair.
func (r *Repository) FindStockForUpdate(ctx context.Context, tx *gorm.DB, productID, warehouseID uint64) (*model.StockRecord, error) {
	var rec model.StockRecord
	q := tx.WithContext(ctx)
	if c := r.lockClause(""); c != nil {
		q = q.Clauses(c...)
	}
	if err := q.Where("product_id = ? AND warehouse_id = ?", productID, warehouseID).
		First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetStockForUpdate locks a stock row by primary key.
func (r *Repository) GetStockForUpdate(ctx context.Context, tx *gorm.DB, stockID uint64) (*model.StockRecord, error) {
	var rec model.StockRecord
	q := tx.WithContext(ctx)
	if c := r.lockClause(""); c != nil {
		q = q.Clauses(c...)
	}
	if err := q.Where("id = ?", stockID).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListStocksForReservation returns the non-archived rows for a product, locked
// with SKIP LOCKED so rows held by concurrent reservations are excluded rather
// than awaited. Ascending warehouse id fixes which warehouse depletes first.
func (r *Repository) ListStocksForReservation(ctx context.Context, tx *gorm.DB, productID uint64) ([]model.StockRecord, error) {
	var recs []model.StockRecord
	q := tx.WithContext(ctx)
	if c := r.lockClause("SKIP LOCKED"); c != nil {
		q = q.Clauses(c...)
	}
	err := q.Where("product_id = ? AND is_archived = ?", productID, false).
		Order("warehouse_id asc").
		Find(&recs).Error
	return recs, err
}

// CountActiveStocks counts non-archived rows for a product without locking;
// used to tell lock contention apart from a genuine shortage.
func (r *Repository) CountActiveStocks(ctx context.Context, tx *gorm.DB, productID uint64) (int64, error) {
	var n int64
	err := tx.WithContext(ctx).Model(&model.StockRecord{}).
		Where("product_id = ? AND is_archived = ?", productID, false).
		Count(&n).Error
	return n, err
}

// CreateStockRecord inserts a new stock row.
func (r *Repository) CreateStockRecord(ctx context.Context, tx *gorm.DB, rec *model.StockRecord) error {
	return tx.WithContext(ctx).Create(rec).Error
}

// UpdateStockCounters persists counter changes guarded by the version column.
// RowsAffected == 0 means another transaction got there first.
func (r *Repository) UpdateStockCounters(ctx context.Context, tx *gorm.DB, rec *model.StockRecord, oldVersion uint64) error {
	res := tx.WithContext(ctx).Model(&model.StockRecord{}).
		Where("id = ? AND version = ?", rec.ID, oldVersion).
		Updates(map[string]interface{}{
			"quantity":          rec.Quantity,
			"reserved_quantity": rec.ReservedQuantity,
			"cost_price":        rec.CostPrice,
			"last_restocked_at": rec.LastRestockedAt,
			"version":           oldVersion + 1,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStock
	}
	rec.Version = oldVersion + 1
	return nil
}

// UpdateStockArchive persists the archive flag and timestamp.
func (r *Repository) UpdateStockArchive(ctx context.Context, tx *gorm.DB, rec *model.StockRecord) error {
	return tx.WithContext(ctx).Model(&model.StockRecord{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"is_archived": rec.IsArchived,
			"archived_at": rec.ArchivedAt,
		}).Error
}

// SumAvailability totals quantity-reserved over non-archived rows.
func (r *Repository) SumAvailability(ctx context.Context, productID uint64) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).Model(&model.StockRecord{}).
		Where("product_id = ? AND is_archived = ?", productID, false).
		Select("COALESCE(SUM(quantity - reserved_quantity), 0)").
		Scan(&total).Error
	return total, err
}

// ListLowStocks returns non-archived rows at or below their reorder threshold.
func (r *Repository) ListLowStocks(ctx context.Context, warehouseID *uint64) ([]model.StockRecord, error) {
	var recs []model.StockRecord
	q := r.db.WithContext(ctx).
		Where("quantity <= min_quantity AND is_archived = ?", false)
	if warehouseID != nil {
		q = q.Where("warehouse_id = ?", *warehouseID)
	}
	err := q.Order("product_id asc, warehouse_id asc").Find(&recs).Error
	return recs, err
}

// CreateMovement appends an audit record. Movements are never updated.
func (r *Repository) CreateMovement(ctx context.Context, tx *gorm.DB, m *model.StockMovement) error {
	return tx.WithContext(ctx).Create(m).Error
}

// ListMovements fetches recent movements for a stock record.
func (r *Repository) ListMovements(ctx context.Context, stockID uint64, since time.Time, limit int) ([]model.StockMovement, error) {
	var ms []model.StockMovement
	err := r.db.WithContext(ctx).
		Where("stock_record_id = ? AND created_at >= ?", stockID, since).
		Order("created_at asc, id asc").
		Limit(limit).
		Find(&ms).Error
	return ms, err
}

// CreateOutboxEvent writes event inside the caller's transaction.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// FetchDueOutbox pulls undelivered events whose next attempt is due, FIFO by
// creation time. aggregateType and channel are optional filters.
func (r *Repository) FetchDueOutbox(ctx context.Context, limit int, aggregateType, channel string) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := r.db.WithContext(ctx).
		Where("status IN ?", []string{model.OutboxPending, model.OutboxFailed}).
		Where("(next_attempt_at IS NULL OR next_attempt_at <= ?)", time.Now())
	if aggregateType != "" {
		q = q.Where("aggregate_type = ?", aggregateType)
	}
	if channel != "" {
		q = q.Where("channel = ?", channel)
	}
	var evts []model.OutboxEvent
	err := q.Order("created_at asc, id asc").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxSent flags successful delivery.
func (r *Repository) MarkOutboxSent(ctx context.Context, id uint64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var evt model.OutboxEvent
		if err := tx.First(&evt, id).Error; err != nil {
			return err
		}
		evt.MarkSent(time.Now())
		return tx.Save(&evt).Error
	})
}

// MarkOutboxFailed records the error, bumps attempts and schedules the retry.
func (r *Repository) MarkOutboxFailed(ctx context.Context, id uint64, errMsg string, retryIn time.Duration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var evt model.OutboxEvent
		if err := tx.First(&evt, id).Error; err != nil {
			return err
		}
		evt.MarkFailed(errMsg, retryIn, time.Now())
		return tx.Save(&evt).Error
	})
}

// ResetOutboxPending puts an event back in the queue, optionally delayed.
func (r *Repository) ResetOutboxPending(ctx context.Context, id uint64, delay *time.Duration) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var evt model.OutboxEvent
		if err := tx.First(&evt, id).Error; err != nil {
			return err
		}
		evt.SetPending(delay, time.Now())
		return tx.Save(&evt).Error
	})
}

// PublishEvent sends an event envelope to Kafka. The key groups messages per
// aggregate so partition order follows aggregate order.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	envelope, err := json.Marshal(map[string]interface{}{
		"id":             evt.ID,
		"aggregate_type": evt.AggregateType,
		"aggregate_id":   evt.AggregateID,
		"event_type":     evt.EventType,
		"channel":        evt.Channel,
		"payload":        json.RawMessage(evt.Payload),
		"created_at":     evt.CreatedAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%s", evt.AggregateType, evt.AggregateID)),
		Value: envelope,
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

// CacheAvailability writes the availability snapshot to Redis. Read-only
// convenience only; the reservation path never consults it.
func (r *Repository) CacheAvailability(ctx context.Context, productID uint64, available int64) error {
	key := fmt.Sprintf("availability:%d", productID)
	return r.rdb.Set(ctx, key, strconv.FormatInt(available, 10), availabilityTTL).Err()
}

// GetCachedAvailability reads the availability snapshot.
func (r *Repository) GetCachedAvailability(ctx context.Context, productID uint64) (int64, error) {
	str, err := r.rdb.Get(ctx, fmt.Sprintf("availability:%d", productID)).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(str, 10, 64)
}
