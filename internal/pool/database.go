package pool

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-engine/internal/types"
)

// Database wraps order and pool entry persistence. Construct it over a
// transaction handle to keep every read and write inside that transaction.
type Database struct {
	db *gorm.DB
}

// NewDatabase creates an order and pool store over db
func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// NewEntry builds the pool entry of an admitted order
func NewEntry(order *types.Order, now time.Time) *types.PoolEntry {
	return &types.PoolEntry{
		EntryID:   "POOL_" + uuid.New().String(),
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		Class:     order.Class,
		Side:      order.Side,
		Symbol:    order.Symbol,
		Price:     order.Price,
		Quantity:  order.RemainingQuantity,
		Status:    types.EntryMatching,
		EnteredAt: now,
	}
}

func (d *Database) CreateOrder(order *types.Order) error {
	if err := d.db.Create(order).Error; err != nil {
		return types.Unavailable("failed to create order", err)
	}
	return nil
}

// GetOrder reads an order owned by userID; an empty userID skips the
// ownership filter
func (d *Database) GetOrder(ctx context.Context, orderID, userID string) (*types.Order, error) {
	query := d.db.WithContext(ctx).Where("order_id = ?", orderID)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var order types.Order
	if err := query.First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.Statef(types.CodeOrderNotFound, "order %s not found", orderID)
		}
		return nil, types.Unavailable("failed to read order", err)
	}
	return &order, nil
}

// LockOrder reads an order for update
func (d *Database) LockOrder(orderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.Statef(types.CodeOrderNotFound, "order %s not found", orderID)
		}
		return nil, types.Unavailable("failed to lock order", err)
	}
	return &order, nil
}

func (d *Database) UpdateOrder(order *types.Order) error {
	if err := d.db.Save(order).Error; err != nil {
		return types.Unavailable("failed to update order", err)
	}
	return nil
}

// OpenOrderIDs lists the ids of a user's non-terminal orders for a
// symbol and side without locking them
func (d *Database) OpenOrderIDs(userID, symbol string, side types.Side) ([]string, error) {
	var ids []string
	err := d.db.Model(&types.Order{}).
		Where("user_id = ? AND symbol = ? AND side = ?", userID, symbol, side).
		Where("status IN ?", []string{types.OrderPending, types.OrderMatching, types.OrderPartial}).
		Order("id").
		Pluck("order_id", &ids).Error
	if err != nil {
		return nil, types.Unavailable("failed to list open orders", err)
	}
	return ids, nil
}

// OpenOrders locks a user's non-terminal orders for a symbol and side
func (d *Database) OpenOrders(userID, symbol string, side types.Side) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND symbol = ? AND side = ?", userID, symbol, side).
		Where("status IN ?", []string{types.OrderPending, types.OrderMatching, types.OrderPartial}).
		Order("id").
		Find(&orders).Error
	if err != nil {
		return nil, types.Unavailable("failed to list open orders", err)
	}
	return orders, nil
}

// LiveIPOQuantity sums the quantity of a user's IPO subscriptions on a
// symbol that have not failed or been cancelled
func (d *Database) LiveIPOQuantity(userID, symbol string) (int64, error) {
	var total int64
	err := d.db.Model(&types.Order{}).
		Select("COALESCE(SUM(quantity), 0)").
		Where("user_id = ? AND symbol = ? AND class = ?", userID, symbol, types.ClassIPO).
		Where("status NOT IN ?", []string{types.OrderCancelled, types.OrderFailed}).
		Scan(&total).Error
	if err != nil {
		return 0, types.Unavailable("failed to sum IPO subscriptions", err)
	}
	return total, nil
}

func (d *Database) CreateEntry(entry *types.PoolEntry) error {
	if err := d.db.Create(entry).Error; err != nil {
		return types.Unavailable("failed to insert pool entry", err)
	}
	return nil
}

// LockEntry reads a pool entry by entry id for update
func (d *Database) LockEntry(entryID string) (*types.PoolEntry, error) {
	var entry types.PoolEntry
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entry_id = ?", entryID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Unavailable("failed to lock pool entry", err)
	}
	return &entry, nil
}

// LockEntryByOrder reads the pool entry of an order for update; nil when
// the order has none
func (d *Database) LockEntryByOrder(orderID string) (*types.PoolEntry, error) {
	var entry types.PoolEntry
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Unavailable("failed to lock pool entry", err)
	}
	return &entry, nil
}

// LockEntriesByOrders locks the pool entries of several orders in entry id
// order, keyed by order id
func (d *Database) LockEntriesByOrders(orderIDs []string) (map[string]*types.PoolEntry, error) {
	entries := make(map[string]*types.PoolEntry, len(orderIDs))
	if len(orderIDs) == 0 {
		return entries, nil
	}
	var rows []types.PoolEntry
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id IN ?", orderIDs).
		Order("entry_id").
		Find(&rows).Error
	if err != nil {
		return nil, types.Unavailable("failed to lock pool entries", err)
	}
	for i := range rows {
		entries[rows[i].OrderID] = &rows[i]
	}
	return entries, nil
}

// UpdateEntry writes quantity and status back, guarded by the version the
// entry was read at
func (d *Database) UpdateEntry(entry *types.PoolEntry) error {
	result := d.db.Model(&types.PoolEntry{}).
		Where("id = ? AND version = ?", entry.ID, entry.Version).
		Updates(map[string]interface{}{
			"quantity":   entry.Quantity,
			"status":     entry.Status,
			"version":    entry.Version + 1,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return types.Unavailable("failed to update pool entry", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.Conflictf("pool entry %s changed concurrently", entry.EntryID)
	}
	entry.Version++
	return nil
}

// DeleteEntry removes an entry from the pool
func (d *Database) DeleteEntry(entry *types.PoolEntry) error {
	if err := d.db.Unscoped().Delete(&types.PoolEntry{}, entry.ID).Error; err != nil {
		return types.Unavailable("failed to delete pool entry", err)
	}
	return nil
}

// MatchingEntries loads every entry eligible for matching in time priority
func (d *Database) MatchingEntries(ctx context.Context) ([]types.PoolEntry, error) {
	var entries []types.PoolEntry
	err := d.db.WithContext(ctx).
		Where("status = ? AND quantity > 0", types.EntryMatching).
		Order("entered_at ASC").Order("id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, types.Unavailable("failed to load order pool", err)
	}
	return entries, nil
}

// CreateFill records an execution
func (d *Database) CreateFill(fill *types.Fill) error {
	if err := d.db.Create(fill).Error; err != nil {
		return types.Unavailable("failed to record fill", err)
	}
	return nil
}

// FillsForOrder lists the executions of an order, oldest first
func (d *Database) FillsForOrder(ctx context.Context, orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	err := d.db.WithContext(ctx).
		Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("id").
		Find(&fills).Error
	if err != nil {
		return nil, types.Unavailable("failed to read fills", err)
	}
	return fills, nil
}

// NewFill builds an execution record
func NewFill(kind, symbol string, price decimal.Decimal, qty int64, now time.Time) *types.Fill {
	return &types.Fill{
		FillID:    "FILL_" + uuid.New().String(),
		Kind:      kind,
		Symbol:    symbol,
		Price:     price,
		Quantity:  qty,
		Amount:    price.Mul(decimal.NewFromInt(qty)),
		CreatedAt: now,
	}
}
