// Package testutil holds fixtures shared by the engine's package tests
package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/database"
	"github.com/ksred/klear-engine/internal/ledger"
	"github.com/ksred/klear-engine/internal/market"
	"github.com/ksred/klear-engine/internal/rules"
	"github.com/ksred/klear-engine/internal/trading"
	"github.com/ksred/klear-engine/internal/types"
)

// Start is a Tuesday morning in New York, inside the US session
var Start = time.Date(2024, time.March, 5, 15, 0, 0, 0, time.UTC)

var (
	Admin = types.Actor{ID: "admin", Role: types.RoleAdmin, Origin: "127.0.0.1"}
	User  = types.Actor{ID: "user-1", Role: types.RoleUser, Origin: "127.0.0.1"}
)

// NewDB opens a private in-memory database with the schema applied
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	db, err := database.NewInMemory(name + "_" + uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// NewSeededDB is NewDB with the default trade rules installed
func NewSeededDB(t *testing.T) *gorm.DB {
	t.Helper()
	db := NewDB(t)
	require.NoError(t, rules.SeedDefaults(context.Background(), db))
	return db
}

// Calendar ignores trading hours
func Calendar() *market.Calendar {
	return market.NewCalendar(market.DefaultSegments(), true)
}

// Clock is a settable time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock() *Clock {
	return &Clock{now: Start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Fund opens an account holding amount of available cash
func Fund(t *testing.T, db *gorm.DB, userID, amount string) {
	t.Helper()
	_, err := ledger.New(db).OpenAccount(context.Background(), userID, decimal.RequireFromString(amount))
	require.NoError(t, err)
}

// GiveShares adds qty immediately sellable shares bought at price
func GiveShares(t *testing.T, db *gorm.DB, userID, symbol string, qty int64, price string) {
	t.Helper()
	err := db.Transaction(func(tx *gorm.DB) error {
		position, err := ledger.LockPosition(tx, userID, symbol)
		if err != nil {
			return err
		}
		position = ledger.AcquireShares(position, userID, symbol, qty, decimal.RequireFromString(price), Start, Start)
		position.ReleaseLock(Start)
		return ledger.SavePosition(tx, position, Start)
	})
	require.NoError(t, err)
}

// Trading builds an order service over db without idempotency storage
func Trading(db *gorm.DB, clock *Clock) *trading.Service {
	return trading.NewService(db, rules.NewGormStore(db), Calendar(), nil).WithClock(clock.Now)
}

// Submit places a US market order and fails the test if it is rejected
func Submit(t *testing.T, svc *trading.Service, userID string, class types.Class, symbol, price string, qty int64) *types.Order {
	t.Helper()
	result, err := svc.SubmitOrder(context.Background(), trading.SubmitRequest{
		UserID:   userID,
		Market:   "US",
		Class:    class,
		Symbol:   symbol,
		Price:    decimal.RequireFromString(price),
		Quantity: qty,
	})
	require.NoError(t, err)
	return result.Order
}

// Account reads a user's account
func Account(t *testing.T, db *gorm.DB, userID string) *types.Account {
	t.Helper()
	account, err := ledger.New(db).GetAccount(context.Background(), userID)
	require.NoError(t, err)
	return account
}

// Position reads a user's position; nil when absent
func Position(t *testing.T, db *gorm.DB, userID, symbol string) *types.Position {
	t.Helper()
	position, err := ledger.New(db).GetPosition(context.Background(), userID, symbol)
	require.NoError(t, err)
	return position
}

// Order reads an order by id regardless of owner
func Order(t *testing.T, db *gorm.DB, orderID string) *types.Order {
	t.Helper()
	var order types.Order
	require.NoError(t, db.Where("order_id = ?", orderID).First(&order).Error)
	return &order
}

// Entry reads the pool entry of an order; nil when absent
func Entry(t *testing.T, db *gorm.DB, orderID string) *types.PoolEntry {
	t.Helper()
	var entries []types.PoolEntry
	require.NoError(t, db.Where("order_id = ?", orderID).Find(&entries).Error)
	if len(entries) == 0 {
		return nil
	}
	return &entries[0]
}

// AssertDecimal compares a decimal against its string form
func AssertDecimal(t *testing.T, expected string, actual decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	want := decimal.RequireFromString(expected)
	if !want.Equal(actual) {
		assert.Fail(t, "decimal mismatch: expected "+want.String()+", got "+actual.String(), msgAndArgs...)
	}
}

// AssertCode checks that err is an engine error carrying code
func AssertCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	engineErr, ok := types.AsError(err)
	require.Truef(t, ok, "expected engine error, got %v", err)
	assert.Equal(t, code, engineErr.Code, engineErr.Message)
}

// LockRecorder collects the tables of SELECT ... FOR UPDATE statements in
// the order they run
type LockRecorder struct {
	mu     sync.Mutex
	tables []string
}

// RecordLocks starts recording the row locks taken through db
func RecordLocks(t *testing.T, db *gorm.DB) *LockRecorder {
	t.Helper()
	rec := &LockRecorder{}
	err := db.Callback().Query().Before("gorm:query").Register("testutil:record_locks", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Clauses["FOR"]; !ok {
			return
		}
		rec.mu.Lock()
		defer rec.mu.Unlock()
		rec.tables = append(rec.tables, tx.Statement.Table)
	})
	require.NoError(t, err)
	return rec
}

// Reset forgets what was recorded so far
func (r *LockRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tables = nil
}

func (r *LockRecorder) Tables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tables...)
}

// lock ranks every transaction must respect
var lockRank = map[string]int{"pool_entries": 1, "orders": 2, "accounts": 3, "positions": 4}

// AssertLockOrder checks that rows were locked entry, order, account,
// position and never the other way round
func (r *LockRecorder) AssertLockOrder(t *testing.T) {
	t.Helper()
	tables := r.Tables()
	require.NotEmpty(t, tables, "no row locks recorded")
	for i, table := range tables {
		require.Containsf(t, lockRank, table, "unexpected lock on %s", table)
		if i > 0 {
			assert.LessOrEqualf(t, lockRank[tables[i-1]], lockRank[table], "lock order %v", tables)
		}
	}
}
