package matching_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/events"
	"github.com/ksred/klear-engine/internal/matching"
	"github.com/ksred/klear-engine/internal/rules"
	"github.com/ksred/klear-engine/internal/settlement"
	"github.com/ksred/klear-engine/internal/testutil"
	"github.com/ksred/klear-engine/internal/trading"
	"github.com/ksred/klear-engine/internal/types"
)

type fixture struct {
	db       *gorm.DB
	clock    *testutil.Clock
	trading  *trading.Service
	engine   *matching.Engine
	recorder *events.Recorder
}

func newFixture(t *testing.T, drawer matching.Drawer) *fixture {
	t.Helper()
	db := testutil.NewSeededDB(t)
	clock := testutil.NewClock()
	settler := settlement.NewSettler(db, testutil.Calendar(), 3).WithClock(clock.Now)
	engine, err := matching.NewEngine(db, settler, rules.NewGormStore(db), 4)
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	recorder := events.NewRecorder(256)
	engine.WithDrawer(drawer).WithPublisher(recorder)
	return &fixture{
		db:       db,
		clock:    clock,
		trading:  testutil.Trading(db, clock),
		engine:   engine,
		recorder: recorder,
	}
}

// submit places an order and moves the clock on so entry times differ
func (f *fixture) submit(t *testing.T, userID string, class types.Class, symbol, price string, qty int64) *types.Order {
	t.Helper()
	order := testutil.Submit(t, f.trading, userID, class, symbol, price, qty)
	f.clock.Advance(time.Second)
	return order
}

func (f *fixture) pass(t *testing.T) *matching.PassResult {
	t.Helper()
	result, err := f.engine.RunPass(context.Background())
	require.NoError(t, err)
	require.Empty(t, result.Errors)
	return result
}

func TestRunPassFullMatch(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0.99))
	testutil.Fund(t, f.db, "buyer", "100000")
	testutil.GiveShares(t, f.db, "seller", "AAPL", 1000, "8")

	buy := f.submit(t, "buyer", types.ClassBuy, "AAPL", "10", 1000)
	sell := f.submit(t, "seller", types.ClassSell, "AAPL", "10", 1000)

	result := f.pass(t)
	require.Len(t, result.Fills, 1)
	assert.Equal(t, 1, result.SymbolsProcessed)
	assert.Equal(t, buy.OrderID, result.Fills[0].BuyOrderID)
	assert.Equal(t, sell.OrderID, result.Fills[0].SellOrderID)
	testutil.AssertDecimal(t, "10000", result.Fills[0].Amount)

	assert.Equal(t, types.OrderSuccess, testutil.Order(t, f.db, buy.OrderID).Status)
	assert.Equal(t, types.OrderSuccess, testutil.Order(t, f.db, sell.OrderID).Status)

	buyer := testutil.Account(t, f.db, "buyer")
	testutil.AssertDecimal(t, "89995", buyer.AvailableBalance)
	testutil.AssertDecimal(t, "0", buyer.FrozenBalance)
	testutil.AssertDecimal(t, "10000", testutil.Account(t, f.db, "seller").AvailableBalance)
	assert.Equal(t, int64(1000), testutil.Position(t, f.db, "buyer", "AAPL").Quantity)

	recorded := f.recorder.Drain()
	require.Len(t, recorded, 3)
	assert.Equal(t, events.TypeFill, recorded[0].Type)
	assert.Equal(t, events.TypeOrderStatus, recorded[1].Type)

	// nothing left to match
	again := f.pass(t)
	assert.Empty(t, again.Fills)
	assert.Zero(t, again.SymbolsProcessed)
}

func TestRunPassPartialFill(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0.99))
	testutil.Fund(t, f.db, "buyer", "100000")
	testutil.GiveShares(t, f.db, "seller", "AAPL", 400, "8")

	buy := f.submit(t, "buyer", types.ClassBuy, "AAPL", "10", 1000)
	f.submit(t, "seller", types.ClassSell, "AAPL", "9.5", 400)

	result := f.pass(t)
	require.Len(t, result.Fills, 1)
	assert.Equal(t, int64(400), result.Fills[0].Quantity)
	testutil.AssertDecimal(t, "9.5", result.Fills[0].Price)

	order := testutil.Order(t, f.db, buy.OrderID)
	assert.Equal(t, types.OrderPartial, order.Status)
	assert.Equal(t, int64(400), order.ExecutedQuantity)
	assert.Equal(t, int64(600), order.RemainingQuantity)

	entry := testutil.Entry(t, f.db, buy.OrderID)
	require.NotNil(t, entry)
	assert.Equal(t, int64(600), entry.Quantity)
	assert.Equal(t, types.EntryMatching, entry.Status)

	// 10005 reserved, 3800 spent; the improvement stays frozen until the
	// order ends
	buyer := testutil.Account(t, f.db, "buyer")
	testutil.AssertDecimal(t, "6205", buyer.FrozenBalance)
	testutil.AssertDecimal(t, "96200", buyer.TotalAsset)
}

func TestRunPassPriceTimePriority(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0.99))
	testutil.Fund(t, f.db, "early", "100000")
	testutil.Fund(t, f.db, "late", "100000")
	testutil.Fund(t, f.db, "generous", "100000")
	testutil.GiveShares(t, f.db, "cheap", "AAPL", 100, "8")
	testutil.GiveShares(t, f.db, "first", "AAPL", 100, "8")
	testutil.GiveShares(t, f.db, "second", "AAPL", 100, "8")

	early := f.submit(t, "early", types.ClassBuy, "AAPL", "10", 100)
	late := f.submit(t, "late", types.ClassBuy, "AAPL", "10", 100)
	generous := f.submit(t, "generous", types.ClassBuy, "AAPL", "11", 100)
	first := f.submit(t, "first", types.ClassSell, "AAPL", "10", 100)
	second := f.submit(t, "second", types.ClassSell, "AAPL", "10", 100)
	cheap := f.submit(t, "cheap", types.ClassSell, "AAPL", "9", 100)

	result := f.pass(t)
	require.Len(t, result.Fills, 3)

	// best bid against best offer, then equal prices by arrival
	assert.Equal(t, generous.OrderID, result.Fills[0].BuyOrderID)
	assert.Equal(t, cheap.OrderID, result.Fills[0].SellOrderID)
	testutil.AssertDecimal(t, "9", result.Fills[0].Price)
	assert.Equal(t, early.OrderID, result.Fills[1].BuyOrderID)
	assert.Equal(t, first.OrderID, result.Fills[1].SellOrderID)
	assert.Equal(t, late.OrderID, result.Fills[2].BuyOrderID)
	assert.Equal(t, second.OrderID, result.Fills[2].SellOrderID)
}

func TestRunPassSkipsSelfTrade(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0.99))
	testutil.Fund(t, f.db, "alice", "100000")
	testutil.GiveShares(t, f.db, "alice", "AAPL", 100, "8")
	testutil.GiveShares(t, f.db, "bob", "AAPL", 100, "8")

	buy := f.submit(t, "alice", types.ClassBuy, "AAPL", "10", 100)
	own := f.submit(t, "alice", types.ClassSell, "AAPL", "9", 100)
	other := f.submit(t, "bob", types.ClassSell, "AAPL", "10", 100)

	result := f.pass(t)
	require.Len(t, result.Fills, 1)
	assert.Equal(t, buy.OrderID, result.Fills[0].BuyOrderID)
	assert.Equal(t, other.OrderID, result.Fills[0].SellOrderID)
	assert.Equal(t, types.OrderMatching, testutil.Order(t, f.db, own.OrderID).Status)
}

func TestRunPassNoCross(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0.99))
	testutil.Fund(t, f.db, "buyer", "100000")
	testutil.GiveShares(t, f.db, "seller", "AAPL", 100, "8")

	f.submit(t, "buyer", types.ClassBuy, "AAPL", "9", 100)
	f.submit(t, "seller", types.ClassSell, "AAPL", "10", 100)

	result := f.pass(t)
	assert.Empty(t, result.Fills)
	assert.Equal(t, 1, result.SymbolsProcessed)
}

func TestRunPassSettlesIPO(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0.5))
	testutil.Fund(t, f.db, "drawn", "100000")
	testutil.Fund(t, f.db, "favoured", "100000")

	drawn := f.submit(t, "drawn", types.ClassIPO, "NEWCO", "20", 500)
	favoured := f.submit(t, "favoured", types.ClassIPO, "NEWCO", "20", 500)
	require.NoError(t, f.db.Model(&types.Order{}).
		Where("order_id = ?", favoured.OrderID).
		Update("ipo_outcome", types.IPOWin).Error)

	// a draw of 0.5 loses against the default 10% win rate
	result := f.pass(t)
	assert.Equal(t, 2, result.IPOSettlements)
	require.Len(t, result.Fills, 1)
	assert.Equal(t, types.FillIPO, result.Fills[0].Kind)
	assert.Equal(t, favoured.OrderID, result.Fills[0].BuyOrderID)

	assert.Equal(t, types.OrderFailed, testutil.Order(t, f.db, drawn.OrderID).Status)
	testutil.AssertDecimal(t, "100000", testutil.Account(t, f.db, "drawn").AvailableBalance)
	testutil.AssertDecimal(t, "90000", testutil.Account(t, f.db, "favoured").AvailableBalance)

	again := f.pass(t)
	assert.Zero(t, again.IPOSettlements)
}

func TestRunPassIPOWinRateZero(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0))
	ctx := context.Background()
	_, err := rules.NewService(f.db).UpdateRule(ctx, testutil.Admin, types.ClassIPO, "", types.RuleConfig{
		MinApplyQuantity: 100,
		MaxApplyQuantity: 10000,
		WinRate:          0,
		MaxLeverage:      1,
	}, true)
	require.NoError(t, err)

	testutil.Fund(t, f.db, "applicant", "100000")
	order := f.submit(t, "applicant", types.ClassIPO, "NEWCO", "20", 500)

	result := f.pass(t)
	assert.Equal(t, 1, result.IPOSettlements)
	assert.Empty(t, result.Fills)
	assert.Equal(t, types.OrderFailed, testutil.Order(t, f.db, order.OrderID).Status)

	account := testutil.Account(t, f.db, "applicant")
	testutil.AssertDecimal(t, "100000", account.AvailableBalance)
	testutil.AssertDecimal(t, "0", account.FrozenBalance)
}

func TestConcurrentPassesSettleOnce(t *testing.T) {
	f := newFixture(t, matching.FixedDrawer(0.99))
	testutil.Fund(t, f.db, "buyer", "100000")
	sellers := []string{"s1", "s2", "s3"}
	for _, seller := range sellers {
		testutil.GiveShares(t, f.db, seller, "AAPL", 100, "8")
	}

	f.submit(t, "buyer", types.ClassBuy, "AAPL", "10", 300)
	for _, seller := range sellers {
		f.submit(t, seller, types.ClassSell, "AAPL", "10", 100)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.engine.RunPass(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	var fills []types.Fill
	require.NoError(t, f.db.Find(&fills).Error)
	var filled int64
	for _, fill := range fills {
		filled += fill.Quantity
	}
	assert.Equal(t, int64(300), filled)

	buyer := testutil.Account(t, f.db, "buyer")
	testutil.AssertDecimal(t, "96995", buyer.AvailableBalance)
	testutil.AssertDecimal(t, "0", buyer.FrozenBalance)
	assert.Equal(t, int64(300), testutil.Position(t, f.db, "buyer", "AAPL").Quantity)
	for _, seller := range sellers {
		testutil.AssertDecimal(t, "1000", testutil.Account(t, f.db, seller).AvailableBalance, seller)
	}
}
