package intervention_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/intervention"
	"github.com/ksred/klear-engine/internal/matching"
	"github.com/ksred/klear-engine/internal/rules"
	"github.com/ksred/klear-engine/internal/settlement"
	"github.com/ksred/klear-engine/internal/testutil"
	"github.com/ksred/klear-engine/internal/trading"
	"github.com/ksred/klear-engine/internal/types"
)

type fixture struct {
	db      *gorm.DB
	clock   *testutil.Clock
	trading *trading.Service
	settler *settlement.Settler
	svc     *intervention.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSeededDB(t)
	clock := testutil.NewClock()
	settler := settlement.NewSettler(db, testutil.Calendar(), 3).WithClock(clock.Now)
	return &fixture{
		db:      db,
		clock:   clock,
		trading: testutil.Trading(db, clock),
		settler: settler,
		svc:     intervention.NewService(db, settler),
	}
}

func (f *fixture) intervene(op, orderID string, params map[string]any) (*intervention.Result, error) {
	return f.svc.Intervene(context.Background(), testutil.Admin, intervention.Request{
		Operation: op,
		OrderID:   orderID,
		Params:    params,
	})
}

func (f *fixture) audits(t *testing.T, operation string) []types.AuditLog {
	t.Helper()
	var logs []types.AuditLog
	require.NoError(t, f.db.Where("operation = ?", operation).Find(&logs).Error)
	return logs
}

func params(t *testing.T, log types.AuditLog) map[string]any {
	t.Helper()
	p, ok := log.Payload["params"].(map[string]any)
	require.True(t, ok, "audit payload has no params")
	return p
}

func TestInterveneRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.db, "buyer", "100000")
	order := testutil.Submit(t, f.trading, "buyer", types.ClassBuy, "AAPL", "10", 100)

	_, err := f.svc.Intervene(context.Background(), testutil.User, intervention.Request{
		Operation: types.OpDelete,
		OrderID:   order.OrderID,
	})
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = f.svc.AdjustFunds(context.Background(), testutil.User, intervention.FundRequest{
		UserID: "buyer", Type: intervention.FundRecharge, Amount: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = f.svc.Liquidate(context.Background(), testutil.User, "buyer", "AAPL", "")
	assert.ErrorIs(t, err, types.ErrForbidden)

	var audits int64
	require.NoError(t, f.db.Model(&types.AuditLog{}).Count(&audits).Error)
	assert.Zero(t, audits)
	assert.Equal(t, types.OrderMatching, testutil.Order(t, f.db, order.OrderID).Status)
}

func TestInterveneRejectsUnknownRequests(t *testing.T) {
	f := newFixture(t)

	_, err := f.intervene("EXPLODE", "ORD_1", nil)
	testutil.AssertCode(t, err, types.CodeUnsupportedOperation)

	_, err = f.intervene(types.OpPause, "", nil)
	testutil.AssertCode(t, err, types.CodeValidationFailed)

	_, err = f.intervene(types.OpPause, "ORD_missing", nil)
	testutil.AssertCode(t, err, types.CodeOrderNotFound)
}

func TestPauseAndResume(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.db, "buyer", "100000")
	order := testutil.Submit(t, f.trading, "buyer", types.ClassBuy, "AAPL", "10", 100)

	_, err := f.intervene(types.OpResume, order.OrderID, nil)
	testutil.AssertCode(t, err, types.CodeInvalidState)

	// operation names are case-insensitive
	_, err = f.intervene("pause", order.OrderID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.EntryPaused, testutil.Entry(t, f.db, order.OrderID).Status)

	_, err = f.intervene(types.OpPause, order.OrderID, nil)
	testutil.AssertCode(t, err, types.CodeInvalidState)

	_, err = f.intervene(types.OpResume, order.OrderID, nil)
	require.NoError(t, err)
	assert.Equal(t, types.EntryMatching, testutil.Entry(t, f.db, order.OrderID).Status)

	logs := f.audits(t, types.OpPause)
	require.Len(t, logs, 1)
	assert.Equal(t, order.OrderID, logs[0].TargetOrderID)
	assert.Equal(t, "buyer", logs[0].TargetUserID)
	assert.Len(t, f.audits(t, types.OpResume), 1)
}

func TestDeleteReleasesReservation(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.db, "buyer", "100000")
	order := testutil.Submit(t, f.trading, "buyer", types.ClassBuy, "AAPL", "10", 100)

	result, err := f.svc.Intervene(context.Background(), testutil.Admin, intervention.Request{
		Operation: types.OpDelete,
		OrderID:   order.OrderID,
		Remark:    "duplicate",
	})
	require.NoError(t, err)
	assert.Equal(t, types.OrderCancelled, result.Order.Status)
	assert.Equal(t, "duplicate", result.Order.Remark)
	assert.Nil(t, testutil.Entry(t, f.db, order.OrderID))

	account := testutil.Account(t, f.db, "buyer")
	testutil.AssertDecimal(t, "100000", account.AvailableBalance)
	testutil.AssertDecimal(t, "0", account.FrozenBalance)

	logs := f.audits(t, types.OpDelete)
	require.Len(t, logs, 1)
	assert.Equal(t, "duplicate", params(t, logs[0])["remark"])

	_, err = f.intervene(types.OpDelete, order.OrderID, nil)
	testutil.AssertCode(t, err, types.CodeOrderNotCancellable)
}

func TestForceMatch(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.db, "buyer", "100000")

	t.Run("buy order", func(t *testing.T) {
		order := testutil.Submit(t, f.trading, "buyer", types.ClassBuy, "AAPL", "10", 100)

		result, err := f.intervene(types.OpForceMatch, order.OrderID, nil)
		require.NoError(t, err)
		require.NotNil(t, result.Fill)
		assert.Equal(t, types.FillForced, result.Fill.Kind)
		assert.Equal(t, types.OrderSuccess, result.Order.Status)

		account := testutil.Account(t, f.db, "buyer")
		testutil.AssertDecimal(t, "98995", account.AvailableBalance)
		testutil.AssertDecimal(t, "0", account.FrozenBalance)
		assert.Equal(t, int64(100), testutil.Position(t, f.db, "buyer", "AAPL").LockedQuantity)

		_, err = f.intervene(types.OpForceMatch, order.OrderID, nil)
		testutil.AssertCode(t, err, types.CodeInvalidState)
	})

	t.Run("IPO subscription wins", func(t *testing.T) {
		order := testutil.Submit(t, f.trading, "buyer", types.ClassIPO, "NEWCO", "20", 500)

		result, err := f.intervene(types.OpForceMatch, order.OrderID, nil)
		require.NoError(t, err)
		require.NotNil(t, result.Fill)
		assert.Equal(t, types.FillIPO, result.Fill.Kind)
		assert.Equal(t, types.OrderSuccess, testutil.Order(t, f.db, order.OrderID).Status)
		assert.Equal(t, int64(500), testutil.Position(t, f.db, "buyer", "NEWCO").Quantity)
	})
}

func TestIPOAdjustSettlesPooledSubscription(t *testing.T) {
	f := newFixture(t)
	testutil.Fund(t, f.db, "applicant", "100000")
	order := testutil.Submit(t, f.trading, "applicant", types.ClassIPO, "NEWCO", "20", 500)

	_, err := f.intervene(types.OpIPOAdjust, order.OrderID, map[string]any{"result": "maybe"})
	testutil.AssertCode(t, err, types.CodeValidationFailed)

	result, err := f.intervene(types.OpIPOAdjust, order.OrderID, map[string]any{"result": "lose"})
	require.NoError(t, err)
	assert.Nil(t, result.Fill)
	assert.Equal(t, types.OrderFailed, result.Order.Status)

	stored := testutil.Order(t, f.db, order.OrderID)
	assert.Equal(t, types.IPOLose, stored.IPOOutcome)
	testutil.AssertDecimal(t, "100000", testutil.Account(t, f.db, "applicant").AvailableBalance)

	_, err = f.intervene(types.OpIPOAdjust, order.OrderID, map[string]any{"result": "WIN"})
	testutil.AssertCode(t, err, types.CodeInvalidState)
}

func TestIPOAdjustStoresOutcomeWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := rules.NewService(f.db).UpdateRule(ctx, testutil.Admin, types.ClassIPO, "", types.RuleConfig{
		MinApplyQuantity: 100,
		MaxApplyQuantity: 10000,
		WinRate:          0.1,
		NeedAdminConfirm: true,
		MaxLeverage:      1,
	}, true)
	require.NoError(t, err)

	testutil.Fund(t, f.db, "applicant", "100000")
	order := testutil.Submit(t, f.trading, "applicant", types.ClassIPO, "NEWCO", "20", 500)
	require.Equal(t, types.OrderPending, order.Status)

	result, err := f.intervene(types.OpIPOAdjust, order.OrderID, map[string]any{"result": "LOSE"})
	require.NoError(t, err)
	assert.Equal(t, types.OrderPending, result.Order.Status)
	assert.Equal(t, types.IPOLose, testutil.Order(t, f.db, order.OrderID).IPOOutcome)

	_, err = f.trading.ReviewOrder(ctx, testutil.Admin, order.OrderID, trading.DecisionApprove, "")
	require.NoError(t, err)

	// a draw of zero would win; the stored outcome takes precedence
	engine, err := matching.NewEngine(f.db, f.settler, rules.NewGormStore(f.db), 1)
	require.NoError(t, err)
	defer engine.Close()
	pass, err := engine.WithDrawer(matching.FixedDrawer(0)).RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pass.IPOSettlements)
	assert.Empty(t, pass.Fills)
	assert.Equal(t, types.OrderFailed, testutil.Order(t, f.db, order.OrderID).Status)
}

func TestAdjustFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	account, err := f.svc.AdjustFunds(ctx, testutil.Admin, intervention.FundRequest{
		UserID: "newcomer", Type: "recharge", Amount: decimal.NewFromInt(500),
	})
	require.NoError(t, err)
	testutil.AssertDecimal(t, "500", account.AvailableBalance)
	testutil.AssertDecimal(t, "500", account.TotalAsset)

	_, err = f.svc.AdjustFunds(ctx, testutil.Admin, intervention.FundRequest{
		UserID: "newcomer", Type: intervention.FundWithdraw, Amount: decimal.NewFromInt(600),
	})
	testutil.AssertCode(t, err, types.CodeInsufficientBalance)

	account, err = f.svc.AdjustFunds(ctx, testutil.Admin, intervention.FundRequest{
		UserID: "newcomer", Type: intervention.FundWithdraw, Amount: decimal.NewFromInt(200),
	})
	require.NoError(t, err)
	testutil.AssertDecimal(t, "300", account.AvailableBalance)

	tests := []struct {
		name string
		req  intervention.FundRequest
		code string
	}{
		{"unknown type", intervention.FundRequest{UserID: "newcomer", Type: "GIFT", Amount: decimal.NewFromInt(1)}, types.CodeValidationFailed},
		{"zero amount", intervention.FundRequest{UserID: "newcomer", Type: intervention.FundRecharge}, types.CodeValidationFailed},
		{"missing user", intervention.FundRequest{Type: intervention.FundRecharge, Amount: decimal.NewFromInt(1)}, types.CodeValidationFailed},
		{"withdraw without account", intervention.FundRequest{UserID: "ghost", Type: intervention.FundWithdraw, Amount: decimal.NewFromInt(1)}, types.CodeAccountNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AdjustFunds(ctx, testutil.Admin, tt.req)
			testutil.AssertCode(t, err, tt.code)
		})
	}

	assert.Len(t, f.audits(t, types.OpRecharge), 1)
	assert.Len(t, f.audits(t, types.OpWithdraw), 1)
}

func TestLiquidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Liquidate(ctx, testutil.Admin, "holder", "AAPL", "")
	testutil.AssertCode(t, err, types.CodePositionNotFound)

	testutil.GiveShares(t, f.db, "holder", "AAPL", 300, "8")
	sell := testutil.Submit(t, f.trading, "holder", types.ClassSell, "AAPL", "12", 100)

	result, err := f.svc.Liquidate(ctx, testutil.Admin, "holder", "AAPL", "margin call")
	require.NoError(t, err)
	assert.Equal(t, int64(300), result.Quantity)
	testutil.AssertDecimal(t, "2400", result.Credited)
	assert.Equal(t, []string{sell.OrderID}, result.CancelledOrders)

	assert.Nil(t, testutil.Position(t, f.db, "holder", "AAPL"))
	assert.Nil(t, testutil.Entry(t, f.db, sell.OrderID))
	assert.Equal(t, types.OrderCancelled, testutil.Order(t, f.db, sell.OrderID).Status)
	testutil.AssertDecimal(t, "2400", testutil.Account(t, f.db, "holder").AvailableBalance)

	logs := f.audits(t, types.OpLiquidate)
	require.Len(t, logs, 1)
	assert.Equal(t, "margin call", params(t, logs[0])["remark"])
	assert.Equal(t, "AAPL", params(t, logs[0])["symbol"])
}

func TestInterventionsLockRowsInSettlementOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	testutil.Fund(t, f.db, "buyer", "100000")
	testutil.GiveShares(t, f.db, "holder", "AAPL", 500, "8")

	locks := testutil.RecordLocks(t, f.db)

	t.Run("delete", func(t *testing.T) {
		order := testutil.Submit(t, f.trading, "buyer", types.ClassBuy, "AAPL", "10", 100)
		locks.Reset()
		_, err := f.intervene(types.OpDelete, order.OrderID, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"pool_entries", "orders", "accounts"}, locks.Tables())
		locks.AssertLockOrder(t)
	})

	t.Run("force match", func(t *testing.T) {
		order := testutil.Submit(t, f.trading, "holder", types.ClassSell, "AAPL", "12", 100)
		locks.Reset()
		_, err := f.intervene(types.OpForceMatch, order.OrderID, nil)
		require.NoError(t, err)
		locks.AssertLockOrder(t)
	})

	t.Run("liquidate", func(t *testing.T) {
		testutil.Submit(t, f.trading, "holder", types.ClassSell, "AAPL", "12", 100)
		testutil.Submit(t, f.trading, "holder", types.ClassSell, "AAPL", "13", 100)
		locks.Reset()
		result, err := f.svc.Liquidate(ctx, testutil.Admin, "holder", "AAPL", "")
		require.NoError(t, err)
		assert.Len(t, result.CancelledOrders, 2)
		assert.Equal(t, []string{"pool_entries", "orders", "accounts", "positions"}, locks.Tables())
		locks.AssertLockOrder(t)
	})
}
