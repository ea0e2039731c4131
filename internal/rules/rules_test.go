package rules_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-engine/internal/rules"
	"github.com/ksred/klear-engine/internal/testutil"
	"github.com/ksred/klear-engine/internal/types"
)

func TestSeedDefaultsCoversEveryClass(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSeededDB(t)
	// seeding twice keeps existing rows
	require.NoError(t, rules.SeedDefaults(ctx, db))

	list, err := rules.NewGormStore(db).List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, len(types.Classes))

	ipo, err := rules.Active(ctx, rules.NewGormStore(db), types.ClassIPO)
	require.NoError(t, err)
	assert.Equal(t, 0.1, ipo.Config.WinRate)
	assert.Equal(t, int64(10000), ipo.Config.MaxApplyQuantity)
}

func TestActiveFailsForMissingOrDisabledRule(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	store := rules.NewGormStore(db)

	_, err := rules.Active(ctx, store, types.ClassBuy)
	testutil.AssertCode(t, err, types.CodeRuleUnavailable)

	svc := rules.NewService(db)
	_, err = svc.UpdateRule(ctx, testutil.Admin, types.ClassBuy, "", types.RuleConfig{MinQuantity: 1}, false)
	require.NoError(t, err)

	_, err = rules.Active(ctx, store, types.ClassBuy)
	testutil.AssertCode(t, err, types.CodeRuleUnavailable)
}

func TestUpdateRuleRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSeededDB(t)
	svc := rules.NewService(db)

	_, err := svc.UpdateRule(ctx, testutil.User, types.ClassBuy, "hacked", types.RuleConfig{}, true)
	assert.ErrorIs(t, err, types.ErrForbidden)

	_, err = svc.List(ctx, testutil.User)
	assert.ErrorIs(t, err, types.ErrForbidden)

	rule, err := rules.Find(db, types.ClassBuy)
	require.NoError(t, err)
	assert.Equal(t, "Standard buy", rule.Name)

	var audits int64
	require.NoError(t, db.Model(&types.AuditLog{}).Count(&audits).Error)
	assert.Zero(t, audits)
}

func TestUpdateRuleAuditsChange(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSeededDB(t)
	svc := rules.NewService(db)

	cfg := types.RuleConfig{
		MinQuantity:    200,
		MaxSingleOrder: 5000,
		FeeRate:        decimal.RequireFromString("0.001"),
		MinFee:         decimal.NewFromInt(1),
		MaxLeverage:    2,
	}
	rule, err := svc.UpdateRule(ctx, testutil.Admin, types.ClassBuy, "", cfg, true)
	require.NoError(t, err)
	assert.Equal(t, "Standard buy", rule.Name)
	assert.Equal(t, "admin", rule.UpdatedBy)

	stored, err := svc.Store().Get(ctx, types.ClassBuy)
	require.NoError(t, err)
	assert.Equal(t, int64(200), stored.Config.MinQuantity)
	testutil.AssertDecimal(t, "0.001", stored.Config.FeeRate)

	var logs []types.AuditLog
	require.NoError(t, db.Find(&logs).Error)
	require.Len(t, logs, 1)
	assert.Equal(t, types.OpUpdateRule, logs[0].Operation)
	assert.Equal(t, "admin", logs[0].ActorID)
	assert.Contains(t, logs[0].Payload, "before")
	assert.Contains(t, logs[0].Payload, "after")
}

func TestUpdateRuleValidatesConfig(t *testing.T) {
	ctx := context.Background()
	svc := rules.NewService(testutil.NewSeededDB(t))

	tests := []struct {
		name  string
		class types.Class
		cfg   types.RuleConfig
	}{
		{"unknown class", types.Class("OPTIONS"), types.RuleConfig{}},
		{"min above max", types.ClassBuy, types.RuleConfig{MinQuantity: 500, MaxSingleOrder: 100}},
		{"win rate above one", types.ClassIPO, types.RuleConfig{WinRate: 1.5}},
		{"negative fee", types.ClassSell, types.RuleConfig{FeeRate: decimal.NewFromInt(-1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateRule(ctx, testutil.Admin, tt.class, "", tt.cfg, true)
			testutil.AssertCode(t, err, types.CodeValidationFailed)
		})
	}
}
