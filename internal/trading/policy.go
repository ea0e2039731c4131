package trading

import (
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-engine/internal/pool"
	"github.com/ksred/klear-engine/internal/types"
)

// classPolicy checks the class-specific bounds of a submission
type classPolicy func(db *pool.Database, req *SubmitRequest, cfg types.RuleConfig) error

var policies = map[types.Class]classPolicy{
	types.ClassBuy:        checkStandard,
	types.ClassSell:       checkStandard,
	types.ClassIPO:        checkIPO,
	types.ClassBlockTrade: checkBlockTrade,
	types.ClassLimitUp:    checkLimitUp,
}

// sideFor resolves the order side of a submission. IPO subscriptions are
// always buys; block trades and limit-up orders take the requested side.
func sideFor(req *SubmitRequest) (types.Side, error) {
	switch req.Class {
	case types.ClassBuy, types.ClassIPO:
		if req.Side != "" && req.Side != types.SideBuy {
			return "", types.Validationf(types.CodeValidationFailed, "class %s only accepts side BUY", req.Class)
		}
		return types.SideBuy, nil
	case types.ClassSell:
		if req.Side != "" && req.Side != types.SideSell {
			return "", types.Validationf(types.CodeValidationFailed, "class SELL only accepts side SELL")
		}
		return types.SideSell, nil
	}
	switch req.Side {
	case "":
		return types.SideBuy, nil
	case types.SideBuy, types.SideSell:
		return req.Side, nil
	}
	return "", types.Validationf(types.CodeValidationFailed, "unknown side %q", req.Side)
}

func violation(format string, args ...any) error {
	return types.Validationf(types.CodeRuleViolation, format, args...)
}

func checkMin(qty, min int64) error {
	if min > 0 && qty < min {
		return violation("quantity %d is below the minimum of %d", qty, min)
	}
	return nil
}

func checkMax(qty, max int64) error {
	if max > 0 && qty > max {
		return violation("quantity %d exceeds the single order maximum of %d", qty, max)
	}
	return nil
}

func checkStandard(_ *pool.Database, req *SubmitRequest, cfg types.RuleConfig) error {
	if err := checkMin(req.Quantity, cfg.MinQuantity); err != nil {
		return err
	}
	return checkMax(req.Quantity, cfg.MaxSingleOrder)
}

func checkIPO(db *pool.Database, req *SubmitRequest, cfg types.RuleConfig) error {
	if cfg.MinApplyQuantity > 0 && req.Quantity < cfg.MinApplyQuantity {
		return violation("quantity %d is below the minimum subscription of %d", req.Quantity, cfg.MinApplyQuantity)
	}
	amount := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	if cfg.MaxApplyAmount.IsPositive() && amount.GreaterThan(cfg.MaxApplyAmount) {
		return violation("subscription amount %s exceeds the maximum of %s",
			amount.StringFixed(2), cfg.MaxApplyAmount.StringFixed(2))
	}
	if cfg.MaxApplyQuantity > 0 {
		held, err := db.LiveIPOQuantity(req.UserID, req.Symbol)
		if err != nil {
			return err
		}
		if held+req.Quantity > cfg.MaxApplyQuantity {
			return violation("subscription of %d with %d already applied exceeds the per-account cap of %d",
				req.Quantity, held, cfg.MaxApplyQuantity)
		}
	}
	return nil
}

func checkBlockTrade(_ *pool.Database, req *SubmitRequest, cfg types.RuleConfig) error {
	if cfg.MinBlockQuantity > 0 && req.Quantity < cfg.MinBlockQuantity {
		return violation("quantity %d is below the block trade minimum of %d", req.Quantity, cfg.MinBlockQuantity)
	}
	amount := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	if cfg.MinBlockAmount.IsPositive() && amount.LessThan(cfg.MinBlockAmount) {
		return violation("amount %s is below the block trade minimum of %s",
			amount.StringFixed(2), cfg.MinBlockAmount.StringFixed(2))
	}
	return checkMax(req.Quantity, cfg.MaxSingleOrder)
}

func checkLimitUp(db *pool.Database, req *SubmitRequest, cfg types.RuleConfig) error {
	if cfg.TriggerThreshold.IsPositive() && req.Price.LessThan(cfg.TriggerThreshold) {
		return violation("price %s is below the limit-up trigger of %s",
			req.Price.StringFixed(2), cfg.TriggerThreshold.StringFixed(2))
	}
	return checkStandard(db, req, cfg)
}

func checkLeverage(leverage int, cfg types.RuleConfig) error {
	max := cfg.MaxLeverage
	if max < 1 {
		max = 1
	}
	if leverage < 1 || leverage > max {
		return violation("leverage %d is outside the allowed range of 1 to %d", leverage, max)
	}
	return nil
}

// feeFor is max(amount*rate, min_fee) rounded to cents
func feeFor(amount decimal.Decimal, cfg types.RuleConfig) decimal.Decimal {
	fee := amount.Mul(cfg.FeeRate)
	if fee.LessThan(cfg.MinFee) {
		fee = cfg.MinFee
	}
	return fee.Round(2)
}
