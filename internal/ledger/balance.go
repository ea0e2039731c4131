package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-engine/internal/types"
)

// The helpers below mutate in-memory rows only; callers persist them with
// SaveAccount / SavePosition inside the same transaction.

// Freeze moves amount from available to frozen
func Freeze(account *types.Account, amount decimal.Decimal) error {
	if account.AvailableBalance.LessThan(amount) {
		return types.Validationf(types.CodeInsufficientBalance,
			"insufficient balance: required %s, available %s",
			amount.StringFixed(2), account.AvailableBalance.StringFixed(2))
	}
	account.AvailableBalance = account.AvailableBalance.Sub(amount)
	account.FrozenBalance = account.FrozenBalance.Add(amount)
	return nil
}

// Unfreeze returns amount from frozen to available
func Unfreeze(account *types.Account, amount decimal.Decimal) error {
	if account.FrozenBalance.LessThan(amount) {
		return fmt.Errorf("unfreeze %s exceeds frozen balance %s of %s",
			amount, account.FrozenBalance, account.UserID)
	}
	account.FrozenBalance = account.FrozenBalance.Sub(amount)
	account.AvailableBalance = account.AvailableBalance.Add(amount)
	return nil
}

// ConsumeFrozen spends amount out of the frozen balance, removing it from
// the account's total asset value
func ConsumeFrozen(account *types.Account, amount decimal.Decimal) error {
	if account.FrozenBalance.LessThan(amount) {
		return fmt.Errorf("consume %s exceeds frozen balance %s of %s",
			amount, account.FrozenBalance, account.UserID)
	}
	account.FrozenBalance = account.FrozenBalance.Sub(amount)
	account.TotalAsset = account.TotalAsset.Sub(amount)
	return nil
}

// Credit adds amount to available balance and total asset value
func Credit(account *types.Account, amount decimal.Decimal) {
	account.AvailableBalance = account.AvailableBalance.Add(amount)
	account.TotalAsset = account.TotalAsset.Add(amount)
}

// Debit removes amount from available balance and total asset value
func Debit(account *types.Account, amount decimal.Decimal) error {
	if account.AvailableBalance.LessThan(amount) {
		return types.Validationf(types.CodeInsufficientBalance,
			"insufficient balance: requested %s, available %s",
			amount.StringFixed(2), account.AvailableBalance.StringFixed(2))
	}
	account.AvailableBalance = account.AvailableBalance.Sub(amount)
	account.TotalAsset = account.TotalAsset.Sub(amount)
	return nil
}

// AcquireShares adds qty shares bought at price to a position, locked until
// lockUntil. A nil position starts a new one.
func AcquireShares(position *types.Position, userID, symbol string, qty int64, price decimal.Decimal, lockUntil time.Time, now time.Time) *types.Position {
	if position == nil {
		position = &types.Position{
			UserID:       userID,
			Symbol:       symbol,
			AveragePrice: decimal.Zero,
			MarketValue:  decimal.Zero,
		}
	}
	position.ReleaseLock(now)

	held := decimal.NewFromInt(position.Quantity)
	added := decimal.NewFromInt(qty)
	cost := position.AveragePrice.Mul(held).Add(price.Mul(added))

	position.Quantity += qty
	position.AveragePrice = cost.Div(decimal.NewFromInt(position.Quantity)).Round(4)
	position.LockedQuantity += qty
	if position.LockUntil == nil || position.LockUntil.Before(lockUntil) {
		// stored in UTC so the unlock sweep compares like with like
		until := lockUntil.UTC()
		position.LockUntil = &until
	}
	position.MarketValue = price.Mul(decimal.NewFromInt(position.Quantity))
	return position
}

// ReserveShares takes qty out of the sellable quantity for a new sell order
func ReserveShares(position *types.Position, qty int64, now time.Time) error {
	if position == nil {
		return types.Validationf(types.CodeInsufficientPosition,
			"insufficient position: requested %d, sellable 0", qty)
	}
	position.ReleaseLock(now)
	if position.AvailableQuantity < qty {
		return types.Validationf(types.CodeInsufficientPosition,
			"insufficient position: requested %d, sellable %d", qty, position.AvailableQuantity)
	}
	position.AvailableQuantity -= qty
	return nil
}

// ReleaseShares returns qty reserved by a sell order to the sellable quantity
func ReleaseShares(position *types.Position, qty int64) {
	position.AvailableQuantity += qty
}

// DeliverShares removes qty sold shares, already reserved, from a position
// and marks the remainder at price
func DeliverShares(position *types.Position, qty int64, price decimal.Decimal) error {
	if position == nil || position.Quantity < qty {
		return fmt.Errorf("cannot deliver %d shares from position", qty)
	}
	position.Quantity -= qty
	position.MarketValue = price.Mul(decimal.NewFromInt(position.Quantity))
	return nil
}
