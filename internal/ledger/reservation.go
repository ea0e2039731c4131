package ledger

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/types"
)

// Release is what ending an order early gave back to its owner
type Release struct {
	// Refunded is remaining*price plus the fee share of the remaining
	// quantity, returned to available
	Refunded decimal.Decimal `json:"refunded_amount"`
	// Charged is the fee share of the executed quantity
	Charged decimal.Decimal `json:"charged_fee"`
	// Improvement is the difference between the reserved and the actual
	// execution value of the executed quantity, returned to available
	Improvement decimal.Decimal `json:"price_improvement"`
	// Quantity is the number of shares returned to the sellable position
	Quantity int64 `json:"refunded_quantity"`
}

// Improvement is the reserved value of the executed shares minus what
// they actually cost
func Improvement(order *types.Order) decimal.Decimal {
	reserved := order.Price.Mul(decimal.NewFromInt(order.ExecutedQuantity))
	diff := reserved.Sub(order.FilledAmount)
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff
}

// CloseBuyReservation settles what is still frozen for a buy order that
// just completed: the fee is charged and any price improvement returned
func CloseBuyReservation(account *types.Account, order *types.Order) error {
	if err := ConsumeFrozen(account, order.FeeAmount); err != nil {
		return err
	}
	if residual := Improvement(order); residual.IsPositive() {
		return Unfreeze(account, residual)
	}
	return nil
}

// ReleaseReservation undoes what an order still holds when it ends
// before completing. Buy orders get the remaining amount and fee share
// back; sell orders return their remaining shares to the position. The
// order row itself is left to the caller.
func ReleaseReservation(tx *gorm.DB, order *types.Order, now time.Time) (Release, error) {
	release := Release{Refunded: decimal.Zero, Charged: decimal.Zero, Improvement: decimal.Zero}

	if order.Side == types.SideSell {
		if order.RemainingQuantity == 0 {
			return release, nil
		}
		position, err := LockPosition(tx, order.UserID, order.Symbol)
		if err != nil {
			return release, err
		}
		if position == nil {
			// liquidated while the order was open
			return release, nil
		}
		ReleaseShares(position, order.RemainingQuantity)
		if err := SavePosition(tx, position, now); err != nil {
			return release, err
		}
		release.Quantity = order.RemainingQuantity
		return release, nil
	}

	account, err := LockAccount(tx, order.UserID)
	if err != nil {
		return release, err
	}

	remainingFee := order.FeeShare(order.RemainingQuantity)
	release.Refunded = order.Price.Mul(decimal.NewFromInt(order.RemainingQuantity)).Add(remainingFee)
	release.Charged = order.FeeAmount.Sub(remainingFee)
	release.Improvement = Improvement(order)

	if err := Unfreeze(account, release.Refunded.Add(release.Improvement)); err != nil {
		return release, err
	}
	if err := ConsumeFrozen(account, release.Charged); err != nil {
		return release, err
	}
	if err := SaveAccount(tx, account); err != nil {
		return release, err
	}
	return release, nil
}
