package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-engine/internal/types"
)

// Ledger is the account and position store. Methods taking a *gorm.DB run
// inside the caller's transaction; the rest use the ledger's own handle.
type Ledger struct {
	db *gorm.DB
}

// New creates a ledger over db
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// GetAccount reads an account without locking
func (l *Ledger) GetAccount(ctx context.Context, userID string) (*types.Account, error) {
	var account types.Account
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.Statef(types.CodeAccountNotFound, "account for user %s not found", userID)
		}
		return nil, types.Unavailable("failed to read account", err)
	}
	return &account, nil
}

// ListPositions returns every position of a user, ordered by symbol
func (l *Ledger) ListPositions(ctx context.Context, userID string) ([]types.Position, error) {
	var positions []types.Position
	if err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("symbol").Find(&positions).Error; err != nil {
		return nil, types.Unavailable("failed to read positions", err)
	}
	return positions, nil
}

// GetPosition reads a position without locking; nil when absent
func (l *Ledger) GetPosition(ctx context.Context, userID, symbol string) (*types.Position, error) {
	var position types.Position
	err := l.db.WithContext(ctx).Where("user_id = ? AND symbol = ?", userID, symbol).First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Unavailable("failed to read position", err)
	}
	return &position, nil
}

// OpenAccount creates an account with the given starting cash, or returns
// the existing one unchanged
func (l *Ledger) OpenAccount(ctx context.Context, userID string, cash decimal.Decimal) (*types.Account, error) {
	var account *types.Account
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := LockAccount(tx, userID)
		if err == nil {
			account = existing
			return nil
		}
		if !errors.Is(err, types.ErrAccountNotFound) {
			return err
		}
		account = &types.Account{
			UserID:           userID,
			AvailableBalance: cash,
			FrozenBalance:    decimal.Zero,
			TotalAsset:       cash,
			UpdatedAt:        time.Now(),
		}
		if err := tx.Create(account).Error; err != nil {
			return types.Unavailable("failed to create account", err)
		}
		return nil
	})
	return account, err
}

// UnlockExpired releases T+1 locks whose date has passed. It returns the
// number of positions updated.
func (l *Ledger) UnlockExpired(ctx context.Context, now time.Time) (int, error) {
	var due []types.Position
	if err := l.db.WithContext(ctx).
		Where("locked_quantity > 0 AND lock_until <= ?", now.UTC()).
		Find(&due).Error; err != nil {
		return 0, types.Unavailable("failed to scan locked positions", err)
	}

	released := 0
	for _, candidate := range due {
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			position, err := LockPosition(tx, candidate.UserID, candidate.Symbol)
			if err != nil || position == nil {
				return err
			}
			if !position.ReleaseLock(now) {
				return nil
			}
			released++
			return SavePosition(tx, position, now)
		})
		if err != nil {
			return released, err
		}
	}
	return released, nil
}

// LockAccount reads an account row for update
func LockAccount(tx *gorm.DB, userID string) (*types.Account, error) {
	var account types.Account
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.Statef(types.CodeAccountNotFound, "account for user %s not found", userID)
		}
		return nil, types.Unavailable("failed to lock account", err)
	}
	return &account, nil
}

// LockAccounts locks several accounts in ascending user id order so that
// two settlements touching the same pair never deadlock
func LockAccounts(tx *gorm.DB, userIDs ...string) (map[string]*types.Account, error) {
	ids := uniqueSorted(userIDs)
	accounts := make(map[string]*types.Account, len(ids))
	for _, id := range ids {
		account, err := LockAccount(tx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = account
	}
	return accounts, nil
}

// EnsureAccount locks the account row, creating an empty one if missing
func EnsureAccount(tx *gorm.DB, userID string) (*types.Account, error) {
	account, err := LockAccount(tx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, types.ErrAccountNotFound) {
		return nil, err
	}
	account = &types.Account{
		UserID:           userID,
		AvailableBalance: decimal.Zero,
		FrozenBalance:    decimal.Zero,
		TotalAsset:       decimal.Zero,
		UpdatedAt:        time.Now(),
	}
	if err := tx.Create(account).Error; err != nil {
		return nil, types.Unavailable("failed to create account", err)
	}
	return account, nil
}

// EnsureAccounts is LockAccounts that creates missing rows
func EnsureAccounts(tx *gorm.DB, userIDs ...string) (map[string]*types.Account, error) {
	ids := uniqueSorted(userIDs)
	accounts := make(map[string]*types.Account, len(ids))
	for _, id := range ids {
		account, err := EnsureAccount(tx, id)
		if err != nil {
			return nil, err
		}
		accounts[id] = account
	}
	return accounts, nil
}

// SaveAccount writes balances back with an optimistic version check
func SaveAccount(tx *gorm.DB, account *types.Account) error {
	if account.AvailableBalance.IsNegative() || account.FrozenBalance.IsNegative() {
		return fmt.Errorf("account %s would go negative: available=%s frozen=%s",
			account.UserID, account.AvailableBalance, account.FrozenBalance)
	}

	account.UpdatedAt = time.Now()
	result := tx.Model(&types.Account{}).
		Where("id = ? AND version = ?", account.ID, account.Version).
		Updates(map[string]interface{}{
			"available_balance": account.AvailableBalance,
			"frozen_balance":    account.FrozenBalance,
			"total_asset":       account.TotalAsset,
			"version":           account.Version + 1,
			"updated_at":        account.UpdatedAt,
		})
	if result.Error != nil {
		return types.Unavailable("failed to update account", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.Conflictf("account %s changed concurrently", account.UserID)
	}
	account.Version++
	return nil
}

// LockPosition reads a position row for update; nil when absent
func LockPosition(tx *gorm.DB, userID, symbol string) (*types.Position, error) {
	var position types.Position
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND symbol = ?", userID, symbol).
		First(&position).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Unavailable("failed to lock position", err)
	}
	return &position, nil
}

// SavePosition persists a position: inserting new rows, deleting rows
// whose quantity reached zero and version-checking everything else
func SavePosition(tx *gorm.DB, position *types.Position, now time.Time) error {
	position.UpdatedAt = now

	if position.Quantity <= 0 {
		if position.ID == 0 {
			return nil
		}
		if err := tx.Unscoped().Delete(&types.Position{}, position.ID).Error; err != nil {
			return types.Unavailable("failed to delete position", err)
		}
		return nil
	}

	if position.AvailableQuantity < 0 || position.LockedQuantity < 0 ||
		position.AvailableQuantity+position.LockedQuantity > position.Quantity {
		return fmt.Errorf("position %s/%s inconsistent: quantity=%d available=%d locked=%d",
			position.UserID, position.Symbol, position.Quantity, position.AvailableQuantity, position.LockedQuantity)
	}

	if position.ID == 0 {
		if err := tx.Create(position).Error; err != nil {
			return types.Unavailable("failed to create position", err)
		}
		return nil
	}

	result := tx.Model(&types.Position{}).
		Where("id = ? AND version = ?", position.ID, position.Version).
		Updates(map[string]interface{}{
			"quantity":           position.Quantity,
			"available_quantity": position.AvailableQuantity,
			"locked_quantity":    position.LockedQuantity,
			"lock_until":         position.LockUntil,
			"average_price":      position.AveragePrice,
			"market_value":       position.MarketValue,
			"version":            position.Version + 1,
			"updated_at":         position.UpdatedAt,
		})
	if result.Error != nil {
		return types.Unavailable("failed to update position", result.Error)
	}
	if result.RowsAffected == 0 {
		return types.Conflictf("position %s/%s changed concurrently", position.UserID, position.Symbol)
	}
	position.Version++
	return nil
}

// DeletePosition removes a position row outright
func DeletePosition(tx *gorm.DB, position *types.Position) error {
	if err := tx.Unscoped().Delete(&types.Position{}, position.ID).Error; err != nil {
		return types.Unavailable("failed to delete position", err)
	}
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
