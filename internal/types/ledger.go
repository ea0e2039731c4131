package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Account is a user's cash ledger row. TotalAsset is kept equal to
// AvailableBalance + FrozenBalance.
type Account struct {
	gorm.Model       `json:"-"`
	UserID           string          `gorm:"uniqueIndex" json:"user_id"`
	AvailableBalance decimal.Decimal `gorm:"type:decimal(20,4)" json:"available_balance"`
	FrozenBalance    decimal.Decimal `gorm:"type:decimal(20,4)" json:"frozen_balance"`
	TotalAsset       decimal.Decimal `gorm:"type:decimal(20,4)" json:"total_asset"`
	Version          int64           `json:"version"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Position is a user's holding in one symbol
type Position struct {
	gorm.Model        `json:"-"`
	UserID            string          `gorm:"uniqueIndex:idx_positions_user_symbol" json:"user_id"`
	Symbol            string          `gorm:"uniqueIndex:idx_positions_user_symbol" json:"symbol"`
	Quantity          int64           `json:"quantity"`
	AvailableQuantity int64           `json:"available_quantity"`
	LockedQuantity    int64           `json:"locked_quantity"`
	LockUntil         *time.Time      `json:"lock_until,omitempty"`
	AveragePrice      decimal.Decimal `gorm:"type:decimal(20,4)" json:"average_price"`
	MarketValue       decimal.Decimal `gorm:"type:decimal(20,4)" json:"market_value"`
	Version           int64           `json:"version"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// ReleaseLock moves locked shares to available once the lock date has
// passed. It reports whether anything changed.
func (p *Position) ReleaseLock(now time.Time) bool {
	if p.LockedQuantity == 0 || p.LockUntil == nil || now.Before(*p.LockUntil) {
		return false
	}
	p.AvailableQuantity += p.LockedQuantity
	p.LockedQuantity = 0
	p.LockUntil = nil
	return true
}

// Sellable is the quantity that can back a new sell order right now
func (p *Position) Sellable(now time.Time) int64 {
	if p.LockedQuantity > 0 && p.LockUntil != nil && !now.Before(*p.LockUntil) {
		return p.AvailableQuantity + p.LockedQuantity
	}
	return p.AvailableQuantity
}
