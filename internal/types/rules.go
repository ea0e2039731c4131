package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// RuleConfig is the configuration bag of a trade rule. Zero values mean
// the bound is not enforced.
type RuleConfig struct {
	MinQuantity      int64           `json:"min_quantity,omitempty"`
	MaxSingleOrder   int64           `json:"max_single_order,omitempty"`
	MinApplyQuantity int64           `json:"min_apply_quantity,omitempty"`
	MaxApplyQuantity int64           `json:"max_apply_quantity,omitempty"`
	MaxApplyAmount   decimal.Decimal `json:"max_apply_amount"`
	MinBlockQuantity int64           `json:"min_block_quantity,omitempty"`
	MinBlockAmount   decimal.Decimal `json:"min_block_amount"`
	TriggerThreshold decimal.Decimal `json:"trigger_threshold"`
	WinRate          float64         `json:"win_rate,omitempty"`
	FeeRate          decimal.Decimal `json:"fee_rate"`
	MinFee           decimal.Decimal `json:"min_fee"`
	MaxLeverage      int             `json:"max_leverage,omitempty"`
	MarginThreshold  decimal.Decimal `json:"margin_threshold"`
	NeedAdminConfirm bool            `json:"need_admin_confirm,omitempty"`
}

// TradeRule holds the per-class trading configuration
type TradeRule struct {
	gorm.Model `json:"-"`
	Class      Class      `gorm:"uniqueIndex" json:"class"`
	Name       string     `json:"name"`
	Config     RuleConfig `gorm:"type:text;serializer:json" json:"config"`
	Enabled    bool       `json:"enabled"`
	UpdatedBy  string     `json:"updated_by"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
