package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Class is the instrument class an order is submitted under
type Class string

const (
	ClassBuy        Class = "BUY"
	ClassSell       Class = "SELL"
	ClassIPO        Class = "IPO"
	ClassBlockTrade Class = "BLOCK_TRADE"
	ClassLimitUp    Class = "LIMIT_UP"
)

// Classes lists every supported instrument class
var Classes = []Class{ClassBuy, ClassSell, ClassIPO, ClassBlockTrade, ClassLimitUp}

// Valid reports whether c is one of the supported instrument classes
func (c Class) Valid() bool {
	for _, known := range Classes {
		if c == known {
			return true
		}
	}
	return false
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Order lifecycle states
const (
	OrderPending   = "PENDING"
	OrderMatching  = "MATCHING"
	OrderPartial   = "PARTIAL"
	OrderSuccess   = "SUCCESS"
	OrderCancelled = "CANCELLED"
	OrderFailed    = "FAILED"
)

// Approval sub-states for gated orders
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalRejected = "REJECTED"
)

// IPO lottery outcomes set by an administrator
const (
	IPOWin  = "WIN"
	IPOLose = "LOSE"
)

// Pool entry states
const (
	EntryMatching  = "MATCHING"
	EntryPaused    = "PAUSED"
	EntryCompleted = "COMPLETED"
)

// Fill kinds
const (
	FillBook   = "BOOK"
	FillIPO    = "IPO"
	FillForced = "FORCED"
)

// Order is one user's trading intent and the audit record of its lifecycle
type Order struct {
	gorm.Model        `json:"-"`
	OrderID           string          `gorm:"uniqueIndex" json:"order_id"`
	UserID            string          `gorm:"index" json:"user_id"`
	Class             Class           `json:"class"`
	Side              Side            `json:"side"`
	Market            string          `json:"market"`
	Symbol            string          `gorm:"index" json:"symbol"`
	Price             decimal.Decimal `gorm:"type:decimal(20,4)" json:"price"`
	Quantity          int64           `json:"quantity"`
	ExecutedQuantity  int64           `json:"executed_quantity"`
	RemainingQuantity int64           `json:"remaining_quantity"`
	Leverage          int             `json:"leverage"`
	FeeAmount         decimal.Decimal `gorm:"type:decimal(20,4)" json:"fee_amount"`
	ReservedAmount    decimal.Decimal `gorm:"type:decimal(20,4)" json:"reserved_amount"`
	FilledAmount      decimal.Decimal `gorm:"type:decimal(20,4)" json:"filled_amount"`
	Status            string          `gorm:"index" json:"status"`
	ApprovalStatus    string          `json:"approval_status,omitempty"`
	IPOOutcome        string          `gorm:"column:ipo_outcome" json:"ipo_outcome,omitempty"`
	Remark            string          `json:"remark,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}

// Terminal reports whether the order can no longer change state
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderSuccess, OrderCancelled, OrderFailed:
		return true
	}
	return false
}

// Amount is price times quantity, fee excluded
func (o *Order) Amount() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Quantity))
}

// FeeShare returns the part of the order fee attributable to qty shares
func (o *Order) FeeShare(qty int64) decimal.Decimal {
	if o.Quantity == 0 || qty == 0 {
		return decimal.Zero
	}
	if qty == o.Quantity {
		return o.FeeAmount
	}
	return o.FeeAmount.Mul(decimal.NewFromInt(qty)).Div(decimal.NewFromInt(o.Quantity)).Round(4)
}

// ApplyFill records an execution of qty shares at price and moves the order
// to PARTIAL or SUCCESS
func (o *Order) ApplyFill(qty int64, price decimal.Decimal, now time.Time) {
	o.ExecutedQuantity += qty
	o.RemainingQuantity = o.Quantity - o.ExecutedQuantity
	o.FilledAmount = o.FilledAmount.Add(price.Mul(decimal.NewFromInt(qty)))
	if o.RemainingQuantity <= 0 {
		o.RemainingQuantity = 0
		o.Status = OrderSuccess
		o.FinishedAt = &now
	} else {
		o.Status = OrderPartial
	}
	o.UpdatedAt = now
}

// Finish moves the order to a terminal status
func (o *Order) Finish(status string, now time.Time) {
	o.Status = status
	o.FinishedAt = &now
	o.UpdatedAt = now
}

// PoolEntry is the matchable representation of an order inside the pool
type PoolEntry struct {
	gorm.Model `json:"-"`
	EntryID    string          `gorm:"uniqueIndex" json:"entry_id"`
	OrderID    string          `gorm:"uniqueIndex" json:"order_id"`
	UserID     string          `json:"user_id"`
	Class      Class           `json:"class"`
	Side       Side            `json:"side"`
	Symbol     string          `gorm:"index" json:"symbol"`
	Price      decimal.Decimal `gorm:"type:decimal(20,4)" json:"price"`
	Quantity   int64           `json:"quantity"`
	Status     string          `gorm:"index" json:"status"`
	EnteredAt  time.Time       `gorm:"index" json:"entered_at"`
	Version    int64           `json:"version"`
}

// Reduce takes qty off the entry, completing it when nothing is left
func (e *PoolEntry) Reduce(qty int64) {
	e.Quantity -= qty
	if e.Quantity <= 0 {
		e.Quantity = 0
		e.Status = EntryCompleted
	}
}

// Fill is one execution event: a book match, an IPO allotment or a forced
// completion
type Fill struct {
	gorm.Model  `json:"-"`
	FillID      string          `gorm:"uniqueIndex" json:"fill_id"`
	Kind        string          `json:"kind"`
	Symbol      string          `gorm:"index" json:"symbol"`
	BuyOrderID  string          `gorm:"index" json:"buy_order_id,omitempty"`
	SellOrderID string          `gorm:"index" json:"sell_order_id,omitempty"`
	BuyUserID   string          `json:"buy_user_id,omitempty"`
	SellUserID  string          `json:"sell_user_id,omitempty"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4)" json:"price"`
	Quantity    int64           `json:"quantity"`
	Amount      decimal.Decimal `gorm:"type:decimal(20,4)" json:"amount"`
	CreatedAt   time.Time       `json:"created_at"`
}
