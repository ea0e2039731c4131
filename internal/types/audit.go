package types

import (
	"time"

	"gorm.io/gorm"
)

// Audited operations
const (
	OpPause        = "PAUSE"
	OpResume       = "RESUME"
	OpForceMatch   = "FORCE_MATCH"
	OpDelete       = "DELETE"
	OpIPOAdjust    = "IPO_ADJUST"
	OpApproveOrder = "APPROVE_ORDER"
	OpRejectOrder  = "REJECT_ORDER"
	OpRecharge     = "FUND_RECHARGE"
	OpWithdraw     = "FUND_WITHDRAW"
	OpLiquidate    = "FORCE_LIQUIDATE"
	OpUpdateRule   = "UPDATE_RULE"
)

// AuditLog is an immutable record of an administrative or system action
type AuditLog struct {
	gorm.Model    `json:"-"`
	AuditID       string         `gorm:"uniqueIndex" json:"audit_id"`
	ActorID       string         `gorm:"index" json:"actor_id"`
	Operation     string         `gorm:"index" json:"operation"`
	TargetUserID  string         `gorm:"index" json:"target_user_id,omitempty"`
	TargetOrderID string         `json:"target_order_id,omitempty"`
	Payload       map[string]any `gorm:"type:text;serializer:json" json:"payload"`
	Origin        string         `json:"origin"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Roles carried by authenticated identities
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Actor is the authenticated caller of an operation
type Actor struct {
	ID     string
	Role   string
	Origin string
}

func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// RequireAdmin fails closed for any actor that is not an administrator
func (a Actor) RequireAdmin() error {
	if !a.IsAdmin() {
		return Forbiddenf("administrator privilege required")
	}
	return nil
}
