package migrations

import (
	"github.com/ksred/klear-engine/internal/idempotency"
	"github.com/ksred/klear-engine/internal/types"
	"gorm.io/gorm"
)

// AddEngineTables creates the order, pool, ledger, rule and audit tables
func AddEngineTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Order{},
		&types.PoolEntry{},
		&types.Fill{},
		&types.Account{},
		&types.Position{},
		&types.TradeRule{},
		&types.AuditLog{},
		&idempotency.Record{},
	)
}
