package migrations

import (
	"gorm.io/gorm"
)

// AddPoolIndexes adds the indexes the matching scan and ledger queries rely on
func AddPoolIndexes(db *gorm.DB) error {
	indexes := []string{
		// Matching scan: status filter ordered by time priority
		`CREATE INDEX IF NOT EXISTS idx_pool_entries_status_entered
		 ON pool_entries(status, entered_at)`,

		// Per-symbol partitioning
		`CREATE INDEX IF NOT EXISTS idx_pool_entries_symbol_status
		 ON pool_entries(symbol, status)`,

		// IPO allocation cap lookups
		`CREATE INDEX IF NOT EXISTS idx_orders_user_symbol_class
		 ON orders(user_id, symbol, class)`,

		// T+1 unlock sweep
		`CREATE INDEX IF NOT EXISTS idx_positions_lock_until
		 ON positions(lock_until)`,

		// Audit listing, newest first
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_created_at
		 ON audit_logs(created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
