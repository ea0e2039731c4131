package idempotency

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store keeps the result of a completed operation under a caller-supplied
// token for a bounded retention window
type Store interface {
	// Lookup returns the stored payload for key, or ok=false when the key
	// is unknown or expired
	Lookup(ctx context.Context, key string) (payload []byte, ok bool, err error)
	// Claim reserves key for ttl before the operation runs. It reports
	// false when another caller already holds or completed the key.
	// Lookup returns an empty payload for a claim that has no result yet.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release drops a claim whose operation failed
	Release(ctx context.Context, key string) error
	// Save records payload under key for ttl
	Save(ctx context.Context, key, resourceID string, payload []byte, ttl time.Duration) error
}

// Record is a persisted idempotency entry
type Record struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	Payload        []byte    `json:"payload"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// GormStore keeps idempotency records in the engine database
type GormStore struct {
	db           *gorm.DB
	resourceType string
	now          func() time.Time
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a store over the idempotency_records table
func NewGormStore(db *gorm.DB, resourceType string) *GormStore {
	return &GormStore{db: db, resourceType: resourceType, now: time.Now}
}

func (s *GormStore) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	var record Record
	err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if !record.ExpiresAt.After(s.now()) {
		return nil, false, nil
	}
	return record.Payload, true, nil
}

// Claim inserts a payload-less record. The unique key index makes
// concurrent claims of one key race to a single winner.
func (s *GormStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	claimed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// an expired record gives its key up
		if err := tx.Unscoped().
			Where("idempotency_key = ? AND expires_at <= ?", key, now).
			Delete(&Record{}).Error; err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Record{
			IdempotencyKey: key,
			ResourceType:   s.resourceType,
			ExpiresAt:      now.Add(ttl),
		})
		if result.Error != nil {
			return result.Error
		}
		claimed = result.RowsAffected == 1
		return nil
	})
	return claimed, err
}

func (s *GormStore) Release(ctx context.Context, key string) error {
	return s.db.WithContext(ctx).Unscoped().Where("idempotency_key = ?", key).Delete(&Record{}).Error
}

// Save upserts the record so that an expired key can be reused
func (s *GormStore) Save(ctx context.Context, key, resourceID string, payload []byte, ttl time.Duration) error {
	record := Record{
		IdempotencyKey: key,
		ResourceID:     resourceID,
		ResourceType:   s.resourceType,
		Payload:        payload,
		ExpiresAt:      s.now().Add(ttl),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"resource_id", "resource_type", "payload", "expires_at", "updated_at"}),
	}).Create(&record).Error
}

// Purge removes expired records
func (s *GormStore) Purge(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).Unscoped().Where("expires_at <= ?", s.now()).Delete(&Record{})
	return result.RowsAffected, result.Error
}
