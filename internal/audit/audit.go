package audit

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/types"
	"github.com/ksred/klear-engine/pkg/middleware"
	"github.com/ksred/klear-engine/pkg/response"
)

// Entry describes one audited action before it is persisted
type Entry struct {
	Operation     string
	TargetUserID  string
	TargetOrderID string
	Before        any
	After         any
	Params        map[string]any
}

// Record appends an audit entry inside the caller's transaction so the
// entry commits or rolls back together with the mutation it describes
func Record(tx *gorm.DB, actor types.Actor, entry Entry) error {
	payload := map[string]any{}
	if entry.Before != nil {
		payload["before"] = entry.Before
	}
	if entry.After != nil {
		payload["after"] = entry.After
	}
	if len(entry.Params) > 0 {
		payload["params"] = entry.Params
	}

	record := &types.AuditLog{
		AuditID:       "AUD_" + uuid.New().String(),
		ActorID:       actor.ID,
		Operation:     entry.Operation,
		TargetUserID:  entry.TargetUserID,
		TargetOrderID: entry.TargetOrderID,
		Payload:       payload,
		Origin:        actor.Origin,
		CreatedAt:     time.Now(),
	}
	if err := tx.Create(record).Error; err != nil {
		return types.Unavailable("failed to write audit entry", err)
	}

	log.Info().
		Str("service", "audit").
		Str("audit_id", record.AuditID).
		Str("actor_id", actor.ID).
		Str("operation", entry.Operation).
		Str("target_user_id", entry.TargetUserID).
		Str("target_order_id", entry.TargetOrderID).
		Str("origin", actor.Origin).
		Msg("audit entry recorded")

	return nil
}

// Filter narrows an audit listing
type Filter struct {
	ActorID      string `form:"actor_id"`
	Operation    string `form:"operation"`
	TargetUserID string `form:"target_user_id"`
	Limit        int    `form:"limit"`
	Offset       int    `form:"offset"`
}

// Service exposes read access to the audit log. The log is append-only:
// there is no update or delete path.
type Service struct {
	db *gorm.DB
}

// NewService creates an audit log reader over db
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// List returns audit entries newest first
func (s *Service) List(ctx context.Context, actor types.Actor, filter Filter) ([]types.AuditLog, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Model(&types.AuditLog{})
	if filter.ActorID != "" {
		query = query.Where("actor_id = ?", filter.ActorID)
	}
	if filter.Operation != "" {
		query = query.Where("operation = ?", filter.Operation)
	}
	if filter.TargetUserID != "" {
		query = query.Where("target_user_id = ?", filter.TargetUserID)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []types.AuditLog
	if err := query.Order("created_at DESC").Order("id DESC").
		Limit(limit).Offset(filter.Offset).
		Find(&entries).Error; err != nil {
		return nil, types.Unavailable("failed to list audit entries", err)
	}
	return entries, nil
}

// GinHandlers contains HTTP handlers for audit endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the HTTP handlers for audit log endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// ListHandler handles GET requests listing audit entries
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var filter Filter
		if err := c.ShouldBindQuery(&filter); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		entries, err := h.service.List(c.Request.Context(), middleware.ActorFrom(c), filter)
		response.Handle(c, entries, err)
	}
}
