package rules

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ksred/klear-engine/internal/audit"
	"github.com/ksred/klear-engine/internal/metrics"
	"github.com/ksred/klear-engine/internal/types"
	"github.com/ksred/klear-engine/pkg/middleware"
	"github.com/ksred/klear-engine/pkg/response"
)

// Store reads trade rules
type Store interface {
	Get(ctx context.Context, class types.Class) (*types.TradeRule, error)
	List(ctx context.Context) ([]types.TradeRule, error)
}

// GormStore keeps trade rules in the engine database
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a rule store over the trade_rules table
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Get returns the rule for class, or nil when none is configured
func (s *GormStore) Get(ctx context.Context, class types.Class) (*types.TradeRule, error) {
	return Find(s.db.WithContext(ctx), class)
}

func (s *GormStore) List(ctx context.Context) ([]types.TradeRule, error) {
	var rules []types.TradeRule
	if err := s.db.WithContext(ctx).Order("class").Find(&rules).Error; err != nil {
		return nil, types.Unavailable("failed to list trade rules", err)
	}
	return rules, nil
}

// Find reads the rule for class using the given handle, which may be a
// transaction. A missing rule yields nil, nil.
func Find(db *gorm.DB, class types.Class) (*types.TradeRule, error) {
	var rule types.TradeRule
	if err := db.Where("class = ?", class).First(&rule).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, types.Unavailable("failed to read trade rule", err)
	}
	return &rule, nil
}

// Active returns the enabled rule for class or a RULE_UNAVAILABLE error
func Active(ctx context.Context, store Store, class types.Class) (*types.TradeRule, error) {
	rule, err := store.Get(ctx, class)
	if err != nil {
		return nil, err
	}
	if rule == nil || !rule.Enabled {
		return nil, types.Statef(types.CodeRuleUnavailable, "no enabled trade rule for class %s", class)
	}
	return rule, nil
}

// Defaults returns the rule set installed on an empty database
func Defaults() []types.TradeRule {
	feeRate := decimal.RequireFromString("0.0003")
	minFee := decimal.NewFromInt(5)
	return []types.TradeRule{
		{
			Class:   types.ClassBuy,
			Name:    "Standard buy",
			Enabled: true,
			Config: types.RuleConfig{
				MinQuantity:    100,
				MaxSingleOrder: 1000000,
				FeeRate:        feeRate,
				MinFee:         minFee,
				MaxLeverage:    1,
			},
		},
		{
			Class:   types.ClassSell,
			Name:    "Standard sell",
			Enabled: true,
			Config: types.RuleConfig{
				MinQuantity:    100,
				MaxSingleOrder: 1000000,
				FeeRate:        feeRate,
				MinFee:         minFee,
				MaxLeverage:    1,
			},
		},
		{
			Class:   types.ClassIPO,
			Name:    "IPO subscription",
			Enabled: true,
			Config: types.RuleConfig{
				MinApplyQuantity: 100,
				MaxApplyQuantity: 10000,
				MaxApplyAmount:   decimal.NewFromInt(1000000),
				WinRate:          0.1,
				FeeRate:          decimal.Zero,
				MinFee:           decimal.Zero,
				MaxLeverage:      1,
			},
		},
		{
			Class:   types.ClassBlockTrade,
			Name:    "Block trade",
			Enabled: true,
			Config: types.RuleConfig{
				MinBlockQuantity: 10000,
				MinBlockAmount:   decimal.NewFromInt(500000),
				MaxSingleOrder:   10000000,
				FeeRate:          feeRate,
				MinFee:           minFee,
				MaxLeverage:      1,
				NeedAdminConfirm: true,
			},
		},
		{
			Class:   types.ClassLimitUp,
			Name:    "Limit-up auction",
			Enabled: true,
			Config: types.RuleConfig{
				MinQuantity:      100,
				MaxSingleOrder:   1000000,
				TriggerThreshold: decimal.Zero,
				FeeRate:          feeRate,
				MinFee:           minFee,
				MaxLeverage:      1,
			},
		},
	}
}

// SeedDefaults inserts the default rule of every class that has none
func SeedDefaults(ctx context.Context, db *gorm.DB) error {
	now := time.Now()
	for _, rule := range Defaults() {
		rule.UpdatedBy = "system"
		rule.UpdatedAt = now
		err := db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "class"}},
			DoNothing: true,
		}).Create(&rule).Error
		if err != nil {
			return types.Unavailable("failed to seed trade rules", err)
		}
	}
	log.Info().Str("service", "rules").Int("classes", len(types.Classes)).Msg("default trade rules ensured")
	return nil
}

// Service administers trade rules
type Service struct {
	db    *gorm.DB
	store Store
}

// NewService creates the trade rule service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db, store: NewGormStore(db)}
}

// Store exposes the read side used by admission
func (s *Service) Store() Store {
	return s.store
}

// UpdateRule replaces the configuration of one class, creating the rule
// when missing. The change and its audit entry commit together.
func (s *Service) UpdateRule(ctx context.Context, actor types.Actor, class types.Class, name string, config types.RuleConfig, enabled bool) (*types.TradeRule, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if !class.Valid() {
		return nil, types.Validationf(types.CodeValidationFailed, "unknown instrument class %q", class)
	}
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	var updated *types.TradeRule
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := Find(tx.Clauses(clause.Locking{Strength: "UPDATE"}), class)
		if err != nil {
			return err
		}

		var before any
		rule := &types.TradeRule{Class: class}
		if existing != nil {
			snapshot := *existing
			before = snapshot
			rule = existing
		}
		if name != "" {
			rule.Name = name
		} else if rule.Name == "" {
			rule.Name = string(class)
		}
		rule.Config = config
		rule.Enabled = enabled
		rule.UpdatedBy = actor.ID
		rule.UpdatedAt = time.Now()

		if err := tx.Save(rule).Error; err != nil {
			return types.Unavailable("failed to save trade rule", err)
		}
		updated = rule

		return audit.Record(tx, actor, audit.Entry{
			Operation: types.OpUpdateRule,
			Before:    before,
			After:     *rule,
			Params:    map[string]any{"class": string(class)},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.Interventions.WithLabelValues(types.OpUpdateRule).Inc()
	return updated, nil
}

// List returns every configured rule
func (s *Service) List(ctx context.Context, actor types.Actor) ([]types.TradeRule, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	return s.store.List(ctx)
}

func validateConfig(c types.RuleConfig) error {
	switch {
	case c.MinQuantity < 0 || c.MaxSingleOrder < 0 || c.MinApplyQuantity < 0 ||
		c.MaxApplyQuantity < 0 || c.MinBlockQuantity < 0:
		return types.Validationf(types.CodeValidationFailed, "quantity bounds must not be negative")
	case c.MaxSingleOrder > 0 && c.MinQuantity > c.MaxSingleOrder:
		return types.Validationf(types.CodeValidationFailed,
			"min_quantity %d exceeds max_single_order %d", c.MinQuantity, c.MaxSingleOrder)
	case c.WinRate < 0 || c.WinRate > 1:
		return types.Validationf(types.CodeValidationFailed, "win_rate %v must be within [0, 1]", c.WinRate)
	case c.FeeRate.IsNegative() || c.MinFee.IsNegative():
		return types.Validationf(types.CodeValidationFailed, "fees must not be negative")
	case c.MaxLeverage < 0:
		return types.Validationf(types.CodeValidationFailed, "max_leverage must not be negative")
	}
	return nil
}

// GinHandlers contains HTTP handlers for rule administration
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates the HTTP handlers for trade rule endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type updateRuleRequest struct {
	Name    string           `json:"name"`
	Config  types.RuleConfig `json:"config"`
	Enabled *bool            `json:"enabled" binding:"required"`
}

// UpdateRuleHandler handles PUT requests replacing a class rule
func (h *GinHandlers) UpdateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req updateRuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		class := types.Class(c.Param("class"))
		rule, err := h.service.UpdateRule(c.Request.Context(), middleware.ActorFrom(c), class, req.Name, req.Config, *req.Enabled)
		response.Handle(c, rule, err)
	}
}

// ListRulesHandler handles GET requests listing every rule
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		rules, err := h.service.List(c.Request.Context(), middleware.ActorFrom(c))
		response.Handle(c, rules, err)
	}
}
