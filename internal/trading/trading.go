package trading

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/events"
	"github.com/ksred/klear-engine/internal/idempotency"
	"github.com/ksred/klear-engine/internal/ledger"
	"github.com/ksred/klear-engine/internal/market"
	"github.com/ksred/klear-engine/internal/metrics"
	"github.com/ksred/klear-engine/internal/pool"
	"github.com/ksred/klear-engine/internal/rules"
	"github.com/ksred/klear-engine/internal/types"
)

// Pipeline statuses reported by SubmitOrder
const (
	PipelineMatching        = "MATCHING"
	PipelinePendingApproval = "PENDING_APPROVAL"
)

// SubmitRequest is one order submission
type SubmitRequest struct {
	UserID         string          `json:"-"`
	Market         string          `json:"market" binding:"required"`
	Class          types.Class     `json:"class" binding:"required"`
	Side           types.Side      `json:"side"`
	Symbol         string          `json:"symbol" binding:"required"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	Leverage       int             `json:"leverage"`
	IdempotencyKey string          `json:"-"`
}

// SubmitResult is the outcome of an accepted submission
type SubmitResult struct {
	Order          *types.Order `json:"order"`
	PipelineStatus string       `json:"pipeline_status"`
}

// Service handles order admission, cancellation and approval
type Service struct {
	db        *gorm.DB
	rules     rules.Store
	calendar  *market.Calendar
	idem      idempotency.Store
	idemTTL   time.Duration
	publisher events.Publisher
	trigger   func()
	now       func() time.Time
}

// NewService creates a trading service. The idempotency store may be nil,
// in which case idempotency keys are ignored.
func NewService(db *gorm.DB, ruleStore rules.Store, calendar *market.Calendar, idem idempotency.Store) *Service {
	return &Service{
		db:        db,
		rules:     ruleStore,
		calendar:  calendar,
		idem:      idem,
		idemTTL:   5 * time.Minute,
		publisher: events.NopPublisher{},
		now:       time.Now,
	}
}

// WithIdempotencyTTL sets how long a submission result is replayed
func (s *Service) WithIdempotencyTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.idemTTL = ttl
	}
	return s
}

// WithPublisher sets where order events go
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

// WithMatchTrigger registers a non-blocking callback fired after every
// admission that reaches the pool
func (s *Service) WithMatchTrigger(fn func()) *Service {
	s.trigger = fn
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// SubmitOrder validates a submission, reserves its funds or shares and
// places it in the pool (or in the approval queue). Checks run in a fixed
// order and the first failure is returned.
func (s *Service) SubmitOrder(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	logger := log.With().
		Str("service", "trading").
		Str("user_id", req.UserID).
		Str("symbol", req.Symbol).
		Str("class", string(req.Class)).
		Logger()

	scopedKey := ""
	if req.IdempotencyKey != "" && s.idem != nil {
		scopedKey = req.UserID + ":" + req.IdempotencyKey
		cached, err := s.claim(ctx, scopedKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			logger.Info().Str("order_id", cached.Order.OrderID).Msg("replaying idempotent submission")
			return cached, nil
		}
	}

	result, err := s.admit(ctx, &req)
	if err != nil {
		if scopedKey != "" {
			if err := s.idem.Release(ctx, scopedKey); err != nil {
				logger.Warn().Err(err).Msg("failed to release idempotency key")
			}
		}
		if engineErr, ok := types.AsError(err); ok {
			metrics.AdmissionRejections.WithLabelValues(engineErr.Code).Inc()
		}
		logger.Info().Err(err).Msg("order rejected")
		return nil, err
	}

	logger.Info().
		Str("order_id", result.Order.OrderID).
		Str("pipeline", result.PipelineStatus).
		Int64("quantity", result.Order.Quantity).
		Str("price", result.Order.Price.String()).
		Msg("order admitted")
	metrics.OrdersAdmitted.WithLabelValues(string(result.Order.Class), result.PipelineStatus).Inc()
	s.publisher.Publish(ctx, events.OrderEvent(result.Order))

	if scopedKey != "" {
		if payload, err := json.Marshal(result); err == nil {
			if err := s.idem.Save(ctx, scopedKey, result.Order.OrderID, payload, s.idemTTL); err != nil {
				logger.Warn().Err(err).Msg("failed to store idempotency record")
			}
		}
	}

	if result.PipelineStatus == PipelineMatching && s.trigger != nil {
		s.trigger()
	}
	return result, nil
}

// claim takes the idempotency key for this submission. A key that is
// already taken replays its stored result, or fails with a conflict while
// the first submission is still being admitted.
func (s *Service) claim(ctx context.Context, key string) (*SubmitResult, error) {
	if cached, err := s.replay(ctx, key); cached != nil || err != nil {
		return cached, err
	}
	claimed, err := s.idem.Claim(ctx, key, s.idemTTL)
	if err != nil {
		return nil, types.Unavailable("idempotency store claim failed", err)
	}
	if claimed {
		return nil, nil
	}
	cached, err := s.replay(ctx, key)
	if cached == nil && err == nil {
		err = types.Conflictf("a submission with this idempotency key is in progress")
	}
	return cached, err
}

func (s *Service) replay(ctx context.Context, key string) (*SubmitResult, error) {
	payload, ok, err := s.idem.Lookup(ctx, key)
	if err != nil {
		return nil, types.Unavailable("idempotency store lookup failed", err)
	}
	if !ok {
		return nil, nil
	}
	if len(payload) == 0 {
		return nil, types.Conflictf("a submission with this idempotency key is in progress")
	}
	var cached SubmitResult
	if err := json.Unmarshal(payload, &cached); err != nil || cached.Order == nil {
		return nil, nil
	}
	return &cached, nil
}

func (s *Service) admit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	now := s.now()

	if req.UserID == "" || req.Symbol == "" || req.Market == "" {
		return nil, types.Validationf(types.CodeValidationFailed, "user, market and symbol are required")
	}
	if !req.Price.IsPositive() {
		return nil, types.Validationf(types.CodeValidationFailed, "price must be positive")
	}
	if req.Leverage == 0 {
		req.Leverage = 1
	}

	// 1. trading window
	if !s.calendar.IsOpen(req.Market, now) {
		return nil, types.Validationf(types.CodeNotTradingTime, "market %s is not open for trading", req.Market)
	}
	// 2. lot size
	if !s.calendar.ValidLot(req.Market, req.Quantity) {
		return nil, types.Validationf(types.CodeInvalidQuantity,
			"quantity %d must be a positive multiple of %d", req.Quantity, s.calendar.LotSize(req.Market))
	}
	// 3. rule
	rule, err := rules.Active(ctx, s.rules, req.Class)
	if err != nil {
		return nil, err
	}
	policy, ok := policies[req.Class]
	if !ok {
		return nil, types.Statef(types.CodeRuleUnavailable, "no policy for class %s", req.Class)
	}
	side, err := sideFor(req)
	if err != nil {
		return nil, err
	}
	req.Side = side
	cfg := rule.Config

	amount := req.Price.Mul(decimal.NewFromInt(req.Quantity))
	fee := decimal.Zero
	if side == types.SideBuy {
		fee = feeFor(amount, cfg)
	}

	order := &types.Order{
		OrderID:           uuid.New().String(),
		UserID:            req.UserID,
		Class:             req.Class,
		Side:              side,
		Market:            req.Market,
		Symbol:            req.Symbol,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Leverage:          req.Leverage,
		FeeAmount:         fee,
		ReservedAmount:    decimal.Zero,
		FilledAmount:      decimal.Zero,
		Status:            types.OrderMatching,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if side == types.SideBuy {
		order.ReservedAmount = amount.Add(fee)
	}
	pipeline := PipelineMatching
	if cfg.NeedAdminConfirm {
		order.Status = types.OrderPending
		order.ApprovalStatus = types.ApprovalPending
		pipeline = PipelinePendingApproval
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := pool.NewDatabase(tx)

		// 4. class bounds
		if err := policy(store, req, cfg); err != nil {
			return err
		}
		if err := checkLeverage(req.Leverage, cfg); err != nil {
			return err
		}

		// 5. resources
		if side == types.SideBuy {
			if err := reserveFunds(tx, req.UserID, order.ReservedAmount); err != nil {
				return err
			}
		} else {
			if err := reserveShares(tx, req.UserID, req.Symbol, req.Quantity, now); err != nil {
				return err
			}
		}

		if err := store.CreateOrder(order); err != nil {
			return err
		}
		if pipeline == PipelineMatching {
			return store.CreateEntry(pool.NewEntry(order, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &SubmitResult{Order: order, PipelineStatus: pipeline}, nil
}

func reserveFunds(tx *gorm.DB, userID string, amount decimal.Decimal) error {
	account, err := ledger.LockAccount(tx, userID)
	if err != nil {
		if types.IsKind(err, types.KindState) {
			return types.Validationf(types.CodeInsufficientBalance,
				"insufficient balance: required %s, available 0.00", amount.StringFixed(2))
		}
		return err
	}
	if err := ledger.Freeze(account, amount); err != nil {
		return err
	}
	return ledger.SaveAccount(tx, account)
}

func reserveShares(tx *gorm.DB, userID, symbol string, qty int64, now time.Time) error {
	position, err := ledger.LockPosition(tx, userID, symbol)
	if err != nil {
		return err
	}
	if err := ledger.ReserveShares(position, qty, now); err != nil {
		return err
	}
	return ledger.SavePosition(tx, position, now)
}

// GetOrder returns one of the caller's orders
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	return pool.NewDatabase(s.db).GetOrder(ctx, orderID, userID)
}

// OrderDetail is an order together with its executions
type OrderDetail struct {
	*types.Order
	Fills []types.Fill `json:"fills"`
}

// GetOrderDetail returns one of the caller's orders with its fills
func (s *Service) GetOrderDetail(ctx context.Context, userID, orderID string) (*OrderDetail, error) {
	store := pool.NewDatabase(s.db)
	order, err := store.GetOrder(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	fills, err := store.FillsForOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderDetail{Order: order, Fills: fills}, nil
}

// AccountView is a user's cash account and holdings
type AccountView struct {
	Account   *types.Account   `json:"account"`
	Positions []types.Position `json:"positions"`
}

// GetAccount returns the caller's account and positions
func (s *Service) GetAccount(ctx context.Context, userID string) (*AccountView, error) {
	l := ledger.New(s.db)
	account, err := l.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}
	positions, err := l.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &AccountView{Account: account, Positions: positions}, nil
}
