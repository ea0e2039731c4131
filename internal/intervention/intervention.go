package intervention

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/audit"
	"github.com/ksred/klear-engine/internal/events"
	"github.com/ksred/klear-engine/internal/ledger"
	"github.com/ksred/klear-engine/internal/metrics"
	"github.com/ksred/klear-engine/internal/pool"
	"github.com/ksred/klear-engine/internal/settlement"
	"github.com/ksred/klear-engine/internal/types"
)

// Fund adjustment types
const (
	FundRecharge = "RECHARGE"
	FundWithdraw = "WITHDRAW"
)

// Request is one administrative action on an order
type Request struct {
	Operation string         `json:"operation" binding:"required"`
	OrderID   string         `json:"order_id"`
	Params    map[string]any `json:"params"`
	Remark    string         `json:"remark"`
}

// Result reports the state an intervention left the order in
type Result struct {
	Operation string       `json:"operation"`
	Order     *types.Order `json:"order"`
	Fill      *types.Fill  `json:"fill,omitempty"`
}

// FundRequest credits or debits a user's available balance
type FundRequest struct {
	UserID string          `json:"user_id" binding:"required"`
	Type   string          `json:"type" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
	Remark string          `json:"remark"`
}

// LiquidationResult reports a forced liquidation
type LiquidationResult struct {
	UserID          string          `json:"user_id"`
	Symbol          string          `json:"symbol"`
	Quantity        int64           `json:"quantity"`
	Credited        decimal.Decimal `json:"credited"`
	CancelledOrders []string        `json:"cancelled_orders"`
}

// Service applies administrative interventions. Every operation checks
// the caller's role before anything else and writes its audit entry in
// the same transaction as the change.
type Service struct {
	db        *gorm.DB
	settler   *settlement.Settler
	publisher events.Publisher
}

// NewService creates the intervention service
func NewService(db *gorm.DB, settler *settlement.Settler) *Service {
	return &Service{db: db, settler: settler, publisher: events.NopPublisher{}}
}

// WithPublisher sets where order and fill events go
func (s *Service) WithPublisher(p events.Publisher) *Service {
	s.publisher = p
	return s
}

type handler func(tx *gorm.DB, order *types.Order, entry *types.PoolEntry, req Request) (*types.Fill, error)

func (s *Service) handlers() map[string]handler {
	return map[string]handler{
		types.OpPause:      s.pause,
		types.OpResume:     s.resume,
		types.OpForceMatch: s.forceMatch,
		types.OpDelete:     s.delete,
		types.OpIPOAdjust:  s.ipoAdjust,
	}
}

// Intervene applies one operation to an order
func (s *Service) Intervene(ctx context.Context, actor types.Actor, req Request) (*Result, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}

	op := strings.ToUpper(req.Operation)
	apply, ok := s.handlers()[op]
	if !ok {
		return nil, types.Validationf(types.CodeUnsupportedOperation, "operation %q is not supported", req.Operation)
	}
	if req.OrderID == "" {
		return nil, types.Validationf(types.CodeValidationFailed, "order_id is required")
	}

	result := &Result{Operation: op}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := pool.NewDatabase(tx)
		entry, err := store.LockEntryByOrder(req.OrderID)
		if err != nil {
			return err
		}
		order, err := store.LockOrder(req.OrderID)
		if err != nil {
			return err
		}
		before := *order

		fill, err := apply(tx, order, entry, req)
		if err != nil {
			return err
		}
		result.Order, result.Fill = order, fill

		params := map[string]any{}
		for k, v := range req.Params {
			params[k] = v
		}
		if req.Remark != "" {
			params["remark"] = req.Remark
		}
		return audit.Record(tx, actor, audit.Entry{
			Operation:     op,
			TargetUserID:  order.UserID,
			TargetOrderID: order.OrderID,
			Before:        before,
			After:         *order,
			Params:        params,
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.Interventions.WithLabelValues(op).Inc()
	evs := []events.Event{events.OrderEvent(result.Order)}
	if result.Fill != nil {
		metrics.Fills.WithLabelValues(result.Fill.Kind).Inc()
		evs = append(evs, events.FillEvent(result.Fill))
	}
	s.publisher.Publish(ctx, evs...)

	log.Info().
		Str("service", "intervention").
		Str("actor_id", actor.ID).
		Str("operation", op).
		Str("order_id", req.OrderID).
		Str("status", result.Order.Status).
		Msg("intervention applied")
	return result, nil
}

func invalidState(format string, args ...any) error {
	return types.Statef(types.CodeInvalidState, format, args...)
}

func (s *Service) pause(tx *gorm.DB, order *types.Order, entry *types.PoolEntry, _ Request) (*types.Fill, error) {
	if entry == nil || entry.Status != types.EntryMatching {
		return nil, invalidState("order %s has no matching pool entry to pause", order.OrderID)
	}
	entry.Status = types.EntryPaused
	return nil, pool.NewDatabase(tx).UpdateEntry(entry)
}

func (s *Service) resume(tx *gorm.DB, order *types.Order, entry *types.PoolEntry, _ Request) (*types.Fill, error) {
	if entry == nil || entry.Status != types.EntryPaused {
		return nil, invalidState("order %s has no paused pool entry to resume", order.OrderID)
	}
	entry.Status = types.EntryMatching
	return nil, pool.NewDatabase(tx).UpdateEntry(entry)
}

func (s *Service) forceMatch(tx *gorm.DB, order *types.Order, entry *types.PoolEntry, _ Request) (*types.Fill, error) {
	if entry == nil || entry.Status == types.EntryCompleted {
		return nil, invalidState("order %s is not in the pool", order.OrderID)
	}
	if order.Class == types.ClassIPO {
		result, err := s.settler.ApplyIPO(tx, entry, settlement.Fixed(true))
		if err != nil {
			return nil, err
		}
		*order = *result.Order
		return result.Fill, nil
	}
	return s.settler.ForceComplete(tx, order, entry)
}

func (s *Service) delete(tx *gorm.DB, order *types.Order, entry *types.PoolEntry, req Request) (*types.Fill, error) {
	if order.Terminal() {
		return nil, types.Statef(types.CodeOrderNotCancellable, "order %s is already %s", order.OrderID, order.Status)
	}
	store := pool.NewDatabase(tx)
	if entry != nil {
		if err := store.DeleteEntry(entry); err != nil {
			return nil, err
		}
	}
	if _, err := ledger.ReleaseReservation(tx, order, s.settler.Now()); err != nil {
		return nil, err
	}
	if req.Remark != "" {
		order.Remark = req.Remark
	}
	order.Finish(types.OrderCancelled, s.settler.Now())
	return nil, store.UpdateOrder(order)
}

func (s *Service) ipoAdjust(tx *gorm.DB, order *types.Order, entry *types.PoolEntry, req Request) (*types.Fill, error) {
	if order.Class != types.ClassIPO {
		return nil, types.Validationf(types.CodeValidationFailed, "order %s is not an IPO subscription", order.OrderID)
	}
	raw, _ := req.Params["result"].(string)
	outcome := strings.ToUpper(raw)
	if outcome != types.IPOWin && outcome != types.IPOLose {
		return nil, types.Validationf(types.CodeValidationFailed, "params.result must be WIN or LOSE, got %q", raw)
	}

	if order.Status == types.OrderPending {
		order.IPOOutcome = outcome
		order.UpdatedAt = s.settler.Now()
		return nil, pool.NewDatabase(tx).UpdateOrder(order)
	}
	if entry == nil || entry.Status == types.EntryCompleted {
		return nil, invalidState("order %s is %s and can no longer be adjusted", order.OrderID, order.Status)
	}

	result, err := s.settler.ApplyIPO(tx, entry, settlement.Fixed(outcome == types.IPOWin))
	if err != nil {
		return nil, err
	}
	*order = *result.Order
	order.IPOOutcome = outcome
	if err := pool.NewDatabase(tx).UpdateOrder(order); err != nil {
		return nil, err
	}
	return result.Fill, nil
}

// AdjustFunds recharges or withdraws cash on a user's account
func (s *Service) AdjustFunds(ctx context.Context, actor types.Actor, req FundRequest) (*types.Account, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	kind := strings.ToUpper(req.Type)
	if kind != FundRecharge && kind != FundWithdraw {
		return nil, types.Validationf(types.CodeValidationFailed, "type must be RECHARGE or WITHDRAW, got %q", req.Type)
	}
	if req.UserID == "" {
		return nil, types.Validationf(types.CodeValidationFailed, "user_id is required")
	}
	if !req.Amount.IsPositive() {
		return nil, types.Validationf(types.CodeValidationFailed, "amount must be positive")
	}

	operation := types.OpRecharge
	if kind == FundWithdraw {
		operation = types.OpWithdraw
	}

	var account *types.Account
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if kind == FundRecharge {
			account, err = ledger.EnsureAccount(tx, req.UserID)
		} else {
			account, err = ledger.LockAccount(tx, req.UserID)
		}
		if err != nil {
			return err
		}
		before := *account

		if kind == FundRecharge {
			ledger.Credit(account, req.Amount)
		} else if err := ledger.Debit(account, req.Amount); err != nil {
			return err
		}
		if err := ledger.SaveAccount(tx, account); err != nil {
			return err
		}

		return audit.Record(tx, actor, audit.Entry{
			Operation:    operation,
			TargetUserID: req.UserID,
			Before:       before,
			After:        *account,
			Params:       map[string]any{"amount": req.Amount.String(), "remark": req.Remark},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.Interventions.WithLabelValues(operation).Inc()
	log.Info().
		Str("service", "intervention").
		Str("actor_id", actor.ID).
		Str("user_id", req.UserID).
		Str("operation", operation).
		Str("amount", req.Amount.String()).
		Msg("funds adjusted")
	return account, nil
}

// Liquidate closes a user's position in symbol at its recorded market
// value. Open sell orders on the symbol are cancelled first.
func (s *Service) Liquidate(ctx context.Context, actor types.Actor, userID, symbol, remark string) (*LiquidationResult, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	if userID == "" || symbol == "" {
		return nil, types.Validationf(types.CodeValidationFailed, "user_id and symbol are required")
	}

	now := s.settler.Now()
	result := &LiquidationResult{UserID: userID, Symbol: symbol, CancelledOrders: []string{}}
	var cancelled []types.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := pool.NewDatabase(tx)

		// locked in settlement order: entries, orders, account, position
		ids, err := store.OpenOrderIDs(userID, symbol, types.SideSell)
		if err != nil {
			return err
		}
		entries, err := store.LockEntriesByOrders(ids)
		if err != nil {
			return err
		}
		open, err := store.OpenOrders(userID, symbol, types.SideSell)
		if err != nil {
			return err
		}
		account, err := ledger.EnsureAccount(tx, userID)
		if err != nil {
			return err
		}
		position, err := ledger.LockPosition(tx, userID, symbol)
		if err != nil {
			return err
		}
		if position == nil {
			return types.Statef(types.CodePositionNotFound, "user %s holds no position in %s", userID, symbol)
		}

		for i := range open {
			order := &open[i]
			if entry := entries[order.OrderID]; entry != nil {
				if err := store.DeleteEntry(entry); err != nil {
					return err
				}
			}
			order.Remark = "cancelled by forced liquidation"
			order.Finish(types.OrderCancelled, now)
			if err := store.UpdateOrder(order); err != nil {
				return err
			}
			result.CancelledOrders = append(result.CancelledOrders, order.OrderID)
			cancelled = append(cancelled, *order)
		}

		before := map[string]any{"account": *account, "position": *position}

		ledger.Credit(account, position.MarketValue)
		if err := ledger.SaveAccount(tx, account); err != nil {
			return err
		}
		if err := ledger.DeletePosition(tx, position); err != nil {
			return err
		}
		result.Quantity = position.Quantity
		result.Credited = position.MarketValue

		return audit.Record(tx, actor, audit.Entry{
			Operation:    types.OpLiquidate,
			TargetUserID: userID,
			Before:       before,
			After:        map[string]any{"account": *account},
			Params: map[string]any{
				"symbol":           symbol,
				"quantity":         position.Quantity,
				"credited":         position.MarketValue.String(),
				"cancelled_orders": result.CancelledOrders,
				"remark":           remark,
			},
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.Interventions.WithLabelValues(types.OpLiquidate).Inc()
	for i := range cancelled {
		s.publisher.Publish(ctx, events.OrderEvent(&cancelled[i]))
	}
	log.Info().
		Str("service", "intervention").
		Str("actor_id", actor.ID).
		Str("user_id", userID).
		Str("symbol", symbol).
		Int64("quantity", result.Quantity).
		Str("credited", result.Credited.String()).
		Int("cancelled_orders", len(cancelled)).
		Msg("position liquidated")
	return result, nil
}
