package trading

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
	"github.com/ksred/klear-engine/internal/types"
)

// Review decisions
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// CancelResult reports what a cancellation gave back
type CancelResult struct {
	OrderID          string          `json:"order_id"`
	RefundedAmount   decimal.Decimal `json:"refunded_amount"`
	RefundedQuantity int64           `json:"refunded_quantity"`
	ChargedFee       decimal.Decimal `json:"charged_fee"`
	PriceImprovement decimal.Decimal `json:"price_improvement"`
}

// CancelOrder withdraws the unexecuted part of one of the caller's orders
// and releases what it still holds
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*CancelResult, error) {
	now := s.now()
	var (
		order   *types.Order
		release ledger.Release
	)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := pool.NewDatabase(tx)

		// entry before order, as settlement locks them
		entry, err := store.LockEntryByOrder(orderID)
		if err != nil {
			return err
		}
		order, err = store.LockOrder(orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return types.Statef(types.CodeOrderNotFound, "order %s not found", orderID)
		}
		if order.Status != types.OrderMatching && order.Status != types.OrderPartial {
			return types.Statef(types.CodeOrderNotCancellable, "order %s is %s and cannot be cancelled", orderID, order.Status)
		}

		if entry != nil {
			if err := store.DeleteEntry(entry); err != nil {
				return err
			}
		}

		release, err = ledger.ReleaseReservation(tx, order, now)
		if err != nil {
			return err
		}

		order.Finish(types.OrderCancelled, now)
		return store.UpdateOrder(order)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "trading").
		Str("order_id", orderID).
		Str("user_id", userID).
		Str("refunded", release.Refunded.String()).
		Int64("refunded_quantity", release.Quantity).
		Msg("order cancelled")
	s.publisher.Publish(ctx, events.OrderEvent(order))

	return &CancelResult{
		OrderID:          orderID,
		RefundedAmount:   release.Refunded,
		RefundedQuantity: release.Quantity,
		ChargedFee:       release.Charged,
		PriceImprovement: release.Improvement,
	}, nil
}

// ReviewOrder approves or rejects an order waiting for administrator
// confirmation
func (s *Service) ReviewOrder(ctx context.Context, actor types.Actor, orderID, decision, remark string) (*types.Order, error) {
	if err := actor.RequireAdmin(); err != nil {
		return nil, err
	}
	decision = strings.ToUpper(decision)
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, types.Validationf(types.CodeValidationFailed, "decision must be APPROVE or REJECT, got %q", decision)
	}

	now := s.now()
	var order *types.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := pool.NewDatabase(tx)

		if _, err := store.LockEntryByOrder(orderID); err != nil {
			return err
		}
		var err error
		order, err = store.LockOrder(orderID)
		if err != nil {
			return err
		}
		if order.Status != types.OrderPending || order.ApprovalStatus != types.ApprovalPending {
			return types.Statef(types.CodeOrderNotPending, "order %s is %s, not awaiting review", orderID, order.Status)
		}
		before := *order

		operation := types.OpApproveOrder
		params := map[string]any{"remark": remark}
		if decision == DecisionApprove {
			order.Status = types.OrderMatching
			order.ApprovalStatus = types.ApprovalApproved
			order.Remark = remark
			order.UpdatedAt = now
			if err := store.CreateEntry(pool.NewEntry(order, now)); err != nil {
				return err
			}
		} else {
			operation = types.OpRejectOrder
			release, err := ledger.ReleaseReservation(tx, order, now)
			if err != nil {
				return err
			}
			params["refunded_amount"] = release.Refunded.String()
			params["refunded_quantity"] = release.Quantity
			order.ApprovalStatus = types.ApprovalRejected
			order.Remark = remark
			order.Finish(types.OrderFailed, now)
		}

		if err := store.UpdateOrder(order); err != nil {
			return err
		}
		return audit.Record(tx, actor, audit.Entry{
			Operation:     operation,
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

	metrics.Interventions.WithLabelValues(decisionOperation(decision)).Inc()
	s.publisher.Publish(ctx, events.OrderEvent(order))
	if decision == DecisionApprove && s.trigger != nil {
		s.trigger()
	}
	return order, nil
}

func decisionOperation(decision string) string {
	if decision == DecisionApprove {
		return types.OpApproveOrder
	}
	return types.OpRejectOrder
}
