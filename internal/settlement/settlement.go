package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/ledger"
	"github.com/ksred/klear-engine/internal/market"
	"github.com/ksred/klear-engine/internal/metrics"
	"github.com/ksred/klear-engine/internal/pool"
	"github.com/ksred/klear-engine/internal/types"
)

// Result is the outcome of one settlement attempt. Fill is nil when the
// pair turned out not to be matchable once re-read; the entries then hold
// their current state.
type Result struct {
	Fill      *types.Fill
	BuyEntry  types.PoolEntry
	SellEntry types.PoolEntry
	BuyOrder  *types.Order
	SellOrder *types.Order
}

// Outcome decides whether an IPO subscription wins the lottery
type Outcome func(order *types.Order) bool

// Fixed returns an Outcome that always yields win
func Fixed(win bool) Outcome {
	return func(*types.Order) bool { return win }
}

// IPOResult is the outcome of settling one IPO subscription
type IPOResult struct {
	Won   bool
	Order *types.Order
	Fill  *types.Fill
}

// Settler applies executions to orders, pool entries and ledgers. Every
// execution commits in a single transaction.
type Settler struct {
	db         *gorm.DB
	calendar   *market.Calendar
	maxRetries int
	now        func() time.Time
}

// NewSettler creates a settler retrying conflicting transactions up to
// maxRetries times
func NewSettler(db *gorm.DB, calendar *market.Calendar, maxRetries int) *Settler {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Settler{db: db, calendar: calendar, maxRetries: maxRetries, now: time.Now}
}

// WithClock replaces the settler's time source
func (s *Settler) WithClock(now func() time.Time) *Settler {
	s.now = now
	return s
}

// Now is the settler's clock
func (s *Settler) Now() time.Time {
	return s.now()
}

// retry runs fn in a fresh transaction until it succeeds, fails with
// something that is not retryable, or retries run out
func (s *Settler) retry(ctx context.Context, label string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if !types.Retryable(err) {
			return err
		}
		metrics.SettlementConflicts.Inc()
		log.Debug().Str("service", "settlement").Str("target", label).Int("attempt", attempt+1).Msg("transaction conflict, retrying")
	}
	return err
}

// SettleFill executes the largest quantity the two entries can still
// trade, at the sell price
func (s *Settler) SettleFill(ctx context.Context, buyEntryID, sellEntryID string) (*Result, error) {
	var result *Result
	err := s.retry(ctx, buyEntryID+"/"+sellEntryID, func(tx *gorm.DB) error {
		var err error
		result, err = s.settleFill(tx, buyEntryID, sellEntryID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Settler) settleFill(tx *gorm.DB, buyEntryID, sellEntryID string) (*Result, error) {
	now := s.now()
	store := pool.NewDatabase(tx)

	// entries are locked in id order
	first, second := buyEntryID, sellEntryID
	if second < first {
		first, second = second, first
	}
	a, err := store.LockEntry(first)
	if err != nil {
		return nil, err
	}
	b, err := store.LockEntry(second)
	if err != nil {
		return nil, err
	}
	buy, sell := a, b
	if first != buyEntryID {
		buy, sell = b, a
	}
	// removed from the pool since the pass loaded it
	if buy == nil {
		buy = &types.PoolEntry{EntryID: buyEntryID, Status: types.EntryCompleted}
	}
	if sell == nil {
		sell = &types.PoolEntry{EntryID: sellEntryID, Status: types.EntryCompleted}
	}

	result := &Result{BuyEntry: *buy, SellEntry: *sell}
	if !matchable(buy, sell) {
		return result, nil
	}

	qty := buy.Quantity
	if sell.Quantity < qty {
		qty = sell.Quantity
	}
	price := sell.Price
	amount := price.Mul(decimal.NewFromInt(qty))

	buyOrder, err := store.LockOrder(buy.OrderID)
	if err != nil {
		return nil, err
	}
	sellOrder, err := store.LockOrder(sell.OrderID)
	if err != nil {
		return nil, err
	}

	accounts, err := ledger.EnsureAccounts(tx, buy.UserID, sell.UserID)
	if err != nil {
		return nil, err
	}
	buyer, seller := accounts[buy.UserID], accounts[sell.UserID]

	buyerPos, sellerPos, err := lockPair(tx, buy.UserID, sell.UserID, buy.Symbol)
	if err != nil {
		return nil, err
	}

	if err := ledger.ConsumeFrozen(buyer, amount); err != nil {
		return nil, err
	}
	ledger.Credit(seller, amount)

	buyerPos = ledger.AcquireShares(buyerPos, buy.UserID, buy.Symbol, qty, price,
		s.calendar.NextDay(buyOrder.Market, now), now)
	if err := ledger.DeliverShares(sellerPos, qty, price); err != nil {
		return nil, fmt.Errorf("seller %s: %w", sell.UserID, err)
	}

	buy.Reduce(qty)
	sell.Reduce(qty)
	buyOrder.ApplyFill(qty, price, now)
	sellOrder.ApplyFill(qty, price, now)
	if buyOrder.Status == types.OrderSuccess {
		if err := ledger.CloseBuyReservation(buyer, buyOrder); err != nil {
			return nil, err
		}
	}

	if err := store.UpdateEntry(buy); err != nil {
		return nil, err
	}
	if err := store.UpdateEntry(sell); err != nil {
		return nil, err
	}
	if err := ledger.SaveAccount(tx, buyer); err != nil {
		return nil, err
	}
	if err := ledger.SaveAccount(tx, seller); err != nil {
		return nil, err
	}
	if err := ledger.SavePosition(tx, buyerPos, now); err != nil {
		return nil, err
	}
	if err := ledger.SavePosition(tx, sellerPos, now); err != nil {
		return nil, err
	}
	if err := store.UpdateOrder(buyOrder); err != nil {
		return nil, err
	}
	if err := store.UpdateOrder(sellOrder); err != nil {
		return nil, err
	}

	fill := pool.NewFill(types.FillBook, buy.Symbol, price, qty, now)
	fill.BuyOrderID, fill.SellOrderID = buy.OrderID, sell.OrderID
	fill.BuyUserID, fill.SellUserID = buy.UserID, sell.UserID
	if err := store.CreateFill(fill); err != nil {
		return nil, err
	}

	result.Fill = fill
	result.BuyEntry, result.SellEntry = *buy, *sell
	result.BuyOrder, result.SellOrder = buyOrder, sellOrder
	return result, nil
}

func matchable(buy, sell *types.PoolEntry) bool {
	return buy.Status == types.EntryMatching && sell.Status == types.EntryMatching &&
		buy.Quantity > 0 && sell.Quantity > 0 &&
		buy.Side == types.SideBuy && sell.Side == types.SideSell &&
		buy.Symbol == sell.Symbol &&
		buy.UserID != sell.UserID &&
		buy.Price.GreaterThanOrEqual(sell.Price)
}

// lockPair locks both users' positions in user id order
func lockPair(tx *gorm.DB, buyerID, sellerID, symbol string) (*types.Position, *types.Position, error) {
	lock := func(first, second string) (*types.Position, *types.Position, error) {
		p1, err := ledger.LockPosition(tx, first, symbol)
		if err != nil {
			return nil, nil, err
		}
		p2, err := ledger.LockPosition(tx, second, symbol)
		if err != nil {
			return nil, nil, err
		}
		return p1, p2, nil
	}
	if buyerID < sellerID {
		return lock(buyerID, sellerID)
	}
	sellerPos, buyerPos, err := lock(sellerID, buyerID)
	return buyerPos, sellerPos, err
}

// SettleIPO resolves the lottery of one IPO pool entry
func (s *Settler) SettleIPO(ctx context.Context, entryID string, outcome Outcome) (*IPOResult, error) {
	var result *IPOResult
	err := s.retry(ctx, entryID, func(tx *gorm.DB) error {
		entry, err := pool.NewDatabase(tx).LockEntry(entryID)
		if err != nil {
			return err
		}
		if entry == nil || entry.Status != types.EntryMatching {
			result = nil
			return nil
		}
		result, err = s.ApplyIPO(tx, entry, outcome)
		return err
	})
	return result, err
}

// ApplyIPO settles an IPO subscription inside the caller's transaction.
// The entry must already be locked. A win converts the whole reservation
// into a locked position; a loss returns it.
func (s *Settler) ApplyIPO(tx *gorm.DB, entry *types.PoolEntry, outcome Outcome) (*IPOResult, error) {
	now := s.now()
	store := pool.NewDatabase(tx)

	order, err := store.LockOrder(entry.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Class != types.ClassIPO {
		return nil, types.Validationf(types.CodeValidationFailed, "order %s is not an IPO subscription", order.OrderID)
	}

	won := outcome(order)
	account, err := ledger.LockAccount(tx, order.UserID)
	if err != nil {
		return nil, err
	}

	result := &IPOResult{Won: won, Order: order}
	qty := entry.Quantity
	entry.Reduce(qty)

	if won {
		if err := ledger.ConsumeFrozen(account, order.ReservedAmount); err != nil {
			return nil, err
		}
		position, err := ledger.LockPosition(tx, order.UserID, order.Symbol)
		if err != nil {
			return nil, err
		}
		position = ledger.AcquireShares(position, order.UserID, order.Symbol, qty, order.Price,
			s.calendar.NextDay(order.Market, now), now)
		if err := ledger.SavePosition(tx, position, now); err != nil {
			return nil, err
		}
		order.ApplyFill(qty, order.Price, now)

		fill := pool.NewFill(types.FillIPO, order.Symbol, order.Price, qty, now)
		fill.BuyOrderID, fill.BuyUserID = order.OrderID, order.UserID
		if err := store.CreateFill(fill); err != nil {
			return nil, err
		}
		result.Fill = fill
	} else {
		if err := ledger.Unfreeze(account, order.ReservedAmount); err != nil {
			return nil, err
		}
		order.Finish(types.OrderFailed, now)
	}

	if err := ledger.SaveAccount(tx, account); err != nil {
		return nil, err
	}
	if err := store.UpdateEntry(entry); err != nil {
		return nil, err
	}
	if err := store.UpdateOrder(order); err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "settlement").
		Str("order_id", order.OrderID).
		Str("user_id", order.UserID).
		Bool("won", won).
		Int64("quantity", qty).
		Msg("IPO subscription settled")
	return result, nil
}

// ForceComplete finishes an order without a counterparty at its own
// price. Buy orders receive their remaining shares against the reserved
// funds; sell orders give up their remaining shares for cash. The entry
// must already be locked.
func (s *Settler) ForceComplete(tx *gorm.DB, order *types.Order, entry *types.PoolEntry) (*types.Fill, error) {
	now := s.now()
	store := pool.NewDatabase(tx)

	qty := order.RemainingQuantity
	if entry != nil {
		entry.Reduce(entry.Quantity)
		if err := store.UpdateEntry(entry); err != nil {
			return nil, err
		}
	}
	if qty == 0 {
		order.Finish(types.OrderSuccess, now)
		return nil, store.UpdateOrder(order)
	}

	amount := order.Price.Mul(decimal.NewFromInt(qty))
	account, err := ledger.EnsureAccount(tx, order.UserID)
	if err != nil {
		return nil, err
	}
	position, err := ledger.LockPosition(tx, order.UserID, order.Symbol)
	if err != nil {
		return nil, err
	}

	fill := pool.NewFill(types.FillForced, order.Symbol, order.Price, qty, now)
	if order.Side == types.SideBuy {
		if err := ledger.ConsumeFrozen(account, amount); err != nil {
			return nil, err
		}
		position = ledger.AcquireShares(position, order.UserID, order.Symbol, qty, order.Price,
			s.calendar.NextDay(order.Market, now), now)
		order.ApplyFill(qty, order.Price, now)
		if err := ledger.CloseBuyReservation(account, order); err != nil {
			return nil, err
		}
		fill.BuyOrderID, fill.BuyUserID = order.OrderID, order.UserID
	} else {
		if err := ledger.DeliverShares(position, qty, order.Price); err != nil {
			return nil, err
		}
		ledger.Credit(account, amount)
		order.ApplyFill(qty, order.Price, now)
		fill.SellOrderID, fill.SellUserID = order.OrderID, order.UserID
	}

	if err := ledger.SaveAccount(tx, account); err != nil {
		return nil, err
	}
	if position != nil {
		if err := ledger.SavePosition(tx, position, now); err != nil {
			return nil, err
		}
	}
	if err := store.UpdateOrder(order); err != nil {
		return nil, err
	}
	if err := store.CreateFill(fill); err != nil {
		return nil, err
	}
	return fill, nil
}
