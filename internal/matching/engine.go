package matching

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/events"
	"github.com/ksred/klear-engine/internal/metrics"
	"github.com/ksred/klear-engine/internal/pool"
	"github.com/ksred/klear-engine/internal/rules"
	"github.com/ksred/klear-engine/internal/settlement"
	"github.com/ksred/klear-engine/internal/types"
)

// Drawer yields lottery draws in [0, 1)
type Drawer interface {
	Draw() float64
}

type randDrawer struct{}

func (randDrawer) Draw() float64 { return rand.Float64() }

// FixedDrawer always draws the same value
type FixedDrawer float64

func (d FixedDrawer) Draw() float64 { return float64(d) }

// SymbolError records a symbol batch that failed during a pass
type SymbolError struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

// PassResult summarises one matching pass
type PassResult struct {
	Fills            []types.Fill  `json:"fills"`
	IPOSettlements   int           `json:"ipo_settlements"`
	SymbolsProcessed int           `json:"symbols_processed"`
	Errors           []SymbolError `json:"errors,omitempty"`
}

// Engine runs matching passes over the order pool
type Engine struct {
	db        *gorm.DB
	settler   *settlement.Settler
	rules     rules.Store
	workers   *ants.Pool
	drawer    Drawer
	publisher events.Publisher
}

// NewEngine creates an engine that processes up to workers symbols at once
func NewEngine(db *gorm.DB, settler *settlement.Settler, ruleStore rules.Store, workers int) (*Engine, error) {
	if workers <= 0 {
		workers = 1
	}
	wp, err := ants.NewPool(workers)
	if err != nil {
		return nil, fmt.Errorf("create matching worker pool: %w", err)
	}
	return &Engine{
		db:        db,
		settler:   settler,
		rules:     ruleStore,
		workers:   wp,
		drawer:    randDrawer{},
		publisher: events.NopPublisher{},
	}, nil
}

// WithDrawer replaces the IPO lottery draw
func (e *Engine) WithDrawer(d Drawer) *Engine {
	e.drawer = d
	return e
}

// WithPublisher sets where fill and order events go
func (e *Engine) WithPublisher(p events.Publisher) *Engine {
	e.publisher = p
	return e
}

// Close releases the worker pool
func (e *Engine) Close() {
	e.workers.Release()
}

type book struct {
	buys  []types.PoolEntry
	sells []types.PoolEntry
}

// batch is one unit of work in a pass: a symbol's book or the IPO queue
type batch struct {
	symbol string
	run    func(ctx context.Context) (batchResult, error)
}

type batchResult struct {
	fills []types.Fill
	ipo   int
}

// RunPass matches every symbol once. A symbol that fails is reported in
// the result and does not stop the others.
func (e *Engine) RunPass(ctx context.Context) (*PassResult, error) {
	start := time.Now()
	defer func() { metrics.PassDuration.Observe(time.Since(start).Seconds()) }()

	entries, err := pool.NewDatabase(e.db).MatchingEntries(ctx)
	if err != nil {
		return nil, err
	}

	books := make(map[string]*book)
	var symbols []string
	var ipo []types.PoolEntry
	for _, entry := range entries {
		if entry.Class == types.ClassIPO {
			ipo = append(ipo, entry)
			continue
		}
		b, ok := books[entry.Symbol]
		if !ok {
			b = &book{}
			books[entry.Symbol] = b
			symbols = append(symbols, entry.Symbol)
		}
		if entry.Side == types.SideBuy {
			b.buys = append(b.buys, entry)
		} else {
			b.sells = append(b.sells, entry)
		}
	}

	var batches []batch
	for _, symbol := range symbols {
		b := books[symbol]
		if len(b.buys) == 0 || len(b.sells) == 0 {
			continue
		}
		batches = append(batches, batch{symbol: symbol, run: func(ctx context.Context) (batchResult, error) {
			fills, err := e.matchSymbol(ctx, b)
			return batchResult{fills: fills}, err
		}})
	}
	if len(ipo) > 0 {
		batches = append(batches, batch{symbol: "IPO", run: func(ctx context.Context) (batchResult, error) {
			return e.settleIPOs(ctx, ipo)
		}})
	}

	result := &PassResult{Fills: []types.Fill{}}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	collect := func(bt batch, res batchResult, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Fills = append(result.Fills, res.fills...)
		result.IPOSettlements += res.ipo
		result.SymbolsProcessed++
		if err != nil {
			metrics.SymbolFailures.Inc()
			log.Error().Err(err).Str("service", "matching").Str("symbol", bt.symbol).Msg("symbol batch failed")
			result.Errors = append(result.Errors, SymbolError{Symbol: bt.symbol, Error: err.Error()})
		}
	}

	for _, bt := range batches {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			res, err := bt.run(ctx)
			collect(bt, res, err)
		}
		if err := e.workers.Submit(task); err != nil {
			wg.Done()
			collect(bt, batchResult{}, err)
		}
	}
	wg.Wait()

	sort.SliceStable(result.Fills, func(i, j int) bool {
		return result.Fills[i].ID < result.Fills[j].ID
	})

	if len(result.Fills) > 0 || result.IPOSettlements > 0 || len(result.Errors) > 0 {
		log.Info().
			Str("service", "matching").
			Int("fills", len(result.Fills)).
			Int("ipo_settlements", result.IPOSettlements).
			Int("symbols", result.SymbolsProcessed).
			Int("errors", len(result.Errors)).
			Dur("duration", time.Since(start)).
			Msg("matching pass complete")
	}
	return result, nil
}

// sortBook orders buys by price descending and sells by price ascending,
// earlier entries first at equal price
func sortBook(b *book) {
	sort.SliceStable(b.buys, func(i, j int) bool {
		x, y := b.buys[i], b.buys[j]
		if !x.Price.Equal(y.Price) {
			return x.Price.GreaterThan(y.Price)
		}
		if !x.EnteredAt.Equal(y.EnteredAt) {
			return x.EnteredAt.Before(y.EnteredAt)
		}
		return x.ID < y.ID
	})
	sort.SliceStable(b.sells, func(i, j int) bool {
		x, y := b.sells[i], b.sells[j]
		if !x.Price.Equal(y.Price) {
			return x.Price.LessThan(y.Price)
		}
		if !x.EnteredAt.Equal(y.EnteredAt) {
			return x.EnteredAt.Before(y.EnteredAt)
		}
		return x.ID < y.ID
	})
}

func (e *Engine) matchSymbol(ctx context.Context, b *book) ([]types.Fill, error) {
	sortBook(b)

	var fills []types.Fill
	for i := range b.buys {
		buy := &b.buys[i]
		for j := range b.sells {
			if err := ctx.Err(); err != nil {
				return fills, err
			}
			sell := &b.sells[j]
			if buy.Quantity == 0 || buy.Status != types.EntryMatching {
				break
			}
			if sell.Quantity == 0 || sell.Status != types.EntryMatching {
				continue
			}
			if buy.Price.LessThan(sell.Price) {
				break
			}
			if buy.UserID == sell.UserID {
				continue
			}

			res, err := e.settler.SettleFill(ctx, buy.EntryID, sell.EntryID)
			if err != nil {
				if errors.Is(err, types.ErrConflict) {
					log.Warn().Err(err).
						Str("buy_entry", buy.EntryID).
						Str("sell_entry", sell.EntryID).
						Msg("settlement retries exhausted, skipping pair")
					continue
				}
				return fills, err
			}

			*buy, *sell = res.BuyEntry, res.SellEntry
			if res.Fill == nil {
				continue
			}
			fills = append(fills, *res.Fill)
			e.recordFill(ctx, res.Fill, res.BuyOrder, res.SellOrder)
		}
	}
	return fills, nil
}

func (e *Engine) settleIPOs(ctx context.Context, entries []types.PoolEntry) (batchResult, error) {
	var res batchResult

	winRate := 0.0
	rule, err := e.rules.Get(ctx, types.ClassIPO)
	if err != nil {
		return res, err
	}
	if rule != nil {
		winRate = rule.Config.WinRate
	}
	outcome := func(order *types.Order) bool {
		switch order.IPOOutcome {
		case types.IPOWin:
			return true
		case types.IPOLose:
			return false
		}
		return e.drawer.Draw() < winRate
	}

	var failed []error
	for _, entry := range entries {
		settled, err := e.settler.SettleIPO(ctx, entry.EntryID, outcome)
		if err != nil {
			log.Error().Err(err).Str("entry_id", entry.EntryID).Msg("IPO settlement failed")
			failed = append(failed, fmt.Errorf("%s: %w", entry.OrderID, err))
			continue
		}
		if settled == nil {
			continue
		}
		res.ipo++
		if settled.Fill != nil {
			res.fills = append(res.fills, *settled.Fill)
			e.recordFill(ctx, settled.Fill, settled.Order, nil)
		} else {
			e.publisher.Publish(ctx, events.OrderEvent(settled.Order))
		}
	}
	return res, errors.Join(failed...)
}

func (e *Engine) recordFill(ctx context.Context, fill *types.Fill, orders ...*types.Order) {
	metrics.Fills.WithLabelValues(fill.Kind).Inc()
	metrics.FilledQuantity.Add(float64(fill.Quantity))

	evs := []events.Event{events.FillEvent(fill)}
	for _, order := range orders {
		if order != nil {
			evs = append(evs, events.OrderEvent(order))
		}
	}
	e.publisher.Publish(ctx, evs...)
}
