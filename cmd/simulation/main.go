package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/config"
	"github.com/ksred/klear-engine/internal/database"
	"github.com/ksred/klear-engine/internal/ledger"
	"github.com/ksred/klear-engine/internal/matching"
	"github.com/ksred/klear-engine/internal/server"
	"github.com/ksred/klear-engine/internal/trading"
	"github.com/ksred/klear-engine/internal/types"
)

const (
	minOrders      = 15
	maxOrders      = 150
	serverPort     = "8080"
	serverAddress  = "http://localhost:" + serverPort
	seedQuantity   = 20000
	seedCash       = 5000000
	authRetries    = 10
	authRetryDelay = 6 * time.Second
)

var (
	symbols = []string{"AAPL", "GOOGL", "MSFT", "AMZN", "META"}
	sides   = []types.Side{types.SideBuy, types.SideSell}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// apiError is a non-2xx response from the engine
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.Status, e.Code, e.Message)
}

// envelope mirrors the engine's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the engine API for one
// set of credentials. Stats are shared across clients.
type simulationClient struct {
	baseURL   string
	userID    string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newStats() map[string]*routeStats {
	return map[string]*routeStats{
		"auth":   {name: "Authentication"},
		"create": {name: "Create Order"},
		"get":    {name: "Get Order"},
		"cancel": {name: "Cancel Order"},
		"funds":  {name: "Adjust Funds"},
		"match":  {name: "Matching Pass"},
	}
}

// newSimulationClient creates a client and authenticates it with the API
func newSimulationClient(apiKey, apiSecret string, stats map[string]*routeStats) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: stats,
	}

	if err := sc.authenticate(apiKey, apiSecret); err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	return sc, nil
}

// do sends one request and decodes the data part of the envelope into out
func (sc *simulationClient) do(route, method, path string, payload any, headers map[string]string, out any) (err error) {
	start := time.Now()
	defer func() {
		sc.stats[route].addDuration(time.Since(start), err != nil)
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode >= http.StatusBadRequest || !env.Success {
		apiErr := &apiError{Status: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}

// authenticate exchanges API credentials for a JWT, waiting out the auth
// route's rate limit when several clients log in back to back
func (sc *simulationClient) authenticate(apiKey, apiSecret string) error {
	credentials := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}

	var result struct {
		Token  string `json:"jwt_token"`
		UserID string `json:"user_id"`
	}
	for attempt := 1; ; attempt++ {
		err := sc.do("auth", http.MethodPost, "/api/v1/auth/token", credentials, nil, &result)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests && attempt < authRetries {
			log.Info().Str("api_key", apiKey).Dur("wait", authRetryDelay).Msg("Auth rate limited, retrying")
			time.Sleep(authRetryDelay)
			continue
		}
		if err != nil {
			return err
		}
		break
	}

	sc.authToken = result.Token
	sc.userID = result.UserID
	return nil
}

// createOrder submits a new order under a fresh idempotency key
func (sc *simulationClient) createOrder(req trading.SubmitRequest) (*trading.SubmitResult, error) {
	var result trading.SubmitResult
	headers := map[string]string{"Idempotency-Key": uuid.New().String()}
	if err := sc.do("create", http.MethodPost, "/api/v1/orders", req, headers, &result); err != nil {
		return nil, err
	}
	if result.Order == nil || result.Order.OrderID == "" {
		return nil, errors.New("no order in response")
	}
	return &result, nil
}

// getOrder fetches an order with its fills
func (sc *simulationClient) getOrder(orderID string) (*trading.OrderDetail, error) {
	var detail trading.OrderDetail
	if err := sc.do("get", http.MethodGet, "/api/v1/orders/"+orderID, nil, nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// cancelOrder withdraws the unfilled part of an order
func (sc *simulationClient) cancelOrder(orderID string) (*trading.CancelResult, error) {
	var result trading.CancelResult
	if err := sc.do("cancel", http.MethodPost, "/api/v1/orders/"+orderID+"/cancel", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// recharge credits a trader's account; admin only
func (sc *simulationClient) recharge(userID string, amount int64) error {
	payload := map[string]any{
		"user_id": userID,
		"type":    "RECHARGE",
		"amount":  decimal.NewFromInt(amount),
		"remark":  "simulation funding",
	}
	return sc.do("funds", http.MethodPost, "/api/v1/admin/funds", payload, nil, nil)
}

// runMatching triggers a matching pass; admin only
func (sc *simulationClient) runMatching() (*matching.PassResult, error) {
	var result matching.PassResult
	if err := sc.do("match", http.MethodPost, "/api/v1/admin/matching/run", nil, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// printPerformanceStats prints per-endpoint latency statistics
func printPerformanceStats(stats map[string]*routeStats) {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(stats))
	for key := range stats {
		names = append(names, key)
	}
	sort.Strings(names)

	for _, key := range names {
		rs := stats[key]
		min, max, mean, median, p95, p99 := rs.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			rs.name,
			rs.totalCalls,
			rs.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// createdOrder pairs an admitted order with the client that owns it
type createdOrder struct {
	client  *simulationClient
	orderID string
}

// main runs the trading simulation
// It starts a local engine, seeds traders with cash and holdings, and has
// each trader submit random orders concurrently before matching them
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := startServer(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer srv.Close()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	stats := newStats()

	admin, err := newSimulationClient(envOr("ADMIN_API_KEY", "admin-api-key"), envOr("ADMIN_API_SECRET", "admin-api-secret"), stats)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate administrator")
	}

	traders := make([]*simulationClient, 0, server.DemoTraders)
	for i := 1; i <= server.DemoTraders; i++ {
		id := fmt.Sprintf("trader-%d", i)
		trader, err := newSimulationClient(id+"-key", id+"-secret", stats)
		if err != nil {
			log.Fatal().Err(err).Str("trader", id).Msg("Failed to authenticate trader")
		}
		if err := admin.recharge(trader.userID, seedCash); err != nil {
			log.Fatal().Err(err).Str("trader", id).Msg("Failed to fund trader")
		}
		if err := seedPositions(srv.DB, trader.userID); err != nil {
			log.Fatal().Err(err).Str("trader", id).Msg("Failed to seed positions")
		}
		traders = append(traders, trader)
	}

	// Generate random number of orders to process
	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Int("traders", len(traders)).Msg("Starting simulation")

	// Channel to collect order IDs
	ordersChan := make(chan createdOrder, targetOrders)
	var wg sync.WaitGroup

	// One worker per trader
	for i, trader := range traders {
		wg.Add(1)
		go func(workerID int, trader *simulationClient) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/len(traders), trader, ordersChan)
		}(i, trader)
	}

	// Wait for all orders to be created
	wg.Wait()
	close(ordersChan)

	var orders []createdOrder
	for order := range ordersChan {
		orders = append(orders, order)
	}
	log.Info().Int("orders_created", len(orders)).Msg("All orders created")

	summary := struct {
		TotalOrders     int
		Filled          int
		Partial         int
		Open            int
		Cancelled       int
		FailedLookups   int
		Fills           int
		SymbolErrors    int
		TotalValue      decimal.Decimal
		StartTime       time.Time
		Symbols         map[string]int
		Sides           map[types.Side]int
		RefundedOnClose decimal.Decimal
	}{
		TotalOrders: len(orders),
		StartTime:   time.Now(),
		Symbols:     make(map[string]int),
		Sides:       make(map[types.Side]int),
	}

	pass, err := admin.runMatching()
	if err != nil {
		log.Fatal().Err(err).Msg("Matching pass failed")
	}
	summary.Fills = len(pass.Fills)
	summary.SymbolErrors = len(pass.Errors)
	for _, fill := range pass.Fills {
		summary.TotalValue = summary.TotalValue.Add(fill.Amount)
		log.Info().
			Str("fill_id", fill.FillID).
			Str("symbol", fill.Symbol).
			Str("price", fill.Price.String()).
			Int64("quantity", fill.Quantity).
			Msg("Fill settled")
	}

	for _, created := range orders {
		detail, err := created.client.getOrder(created.orderID)
		if err != nil {
			log.Error().Err(err).Str("order_id", created.orderID).Msg("Failed to fetch order")
			summary.FailedLookups++
			continue
		}
		summary.Symbols[detail.Symbol]++
		summary.Sides[detail.Side]++

		switch detail.Status {
		case types.OrderSuccess:
			summary.Filled++
		case types.OrderPartial:
			summary.Partial++
		default:
			summary.Open++
		}

		// Withdraw whatever the pass left resting
		if detail.Status == types.OrderMatching || detail.Status == types.OrderPartial {
			result, err := created.client.cancelOrder(created.orderID)
			if err != nil {
				log.Error().Err(err).Str("order_id", created.orderID).Msg("Failed to cancel order")
				continue
			}
			summary.Cancelled++
			summary.RefundedOnClose = summary.RefundedOnClose.Add(result.RefundedAmount)
		}
	}

	// Print summary
	duration := time.Since(summary.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:     %d
Filled:           %d
Partially Filled: %d
Left Open:        %d
Cancelled:        %d
Failed Lookups:   %d
Fills:            %d
Symbol Errors:    %d
Total Value:      $%s
Refunded:         $%s
Duration:         %v

📈 Symbol Distribution
--------------------
`, summary.TotalOrders, summary.Filled, summary.Partial, summary.Open, summary.Cancelled,
		summary.FailedLookups, summary.Fills, summary.SymbolErrors,
		summary.TotalValue.StringFixed(2), summary.RefundedOnClose.StringFixed(2),
		duration.Round(time.Millisecond))

	// Print symbol distribution with simple ASCII bar chart
	maxSymbolCount := 0
	for _, count := range summary.Symbols {
		if count > maxSymbolCount {
			maxSymbolCount = count
		}
	}

	for _, symbol := range symbols {
		count := summary.Symbols[symbol]
		if count == 0 {
			continue
		}
		barLength := int(float64(count) / float64(maxSymbolCount) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-6s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\n📉 Side Distribution")
	fmt.Println("------------------")
	for _, side := range sides {
		count := summary.Sides[side]
		if summary.TotalOrders == 0 {
			break
		}
		barLength := int(float64(count) / float64(summary.TotalOrders) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	fillRate := 0.0
	if summary.TotalOrders > 0 {
		fillRate = float64(summary.Filled) / float64(summary.TotalOrders) * 100
	}
	log.Info().
		Float64("fill_rate", fillRate).
		Int("total_orders", summary.TotalOrders).
		Int("fills", summary.Fills).
		Str("total_value", summary.TotalValue.StringFixed(2)).
		Dur("duration", duration).
		Msg("Simulation completed")

	printPerformanceStats(stats)
}

// createOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending admitted order IDs to ordersChan
func createOrdersHTTP(workerID, numOrders int, trader *simulationClient, ordersChan chan<- createdOrder) {
	for i := 0; i < numOrders; i++ {
		side := sides[rand.Intn(len(sides))]
		req := trading.SubmitRequest{
			Market:   "US",
			Class:    types.Class(side),
			Side:     side,
			Symbol:   symbols[rand.Intn(len(symbols))],
			Price:    decimal.NewFromInt(int64(rand.Intn(11) + 95)),
			Quantity: int64(rand.Intn(5)+1) * 100,
			Leverage: 1,
		}

		result, err := trader.createOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("symbol", req.Symbol).
				Msg("Failed to create order")
			continue
		}

		ordersChan <- createdOrder{client: trader, orderID: result.Order.OrderID}
		log.Info().
			Int("worker_id", workerID).
			Str("user_id", trader.userID).
			Str("order_id", result.Order.OrderID).
			Str("symbol", req.Symbol).
			Str("side", string(req.Side)).
			Int64("quantity", req.Quantity).
			Str("price", req.Price.String()).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(100)) * time.Millisecond)
	}
}

// seedPositions gives a trader sellable holdings in every simulated symbol
func seedPositions(db *gorm.DB, userID string) error {
	now := time.Now()
	return db.Transaction(func(tx *gorm.DB) error {
		for _, symbol := range symbols {
			position, err := ledger.LockPosition(tx, userID, symbol)
			if err != nil {
				return err
			}
			position = ledger.AcquireShares(position, userID, symbol, seedQuantity, decimal.NewFromInt(100), now, now)
			position.ReleaseLock(now)
			if err := ledger.SavePosition(tx, position, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// startServer runs the engine in-process on a private in-memory database
// with trading hours ignored and matching left to explicit passes
func startServer(ctx context.Context) (*server.Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.Env = "simulation"
	cfg.Port = serverPort
	cfg.Database.Driver = "sqlite"
	cfg.Database.DSN = "file:simulation?mode=memory&cache=shared"
	cfg.Trading.AlwaysOpen = true
	cfg.Trading.MatchOnSubmit = false
	cfg.Trading.MatchingInterval = time.Hour

	// Initialize database
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	srv, err := server.New(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	srv.Start(ctx)

	go func() {
		if err := http.ListenAndServe(":"+cfg.Port, srv.Router); err != nil {
			log.Fatal().Err(err).Msg("Server stopped")
		}
	}()
	return srv, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
