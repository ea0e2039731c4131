package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-engine/internal/auth"
	"github.com/ksred/klear-engine/internal/config"
	"github.com/ksred/klear-engine/internal/matching"
	"github.com/ksred/klear-engine/internal/server"
	"github.com/ksred/klear-engine/internal/testutil"
	"github.com/ksred/klear-engine/internal/trading"
	"github.com/ksred/klear-engine/internal/types"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type client struct {
	t      *testing.T
	router http.Handler
}

func (c client) call(method, path, token, remoteAddr string, body, out any, headers ...string) int {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)

	if out != nil && w.Code < 300 {
		var env envelope
		require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &env))
		require.True(c.t, env.Success)
		require.NoError(c.t, json.Unmarshal(env.Data, out))
	}
	return w.Code
}

func (c client) token(apiKey, apiSecret, remoteAddr string) string {
	c.t.Helper()
	var tok auth.TokenResponse
	status := c.call(http.MethodPost, "/api/v1/auth/token", "", remoteAddr,
		auth.Credentials{APIKey: apiKey, APISecret: apiSecret}, &tok)
	require.Equal(c.t, http.StatusCreated, status)
	return tok.Token
}

func newServer(t *testing.T) (*server.Server, *config.Config) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Env = "test"
	cfg.Redis.Addr = ""
	cfg.Kafka.Brokers = nil
	cfg.Trading.AlwaysOpen = true
	cfg.Trading.MatchOnSubmit = false
	cfg.Trading.SeedDefaultRules = true

	srv, err := server.New(context.Background(), cfg, testutil.NewDB(t))
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv, cfg
}

func TestOrderRoundTrip(t *testing.T) {
	srv, cfg := newServer(t)
	c := client{t: t, router: srv.Router}

	admin := c.token(cfg.Auth.AdminAPIKey, cfg.Auth.AdminAPISecret, "10.9.0.1:1000")
	buyer := c.token("trader-1-key", "trader-1-secret", "10.9.0.2:1000")
	seller := c.token("trader-2-key", "trader-2-secret", "10.9.0.3:1000")

	var account types.Account
	status := c.call(http.MethodPost, "/api/v1/admin/funds", admin, "", map[string]any{
		"user_id": "trader-1", "type": "RECHARGE", "amount": "100000",
	}, &account)
	require.Equal(t, http.StatusCreated, status)
	testutil.AssertDecimal(t, "100000", account.AvailableBalance)
	testutil.GiveShares(t, srv.DB, "trader-2", "AAPL", 100, "8")

	order := map[string]any{"market": "US", "class": "BUY", "symbol": "AAPL", "price": "10", "quantity": 100}
	var placed, replayed trading.SubmitResult
	require.Equal(t, http.StatusCreated,
		c.call(http.MethodPost, "/api/v1/orders", buyer, "", order, &placed, "Idempotency-Key", "first"))
	require.Equal(t, http.StatusCreated,
		c.call(http.MethodPost, "/api/v1/orders", buyer, "", order, &replayed, "Idempotency-Key", "first"))
	assert.Equal(t, placed.Order.OrderID, replayed.Order.OrderID)
	testutil.AssertDecimal(t, "1005", placed.Order.ReservedAmount)

	var sold trading.SubmitResult
	require.Equal(t, http.StatusCreated, c.call(http.MethodPost, "/api/v1/orders", seller, "", map[string]any{
		"market": "US", "class": "SELL", "symbol": "AAPL", "price": "10", "quantity": 100,
	}, &sold))

	var pass matching.PassResult
	require.Equal(t, http.StatusForbidden, c.call(http.MethodPost, "/api/v1/admin/matching/run", buyer, "", nil, nil))
	require.Equal(t, http.StatusCreated, c.call(http.MethodPost, "/api/v1/admin/matching/run", admin, "", nil, &pass))
	require.Len(t, pass.Fills, 1)

	var detail trading.OrderDetail
	require.Equal(t, http.StatusOK, c.call(http.MethodGet, "/api/v1/orders/"+placed.Order.OrderID, buyer, "", nil, &detail))
	assert.Equal(t, types.OrderSuccess, detail.Status)
	assert.Len(t, detail.Fills, 1)

	// orders are only visible to their owner
	assert.Equal(t, http.StatusNotFound,
		c.call(http.MethodGet, "/api/v1/orders/"+placed.Order.OrderID, seller, "", nil, nil))

	var view trading.AccountView
	require.Equal(t, http.StatusOK, c.call(http.MethodGet, "/api/v1/account", buyer, "", nil, &view))
	testutil.AssertDecimal(t, "98995", view.Account.AvailableBalance)
	require.Len(t, view.Positions, 1)
	assert.Equal(t, int64(100), view.Positions[0].LockedQuantity)

	var logs []types.AuditLog
	require.Equal(t, http.StatusOK, c.call(http.MethodGet, "/api/v1/admin/audit-logs", admin, "", nil, &logs))
	assert.NotEmpty(t, logs)
}

func TestRejectedRequests(t *testing.T) {
	srv, _ := newServer(t)
	c := client{t: t, router: srv.Router}
	trader := c.token(auth.TestAPIKey, auth.TestAPISecret, "10.9.1.1:1000")

	assert.Equal(t, http.StatusUnauthorized, c.call(http.MethodGet, "/api/v1/account", "", "", nil, nil))
	assert.Equal(t, http.StatusForbidden, c.call(http.MethodGet, "/api/v1/admin/rules", trader, "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, c.call(http.MethodPost, "/api/v1/orders", trader, "", map[string]any{
		"market": "US", "class": "BUY", "symbol": "AAPL", "price": "10", "quantity": 150,
	}, nil))
	assert.Equal(t, http.StatusConflict, c.call(http.MethodPost, "/api/v1/orders", trader, "", map[string]any{
		"market": "US", "class": "OPTIONS", "symbol": "AAPL", "price": "10", "quantity": 100,
	}, nil))
	assert.Equal(t, http.StatusOK, c.call(http.MethodGet, "/metrics", "", "", nil, nil))
}
