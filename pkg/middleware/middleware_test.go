package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksred/klear-engine/internal/auth"
	"github.com/ksred/klear-engine/internal/types"
	"github.com/ksred/klear-engine/pkg/middleware"
	"github.com/ksred/klear-engine/pkg/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) (*gin.Engine, *auth.Service) {
	t.Helper()
	authService := auth.NewService("test-secret", time.Hour)
	authService.RegisterAPICredentials("admin-key", "admin-secret", "admin", types.RoleAdmin)
	authService.RegisterAPICredentials("trader-key", "trader-secret", "trader-1", types.RoleUser)

	router := gin.New()
	router.POST("/api/v1/auth/token", middleware.RateLimit(), auth.NewGinHandlers(authService).GenerateTokenHandler())

	whoami := func(c *gin.Context) {
		actor := middleware.ActorFrom(c)
		response.Success(c, gin.H{"user_id": actor.ID, "role": actor.Role})
	}
	api := router.Group("/api/v1", middleware.JWTAuth(authService))
	api.GET("/account", whoami)
	api.GET("/admin/rules", middleware.RequireAdmin(), whoami)
	return router, authService
}

func do(router http.Handler, method, path, token string, body any, remoteAddr string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) (response.Response, map[string]any) {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data, _ := body.Data.(map[string]any)
	return body, data
}

func TestTokenEndpoint(t *testing.T) {
	router, _ := newRouter(t)

	w := do(router, http.MethodPost, "/api/v1/auth/token", "",
		auth.Credentials{APIKey: "trader-key", APISecret: "trader-secret"}, "10.0.0.1:1000")
	require.Equal(t, http.StatusCreated, w.Code)
	_, data := decode(t, w)
	assert.Equal(t, "trader-1", data["user_id"])
	assert.Equal(t, types.RoleUser, data["role"])
	assert.NotEmpty(t, data["jwt_token"])

	w = do(router, http.MethodPost, "/api/v1/auth/token", "",
		auth.Credentials{APIKey: "trader-key", APISecret: "wrong"}, "10.0.0.2:1000")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(router, http.MethodPost, "/api/v1/auth/token", "", map[string]string{}, "10.0.0.3:1000")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokenEndpointRateLimited(t *testing.T) {
	router, _ := newRouter(t)
	creds := auth.Credentials{APIKey: "trader-key", APISecret: "trader-secret"}

	w := do(router, http.MethodPost, "/api/v1/auth/token", "", creds, "10.0.1.1:1000")
	require.Equal(t, http.StatusCreated, w.Code)

	w = do(router, http.MethodPost, "/api/v1/auth/token", "", creds, "10.0.1.1:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	body, _ := decode(t, w)
	assert.Equal(t, response.ErrCodeRateLimited, body.Error.Code)

	// limits are per client
	w = do(router, http.MethodPost, "/api/v1/auth/token", "", creds, "10.0.1.2:1000")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestJWTAuth(t *testing.T) {
	router, authService := newRouter(t)

	token, err := authService.IssueToken("trader-key", "trader-1", types.RoleUser)
	require.NoError(t, err)

	w := do(router, http.MethodGet, "/api/v1/account", token.Token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	_, data := decode(t, w)
	assert.Equal(t, "trader-1", data["user_id"])

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/account", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}

	// a token signed with another secret is rejected
	other, err := auth.NewService("other-secret", time.Hour).IssueToken("x", "trader-1", types.RoleAdmin)
	require.NoError(t, err)
	w = do(router, http.MethodGet, "/api/v1/account", other.Token, nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRequireAdmin(t *testing.T) {
	router, authService := newRouter(t)

	user, err := authService.IssueToken("trader-key", "trader-1", types.RoleUser)
	require.NoError(t, err)
	w := do(router, http.MethodGet, "/api/v1/admin/rules", user.Token, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// unknown roles are downgraded to user
	odd, err := authService.IssueToken("x", "someone", "superuser")
	require.NoError(t, err)
	w = do(router, http.MethodGet, "/api/v1/admin/rules", odd.Token, nil, "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	admin, err := authService.IssueToken("admin-key", "admin", types.RoleAdmin)
	require.NoError(t, err)
	w = do(router, http.MethodGet, "/api/v1/admin/rules", admin.Token, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	_, data := decode(t, w)
	assert.Equal(t, types.RoleAdmin, data["role"])
}
