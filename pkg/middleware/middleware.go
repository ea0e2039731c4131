package middleware

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/ksred/klear-engine/internal/auth"
	"github.com/ksred/klear-engine/internal/types"
	"github.com/ksred/klear-engine/pkg/response"
)

// Context keys set by JWTAuth
const (
	KeyUserID   = "userID"
	KeyRole     = "role"
	KeyClientID = "clientID"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

var (
	visitors = make(map[string]*visitor)
	mu       sync.Mutex

	// Configure limits per endpoint type
	authLimit    = rate.Limit(10.0 / 60.0)  // 10 requests per minute
	tradingLimit = rate.Limit(600.0 / 60.0) // 600 requests per minute
	adminLimit   = rate.Limit(300.0 / 60.0) // 300 requests per minute

	cleanupOnce sync.Once
)

func getLimiter(path, clientKey string) *rate.Limiter {
	mu.Lock()
	defer mu.Unlock()

	key := clientKey + ":" + path
	v, exists := visitors[key]

	if !exists {
		var limit rate.Limit
		burst := 5
		switch {
		case strings.HasPrefix(path, "/api/v1/auth"):
			limit = authLimit
			burst = 1
		case strings.HasPrefix(path, "/api/v1/orders"):
			limit = tradingLimit
		case strings.HasPrefix(path, "/api/v1/admin"):
			limit = adminLimit
		default:
			limit = rate.Inf // No limit for other paths
		}

		v = &visitor{
			limiter:  rate.NewLimiter(limit, burst),
			lastSeen: time.Now(),
		}
		visitors[key] = v
	}

	v.lastSeen = time.Now()
	return v.limiter
}

func cleanupVisitors() {
	for {
		time.Sleep(time.Minute)

		mu.Lock()
		for key, v := range visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(visitors, key)
			}
		}
		mu.Unlock()
	}
}

// RateLimit throttles requests per caller and endpoint family
func RateLimit() gin.HandlerFunc {
	cleanupOnce.Do(func() { go cleanupVisitors() })

	return func(c *gin.Context) {
		clientKey := c.GetString(KeyUserID)
		if clientKey == "" {
			clientKey = c.ClientIP()
		}

		limiter := getLimiter(c.FullPath(), clientKey)
		if !limiter.Allow() {
			response.TooManyRequests(c, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}

		c.Next()
	}
}

// JWTAuth validates the bearer token and stores the caller identity in the
// request context
func JWTAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		bearerToken := strings.Split(c.GetHeader("Authorization"), " ")
		if len(bearerToken) != 2 || strings.ToLower(bearerToken[0]) != "bearer" {
			response.Unauthorized(c, "Invalid authorization header")
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(bearerToken[1])
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		c.Set(KeyUserID, claims.UserID)
		c.Set(KeyRole, claims.Role)
		c.Set(KeyClientID, claims.ClientID)
		c.Set("claims", claims)

		c.Next()
	}
}

// RequireAdmin rejects any caller whose role is not admin. It must run
// after JWTAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := ActorFrom(c)
		if !actor.IsAdmin() {
			log.Warn().
				Str("user_id", actor.ID).
				Str("origin", actor.Origin).
				Str("path", c.FullPath()).
				Msg("non-admin caller rejected")
			response.Forbidden(c, "Administrator privilege required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// ActorFrom builds the caller identity from the request context
func ActorFrom(c *gin.Context) types.Actor {
	return types.Actor{
		ID:     c.GetString(KeyUserID),
		Role:   c.GetString(KeyRole),
		Origin: c.ClientIP(),
	}
}

// RequestLogger emits one zerolog event per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= 500 {
			event = log.Error()
		} else if c.Writer.Status() >= 400 {
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_id", c.GetString(KeyUserID)).
			Msg("request handled")
	}
}
