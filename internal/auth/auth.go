package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ksred/klear-engine/internal/types"
	"github.com/ksred/klear-engine/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
	ErrInvalidToken       = errors.New("invalid token")
)

// Test credentials
var (
	TestAPIKey    = "test-api-key"
	TestAPISecret = "test-api-secret"
	TestUserID    = "test-user"
)

// Credentials represents the API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key" binding:"required"`
	APISecret string `json:"api_secret" binding:"required"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
	UserID     string    `json:"user_id"`
	Role       string    `json:"role"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	UserID   string `json:"user_id"`
	Role     string `json:"role"`
}

type identity struct {
	secret string
	userID string
	role   string
}

// Service handles authentication and authorization operations
type Service struct {
	jwtSecret []byte
	tokenTTL  time.Duration

	mu sync.RWMutex
	// Credentials are provisioned by the surrounding platform; the engine
	// only resolves them to an identity and role.
	apiCredentials map[string]identity
}

// NewService creates a new authentication service with the given JWT secret
func NewService(jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		jwtSecret:      []byte(jwtSecret),
		tokenTTL:       tokenTTL,
		apiCredentials: make(map[string]identity),
	}
}

// GenerateToken generates a JWT token for valid API credentials
// The token carries the user id and role resolved from the credentials
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	id, ok := s.lookup(creds)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	return s.IssueToken(creds.APIKey, id.userID, id.role)
}

// IssueToken signs a token for an already resolved identity
func (s *Service) IssueToken(clientID, userID, role string) (*TokenResponse, error) {
	now := time.Now()
	expiration := now.Add(s.tokenTTL)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   userID,
		},
		ClientID: clientID,
		UserID:   userID,
		Role:     role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
		UserID:     userID,
		Role:       role,
	}, nil
}

// ValidateToken validates a JWT token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	if claims.Role != types.RoleAdmin {
		claims.Role = types.RoleUser
	}
	return claims, nil
}

func (s *Service) lookup(creds Credentials) (identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, exists := s.apiCredentials[creds.APIKey]
	return id, exists && id.secret == creds.APISecret
}

// RegisterAPICredentials registers API credentials mapped to a user and role
func (s *Service) RegisterAPICredentials(apiKey, apiSecret, userID, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiCredentials[apiKey] = identity{secret: apiSecret, userID: userID, role: role}
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler handles POST requests to generate JWT tokens
// Request body should contain API credentials
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}
