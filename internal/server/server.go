package server

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ksred/klear-engine/internal/audit"
	"github.com/ksred/klear-engine/internal/auth"
	"github.com/ksred/klear-engine/internal/config"
	"github.com/ksred/klear-engine/internal/events"
	"github.com/ksred/klear-engine/internal/idempotency"
	"github.com/ksred/klear-engine/internal/intervention"
	"github.com/ksred/klear-engine/internal/ledger"
	"github.com/ksred/klear-engine/internal/market"
	"github.com/ksred/klear-engine/internal/matching"
	"github.com/ksred/klear-engine/internal/metrics"
	"github.com/ksred/klear-engine/internal/rules"
	"github.com/ksred/klear-engine/internal/settlement"
	"github.com/ksred/klear-engine/internal/trading"
	"github.com/ksred/klear-engine/internal/types"
	"github.com/ksred/klear-engine/pkg/middleware"
)

// DemoTraders is the number of trader credentials registered outside
// production: trader-N-key / trader-N-secret for user trader-N
const DemoTraders = 5

// Server holds the wired engine: services, background processors and the
// HTTP router
type Server struct {
	Router *gin.Engine
	Auth   *auth.Service
	DB     *gorm.DB

	engine    *matching.Engine
	matching  *matching.Processor
	unlock    *settlement.Processor
	publisher events.Publisher
	redis     *redis.Client
}

// New wires every service over db. Background processors are started
// separately with Start.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB) (*Server, error) {
	if cfg.Trading.SeedDefaultRules {
		if err := rules.SeedDefaults(ctx, db); err != nil {
			return nil, err
		}
	}

	metrics.Register()

	s := &Server{DB: db}
	s.publisher = newPublisher(cfg)
	idem := s.newIdempotencyStore(ctx, cfg, db)
	calendar := market.NewCalendar(market.DefaultSegments(), cfg.Trading.AlwaysOpen)

	// Initialize services and handlers
	s.Auth = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	registerCredentials(cfg, s.Auth)

	ruleService := rules.NewService(db)
	settler := settlement.NewSettler(db, calendar, cfg.Trading.SettleMaxRetries)

	engine, err := matching.NewEngine(db, settler, ruleService.Store(), cfg.Trading.MatchingWorkers)
	if err != nil {
		return nil, fmt.Errorf("failed to create matching engine: %w", err)
	}
	s.engine = engine.WithPublisher(s.publisher)
	s.matching = matching.NewProcessor(engine, cfg.Trading.MatchingInterval)
	s.unlock = settlement.NewProcessor(ledger.New(db), cfg.Trading.UnlockInterval)
	if records, ok := idem.(*idempotency.GormStore); ok {
		s.unlock.WithPurger(records)
	}

	tradingService := trading.NewService(db, ruleService.Store(), calendar, idem).
		WithIdempotencyTTL(cfg.Trading.IdempotencyTTL).
		WithPublisher(s.publisher)
	if cfg.Trading.MatchOnSubmit {
		tradingService.WithMatchTrigger(s.matching.Trigger)
	}
	interventionService := intervention.NewService(db, settler).WithPublisher(s.publisher)

	s.Router = gin.New()
	s.Router.Use(gin.Recovery(), middleware.RequestLogger())
	setupRoutes(s.Router, s.Auth, routeHandlers{
		auth:         auth.NewGinHandlers(s.Auth),
		trading:      trading.NewGinHandlers(tradingService),
		rules:        rules.NewGinHandlers(ruleService),
		matching:     matching.NewGinHandlers(engine),
		intervention: intervention.NewGinHandlers(interventionService),
		audit:        audit.NewGinHandlers(audit.NewService(db)),
	})

	return s, nil
}

// Start launches the matching and unlock processors; they stop with ctx
func (s *Server) Start(ctx context.Context) {
	go s.unlock.Start(ctx)
	go s.matching.Start(ctx)
}

// Close releases the worker pool and outbound connections
func (s *Server) Close() {
	s.engine.Close()
	if err := s.publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close event publisher")
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close redis client")
		}
	}
}

func newPublisher(cfg *config.Config) events.Publisher {
	if len(cfg.Kafka.Brokers) == 0 {
		return events.NopPublisher{}
	}
	log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing engine events to Kafka")
	return events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
}

func (s *Server) newIdempotencyStore(ctx context.Context, cfg *config.Config, db *gorm.DB) idempotency.Store {
	if cfg.Redis.Addr == "" {
		return idempotency.NewGormStore(db, "order")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("redis unreachable, keeping idempotency records in the database")
		_ = client.Close()
		return idempotency.NewGormStore(db, "order")
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("using redis for idempotency records")
	s.redis = client
	return idempotency.NewRedisStore(client, "klear")
}

func registerCredentials(cfg *config.Config, authService *auth.Service) {
	authService.RegisterAPICredentials(cfg.Auth.AdminAPIKey, cfg.Auth.AdminAPISecret, "admin", types.RoleAdmin)
	if cfg.Production() {
		return
	}
	// Register test credentials
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestUserID, types.RoleUser)
	for i := 1; i <= DemoTraders; i++ {
		id := fmt.Sprintf("trader-%d", i)
		authService.RegisterAPICredentials(id+"-key", id+"-secret", id, types.RoleUser)
	}
}

type routeHandlers struct {
	auth         *auth.GinHandlers
	trading      *trading.GinHandlers
	rules        *rules.GinHandlers
	matching     *matching.GinHandlers
	intervention *intervention.GinHandlers
	audit        *audit.GinHandlers
}

// setupRoutes configures all API endpoints and their handlers
// - Auth routes: public endpoint exchanging API credentials for a token
// - Order and account routes: any authenticated user
// - Admin routes: authenticated users holding the admin role
func setupRoutes(router *gin.Engine, authService *auth.Service, h routeHandlers) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		authGroup.Use(middleware.RateLimit())
		{
			authGroup.POST("/token", h.auth.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			orders.POST("", h.trading.CreateOrderHandler())
			orders.GET("/:order_id", h.trading.GetOrderStatusHandler())
			orders.POST("/:order_id/cancel", h.trading.CancelOrderHandler())
		}

		v1.GET("/account", middleware.JWTAuth(authService), middleware.RateLimit(), h.trading.GetAccountHandler())

		// Admin routes
		admin := v1.Group("/admin")
		admin.Use(middleware.JWTAuth(authService), middleware.RequireAdmin(), middleware.RateLimit())
		{
			admin.POST("/orders/:order_id/review", h.trading.ReviewOrderHandler())
			admin.POST("/matching/run", h.matching.RunHandler())
			admin.POST("/interventions", h.intervention.InterveneHandler())
			admin.PUT("/rules/:class", h.rules.UpdateRuleHandler())
			admin.GET("/rules", h.rules.ListRulesHandler())
			admin.POST("/funds", h.intervention.AdjustFundsHandler())
			admin.POST("/liquidations", h.intervention.LiquidateHandler())
			admin.GET("/audit-logs", h.audit.ListHandler())
		}
	}
}
