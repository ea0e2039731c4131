package matching

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-engine/pkg/middleware"
	"github.com/ksred/klear-engine/pkg/response"
)

// Processor runs matching passes on a timer and on demand
type Processor struct {
	engine   *Engine
	interval time.Duration // zero disables the timer
	trigger  chan struct{}
}

// NewProcessor creates a processor running a matching pass every interval
func NewProcessor(engine *Engine, interval time.Duration) *Processor {
	return &Processor{
		engine:   engine,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a pass without blocking. Requests made while one is
// already queued are coalesced.
func (p *Processor) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Start runs the processing loop until ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "matching_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting matching processor")

	var tick <-chan time.Time
	if p.interval > 0 {
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down matching processor")
			return
		case <-tick:
		case <-p.trigger:
		}

		if _, err := p.engine.RunPass(ctx); err != nil {
			logger.Error().Err(err).Msg("matching pass failed")
		}
	}
}

// GinHandlers contains HTTP handlers for matching administration
type GinHandlers struct {
	engine *Engine
}

// NewGinHandlers creates the HTTP handlers for matching endpoints
func NewGinHandlers(engine *Engine) *GinHandlers {
	return &GinHandlers{engine: engine}
}

// RunHandler handles POST requests running a matching pass immediately
func (h *GinHandlers) RunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := middleware.ActorFrom(c)
		if err := actor.RequireAdmin(); err != nil {
			response.Handle(c, nil, err)
			return
		}

		result, err := h.engine.RunPass(c.Request.Context())
		if err == nil {
			log.Info().Str("actor_id", actor.ID).Int("fills", len(result.Fills)).Msg("matching pass run on request")
		}
		response.Handle(c, result, err)
	}
}
