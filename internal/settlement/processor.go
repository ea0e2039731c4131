package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-engine/internal/ledger"
)

// Purger drops expired records; the processor runs it on every sweep
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

// Processor releases T+1 position locks once their date has passed
type Processor struct {
	ledger       *ledger.Ledger
	purger       Purger
	processDelay time.Duration // Time between unlock sweeps
	now          func() time.Time
}

// NewProcessor creates an unlock processor sweeping every interval
func NewProcessor(l *ledger.Ledger, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		ledger:       l,
		processDelay: interval,
		now:          time.Now,
	}
}

// WithPurger adds a housekeeping purge to every sweep
func (p *Processor) WithPurger(purger Purger) *Processor {
	p.purger = purger
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Start begins the unlock loop and blocks until ctx is done
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "unlock_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting unlock processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down unlock processor")
			return
		case <-ticker.C:
			if _, err := p.ProcessDue(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to release position locks")
			}
		}
	}
}

// ProcessDue runs one sweep and returns the number of positions unlocked
func (p *Processor) ProcessDue(ctx context.Context) (int, error) {
	released, err := p.ledger.UnlockExpired(ctx, p.now())
	if released > 0 {
		log.Info().
			Str("component", "unlock_processor").
			Int("positions", released).
			Msg("released T+1 position locks")
	}
	if err != nil || p.purger == nil {
		return released, err
	}

	purged, err := p.purger.Purge(ctx)
	if err != nil {
		return released, fmt.Errorf("failed to purge expired records: %w", err)
	}
	if purged > 0 {
		log.Debug().
			Str("component", "unlock_processor").
			Int64("records", purged).
			Msg("purged expired records")
	}
	return released, nil
}
