package session

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/dschat/internal/observability"
)

// Sweeper expires idle sessions on a cron schedule
type Sweeper struct {
	store    *Store
	ttl      time.Duration
	schedule string
	cron     *cron.Cron
	logger   zerolog.Logger
}

// SweeperOptions configures a Sweeper
type SweeperOptions struct {
	Store    *Store
	TTL      time.Duration
	Schedule string
	Logger   zerolog.Logger
}

// NewSweeper creates a sweeper. A zero TTL disables expiry entirely;
// Start then becomes a no-op.
func NewSweeper(opts SweeperOptions) (*Sweeper, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 5m"
	}

	return &Sweeper{
		store:    opts.Store,
		ttl:      opts.TTL,
		schedule: opts.Schedule,
		logger:   opts.Logger,
	}, nil
}

// Start begins the sweep schedule
func (sw *Sweeper) Start() error {
	if sw.ttl <= 0 {
		sw.logger.Debug().Msg("Session expiry disabled")
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(sw.schedule, sw.sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", sw.schedule, err)
	}
	c.Start()
	sw.cron = c

	sw.logger.Info().
		Str("schedule", sw.schedule).
		Dur("ttl", sw.ttl).
		Msg("Session sweeper started")
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (sw *Sweeper) Stop() {
	if sw.cron == nil {
		return
	}
	ctx := sw.cron.Stop()
	<-ctx.Done()
	sw.cron = nil
}

func (sw *Sweeper) sweep() {
	cutoff := time.Now().UTC().Add(-sw.ttl)
	expired := sw.store.ExpireIdle(context.Background(), cutoff)
	if expired > 0 {
		observability.RecordSessionsExpired(expired)
		sw.logger.Info().
			Int("expired", expired).
			Time("cutoff", cutoff).
			Msg("Expired idle sessions")
	}
}
