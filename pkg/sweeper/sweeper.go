// Package sweeper runs the periodic background maintenance: purging
// conversations past retention and evicting idle rate-limit windows.
package sweeper

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tinyland-inc/drumline/pkg/logger"
	"github.com/tinyland-inc/drumline/pkg/ratelimit"
	"github.com/tinyland-inc/drumline/pkg/store"
)

type Sweeper struct {
	store         store.ContextStore
	limiters      []*ratelimit.Limiter
	retention     time.Duration
	purgeSchedule string
	gron          *gronx.Gronx
	now           func() time.Time
}

func New(s store.ContextStore, retention time.Duration, purgeSchedule string, limiters ...*ratelimit.Limiter) *Sweeper {
	return &Sweeper{
		store:         s,
		limiters:      limiters,
		retention:     retention,
		purgeSchedule: purgeSchedule,
		gron:          gronx.New(),
		now:           time.Now,
	}
}

// Run ticks once a minute until ctx is canceled. Limiter windows are
// swept every tick; the retention purge fires when the cron expression
// is due.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	now := s.now()
	for _, l := range s.limiters {
		l.Sweep(now)
	}

	if s.retention <= 0 || s.purgeSchedule == "" {
		return
	}
	due, err := s.gron.IsDue(s.purgeSchedule, now)
	if err != nil {
		logger.WarnCF("sweeper", "Invalid purge schedule", map[string]any{
			"schedule": s.purgeSchedule,
			"error":    err.Error(),
		})
		return
	}
	if !due {
		return
	}
	s.Purge(ctx)
}

// Purge removes conversations older than the retention window.
func (s *Sweeper) Purge(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.retention)
	removed, err := s.store.PurgeConversations(ctx, cutoff)
	if err != nil {
		logger.ErrorCF("sweeper", "Retention purge failed", map[string]any{
			"error": err.Error(),
		})
		return
	}
	logger.InfoCF("sweeper", "Retention purge complete", map[string]any{
		"removed": removed,
		"cutoff":  cutoff.Format(time.RFC3339),
	})
}
