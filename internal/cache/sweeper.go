package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/osprey-sec/enrichd/internal/metrics"
)

// Sweeper periodically evicts records past their hard expiry. Retention keeps
// expired records around for a grace window so stale reads used for graceful
// degradation still find them.
type Sweeper struct {
	store     Store
	interval  time.Duration
	retention time.Duration
	logger    *slog.Logger
	stop      chan struct{}
}

// NewSweeper creates a cache sweeper.
// interval is typically 5 minutes in production; retention defaults to 24h
// when zero.
func NewSweeper(store Store, interval, retention time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: retention,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)
	removed, err := s.store.Sweep(ctx, cutoff)
	if err != nil {
		s.logger.Warn("cache sweep failed", "error", err)
		return
	}
	if removed > 0 {
		metrics.CacheEvictionsTotal.Add(float64(removed))
		s.logger.Info("cache sweep evicted records", "count", removed)
	}
}
