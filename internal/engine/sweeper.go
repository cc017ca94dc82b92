package engine

import (
	"context"
	"time"

	"github.com/tmarkov/exchange/internal/store"

	"go.uber.org/zap"
)

// Sweeper periodically purges expired resting orders. Matching already
// excludes expired orders via the expires_at filter; sweeping only bounds
// storage growth and scan cost, so correctness never depends on it.
type Sweeper struct {
	store    store.Store
	log      *zap.Logger
	clock    Clock
	interval time.Duration
}

// NewSweeper creates a sweeper that purges on the given interval.
func NewSweeper(st store.Store, log *zap.Logger, interval time.Duration) *Sweeper {
	return &Sweeper{store: st, log: log, clock: realClock{}, interval: interval}
}

// Start launches the sweep loop in a goroutine. It stops when ctx is
// cancelled. A non-positive interval disables sweeping.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Sweep deletes all orders whose expiry has passed.
func (s *Sweeper) Sweep(ctx context.Context) {
	purged, err := s.store.DeleteExpiredOrders(ctx, s.clock.Now().UTC())
	if err != nil {
		s.log.Warn("expired order sweep failed", zap.Error(err))
		return
	}
	if purged > 0 {
		s.log.Info("purged expired orders", zap.Int64("count", purged))
	}
}
