package intent

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/atomicswap/internal/custody"
	"github.com/mbd888/atomicswap/internal/swap"
)

// sweepBatchSize bounds how many intents one tick expires.
const sweepBatchSize = 100

// Sweeper expires active intents whose timeout height has passed,
// releasing the maker's locked amount. The compare-and-swap in the store
// guarantees an intent is expired at most once even with a racing resolver
// or a second sweeper instance.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates an intent expiry sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop. Starting twice is a no-op.
func (w *Sweeper) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info("intent sweeper started", "interval", w.interval)
	go w.loop(ctx)
}

// Stop stops the sweeper and waits for the current sweep to finish. Safe to
// call without Start and safe to call twice.
func (w *Sweeper) Stop() {
	if !w.started.Load() {
		return
	}
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Sweeper) loop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.service.SweepExpired(ctx); err != nil {
				w.logger.Error("intent sweep failed", "error", err)
			}
		}
	}
}

// SweepExpired expires every active intent whose timeout has passed at the
// current height. Exported so tests and operators can trigger a sweep
// without waiting for a tick.
func (s *Service) SweepExpired(ctx context.Context) error {
	height, err := s.clock.CurrentHeight(ctx)
	if err != nil {
		return err
	}

	expirable, err := s.store.ListExpirable(ctx, height, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, si := range expirable {
		if err := s.expire(ctx, si); err != nil {
			s.logger.Error("intent expiry failed", "intent", si.Key, "error", err)
		}
	}
	return nil
}

func (s *Service) expire(ctx context.Context, si *swap.StoredSwapIntent) error {
	unlock, err := s.locks.Lock(ctx, si.Key.String())
	if err != nil {
		return err
	}
	defer unlock()

	err = s.store.Transition(ctx, si.Key, swap.IntentActive, swap.IntentExpired, "", swap.Hash{})
	if errors.Is(err, ErrIntentNotActive) {
		// Lost the race to a resolver or another sweeper.
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.funds.Release(ctx, custody.ReasonIntentAmount, si.Intent.Maker, si.Intent.SrcAmount); err != nil {
		s.logger.Error("CRITICAL: intent expired but hold release failed",
			"intent", si.Key, "maker", si.Intent.Maker, "error", err)
		return err
	}

	expiredTotal.Inc()
	s.logger.Info("swap intent expired",
		"intent", si.Key, "maker", si.Intent.Maker, "timeout_after", si.Intent.TimeoutAfterBlock)
	s.notifier.IntentExpired(ctx, ExpiredEvent{Key: si.Key})
	return nil
}
