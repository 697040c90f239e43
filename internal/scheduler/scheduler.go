// Package scheduler runs the recurring profit accrual scan. The scan loop
// is single-threaded; individual position credits are dispatched to a
// bounded worker pool. An in-flight set makes overlapping ticks skip busy
// positions instead of blocking behind them, and a per-tick soft deadline
// defers unreached positions to the next tick.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"usdt-mining-bot/internal/config"
	"usdt-mining-bot/internal/model"
	"usdt-mining-bot/internal/service"
)

// AccrualSource is what the scheduler drives: the active position scan and
// the per-position credit step.
type AccrualSource interface {
	ListActivePositions(ctx context.Context) ([]*model.MiningPosition, error)
	AccruePosition(ctx context.Context, positionID int64, now time.Time) error
}

// Scheduler owns its own lifecycle: Start launches the tick loop, Stop
// signals it and waits for the in-flight tick to drain.
type Scheduler struct {
	source       AccrualSource
	interval     time.Duration
	tickDeadline time.Duration
	workers      int
	maxRetries   uint64

	inflight sync.Map // map[int64]struct{}, position ids being processed
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a Scheduler around the given accrual source.
func New(source AccrualSource, cfg config.SchedulerConfig) *Scheduler {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	tickDeadline := cfg.TickDeadline
	if tickDeadline <= 0 || tickDeadline > interval {
		tickDeadline = interval
	}

	return &Scheduler{
		source:       source,
		interval:     interval,
		tickDeadline: tickDeadline,
		workers:      workers,
		maxRetries:   cfg.MaxRetries,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the tick loop in a background goroutine.
func (s *Scheduler) Start() {
	go s.run()
	log.Info().
		Dur("interval", s.interval).
		Int("workers", s.workers).
		Msg("Profit scheduler started")
}

// Stop signals the loop and waits for the current tick to finish.
// Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
	log.Info().Msg("Profit scheduler stopped")
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.RunTick(context.Background(), time.Now())
		}
	}
}

// RunTick performs one accrual scan. Exported so the admin command can
// trigger a run outside the timer. Concurrent ticks are safe: a position
// already being processed is skipped, and the period arithmetic in the
// credit step guarantees at-most-once crediting regardless.
func (s *Scheduler) RunTick(ctx context.Context, now time.Time) {
	tickCtx, cancel := context.WithTimeout(ctx, s.tickDeadline)
	defer cancel()

	positions, err := s.source.ListActivePositions(tickCtx)
	if err != nil {
		log.Error().Err(err).Msg("Profit scan failed to list active positions")
		return
	}

	start := time.Now()
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for i, position := range positions {
		if tickCtx.Err() != nil {
			log.Warn().
				Int("deferred", len(positions)-i).
				Msg("Tick deadline reached, deferring remaining positions")
			break
		}

		if _, busy := s.inflight.LoadOrStore(position.ID, struct{}{}); busy {
			// A previous tick is still working on this position.
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-tickCtx.Done():
			s.inflight.Delete(position.ID)
			continue
		}

		wg.Add(1)
		go func(positionID int64) {
			defer func() {
				s.inflight.Delete(positionID)
				<-sem
				wg.Done()
			}()
			s.accrueWithRetry(tickCtx, positionID, now)
		}(position.ID)
	}

	wg.Wait()
	log.Debug().
		Int("positions", len(positions)).
		Dur("elapsed", time.Since(start)).
		Msg("Profit scan finished")
}

// accrueWithRetry retries transient failures with exponential backoff.
// One position's failure never aborts the rest of the scan; the position
// is simply retried on the next tick. Invariant violations are permanent:
// they need an operator, not a retry.
func (s *Scheduler) accrueWithRetry(ctx context.Context, positionID int64, now time.Time) {
	operation := func() error {
		err := s.source.AccruePosition(ctx, positionID, now)
		if err == nil {
			return nil
		}
		if errors.Is(err, service.ErrInvariantViolation) || errors.Is(err, service.ErrPositionNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries),
		ctx,
	)
	if err := backoff.Retry(operation, policy); err != nil {
		log.Error().
			Err(err).
			Int64("position_id", positionID).
			Msg("Position accrual failed, will retry next tick")
	}
}
