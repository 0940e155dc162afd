package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs snapshot rounds at a fixed interval. A round that overruns
// its interval causes subsequent ticks to be skipped, not queued.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger

	cron    *cron.Cron
	running atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler builds a scheduler; Start begins ticking.
func NewScheduler(engine *Engine, interval time.Duration, log *slog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine:   engine,
		interval: interval,
		log:      log,
		cron:     cron.New(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules the periodic round.
func (s *Scheduler) Start() error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return err
	}
	s.cron.Start()
	s.log.Info("snapshot automation started", "interval", s.interval.String())
	return nil
}

// tick runs one round unless the previous one is still going.
func (s *Scheduler) tick() {
	if !s.running.CompareAndSwap(false, true) {
		s.log.Warn("snapshot round still running, skipping tick")
		return
	}
	defer s.running.Store(false)
	s.engine.SnapshotAll(s.ctx)
}

// Stop cancels the running round, stops ticking, and waits for the in-flight
// round to wind down.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
}
