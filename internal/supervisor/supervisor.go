// Package supervisor runs the periodic recovery sweep the queue itself
// never triggers: on a cron schedule it treats long-leased processing items
// as crashed workers and runs them through the queue's fail logic.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/tracefield/frontier/internal/common"
	"github.com/tracefield/frontier/internal/frontier"
)

// Supervisor periodically recovers stalled items and logs frontier stats.
type Supervisor struct {
	queue        *frontier.Queue
	cron         *cron.Cron
	stallTimeout time.Duration
	logger       arbor.ILogger
}

// New builds a supervisor from configuration. Start must be called to begin
// sweeping.
func New(queue *frontier.Queue, cfg *common.Config, logger arbor.ILogger) (*Supervisor, error) {
	stallTimeout, err := cfg.Queue.StallTimeoutDuration()
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		queue:        queue,
		cron:         cron.New(),
		stallTimeout: stallTimeout,
		logger:       logger,
	}
	if _, err := s.cron.AddFunc(cfg.Supervisor.Schedule, func() {
		s.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid supervisor schedule %q: %w", cfg.Supervisor.Schedule, err)
	}
	return s, nil
}

// Start begins the scheduled sweeps.
func (s *Supervisor) Start() {
	s.cron.Start()
	s.logger.Info().Str("stall_timeout", s.stallTimeout.String()).Msg("Frontier supervisor started")
}

// Stop halts scheduling and waits for an in-flight sweep to finish.
func (s *Supervisor) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Frontier supervisor stopped")
}

// RunOnce performs a single sweep: recover stalled items, then log a stats
// census. Errors are logged, not returned, so one bad sweep never kills the
// schedule.
func (s *Supervisor) RunOnce(ctx context.Context) {
	recovered, err := s.queue.RecoverStalled(ctx, s.stallTimeout)
	if err != nil {
		s.logger.Error().Err(err).Msg("Stall recovery sweep failed")
		return
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to compute frontier stats")
		return
	}
	s.logger.Debug().
		Int("recovered", recovered).
		Int("pending", stats.PendingItems).
		Int("processing", stats.ProcessingItems).
		Int("completed", stats.CompletedItems).
		Int("failed", stats.FailedItems).
		Msg("Supervisor sweep complete")
}
