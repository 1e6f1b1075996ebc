package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tandemhq/tandem/internal/store"
	"github.com/tandemhq/tandem/pkg/schema"
)

// RunStarter is the interface the scheduler uses to start workflow runs.
// Satisfied by engine.Runtime (avoids import cycle).
type RunStarter interface {
	Start(ctx context.Context, workflowID string, opts schema.StartOptions) (*store.Execution, error)
}

// Scheduler polls the store for due scheduled triggers and starts runs.
type Scheduler struct {
	store  store.Store
	runner RunStarter
	parser cron.Parser
	logger *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // trigger IDs currently firing (dedup)
}

// NewScheduler creates a new Scheduler.
func NewScheduler(s store.Store, runner RunStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick checks all enabled triggers and fires those that are due.
func (s *Scheduler) Tick(ctx context.Context) {
	triggers, err := s.store.ListScheduledTriggers(ctx, true)
	if err != nil {
		s.logger.Error("failed to list scheduled triggers", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, trig := range triggers {
		if trig.NextRunAt == nil || !trig.NextRunAt.After(now) {
			if !s.tryAcquire(trig.ID) {
				continue // already firing (dedup)
			}
			if err := s.fire(ctx, trig, now); err != nil {
				s.logger.Error("failed to fire scheduled trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(trig.ID)
		}
	}
}

// fire starts one run for a due trigger and advances its timestamps.
func (s *Scheduler) fire(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) error {
	s.logger.Info("firing scheduled trigger",
		slog.String("trigger_id", trig.ID),
		slog.String("workflow_id", trig.WorkflowID),
	)

	_, err := s.runner.Start(ctx, trig.WorkflowID, schema.StartOptions{
		TriggerData: map[string]any{
			"scheduled":  true,
			"trigger_id": trig.ID,
			"fired_at":   now.Format(time.RFC3339),
		},
		Actor: "scheduler",
	})
	if err != nil {
		// A run already in flight is expected when a workflow outlasts its
		// interval; the schedule still advances.
		if schema.IsCode(err, schema.ErrCodeConcurrentExecution) {
			s.logger.Warn("scheduled run skipped, workflow already running",
				slog.String("trigger_id", trig.ID),
				slog.String("workflow_id", trig.WorkflowID),
			)
		} else {
			s.logger.Error("scheduled run failed to start",
				slog.String("trigger_id", trig.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	return s.advance(ctx, trig, now)
}

func (s *Scheduler) advance(ctx context.Context, trig *store.ScheduledTrigger, now time.Time) error {
	nextRun, err := s.CalculateNextRun(trig.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for trigger %q: %w", trig.ID, err)
	}

	return s.store.UpdateScheduledTrigger(ctx, trig.ID, store.ScheduledTriggerUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// tryAcquire returns true and marks the trigger in-flight if it is not already firing.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

// release removes the trigger from the in-flight set.
func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires triggers whose next_run_at passed while the process
// was down, once each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	triggers, err := s.store.ListScheduledTriggers(ctx, true)
	if err != nil {
		return fmt.Errorf("list missed triggers: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, trig := range triggers {
		if trig.NextRunAt != nil && trig.NextRunAt.Before(now) {
			if !s.tryAcquire(trig.ID) {
				continue
			}
			if err := s.fire(ctx, trig, now); err != nil {
				s.logger.Error("failed to recover missed trigger",
					slog.String("trigger_id", trig.ID),
					slog.String("error", err.Error()),
				)
				s.release(trig.ID)
				continue
			}
			s.release(trig.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed triggers", slog.Int("count", recovered))
	}
	return nil
}
