package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/buildpm/approval-engine/internal/application/dispatcher"
	appengine "github.com/buildpm/approval-engine/internal/application/engine"
	"github.com/buildpm/approval-engine/internal/application/port"
	"github.com/buildpm/approval-engine/internal/domain/entity"
	"github.com/buildpm/approval-engine/internal/domain/event"
)

// SweeperConfig holds deadline sweeper settings
type SweeperConfig struct {
	// Schedule is a cron expression for the sweep, e.g. "@every 1m"
	Schedule string

	// Grace is how long past the deadline escalation waits after reminders
	Grace time.Duration

	// ReminderCap bounds reminder notifications per step
	ReminderCap int

	// BatchSize bounds instances inspected per sweep
	BatchSize int
}

// DeadlineSweeper periodically inspects open step executions and produces
// reminder and escalation events. The tick handler is idempotent, so the
// sweep is safe to run from multiple replicas concurrently: a step that is
// no longer active is skipped by the engine's terminal-outcome check, not by
// scheduler-level mutual exclusion.
type DeadlineSweeper struct {
	instances  port.InstanceRepository
	steps      port.StepRepository
	templates  port.TemplateRepository
	engine     *appengine.Engine
	dispatcher dispatcher.Dispatcher
	logger     *zap.Logger

	config SweeperConfig
	now    func() time.Time

	mu        sync.Mutex
	cron      *cron.Cron
	isRunning bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewDeadlineSweeper creates a deadline sweeper
func NewDeadlineSweeper(
	instances port.InstanceRepository,
	steps port.StepRepository,
	templates port.TemplateRepository,
	engine *appengine.Engine,
	d dispatcher.Dispatcher,
	config SweeperConfig,
	logger *zap.Logger,
) *DeadlineSweeper {
	if config.Schedule == "" {
		config.Schedule = "@every 1m"
	}
	if config.ReminderCap <= 0 {
		config.ReminderCap = 3
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}

	return &DeadlineSweeper{
		instances:  instances,
		steps:      steps,
		templates:  templates,
		engine:     engine,
		dispatcher: d,
		config:     config,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the sweeper's time source for tests
func (s *DeadlineSweeper) WithClock(now func() time.Time) *DeadlineSweeper {
	s.now = now
	return s
}

// Start validates the schedule and begins sweeping
func (s *DeadlineSweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("deadline sweeper is already running")
	}

	if _, err := cron.ParseStandard(s.config.Schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.config.Schedule, err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.config.Schedule, func() { s.Sweep(s.ctx) }); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}
	s.cron.Start()
	s.isRunning = true

	s.logger.Info("DeadlineSweeper started",
		zap.String("schedule", s.config.Schedule),
		zap.Duration("grace", s.config.Grace),
		zap.Int("reminder_cap", s.config.ReminderCap),
		zap.Int("batch_size", s.config.BatchSize))

	return nil
}

// Stop halts the schedule and waits for a running sweep to finish
func (s *DeadlineSweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return
	}
	s.isRunning = false
	if s.cancel != nil {
		s.cancel()
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.logger.Info("DeadlineSweeper stopped")
}

// Name returns the worker name for identification
func (s *DeadlineSweeper) Name() string {
	return "DeadlineSweeper"
}

// Sweep runs one idempotent pass over RUNNING instances with elapsed
// deadlines. Past the deadline a reminder goes out until the cap; past the
// deadline plus grace, auto-skip and auto-reject policies escalate through
// the engine. Timeouts are data here - the sweep polls, nothing sleeps
// per-instance.
func (s *DeadlineSweeper) Sweep(ctx context.Context) {
	now := s.now()

	due, err := s.instances.ListRunningDueBefore(ctx, now, s.config.BatchSize)
	if err != nil {
		s.logger.Error("Failed to list due instances", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	var reminded, escalated int
	for _, instance := range due {
		step, err := s.steps.Get(ctx, instance.ID, instance.Cycle(), instance.CurrentPosition)
		if err != nil {
			s.logger.Warn("Failed to load active step",
				zap.Int64("instance_id", instance.ID),
				zap.Error(err))
			continue
		}
		if step == nil || step.IsDecided() || step.DeadlineAt == nil || now.Before(*step.DeadlineAt) {
			continue
		}

		tmpl, err := s.templates.GetByID(ctx, instance.TemplateID)
		if err != nil || tmpl == nil {
			s.logger.Warn("Failed to load template",
				zap.Int64("instance_id", instance.ID),
				zap.Int64("template_id", instance.TemplateID),
				zap.Error(err))
			continue
		}
		def := tmpl.StepAt(step.Position)
		if def == nil {
			continue
		}

		overdue := now.Sub(*step.DeadlineAt)
		autoEscalates := def.Escalation == entity.EscalationAutoSkip || def.Escalation == entity.EscalationAutoReject

		if overdue >= s.config.Grace && autoEscalates {
			if err := s.engine.Escalate(ctx, instance.ID, step.Position); err != nil {
				s.logger.Error("Escalation failed",
					zap.Int64("instance_id", instance.ID),
					zap.Int("step_position", step.Position),
					zap.Error(err))
				continue
			}
			escalated++
			continue
		}

		if step.ReminderCount >= s.config.ReminderCap {
			continue
		}
		if err := s.steps.IncrementReminder(ctx, step.ID); err != nil {
			s.logger.Warn("Failed to record reminder",
				zap.Int64("step_id", step.ID),
				zap.Error(err))
			continue
		}
		s.dispatcher.DispatchAsync(ctx, event.NewEvent(event.TypeStepReminder, instance.ID, instance.RequestID, map[string]interface{}{
			"step_position": step.Position,
			"approver_id":   step.ApproverID,
			"deadline_at":   step.DeadlineAt.Format(time.RFC3339),
		}))
		reminded++
	}

	s.logger.Info("Deadline sweep completed",
		zap.Int("scanned", len(due)),
		zap.Int("reminded", reminded),
		zap.Int("escalated", escalated))
}
