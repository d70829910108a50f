// Package trigger fires cron-scheduled goals as root jobs.
// It polls the trigger store for due entries and submits each goal through
// the same path as a user message, so triggered jobs are indistinguishable
// from interactive ones once submitted.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jkaninda/chorus/internal/config"
	"github.com/jkaninda/chorus/internal/domain"
)

// Store is the persistence interface for triggers.
type Store interface {
	CreateTrigger(ctx context.Context, t *domain.Trigger) error
	GetTrigger(ctx context.Context, id string) (*domain.Trigger, error)
	GetTriggerByName(ctx context.Context, name string) (*domain.Trigger, error)
	ListTriggers(ctx context.Context) ([]domain.Trigger, error)
	UpdateTrigger(ctx context.Context, t *domain.Trigger) error
	DeleteTrigger(ctx context.Context, id string) error
	DueTriggers(ctx context.Context, now time.Time) ([]domain.Trigger, error)
	RecordRun(ctx context.Context, id, jobID string, nextRunAt time.Time, errMsg string) error
}

// Submitter starts a root job for a message. The orchestrator engine and
// the redis queue producer both satisfy it.
type Submitter interface {
	Submit(ctx context.Context, msg domain.ChatMessage) (string, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun parses expr and returns the first activation after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

// Scheduler polls for due triggers and submits their goals.
type Scheduler struct {
	store     Store
	submitter Submitter
	metrics   *Metrics
	logger    *slog.Logger
	config    *config.TriggersConfig
	now       func() time.Time
}

// New creates a Scheduler.
func New(store Store, submitter Submitter, metrics *Metrics, logger *slog.Logger, cfg *config.TriggersConfig) *Scheduler {
	return &Scheduler{
		store:     store,
		submitter: submitter,
		metrics:   metrics,
		logger:    logger,
		config:    cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Register validates t, computes its next run and stores it.
func (s *Scheduler) Register(ctx context.Context, t *domain.Trigger) error {
	next, err := NextRun(t.CronExpression, s.now())
	if err != nil {
		return err
	}
	now := s.now()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.NextRunAt = &next
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return fmt.Errorf("registering trigger %s: %w", t.Name, err)
	}
	return nil
}

// Sync makes the stored triggers match the ones declared in the config.
// Triggers are matched by name; a changed schedule resets the next run.
func (s *Scheduler) Sync(ctx context.Context, specs []config.TriggerSpec) error {
	for _, spec := range specs {
		existing, err := s.store.GetTriggerByName(ctx, spec.Name)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("looking up trigger %s: %w", spec.Name, err)
		}
		if existing == nil {
			t := &domain.Trigger{
				Name:           spec.Name,
				CronExpression: spec.Cron,
				Goal:           spec.Goal,
				Context:        spec.Context,
				SessionID:      spec.SessionID,
				Enabled:        !spec.Disabled,
			}
			if err := s.Register(ctx, t); err != nil {
				return err
			}
			continue
		}

		if existing.CronExpression != spec.Cron {
			next, err := NextRun(spec.Cron, s.now())
			if err != nil {
				return err
			}
			existing.NextRunAt = &next
		}
		existing.CronExpression = spec.Cron
		existing.Goal = spec.Goal
		existing.Context = spec.Context
		existing.SessionID = spec.SessionID
		existing.Enabled = !spec.Disabled
		existing.UpdatedAt = s.now()
		if err := s.store.UpdateTrigger(ctx, existing); err != nil {
			return fmt.Errorf("updating trigger %s: %w", spec.Name, err)
		}
	}
	return nil
}

// Start begins the poll loop. Returns a cancel function.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		s.logger.InfoContext(ctx, "trigger scheduler started",
			slog.String("poll_interval", s.config.PollInterval().String()),
			slog.Int("max_concurrent", s.config.Concurrency()),
		)

		s.recoverMissed(ctx)

		ticker := time.NewTicker(s.config.PollInterval())
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("trigger scheduler stopped")
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()

	return cancel
}

// tick runs a single poll cycle: find due triggers, fire them, record results.
func (s *Scheduler) tick(ctx context.Context) {
	start := time.Now()

	due, err := s.store.DueTriggers(ctx, s.now())
	if err != nil {
		s.logger.ErrorContext(ctx, "polling due triggers failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(due) > 0 {
		s.logger.InfoContext(ctx, "triggers due", slog.Int("count", len(due)))
		s.fireAll(ctx, due)
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Observe(time.Since(start).Seconds())
	}
}

func (s *Scheduler) fireAll(ctx context.Context, due []domain.Trigger) {
	sem := make(chan struct{}, s.config.Concurrency())
	var wg sync.WaitGroup
	for i := range due {
		sem <- struct{}{}
		wg.Add(1)
		go func(t domain.Trigger) {
			defer wg.Done()
			defer func() { <-sem }()
			s.fire(ctx, &t)
		}(due[i])
	}
	wg.Wait()
}

// RunNow fires the named trigger outside its schedule and returns the
// submitted job id. The next scheduled run is recomputed from now.
func (s *Scheduler) RunNow(ctx context.Context, name string) (string, error) {
	t, err := s.store.GetTriggerByName(ctx, name)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, t)
}

// List returns every stored trigger.
func (s *Scheduler) List(ctx context.Context) ([]domain.Trigger, error) {
	return s.store.ListTriggers(ctx)
}

// fire submits a single trigger's goal and records the result.
func (s *Scheduler) fire(ctx context.Context, t *domain.Trigger) (string, error) {
	s.logger.InfoContext(ctx, "firing trigger",
		slog.String("trigger_id", t.ID),
		slog.String("name", t.Name),
	)
	if s.metrics != nil {
		s.metrics.Fired.Inc()
	}

	sessionID := t.SessionID
	if sessionID == "" {
		sessionID = "trigger:" + t.Name
	}
	jobID, err := s.submitter.Submit(ctx, domain.ChatMessage{
		SessionID: sessionID,
		Content:   t.Goal,
		Context:   t.Context,
	})

	var errMsg string
	if err != nil {
		errMsg = err.Error()
		s.logger.ErrorContext(ctx, "trigger submission failed",
			slog.String("trigger_id", t.ID),
			slog.String("error", errMsg),
		)
		if s.metrics != nil {
			s.metrics.Failed.Inc()
		}
	} else if s.metrics != nil {
		s.metrics.Succeeded.Inc()
	}

	next := s.nextRun(t.CronExpression)
	if recordErr := s.store.RecordRun(ctx, t.ID, jobID, next, errMsg); recordErr != nil {
		s.logger.ErrorContext(ctx, "failed to record trigger run",
			slog.String("trigger_id", t.ID),
			slog.String("error", recordErr.Error()),
		)
	}
	return jobID, err
}

// recoverMissed fires triggers that came due while the process was down,
// skipping those missed by more than the configured window.
func (s *Scheduler) recoverMissed(ctx context.Context) {
	now := s.now()
	window := now.Add(-s.config.MissedWindow())

	due, err := s.store.DueTriggers(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to recover missed triggers",
			slog.String("error", err.Error()),
		)
		return
	}

	var fire []domain.Trigger
	var skipped int
	for _, t := range due {
		if t.NextRunAt != nil && t.NextRunAt.Before(window) {
			_ = s.store.RecordRun(ctx, t.ID, "", s.nextRun(t.CronExpression), "skipped: outside missed window")
			if s.metrics != nil {
				s.metrics.Missed.Inc()
			}
			skipped++
			continue
		}
		fire = append(fire, t)
	}
	s.fireAll(ctx, fire)

	if len(fire) > 0 || skipped > 0 {
		s.logger.InfoContext(ctx, "recovered missed triggers",
			slog.Int("fired", len(fire)),
			slog.Int("skipped", skipped),
		)
	}
}

func (s *Scheduler) nextRun(expr string) time.Time {
	next, err := NextRun(expr, s.now())
	if err != nil {
		s.logger.Error("invalid cron expression", slog.String("expr", expr), slog.String("error", err.Error()))
		return s.now().Add(24 * time.Hour)
	}
	return next
}
