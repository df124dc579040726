// Package scheduler is the execution queue coordinator: it keeps the
// persisted queue of template runs, executes due runs against the expense
// API, records outcomes in template history and reschedules.
//
// The engine has no loop of its own. Work happens only inside the calls
// below, driven by the master timer, API requests and the startup pass.
// Engine methods are serialized within a process; two processes sharing one
// store are last-writer-wins on the queue document.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"recurflow/internal/domain"
	"recurflow/internal/expense"
	"recurflow/internal/notify"
	"recurflow/internal/queue"
	"recurflow/internal/recurrence"
	"recurflow/internal/retry"
	"recurflow/internal/store"
	"recurflow/internal/templates"
	"recurflow/internal/timer"
)

var errAuthRequired = errors.New("authentication required")

type Config struct {
	MaxRetries   int
	Retention    time.Duration
	StartupGrace time.Duration
	HistoryLimit int
	TickPeriod   time.Duration
	Now          func() time.Time
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   3,
		Retention:    24 * time.Hour,
		StartupGrace: 5 * time.Minute,
		HistoryLimit: 50,
		TickPeriod:   timer.MinPeriod,
		Now:          time.Now,
	}
}

// Authenticator is the short-lived authentication cache. MarkInvalid
// records a rejection by the expense API for the cache TTL.
type Authenticator interface {
	Validate(ctx context.Context) bool
	MarkInvalid(ctx context.Context)
}

type Deps struct {
	Templates templates.Repository
	Store     store.KV
	Expenses  expense.Creator
	Notifier  notify.Dispatcher
	Auth      Authenticator
	Timer     timer.Host
}

type Engine struct {
	mu     sync.Mutex
	cfg    Config
	policy retry.Policy
	deps   Deps

	// authNotified is set once a pass has sent its auth notification.
	authNotified bool
}

func New(cfg Config, deps Deps) *Engine {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = def.StartupGrace
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = def.TickPeriod
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = cfg.MaxRetries
	return &Engine{cfg: cfg, policy: policy, deps: deps}
}

func (e *Engine) now() time.Time { return e.cfg.Now() }

// Initialize registers the master timer and runs the startup recovery pass.
// A timer registration failure is returned; the engine cannot run without it.
func (e *Engine) Initialize(ctx context.Context) error {
	if e.deps.Timer == nil {
		return errors.New("scheduler: no host timer configured")
	}
	m := timer.NewManager(e.deps.Timer, e.cfg.TickPeriod, func() { e.OnTimerFired(ctx) })
	if err := m.Initialize(); err != nil {
		return err
	}
	e.ProcessPendingOnStartup(ctx)
	log.Info().Dur("tick", m.Period()).Msg("scheduling engine initialized")
	return nil
}

func (e *Engine) ScheduleTemplate(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.schedule(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("template_id", id).Msg("failed to schedule template")
		return false
	}
	log.Info().Str("template_id", id).Time("next_run", next).Msg("template scheduled")
	return true
}

func (e *Engine) schedule(ctx context.Context, id string) (time.Time, error) {
	t, err := e.deps.Templates.Get(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	// A template that cannot be queued loses any entry it still has, so an
	// outdated rule never fires.
	if !t.SchedulingEnabled() || t.Scheduling.Paused {
		return time.Time{}, e.drop(ctx, id, fmt.Errorf("template %s: %w", id, domain.ErrNotEnabled))
	}
	next, ok := recurrence.Next(t.Scheduling, e.now())
	if !ok {
		err := e.drop(ctx, id, fmt.Errorf("template %s: %w", id, domain.ErrNoNextExecution))
		e.setNextExecution(ctx, id, nil)
		return time.Time{}, err
	}
	if err := e.enqueue(ctx, id, next); err != nil {
		return time.Time{}, err
	}
	e.setNextExecution(ctx, id, &next)
	return next, nil
}

func (e *Engine) UnscheduleTemplate(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.dequeue(ctx, id); err != nil {
		log.Error().Err(err).Str("template_id", id).Msg("failed to unschedule template")
		return false
	}
	log.Info().Str("template_id", id).Msg("template unscheduled")
	return true
}

func (e *Engine) PauseTemplate(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.dequeue(ctx, id); err != nil {
		log.Error().Err(err).Str("template_id", id).Msg("failed to pause template")
		return false
	}
	now := e.now()
	_, err := e.deps.Templates.Update(ctx, id, func(t *domain.Template) error {
		if t.Scheduling == nil {
			return fmt.Errorf("template %s: %w", id, domain.ErrNotEnabled)
		}
		t.Scheduling.Paused = true
		t.Scheduling.PausedAt = &now
		t.Scheduling.NextExecution = nil
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("template_id", id).Msg("failed to pause template")
		return false
	}
	log.Info().Str("template_id", id).Msg("template paused")
	return true
}

// ResumeTemplate clears the pause and re-enqueues the template if a next
// execution can be computed from the current rule.
func (e *Engine) ResumeTemplate(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		next time.Time
		ok   bool
	)
	now := e.now()
	_, err := e.deps.Templates.Update(ctx, id, func(t *domain.Template) error {
		if !t.SchedulingEnabled() {
			return fmt.Errorf("template %s: %w", id, domain.ErrNotEnabled)
		}
		t.Scheduling.Paused = false
		t.Scheduling.PausedAt = nil
		t.Scheduling.PauseReason = ""
		t.Scheduling.NextExecution = nil
		if next, ok = recurrence.Next(t.Scheduling, now); ok {
			t.Scheduling.NextExecution = &next
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("template_id", id).Msg("failed to resume template")
		return false
	}
	if ok {
		if err := e.enqueue(ctx, id, next); err != nil {
			log.Error().Err(err).Str("template_id", id).Msg("failed to resume template")
			return false
		}
	}
	log.Info().Str("template_id", id).Bool("queued", ok).Msg("template resumed")
	return true
}

// EnsureScheduled schedules every id that has no live queue entry and returns
// how many were added. A terminally failed entry counts as absent, so the
// template resumes its recurrence. Paused or disabled templates are skipped.
func (e *Engine) EnsureScheduled(ctx context.Context, ids []string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := queue.Load(ctx, e.deps.Store)
	if err != nil {
		log.Error().Err(err).Msg("failed to load execution queue")
		return 0
	}
	n := 0
	for _, id := range ids {
		if x, ok := q.ForTemplate(id); ok && x.Status != domain.QueueFailed {
			continue
		}
		if _, err := e.schedule(ctx, id); err != nil {
			if !errors.Is(err, domain.ErrNotEnabled) {
				log.Warn().Err(err).Str("template_id", id).Msg("could not schedule template")
			}
			continue
		}
		n++
	}
	return n
}

// Queue returns a snapshot of the persisted queue.
func (e *Engine) Queue(ctx context.Context) (queue.Queue, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return queue.Load(ctx, e.deps.Store)
}

func (e *Engine) enqueue(ctx context.Context, id string, at time.Time) error {
	q, err := queue.Load(ctx, e.deps.Store)
	if err != nil {
		return err
	}
	q.Replace(id, at)
	return queue.Save(ctx, e.deps.Store, q)
}

func (e *Engine) dequeue(ctx context.Context, id string) error {
	q, err := queue.Load(ctx, e.deps.Store)
	if err != nil {
		return err
	}
	if !q.Remove(id) {
		return nil
	}
	return queue.Save(ctx, e.deps.Store, q)
}

// drop removes id from the queue and returns cause, or the queue error if
// the removal failed.
func (e *Engine) drop(ctx context.Context, id string, cause error) error {
	if err := e.dequeue(ctx, id); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Engine) setNextExecution(ctx context.Context, id string, next *time.Time) {
	_, err := e.deps.Templates.Update(ctx, id, func(t *domain.Template) error {
		if t.Scheduling != nil {
			t.Scheduling.NextExecution = next
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("template_id", id).Msg("failed to persist next execution")
	}
}
