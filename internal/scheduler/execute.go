package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"recurflow/internal/domain"
	"recurflow/internal/expense"
	"recurflow/internal/notify"
	"recurflow/internal/queue"
	"recurflow/internal/recurrence"
	"recurflow/internal/retry"
)

// OnTimerFired runs every pending entry whose time has come.
func (e *Engine) OnTimerFired(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	q, err := queue.Load(ctx, e.deps.Store)
	if err != nil {
		log.Error().Err(err).Msg("timer pass aborted")
		return
	}
	due := q.PendingDue(now)
	if len(due) > 0 {
		log.Info().Int("due", len(due)).Msg("processing due executions")
	}
	e.run(ctx, &q, due)
	e.finish(ctx, &q)
}

// ProcessPendingOnStartup runs entries that are overdue by more than the
// startup grace period. Entries left in processing by an interrupted run are
// returned to pending first.
func (e *Engine) ProcessPendingOnStartup(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()

	q, err := queue.Load(ctx, e.deps.Store)
	if err != nil {
		log.Error().Err(err).Msg("startup pass aborted")
		return
	}
	recovered := 0
	for i := range q.Executions {
		if q.Executions[i].Status == domain.QueueProcessing {
			q.Executions[i].Status = domain.QueuePending
			recovered++
		}
	}
	if recovered > 0 {
		log.Warn().Int("count", recovered).Msg("recovered interrupted executions")
	}

	cutoff := e.now().Add(-e.cfg.StartupGrace)
	var due []string
	for _, x := range q.Executions {
		if x.Status == domain.QueuePending && x.ScheduledAt.Before(cutoff) {
			due = append(due, x.ID)
		}
	}
	if len(due) == 0 && recovered == 0 {
		return
	}
	log.Info().Int("overdue", len(due)).Msg("processing missed executions")
	e.run(ctx, &q, due)
	e.finish(ctx, &q)
}

func (e *Engine) run(ctx context.Context, q *queue.Queue, ids []string) {
	e.authNotified = false
	for _, id := range ids {
		if ctx.Err() != nil {
			return
		}
		e.process(ctx, q, id)
		if err := queue.Save(ctx, e.deps.Store, *q); err != nil {
			log.Error().Err(err).Str("execution_id", id).Msg("failed to persist queue")
		}
	}
}

func (e *Engine) finish(ctx context.Context, q *queue.Queue) {
	now := e.now()
	if n := q.PruneCompleted(now.Add(-e.cfg.Retention)); n > 0 {
		log.Debug().Int("count", n).Msg("pruned completed executions")
	}
	q.LastProcessed = now
	if err := queue.Save(ctx, e.deps.Store, *q); err != nil {
		log.Error().Err(err).Msg("failed to persist queue")
	}
}

// process executes one queued entry and applies its outcome to q.
func (e *Engine) process(ctx context.Context, q *queue.Queue, id string) {
	x, ok := q.Lookup(id)
	if !ok || x.Status != domain.QueuePending {
		return
	}
	x.Status = domain.QueueProcessing
	exec := *x
	if err := queue.Save(ctx, e.deps.Store, *q); err != nil {
		log.Warn().Err(err).Str("execution_id", id).Msg("failed to mark execution processing")
	}

	started := e.now()
	t, created, err := e.attempt(ctx, exec)
	if err != nil {
		e.fail(ctx, q, exec, t, err, started)
		return
	}
	e.succeed(ctx, q, exec, t, created, started)
}

func (e *Engine) attempt(ctx context.Context, exec domain.QueuedExecution) (domain.Template, expense.Created, error) {
	if !e.deps.Auth.Validate(ctx) {
		return domain.Template{}, expense.Created{}, errAuthRequired
	}
	t, err := e.deps.Templates.Get(ctx, exec.TemplateID)
	if err != nil {
		return domain.Template{}, expense.Created{}, err
	}
	created, err := e.deps.Expenses.CreateExpense(ctx, expense.FromTemplate(t.ExpenseData, e.now()))
	if err != nil {
		return t, expense.Created{}, err
	}
	if created.ID == "" {
		return t, expense.Created{}, errors.New("failed to create expense - no data returned")
	}
	return t, created, nil
}

func (e *Engine) succeed(ctx context.Context, q *queue.Queue, exec domain.QueuedExecution, t domain.Template, created expense.Created, started time.Time) {
	now := e.now()
	rec := e.record(exec, domain.ExecutionSuccess, now, started)
	rec.ExpenseID = created.ID

	var (
		next time.Time
		more bool
	)
	if t.SchedulingEnabled() {
		next, more = recurrence.Next(t.Scheduling, now)
	}
	_, err := e.deps.Templates.Update(ctx, t.ID, func(tp *domain.Template) error {
		e.prepend(tp, rec)
		tp.Metadata.ScheduledUseCount++
		tp.Metadata.LastUsed = &now
		if tp.Scheduling != nil {
			tp.Scheduling.NextExecution = nil
			if more {
				tp.Scheduling.NextExecution = &next
			}
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Str("template_id", t.ID).Msg("failed to record execution")
	}

	if x, ok := q.Lookup(exec.ID); ok {
		x.Status = domain.QueueCompleted
	}
	if more {
		q.Replace(t.ID, next)
	}

	log.Info().
		Str("template_id", t.ID).
		Str("expense_id", created.ID).
		Bool("rescheduled", more).
		Msg("scheduled expense created")
	e.deps.Notifier.NotifySuccess(ctx, "Expense Created",
		fmt.Sprintf("Expense created from template %q", t.Name),
		notify.Metadata{TemplateID: t.ID, TemplateName: t.Name, ExpenseID: created.ID})
}

func (e *Engine) fail(ctx context.Context, q *queue.Queue, exec domain.QueuedExecution, t domain.Template, err error, started time.Time) {
	now := e.now()
	c := retry.Classify(err)
	name := e.templateName(ctx, exec.TemplateID, t)

	if c.Category == retry.CategoryAuthentication {
		// errAuthRequired came from the cache, which already holds the result.
		if !errors.Is(err, errAuthRequired) {
			e.deps.Auth.MarkInvalid(ctx)
		}
		if !e.authNotified {
			e.authNotified = true
			e.deps.Notifier.NotifyAuthRequired(ctx, "Authentication Required",
				fmt.Sprintf("Sign in again to resume scheduled expenses for %q", name),
				notify.Metadata{TemplateID: exec.TemplateID, TemplateName: name, ErrorDetails: c.Message, RequiresAction: true})
		}
	}

	x, ok := q.Lookup(exec.ID)
	if !ok {
		return
	}
	rec := e.record(exec, domain.ExecutionFailed, now, started)
	rec.Error = &domain.ExecutionError{Code: string(c.Category), Message: c.Message, Retriable: c.Retryable}

	if e.policy.ShouldRetry(exec.RetryCount, c) {
		delay := e.policy.Backoff(exec.RetryCount, c)
		at := now.Add(delay)
		x.RetryCount++
		x.NextRetry = &at
		x.ScheduledAt = at
		x.Status = domain.QueuePending
		rec.Status = domain.ExecutionRetry
		e.appendRecord(ctx, exec.TemplateID, rec)
		log.Warn().
			Err(err).
			Str("template_id", exec.TemplateID).
			Str("category", string(c.Category)).
			Int("retry", x.RetryCount).
			Time("next_retry", at).
			Msg("execution failed, retrying")
		return
	}

	x.Status = domain.QueueFailed
	e.appendRecord(ctx, exec.TemplateID, rec)
	log.Error().
		Err(err).
		Str("template_id", exec.TemplateID).
		Str("category", string(c.Category)).
		Int("retries", exec.RetryCount).
		Msg("execution failed")
	e.deps.Notifier.NotifyFailure(ctx, "Scheduled Expense Failed",
		fmt.Sprintf("Could not create expense from template %q", name),
		notify.Metadata{TemplateID: exec.TemplateID, TemplateName: name, ErrorDetails: c.Message})
}

func (e *Engine) record(exec domain.QueuedExecution, status domain.ExecutionStatus, now, started time.Time) domain.ExecutionRecord {
	return domain.ExecutionRecord{
		ID:          "run_" + uuid.NewString(),
		TemplateID:  exec.TemplateID,
		ScheduledAt: exec.ScheduledAt,
		ExecutedAt:  now,
		Status:      status,
		RetryCount:  exec.RetryCount,
		Duration:    now.Sub(started),
	}
}

// prepend adds rec as the newest history entry and trims to the limit.
func (e *Engine) prepend(t *domain.Template, rec domain.ExecutionRecord) {
	h := append([]domain.ExecutionRecord{rec}, t.ExecutionHistory...)
	if len(h) > e.cfg.HistoryLimit {
		h = h[:e.cfg.HistoryLimit]
	}
	t.ExecutionHistory = h
}

func (e *Engine) appendRecord(ctx context.Context, templateID string, rec domain.ExecutionRecord) {
	_, err := e.deps.Templates.Update(ctx, templateID, func(t *domain.Template) error {
		e.prepend(t, rec)
		return nil
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		log.Error().Err(err).Str("template_id", templateID).Msg("failed to record execution")
	}
}

func (e *Engine) templateName(ctx context.Context, id string, t domain.Template) string {
	if t.ID != "" {
		return t.Name
	}
	if got, err := e.deps.Templates.Get(ctx, id); err == nil {
		return got.Name
	}
	return id
}
