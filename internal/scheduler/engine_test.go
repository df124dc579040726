package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"recurflow/internal/auth"
	"recurflow/internal/domain"
	"recurflow/internal/expense"
	"recurflow/internal/notify"
	"recurflow/internal/queue"
	"recurflow/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func (c *clock) set(t time.Time) { c.t = t }

type memRepo struct {
	mu sync.Mutex
	m  map[string]domain.Template
}

func (r *memRepo) Get(_ context.Context, id string) (domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[id]
	if !ok {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

func (r *memRepo) Update(_ context.Context, id string, mutate func(*domain.Template) error) (domain.Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.m[id]
	if !ok {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if t.Scheduling != nil {
		s := *t.Scheduling
		t.Scheduling = &s
	}
	t.ExecutionHistory = append([]domain.ExecutionRecord(nil), t.ExecutionHistory...)
	if err := mutate(&t); err != nil {
		return domain.Template{}, err
	}
	r.m[id] = t
	return t, nil
}

type fakeCreator struct {
	calls    []expense.Payload
	failures []error
}

func (c *fakeCreator) CreateExpense(_ context.Context, p expense.Payload) (expense.Created, error) {
	c.calls = append(c.calls, p)
	if len(c.failures) > 0 {
		err := c.failures[0]
		if len(c.failures) > 1 {
			c.failures = c.failures[1:]
		}
		if err != nil {
			return expense.Created{}, err
		}
	}
	return expense.Created{ID: fmt.Sprintf("exp_%d", len(c.calls))}, nil
}

type sent struct {
	kind notify.Kind
	md   notify.Metadata
}

type fakeNotifier struct{ sent []sent }

func (n *fakeNotifier) NotifySuccess(_ context.Context, _, _ string, md notify.Metadata) {
	n.sent = append(n.sent, sent{notify.KindSuccess, md})
}

func (n *fakeNotifier) NotifyFailure(_ context.Context, _, _ string, md notify.Metadata) {
	n.sent = append(n.sent, sent{notify.KindFailure, md})
}

func (n *fakeNotifier) NotifyAuthRequired(_ context.Context, _, _ string, md notify.Metadata) {
	n.sent = append(n.sent, sent{notify.KindAuth, md})
}

func (n *fakeNotifier) count(k notify.Kind) int {
	c := 0
	for _, s := range n.sent {
		if s.kind == k {
			c++
		}
	}
	return c
}

type fakeAuth struct {
	valid  bool
	marked int
}

func (a *fakeAuth) Validate(context.Context) bool { return a.valid }
func (a *fakeAuth) MarkInvalid(context.Context) { a.marked++ }

type fakeTimer struct {
	created  map[string]time.Duration
	handlers map[string]func()
	err      error
}

func (h *fakeTimer) Create(name string, _, period time.Duration) error {
	if h.err != nil {
		return h.err
	}
	h.created[name] = period
	return nil
}

func (h *fakeTimer) Clear(name string) error { delete(h.created, name); return nil }

func (h *fakeTimer) OnFire(name string, fn func()) { h.handlers[name] = fn }

type harness struct {
	clock    *clock
	repo     *memRepo
	kv       *store.Memory
	creator  *fakeCreator
	notifier *fakeNotifier
	auth     *fakeAuth
	timer    *fakeTimer
	engine   *Engine
}

// 2025-03-10 is a Monday.
var monday0800 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock:    &clock{t: monday0800},
		repo:     &memRepo{m: map[string]domain.Template{}},
		kv:       store.NewMemory(),
		creator:  &fakeCreator{},
		notifier: &fakeNotifier{},
		auth:     &fakeAuth{valid: true},
		timer:    &fakeTimer{created: map[string]time.Duration{}, handlers: map[string]func(){}},
	}
	cfg := DefaultConfig()
	cfg.Now = h.clock.now
	h.engine = New(cfg, Deps{
		Templates: h.repo,
		Store:     h.kv,
		Expenses:  h.creator,
		Notifier:  h.notifier,
		Auth:      h.auth,
		Timer:     h.timer,
	})
	return h
}

func dailyAt(hour, minute int) *domain.RecurrenceRule {
	return &domain.RecurrenceRule{
		Enabled:       true,
		Interval:      domain.IntervalDaily,
		ExecutionTime: domain.ExecutionTime{Hour: hour, Minute: minute, TimeZone: "UTC"},
	}
}

func (h *harness) addTemplate(id string, rule *domain.RecurrenceRule) {
	h.repo.m[id] = domain.Template{
		ID:   id,
		Name: "Template " + id,
		ExpenseData: domain.ExpenseData{
			Merchant:         domain.Merchant{Name: "Coffee"},
			MerchantAmount:   4.5,
			MerchantCurrency: "EUR",
			Policy:           "pol_1",
		},
		Scheduling: rule,
	}
}

func (h *harness) queue(t *testing.T) queue.Queue {
	t.Helper()
	q, err := queue.Load(testContext(t), h.kv)
	require.NoError(t, err)
	return q
}

func (h *harness) entry(t *testing.T, id string) domain.QueuedExecution {
	t.Helper()
	x, ok := h.queue(t).ForTemplate(id)
	require.True(t, ok, "no queue entry for %s", id)
	return x
}

func entriesFor(q queue.Queue, id string) int {
	n := 0
	for _, x := range q.Executions {
		if x.TemplateID == id {
			n++
		}
	}
	return n
}

func TestScheduleTemplateIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))

	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	q := h.queue(t)
	require.Len(t, q.Executions, 1)
	x := q.Executions[0]
	assert.Equal(t, "a", x.TemplateID)
	assert.Equal(t, domain.QueuePending, x.Status)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC), x.ScheduledAt)
	assert.Zero(t, x.RetryCount)

	next := h.repo.m["a"].Scheduling.NextExecution
	require.NotNil(t, next)
	assert.Equal(t, x.ScheduledAt, *next)
}

func TestScheduleTemplateRejects(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("off", &domain.RecurrenceRule{Enabled: false, Interval: domain.IntervalDaily})
	h.addTemplate("none", nil)
	paused := dailyAt(9, 0)
	paused.Paused = true
	h.addTemplate("paused", paused)
	h.addTemplate("weekly", &domain.RecurrenceRule{Enabled: true, Interval: domain.IntervalWeekly})

	for _, id := range []string{"missing", "off", "none", "paused", "weekly"} {
		assert.False(t, h.engine.ScheduleTemplate(testContext(t), id), id)
	}
	assert.Empty(t, h.queue(t).Executions)
}

func TestQueueHoldsOneEntryPerTemplate(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.addTemplate("b", dailyAt(10, 0))
	ctx := testContext(t)

	ops := []func(string) bool{
		func(id string) bool { return h.engine.ScheduleTemplate(ctx, id) },
		func(id string) bool { return h.engine.PauseTemplate(ctx, id) },
		func(id string) bool { return h.engine.ResumeTemplate(ctx, id) },
		func(id string) bool { return h.engine.ResumeTemplate(ctx, id) },
		func(id string) bool { return h.engine.ScheduleTemplate(ctx, id) },
		func(id string) bool { return h.engine.UnscheduleTemplate(ctx, id) },
		func(id string) bool { return h.engine.ScheduleTemplate(ctx, id) },
	}
	for _, op := range ops {
		for _, id := range []string{"a", "b"} {
			op(id)
			q := h.queue(t)
			assert.LessOrEqual(t, entriesFor(q, "a"), 1)
			assert.LessOrEqual(t, entriesFor(q, "b"), 1)
		}
	}
	assert.Len(t, h.queue(t).Executions, 2)
}

func TestUnscheduleBeforeFire(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	require.True(t, h.engine.UnscheduleTemplate(testContext(t), "a"))
	assert.True(t, h.engine.UnscheduleTemplate(testContext(t), "a"))

	h.clock.advance(2 * time.Hour)
	h.engine.OnTimerFired(testContext(t))

	assert.Empty(t, h.creator.calls)
	assert.Empty(t, h.queue(t).Executions)
}

func TestTimerFireCreatesExpenseAndReschedules(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.advance(30 * time.Minute)
	h.engine.OnTimerFired(testContext(t))
	assert.Empty(t, h.creator.calls, "not due yet")

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 30, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	require.Len(t, h.creator.calls, 1)
	assert.Equal(t, "2025-03-10T09:00:30.000Z", h.creator.calls[0].Date)

	x := h.entry(t, "a")
	assert.Equal(t, domain.QueuePending, x.Status)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), x.ScheduledAt)
	assert.Len(t, h.queue(t).Executions, 1)

	tpl := h.repo.m["a"]
	require.Len(t, tpl.ExecutionHistory, 1)
	rec := tpl.ExecutionHistory[0]
	assert.Equal(t, domain.ExecutionSuccess, rec.Status)
	assert.Equal(t, "exp_1", rec.ExpenseID)
	assert.Equal(t, 1, tpl.Metadata.ScheduledUseCount)
	require.NotNil(t, tpl.Metadata.LastUsed)
	assert.Equal(t, x.ScheduledAt, *tpl.Scheduling.NextExecution)
	assert.Equal(t, 1, h.notifier.count(notify.KindSuccess))

	assert.Equal(t, h.clock.now(), h.queue(t).LastProcessed)
}

func TestNetworkFailureThenSuccess(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.creator.failures = []error{errors.New("Network request failed"), nil}
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	x := h.entry(t, "a")
	assert.Equal(t, domain.QueuePending, x.Status)
	assert.Equal(t, 1, x.RetryCount)
	assert.Equal(t, h.clock.now().Add(30*time.Second), x.ScheduledAt)
	require.NotNil(t, x.NextRetry)
	assert.Equal(t, x.ScheduledAt, *x.NextRetry)

	h.clock.advance(30 * time.Second)
	h.engine.OnTimerFired(testContext(t))

	require.Len(t, h.creator.calls, 2)
	var successes, retries int
	for _, r := range h.repo.m["a"].ExecutionHistory {
		switch r.Status {
		case domain.ExecutionSuccess:
			successes++
		case domain.ExecutionRetry:
			retries++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, retries)
	assert.Equal(t, domain.ExecutionSuccess, h.repo.m["a"].ExecutionHistory[0].Status)

	x = h.entry(t, "a")
	assert.Equal(t, domain.QueuePending, x.Status)
	assert.Zero(t, x.RetryCount)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), x.ScheduledAt)
	assert.Equal(t, 1, h.notifier.count(notify.KindSuccess))
	assert.Zero(t, h.notifier.count(notify.KindFailure))
}

func TestRetryCapMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.creator.failures = []error{errors.New("database is locked")}
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	for i := 0; i < 6; i++ {
		x := h.entry(t, "a")
		if x.Status != domain.QueuePending {
			break
		}
		h.clock.set(x.ScheduledAt)
		h.engine.OnTimerFired(testContext(t))
	}

	x := h.entry(t, "a")
	assert.Equal(t, domain.QueueFailed, x.Status)
	assert.Equal(t, 3, x.RetryCount)
	assert.Len(t, h.creator.calls, 4)

	hist := h.repo.m["a"].ExecutionHistory
	require.Len(t, hist, 4)
	assert.Equal(t, domain.ExecutionFailed, hist[0].Status)
	require.NotNil(t, hist[0].Error)
	assert.Equal(t, "system", hist[0].Error.Code)
	assert.Equal(t, 1, h.notifier.count(notify.KindFailure))

	h.clock.advance(48 * time.Hour)
	h.engine.OnTimerFired(testContext(t))
	assert.Len(t, h.creator.calls, 4, "failed entries are not retried")
	assert.Equal(t, domain.QueueFailed, h.entry(t, "a").Status)

	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	x = h.entry(t, "a")
	assert.Equal(t, domain.QueuePending, x.Status)
	assert.Zero(t, x.RetryCount)
}

func TestRetryBackoffGrows(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.creator.failures = []error{errors.New("disk full")}
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		x := h.entry(t, "a")
		h.clock.set(x.ScheduledAt)
		h.engine.OnTimerFired(testContext(t))
		delays = append(delays, h.entry(t, "a").ScheduledAt.Sub(h.clock.now()))
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.creator.failures = []error{errors.New("invalid expense: merchant is required")}
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	x := h.entry(t, "a")
	assert.Equal(t, domain.QueueFailed, x.Status)
	assert.Zero(t, x.RetryCount)
	assert.Equal(t, 1, h.notifier.count(notify.KindFailure))
	hist := h.repo.m["a"].ExecutionHistory
	require.Len(t, hist, 1)
	assert.Equal(t, "validation", hist[0].Error.Code)
	assert.False(t, hist[0].Error.Retriable)
}

func TestAuthInvalidSkipsRemoteCall(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.auth.valid = false
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	assert.Empty(t, h.creator.calls)
	assert.Equal(t, 1, h.notifier.count(notify.KindAuth))
	assert.Zero(t, h.notifier.count(notify.KindFailure))
	assert.Zero(t, h.auth.marked, "cache already holds the invalid result")

	x := h.entry(t, "a")
	assert.Equal(t, domain.QueuePending, x.Status)
	assert.Equal(t, 1, x.RetryCount)
	assert.Equal(t, h.clock.now().Add(time.Minute), x.ScheduledAt)
}

func TestRemoteUnauthorizedNotifiesAuth(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.creator.failures = []error{&expense.APIError{Status: 401, Message: "Unauthorized"}, nil}
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	assert.Len(t, h.creator.calls, 1)
	assert.Equal(t, 1, h.notifier.count(notify.KindAuth))
	assert.Equal(t, 1, h.auth.marked)
	assert.Equal(t, 1, h.entry(t, "a").RetryCount)
}

func TestAuthCheckedOncePerPass(t *testing.T) {
	h := newHarness(t)
	checks := 0
	h.engine.deps.Auth = auth.NewCache(h.kv, auth.CheckerFunc(func(context.Context) (bool, error) {
		checks++
		return false, nil
	}), 5*time.Minute, h.clock.now)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		h.addTemplate(id, dailyAt(9, 0))
		require.True(t, h.engine.ScheduleTemplate(testContext(t), id))
	}

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	assert.Equal(t, 1, checks)
	assert.Equal(t, 1, h.notifier.count(notify.KindAuth))
	assert.Empty(t, h.creator.calls)
	for _, id := range ids {
		x := h.entry(t, id)
		assert.Equal(t, domain.QueuePending, x.Status, id)
		assert.Equal(t, 1, x.RetryCount, id)
	}

	// retries come due inside the TTL and reuse the cached result
	h.clock.advance(time.Minute)
	h.engine.OnTimerFired(testContext(t))
	assert.Equal(t, 1, checks)
	assert.Equal(t, 2, h.notifier.count(notify.KindAuth))
	assert.Equal(t, 2, h.entry(t, "a").RetryCount)
}

func TestRemoteRejectionIsCachedForTTL(t *testing.T) {
	h := newHarness(t)
	checks := 0
	h.engine.deps.Auth = auth.NewCache(h.kv, auth.CheckerFunc(func(context.Context) (bool, error) {
		checks++
		return true, nil
	}), 5*time.Minute, h.clock.now)
	h.creator.failures = []error{&expense.APIError{Status: 401, Message: "Unauthorized"}}

	for _, id := range []string{"a", "b", "c"} {
		h.addTemplate(id, dailyAt(9, 0))
		require.True(t, h.engine.ScheduleTemplate(testContext(t), id))
	}

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	assert.Equal(t, 1, checks)
	assert.Len(t, h.creator.calls, 1, "later entries see the cached rejection")
	assert.Equal(t, 1, h.notifier.count(notify.KindAuth))
}

func TestDeletedTemplateFailsWithoutRetry(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	delete(h.repo.m, "a")

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	assert.Empty(t, h.creator.calls)
	assert.Equal(t, domain.QueueFailed, h.entry(t, "a").Status)
	require.Equal(t, 1, h.notifier.count(notify.KindFailure))
	assert.Equal(t, "a", h.notifier.sent[0].md.TemplateName)
}

func TestCompletedEntryPrunedAfterRetention(t *testing.T) {
	h := newHarness(t)
	rule := dailyAt(9, 0)
	end := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	rule.EndDate = &end
	h.addTemplate("a", rule)
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))
	assert.Equal(t, domain.QueueCompleted, h.entry(t, "a").Status)
	assert.Nil(t, h.repo.m["a"].Scheduling.NextExecution)

	h.clock.advance(23 * time.Hour)
	h.engine.OnTimerFired(testContext(t))
	assert.Len(t, h.queue(t).Executions, 1)

	h.clock.advance(2 * time.Hour)
	h.engine.OnTimerFired(testContext(t))
	assert.Empty(t, h.queue(t).Executions)
	assert.Len(t, h.creator.calls, 1)
}

func TestHistoryIsCapped(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	tpl := h.repo.m["a"]
	for i := 0; i < 50; i++ {
		tpl.ExecutionHistory = append(tpl.ExecutionHistory, domain.ExecutionRecord{ID: fmt.Sprintf("old_%d", i)})
	}
	h.repo.m["a"] = tpl
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))

	hist := h.repo.m["a"].ExecutionHistory
	require.Len(t, hist, 50)
	assert.Equal(t, domain.ExecutionSuccess, hist[0].Status)
	assert.Equal(t, "old_48", hist[49].ID)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	require.True(t, h.engine.PauseTemplate(testContext(t), "a"))
	assert.Empty(t, h.queue(t).Executions)
	rule := h.repo.m["a"].Scheduling
	assert.True(t, rule.Paused)
	require.NotNil(t, rule.PausedAt)
	assert.Nil(t, rule.NextExecution)
	assert.False(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 10, 0, 0, 0, time.UTC))
	require.True(t, h.engine.ResumeTemplate(testContext(t), "a"))
	rule = h.repo.m["a"].Scheduling
	assert.False(t, rule.Paused)
	assert.Nil(t, rule.PausedAt)
	x := h.entry(t, "a")
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), x.ScheduledAt)
	assert.Equal(t, x.ScheduledAt, *rule.NextExecution)
}

func TestPauseAndResumeMissingTemplate(t *testing.T) {
	h := newHarness(t)
	assert.False(t, h.engine.PauseTemplate(testContext(t), "nope"))
	assert.False(t, h.engine.ResumeTemplate(testContext(t), "nope"))
}

func TestProcessPendingOnStartup(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("late", dailyAt(9, 0))
	h.addTemplate("recent", dailyAt(9, 0))
	h.addTemplate("stuck", dailyAt(9, 0))

	now := time.Date(2025, 3, 10, 9, 10, 0, 0, time.UTC)
	h.clock.set(now)
	q := queue.Queue{}
	q.Replace("late", now.Add(-10*time.Minute))
	q.Replace("recent", now.Add(-2*time.Minute))
	stuck := q.Replace("stuck", now.Add(-time.Hour))
	x, _ := q.Lookup(stuck.ID)
	x.Status = domain.QueueProcessing
	require.NoError(t, queue.Save(testContext(t), h.kv, q))

	h.engine.ProcessPendingOnStartup(testContext(t))

	assert.Len(t, h.creator.calls, 2)
	assert.Len(t, h.repo.m["late"].ExecutionHistory, 1)
	assert.Len(t, h.repo.m["stuck"].ExecutionHistory, 1)
	assert.Empty(t, h.repo.m["recent"].ExecutionHistory)
	assert.Equal(t, now.Add(-2*time.Minute), h.entry(t, "recent").ScheduledAt)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), h.entry(t, "late").ScheduledAt)
}

func TestInitializeRegistersTimer(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	require.NoError(t, h.engine.Initialize(testContext(t)))
	require.NoError(t, h.engine.Initialize(testContext(t)))

	require.Len(t, h.timer.created, 1)
	fire, ok := h.timer.handlers["recurflow_master_scheduler"]
	require.True(t, ok)

	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	fire()
	assert.Len(t, h.creator.calls, 1)
}

func TestInitializeFailsWhenTimerCannotBeCreated(t *testing.T) {
	h := newHarness(t)
	h.timer.err = errors.New("alarms unavailable")
	assert.Error(t, h.engine.Initialize(testContext(t)))
}

func TestEnsureScheduled(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.addTemplate("b", dailyAt(10, 0))
	paused := dailyAt(11, 0)
	paused.Paused = true
	h.addTemplate("c", paused)
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	before := h.entry(t, "a").ID

	n := h.engine.EnsureScheduled(testContext(t), []string{"a", "b", "c"})
	assert.Equal(t, 1, n)
	assert.Equal(t, before, h.entry(t, "a").ID)
	_, ok := h.queue(t).ForTemplate("c")
	assert.False(t, ok)
}

type brokenKV struct{}

func (brokenKV) Get(context.Context, string) ([]byte, bool, error) { return []byte("{"), true, nil }
func (brokenKV) Set(context.Context, string, []byte) error { return errors.New("read only") }

func TestUnreadableQueueIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.engine.deps.Store = brokenKV{}

	assert.False(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	assert.False(t, h.engine.UnscheduleTemplate(testContext(t), "a"))
	h.engine.OnTimerFired(testContext(t))
	assert.Empty(t, h.creator.calls)
	_, err := h.engine.Queue(testContext(t))
	assert.Error(t, err)
}

func TestEnsureScheduledReplacesFailedEntry(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	h.creator.failures = []error{errors.New("invalid expense: merchant is required"), nil}
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	h.clock.set(time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC))
	h.engine.OnTimerFired(testContext(t))
	require.Equal(t, domain.QueueFailed, h.entry(t, "a").Status)

	assert.Equal(t, 1, h.engine.EnsureScheduled(testContext(t), []string{"a"}))
	x := h.entry(t, "a")
	assert.Equal(t, domain.QueuePending, x.Status)
	assert.Equal(t, time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC), x.ScheduledAt)
	assert.Len(t, h.queue(t).Executions, 1)
}

func TestRuleWithoutNextOccurrenceDropsEntry(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	require.Len(t, h.queue(t).Executions, 1)

	start := monday0800.Add(-72 * time.Hour)
	end := monday0800.Add(-48 * time.Hour)
	_, err := h.repo.Update(testContext(t), "a", func(tp *domain.Template) error {
		tp.Scheduling.StartDate = &start
		tp.Scheduling.EndDate = &end
		return nil
	})
	require.NoError(t, err)

	assert.False(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	assert.Empty(t, h.queue(t).Executions)
	assert.Nil(t, h.repo.m["a"].Scheduling.NextExecution)

	h.clock.advance(2 * time.Hour)
	h.engine.OnTimerFired(testContext(t))
	assert.Empty(t, h.creator.calls)
}

func TestDisabledRuleDropsEntry(t *testing.T) {
	h := newHarness(t)
	h.addTemplate("a", dailyAt(9, 0))
	require.True(t, h.engine.ScheduleTemplate(testContext(t), "a"))

	_, err := h.repo.Update(testContext(t), "a", func(tp *domain.Template) error {
		tp.Scheduling.Enabled = false
		return nil
	})
	require.NoError(t, err)

	assert.False(t, h.engine.ScheduleTemplate(testContext(t), "a"))
	assert.Empty(t, h.queue(t).Executions)
}
