package timer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// CronHost implements Host on an in-process robfig/cron scheduler. A fire
// that is still running when the next one is due is skipped.
type CronHost struct {
	mu       sync.Mutex
	cron     *cron.Cron
	entries  map[string]cron.EntryID
	handlers map[string]func()
}

func NewCronHost() *CronHost {
	l := zlogger{}
	return &CronHost{
		cron:     cron.New(cron.WithLogger(l), cron.WithChain(cron.Recover(l), cron.SkipIfStillRunning(l))),
		entries:  map[string]cron.EntryID{},
		handlers: map[string]func(){},
	}
}

func (h *CronHost) Create(name string, delay, period time.Duration) error {
	if period <= 0 {
		return errors.New("timer period must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.entries[name]; ok {
		h.cron.Remove(id)
	}
	sched := firstThenEvery{first: time.Now().Add(delay), period: period}
	h.entries[name] = h.cron.Schedule(sched, cron.FuncJob(func() { h.fire(name) }))
	return nil
}

func (h *CronHost) Clear(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.entries[name]; ok {
		h.cron.Remove(id)
		delete(h.entries, name)
	}
	return nil
}

func (h *CronHost) OnFire(name string, fn func()) {
	h.mu.Lock()
	h.handlers[name] = fn
	h.mu.Unlock()
}

// Registrations returns the number of live registrations.
func (h *CronHost) Registrations() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Next reports when name fires next.
func (h *CronHost) Next(name string) (time.Time, bool) {
	h.mu.Lock()
	id, ok := h.entries[name]
	h.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	e := h.cron.Entry(id)
	return e.Next, e.Valid()
}

func (h *CronHost) Start() { h.cron.Start() }

// Stop stops firing and waits for a running handler to return.
func (h *CronHost) Stop(ctx context.Context) error {
	select {
	case <-h.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *CronHost) fire(name string) {
	h.mu.Lock()
	fn := h.handlers[name]
	h.mu.Unlock()
	if fn == nil {
		log.Warn().Str("timer", name).Msg("timer fired without handler")
		return
	}
	fn()
}

// firstThenEvery fires once at first, then every period.
type firstThenEvery struct {
	first  time.Time
	period time.Duration
}

func (s firstThenEvery) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return t.Add(s.period - time.Duration(t.Nanosecond()))
}

type zlogger struct{}

func (zlogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (zlogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
