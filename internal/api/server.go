package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"sort"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"recurflow/internal/domain"
	"recurflow/internal/notify"
	"recurflow/internal/queue"
	"recurflow/internal/recurrence"
)

// Templates is the template storage the API manages.
type Templates interface {
	Create(ctx context.Context, t domain.Template) (domain.Template, error)
	Get(ctx context.Context, id string) (domain.Template, error)
	Update(ctx context.Context, id string, mutate func(*domain.Template) error) (domain.Template, error)
	List(ctx context.Context) ([]domain.Template, error)
	Delete(ctx context.Context, id string) error
}

// Scheduler is the subset of the scheduling engine exposed over HTTP.
type Scheduler interface {
	ScheduleTemplate(ctx context.Context, id string) bool
	UnscheduleTemplate(ctx context.Context, id string) bool
	PauseTemplate(ctx context.Context, id string) bool
	ResumeTemplate(ctx context.Context, id string) bool
	Queue(ctx context.Context) (queue.Queue, error)
}

type Notifications interface {
	History(ctx context.Context) ([]notify.Notification, error)
}

type Server struct {
	r             *chi.Mux
	templates     Templates
	engine        Scheduler
	notifications Notifications
}

func NewServer(templates Templates, engine Scheduler, notifications Notifications) http.Handler {
	return NewServerWithDebug(templates, engine, notifications, false)
}

func NewServerWithDebug(templates Templates, engine Scheduler, notifications Notifications, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, templates: templates, engine: engine, notifications: notifications}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)

	r.Route("/api/templates", func(r chi.Router) {
		r.Post("/", s.createTemplate)
		r.Get("/", s.listTemplates)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getTemplate)
			r.Delete("/", s.deleteTemplate)
			r.Get("/history", s.templateHistory)
			r.Put("/scheduling", s.updateScheduling)
			r.Post("/schedule", s.action(Scheduler.ScheduleTemplate))
			r.Post("/unschedule", s.action(Scheduler.UnscheduleTemplate))
			r.Post("/pause", s.action(Scheduler.PauseTemplate))
			r.Post("/resume", s.action(Scheduler.ResumeTemplate))
		})
	})
	r.Get("/api/queue", s.getQueue)
	r.Get("/api/notifications", s.listNotifications)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// metrics reports queue depth per status in Prometheus text format.
func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Queue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	counts := map[domain.QueueStatus]int{
		domain.QueuePending:    0,
		domain.QueueProcessing: 0,
		domain.QueueCompleted:  0,
		domain.QueueFailed:     0,
	}
	for _, x := range q.Executions {
		counts[x.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for st := range counts {
		statuses = append(statuses, string(st))
	}
	sort.Strings(statuses)

	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "recurflow_up 1")
	for _, st := range statuses {
		fmt.Fprintf(w, "recurflow_queue_executions{status=%q} %d\n", st, counts[domain.QueueStatus(st)])
	}
	if !q.LastProcessed.IsZero() {
		fmt.Fprintf(w, "recurflow_queue_last_processed_seconds %d\n", q.LastProcessed.Unix())
	}
}

type createTemplateReq struct {
	Name        string                 `json:"name"`
	ExpenseData domain.ExpenseData     `json:"expenseData"`
	Scheduling  *domain.RecurrenceRule `json:"scheduling"`
	Tags        []string               `json:"tags"`
}

type templateResp struct {
	domain.Template
	Scheduled bool `json:"scheduled"`
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", 400)
		return
	}
	if req.Scheduling != nil {
		if err := recurrence.Validate(*req.Scheduling); err != nil {
			http.Error(w, "invalid scheduling: "+err.Error(), 400)
			return
		}
	}

	t, err := s.templates.Create(r.Context(), domain.Template{
		Name:        req.Name,
		ExpenseData: req.ExpenseData,
		Scheduling:  req.Scheduling,
		Metadata:    domain.TemplateMetadata{CreatedFrom: "api", Tags: req.Tags},
	})
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	scheduled := false
	if t.SchedulingEnabled() && !t.Scheduling.Paused {
		scheduled = s.engine.ScheduleTemplate(r.Context(), t.ID)
	}
	s.writeTemplate(w, r, http.StatusCreated, t.ID, scheduled)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := s.templates.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, ts)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t)
}

func (s *Server) templateHistory(w http.ResponseWriter, r *http.Request) {
	t, err := s.templates.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, 200, t.ExecutionHistory)
}

// deleteTemplate removes the template's queue entry before the template.
func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.engine.UnscheduleTemplate(r.Context(), id) {
		http.Error(w, "failed to unschedule template", 500)
		return
	}
	if err := s.templates.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// updateScheduling replaces the template's rule, then schedules it. A rule
// that cannot be scheduled leaves the template unqueued.
func (s *Server) updateScheduling(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var rule domain.RecurrenceRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if err := recurrence.Validate(rule); err != nil {
		http.Error(w, "invalid scheduling: "+err.Error(), 400)
		return
	}

	t, err := s.templates.Update(r.Context(), id, func(t *domain.Template) error {
		rule.PausedAt = nil
		if rule.Paused && t.Scheduling != nil {
			rule.PausedAt = t.Scheduling.PausedAt
		}
		rule.NextExecution = nil
		t.Scheduling = &rule
		return nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	scheduled := false
	if t.SchedulingEnabled() && !t.Scheduling.Paused {
		scheduled = s.engine.ScheduleTemplate(r.Context(), id)
	}
	if !scheduled && !s.engine.UnscheduleTemplate(r.Context(), id) {
		http.Error(w, "failed to unschedule template", 500)
		return
	}
	s.writeTemplate(w, r, 200, id, scheduled)
}

type actionResp struct {
	OK bool `json:"ok"`
}

// action wraps one of the engine's boolean template operations.
func (s *Server) action(op func(Scheduler, context.Context, string) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if op(s.engine, r.Context(), chi.URLParam(r, "id")) {
			writeJSON(w, 200, actionResp{OK: true})
			return
		}
		writeJSON(w, http.StatusConflict, actionResp{OK: false})
	}
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.engine.Queue(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, q)
}

func (s *Server) listNotifications(w http.ResponseWriter, r *http.Request) {
	ns, err := s.notifications.History(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if ns == nil {
		ns = []notify.Notification{}
	}
	writeJSON(w, 200, ns)
}

// writeTemplate re-reads the template so the response carries the next
// execution the engine computed.
func (s *Server) writeTemplate(w http.ResponseWriter, r *http.Request, code int, id string, scheduled bool) {
	t, err := s.templates.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, code, templateResp{Template: t, Scheduled: scheduled})
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		http.Error(w, "not found", 404)
		return
	}
	http.Error(w, err.Error(), 500)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
