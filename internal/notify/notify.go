// Package notify delivers user-facing notifications about scheduled runs.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"recurflow/internal/store"
)

const HistoryKey = "notifications.history"

type Kind string

const (
	KindSuccess Kind = "success"
	KindFailure Kind = "failure"
	KindAuth    Kind = "auth"
)

type Metadata struct {
	TemplateID     string `json:"templateId,omitempty"`
	TemplateName   string `json:"templateName,omitempty"`
	ExpenseID      string `json:"expenseId,omitempty"`
	ErrorDetails   string `json:"errorDetails,omitempty"`
	ActionURL      string `json:"actionUrl,omitempty"`
	RequiresAction bool   `json:"requiresAction,omitempty"`
}

type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Metadata  Metadata  `json:"metadata"`
}

// Dispatcher is fire-and-forget: delivery problems are logged, not returned.
type Dispatcher interface {
	NotifySuccess(ctx context.Context, title, message string, md Metadata)
	NotifyFailure(ctx context.Context, title, message string, md Metadata)
	NotifyAuthRequired(ctx context.Context, title, message string, md Metadata)
}

type Config struct {
	HistoryLimit int
	Retention    time.Duration
	WebhookURL   string
	RatePerSec   float64
}

// Service logs every notification, keeps a bounded history in the KV store
// and optionally forwards to a webhook.
type Service struct {
	kv      store.KV
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewService(kv store.KV, cfg Config) *Service {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	return &Service{
		kv:      kv,
		cfg:     cfg,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), 5),
		now:     time.Now,
	}
}

func (s *Service) NotifySuccess(ctx context.Context, title, message string, md Metadata) {
	s.send(ctx, KindSuccess, title, message, md)
}

func (s *Service) NotifyFailure(ctx context.Context, title, message string, md Metadata) {
	s.send(ctx, KindFailure, title, message, md)
}

func (s *Service) NotifyAuthRequired(ctx context.Context, title, message string, md Metadata) {
	md.RequiresAction = true
	s.send(ctx, KindAuth, title, message, md)
}

func (s *Service) send(ctx context.Context, kind Kind, title, message string, md Metadata) {
	n := Notification{
		ID:        "ntf_" + uuid.NewString(),
		Kind:      kind,
		Title:     title,
		Message:   message,
		Timestamp: s.now(),
		Metadata:  md,
	}

	var ev *zerolog.Event
	if kind == KindSuccess {
		ev = log.Info()
	} else {
		ev = log.Warn()
	}
	ev.Str("kind", string(kind)).Str("template_id", md.TemplateID).Str("title", title).Msg(message)

	if err := s.appendHistory(ctx, n); err != nil {
		log.Warn().Err(err).Msg("persist notification")
	}
	if s.cfg.WebhookURL == "" {
		return
	}
	if !s.limiter.Allow() {
		log.Warn().Str("notification_id", n.ID).Msg("webhook rate limit exceeded, not delivered")
		return
	}
	// Delivery runs detached so a slow webhook never holds up the caller.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.post(context.WithoutCancel(ctx), n); err != nil {
			log.Warn().Err(err).Str("notification_id", n.ID).Msg("webhook delivery failed")
		}
	}()
}

// Wait blocks until in-flight webhook deliveries have finished.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) appendHistory(ctx context.Context, n Notification) error {
	hist, err := s.History(ctx)
	if err != nil {
		return err
	}
	cutoff := s.now().Add(-s.cfg.Retention)
	kept := []Notification{n}
	for _, h := range hist {
		if len(kept) >= s.cfg.HistoryLimit {
			break
		}
		if h.Timestamp.After(cutoff) {
			kept = append(kept, h)
		}
	}
	return store.SetJSON(ctx, s.kv, HistoryKey, kept)
}

// History returns stored notifications, newest first.
func (s *Service) History(ctx context.Context) ([]Notification, error) {
	var hist []Notification
	if _, err := store.GetJSON(ctx, s.kv, HistoryKey, &hist); err != nil {
		return nil, err
	}
	return hist, nil
}

func (s *Service) post(ctx context.Context, n Notification) error {
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.WebhookURL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
