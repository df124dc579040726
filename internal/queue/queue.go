// Package queue holds the persisted execution queue. The whole queue is one
// JSON document under Key, read and written as a unit.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"recurflow/internal/domain"
	"recurflow/internal/store"
)

const Key = "scheduling.queue"

type Queue struct {
	Executions    []domain.QueuedExecution `json:"executions"`
	LastProcessed time.Time                `json:"lastProcessed"`
}

// Load returns the stored queue, or an empty one if none was saved yet.
func Load(ctx context.Context, kv store.KV) (Queue, error) {
	var q Queue
	if _, err := store.GetJSON(ctx, kv, Key, &q); err != nil {
		return Queue{}, fmt.Errorf("load execution queue: %w", err)
	}
	if q.Executions == nil {
		q.Executions = []domain.QueuedExecution{}
	}
	return q, nil
}

func Save(ctx context.Context, kv store.KV, q Queue) error {
	if err := store.SetJSON(ctx, kv, Key, q); err != nil {
		return fmt.Errorf("save execution queue: %w", err)
	}
	return nil
}

func newID() string { return "exec_" + uuid.NewString() }

// Replace drops every entry for templateID and appends a fresh pending one.
func (q *Queue) Replace(templateID string, at time.Time) domain.QueuedExecution {
	q.Remove(templateID)
	e := domain.QueuedExecution{
		ID:          newID(),
		TemplateID:  templateID,
		ScheduledAt: at,
		Status:      domain.QueuePending,
	}
	q.Executions = append(q.Executions, e)
	return e
}

// Remove drops every entry for templateID and reports whether any existed.
func (q *Queue) Remove(templateID string) bool {
	kept := q.Executions[:0]
	for _, e := range q.Executions {
		if e.TemplateID != templateID {
			kept = append(kept, e)
		}
	}
	removed := len(kept) != len(q.Executions)
	q.Executions = kept
	return removed
}

// Lookup returns the entry with execution id.
func (q *Queue) Lookup(id string) (*domain.QueuedExecution, bool) {
	for i := range q.Executions {
		if q.Executions[i].ID == id {
			return &q.Executions[i], true
		}
	}
	return nil, false
}

func (q Queue) ForTemplate(templateID string) (domain.QueuedExecution, bool) {
	for _, e := range q.Executions {
		if e.TemplateID == templateID {
			return e, true
		}
	}
	return domain.QueuedExecution{}, false
}

// PendingDue returns the ids of pending entries scheduled at or before cutoff.
func (q Queue) PendingDue(cutoff time.Time) []string {
	var ids []string
	for _, e := range q.Executions {
		if e.Status == domain.QueuePending && !e.ScheduledAt.After(cutoff) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// PruneCompleted drops completed entries scheduled at or before cutoff.
func (q *Queue) PruneCompleted(cutoff time.Time) int {
	kept := q.Executions[:0]
	for _, e := range q.Executions {
		if e.Status == domain.QueueCompleted && !e.ScheduledAt.After(cutoff) {
			continue
		}
		kept = append(kept, e)
	}
	n := len(q.Executions) - len(kept)
	q.Executions = kept
	return n
}
