// Package templates stores expense templates as JSON documents in SQLite.
package templates

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"recurflow/internal/domain"
)

// Repository is what the scheduler needs from template storage.
type Repository interface {
	Get(ctx context.Context, id string) (domain.Template, error)
	// Update applies mutate to the stored template and persists the result.
	Update(ctx context.Context, id string, mutate func(*domain.Template) error) (domain.Template, error)
}

type SQLiteRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sqlx.DB) *SQLiteRepo {
	return &SQLiteRepo{db: db, now: time.Now}
}

type row struct {
	ID  string `db:"id"`
	Doc []byte `db:"doc"`
}

func (r *SQLiteRepo) Create(ctx context.Context, t domain.Template) (domain.Template, error) {
	if t.ID == "" {
		t.ID = "tpl_" + uuid.NewString()
	}
	now := r.now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.ExecutionHistory == nil {
		t.ExecutionHistory = []domain.ExecutionRecord{}
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return domain.Template{}, err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO templates (id,name,scheduling_enabled,doc,created_at,updated_at)
VALUES (?,?,?,?,?,?)`, t.ID, t.Name, t.SchedulingEnabled(), doc, now, now)
	return t, err
}

func (r *SQLiteRepo) Get(ctx context.Context, id string) (domain.Template, error) {
	return get(ctx, r.db, id)
}

func get(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Template, error) {
	var rw row
	err := sqlx.GetContext(ctx, q, &rw, `SELECT id, doc FROM templates WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Template{}, fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Template{}, err
	}
	var t domain.Template
	if err := json.Unmarshal(rw.Doc, &t); err != nil {
		return domain.Template{}, fmt.Errorf("decode template %s: %w", id, err)
	}
	return t, nil
}

func (r *SQLiteRepo) Update(ctx context.Context, id string, mutate func(*domain.Template) error) (domain.Template, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Template{}, err
	}
	defer func() { _ = tx.Rollback() }()

	t, err := get(ctx, tx, id)
	if err != nil {
		return domain.Template{}, err
	}
	if err := mutate(&t); err != nil {
		return domain.Template{}, err
	}
	t.ID = id
	t.UpdatedAt = r.now().UTC()
	doc, err := json.Marshal(t)
	if err != nil {
		return domain.Template{}, err
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE templates SET name=?, scheduling_enabled=?, doc=?, updated_at=? WHERE id=?`,
		t.Name, t.SchedulingEnabled(), doc, t.UpdatedAt, id); err != nil {
		return domain.Template{}, err
	}
	return t, tx.Commit()
}

func (r *SQLiteRepo) List(ctx context.Context) ([]domain.Template, error) {
	var rows []row
	if err := r.db.SelectContext(ctx, &rows, `SELECT id, doc FROM templates ORDER BY updated_at DESC`); err != nil {
		return nil, err
	}
	out := make([]domain.Template, 0, len(rows))
	for _, rw := range rows {
		var t domain.Template
		if err := json.Unmarshal(rw.Doc, &t); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", rw.ID, err)
		}
		out = append(out, t)
	}
	return out, nil
}

// ListScheduled returns the ids of templates with scheduling enabled.
func (r *SQLiteRepo) ListScheduled(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM templates WHERE scheduling_enabled = 1 ORDER BY id`)
	return ids, err
}

func (r *SQLiteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
