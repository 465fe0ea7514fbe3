package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/repository"
)

// TemplateRepository stores message templates with their variations.
type TemplateRepository struct {
	db *sqlx.DB
}

// NewTemplateRepository constructs the repository.
func NewTemplateRepository(db *sqlx.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Create inserts a template.
func (r *TemplateRepository) Create(ctx context.Context, tpl *domain.Template) error {
	variations, err := json.Marshal(tpl.Variations)
	if err != nil {
		return fmt.Errorf("template repo: marshal variations: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO message_templates (id, tenant_id, name, body, variations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`, tpl.ID, tpl.TenantID, tpl.Name, tpl.Body, variations, tpl.CreatedAt)
	if err != nil {
		return fmt.Errorf("template repo: insert: %w", err)
	}
	return nil
}

// Get fetches a template.
func (r *TemplateRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	var rec struct {
		ID         uuid.UUID `db:"id"`
		TenantID   uuid.UUID `db:"tenant_id"`
		Name       string    `db:"name"`
		Body       string    `db:"body"`
		Variations []byte    `db:"variations"`
		CreatedAt  time.Time `db:"created_at"`
	}
	err := r.db.GetContext(ctx, &rec, `SELECT id, tenant_id, name, body, variations, created_at
		FROM message_templates WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("template repo: get: %w", err)
	}

	tpl := &domain.Template{
		ID:        rec.ID,
		TenantID:  rec.TenantID,
		Name:      rec.Name,
		Body:      rec.Body,
		CreatedAt: rec.CreatedAt,
	}
	if len(rec.Variations) > 0 {
		if err := json.Unmarshal(rec.Variations, &tpl.Variations); err != nil {
			return nil, fmt.Errorf("template repo: decode variations: %w", err)
		}
	}
	return tpl, nil
}
