package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/repository"
)

// InstanceRepository persists WhatsApp instances.
type InstanceRepository struct {
	db *sqlx.DB
}

// NewInstanceRepository constructs the repository.
func NewInstanceRepository(db *sqlx.DB) *InstanceRepository {
	return &InstanceRepository{db: db}
}

// Create inserts an instance.
func (r *InstanceRepository) Create(ctx context.Context, instance *domain.Instance) error {
	_, err := r.db.NamedExecContext(ctx, `INSERT INTO instances (
		id, tenant_id, name, status, warming_level, created_at, updated_at
	) VALUES (:id, :tenant_id, :name, :status, :warming_level, :created_at, :updated_at)`, map[string]any{
		"id":            instance.ID,
		"tenant_id":     instance.TenantID,
		"name":          instance.Name,
		"status":        string(instance.Status),
		"warming_level": instance.WarmingLevel,
		"created_at":    instance.CreatedAt,
		"updated_at":    instance.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("instance repo: insert: %w", err)
	}
	return nil
}

// Get fetches a single instance.
func (r *InstanceRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Instance, error) {
	var rec instanceRecord
	err := r.db.GetContext(ctx, &rec, `SELECT id, tenant_id, name, status, warming_level, created_at, updated_at
		FROM instances WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("instance repo: get: %w", err)
	}
	inst := rec.toDomain()
	return &inst, nil
}

// GetMany fetches the given instances; missing ids are simply absent from the result.
func (r *InstanceRepository) GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Instance, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var recs []instanceRecord
	err := r.db.SelectContext(ctx, &recs, `SELECT id, tenant_id, name, status, warming_level, created_at, updated_at
		FROM instances WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("instance repo: get many: %w", err)
	}
	return toInstances(recs), nil
}

// List returns all instances, optionally for one tenant.
func (r *InstanceRepository) List(ctx context.Context, tenantID *uuid.UUID) ([]domain.Instance, error) {
	var recs []instanceRecord
	var err error
	if tenantID != nil {
		err = r.db.SelectContext(ctx, &recs, `SELECT id, tenant_id, name, status, warming_level, created_at, updated_at
			FROM instances WHERE tenant_id = $1 ORDER BY created_at ASC`, *tenantID)
	} else {
		err = r.db.SelectContext(ctx, &recs, `SELECT id, tenant_id, name, status, warming_level, created_at, updated_at
			FROM instances ORDER BY created_at ASC`)
	}
	if err != nil {
		return nil, fmt.Errorf("instance repo: list: %w", err)
	}
	return toInstances(recs), nil
}

// UpdateStatus stores the latest provider connection state.
func (r *InstanceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstanceStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE instances SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("instance repo: update status: %w", err)
	}
	return expectAffected(res, "instance repo")
}

// UpdateWarmingLevel stores the user-set warming level.
func (r *InstanceRepository) UpdateWarmingLevel(ctx context.Context, id uuid.UUID, level int) error {
	res, err := r.db.ExecContext(ctx, `UPDATE instances SET warming_level = $1, updated_at = NOW() WHERE id = $2`, level, id)
	if err != nil {
		return fmt.Errorf("instance repo: update warming level: %w", err)
	}
	return expectAffected(res, "instance repo")
}

type instanceRecord struct {
	ID           uuid.UUID `db:"id"`
	TenantID     uuid.UUID `db:"tenant_id"`
	Name         string    `db:"name"`
	Status       string    `db:"status"`
	WarmingLevel int       `db:"warming_level"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r instanceRecord) toDomain() domain.Instance {
	return domain.Instance{
		ID:           r.ID,
		TenantID:     r.TenantID,
		Name:         r.Name,
		Status:       domain.InstanceStatus(r.Status),
		WarmingLevel: r.WarmingLevel,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func toInstances(recs []instanceRecord) []domain.Instance {
	out := make([]domain.Instance, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.toDomain())
	}
	return out
}
