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

const campaignColumns = `id, tenant_id, name, status, template_id, list_id, instance_ids, sending_mode,
	stop_on_first_error, total_contacts, sent_count, delivered_count, failed_count,
	scheduled_at, started_at, completed_at, created_at, updated_at`

// CampaignRepository implements repository.CampaignRepository using PostgreSQL.
type CampaignRepository struct {
	db *sqlx.DB
}

// NewCampaignRepository constructs a new repository.
func NewCampaignRepository(db *sqlx.DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

// Create inserts a new campaign.
func (r *CampaignRepository) Create(ctx context.Context, campaign *domain.Campaign) error {
	q := `INSERT INTO campaigns (
		id, tenant_id, name, status, template_id, list_id, instance_ids, sending_mode,
		stop_on_first_error, total_contacts, sent_count, delivered_count, failed_count,
		scheduled_at, started_at, completed_at, created_at, updated_at
	) VALUES (
		:id, :tenant_id, :name, :status, :template_id, :list_id, :instance_ids, :sending_mode,
		:stop_on_first_error, :total_contacts, :sent_count, :delivered_count, :failed_count,
		:scheduled_at, :started_at, :completed_at, :created_at, :updated_at
	)`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}
	if _, err := r.db.NamedExecContext(ctx, q, params); err != nil {
		return fmt.Errorf("campaign repo: insert: %w", err)
	}
	return nil
}

// Get fetches a campaign by id.
func (r *CampaignRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	row := r.db.QueryRowxContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	var record campaignRecord
	if err := row.StructScan(&record); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("campaign repo: get: %w", err)
	}
	return record.toDomain()
}

// Update writes every mutable campaign field.
func (r *CampaignRepository) Update(ctx context.Context, campaign *domain.Campaign) error {
	q := `UPDATE campaigns SET
		name = :name,
		status = :status,
		template_id = :template_id,
		list_id = :list_id,
		instance_ids = :instance_ids,
		sending_mode = :sending_mode,
		stop_on_first_error = :stop_on_first_error,
		total_contacts = :total_contacts,
		scheduled_at = :scheduled_at,
		started_at = :started_at,
		completed_at = :completed_at,
		updated_at = :updated_at
	 WHERE id = :id`

	params, err := campaignParams(campaign)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, q, params)
	if err != nil {
		return fmt.Errorf("campaign repo: update: %w", err)
	}
	return expectAffected(res, "campaign repo")
}

// GetStatus returns only the campaign status.
func (r *CampaignRepository) GetStatus(ctx context.Context, id uuid.UUID) (domain.CampaignStatus, error) {
	var status string
	if err := r.db.GetContext(ctx, &status, `SELECT status FROM campaigns WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("campaign repo: get status: %w", err)
	}
	return domain.CampaignStatus(status), nil
}

// TransitionStatus is a compare-and-set on the status column.
func (r *CampaignRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, s := range from {
		allowed = append(allowed, string(s))
	}

	q := `UPDATE campaigns SET status = $1, updated_at = NOW(),
		started_at = CASE WHEN $1 = 'sending' AND started_at IS NULL THEN NOW() ELSE started_at END,
		completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END
	WHERE id = $2 AND status = ANY($3)`

	res, err := r.db.ExecContext(ctx, q, string(to), id, allowed)
	if err != nil {
		return false, fmt.Errorf("campaign repo: transition status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("campaign repo: rows affected: %w", err)
	}
	return n == 1, nil
}

// List returns campaigns with optional tenant filter and keyset pagination.
func (r *CampaignRepository) List(ctx context.Context, tenantID *uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE 1 = 1`
	args := []any{}
	if tenantID != nil {
		args = append(args, *tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if afterID != nil {
		args = append(args, *afterID)
		query += fmt.Sprintf(" AND id > $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	return r.query(ctx, "list", query, args...)
}

// ListDueScheduled returns scheduled campaigns whose start time has passed.
func (r *CampaignRepository) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "list due", `SELECT `+campaignColumns+` FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at ASC LIMIT $2`, now, limit)
}

// ApplyDelta applies counter deltas atomically.
func (r *CampaignRepository) ApplyDelta(ctx context.Context, id uuid.UUID, delta repository.CountsDelta) error {
	if delta.IsZero() {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		sent_count = sent_count + $2,
		delivered_count = delivered_count + $3,
		failed_count = failed_count + $4,
		updated_at = NOW()
	WHERE id = $1`, id, delta.SentDelta, delta.DeliveredDelta, delta.FailedDelta)
	if err != nil {
		return fmt.Errorf("campaign repo: apply delta: %w", err)
	}
	return nil
}

// SetCounts overwrites the counters, used when reconciling from message rows.
func (r *CampaignRepository) SetCounts(ctx context.Context, id uuid.UUID, counts domain.CampaignCounts) error {
	_, err := r.db.ExecContext(ctx, `UPDATE campaigns SET
		total_contacts = $2, sent_count = $3, delivered_count = $4, failed_count = $5, updated_at = NOW()
	WHERE id = $1`, id, counts.TotalContacts, counts.Sent, counts.Delivered, counts.Failed)
	if err != nil {
		return fmt.Errorf("campaign repo: set counts: %w", err)
	}
	return nil
}

func (r *CampaignRepository) query(ctx context.Context, op, query string, args ...any) ([]*domain.Campaign, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: %s: %w", op, err)
	}
	defer rows.Close()

	var results []*domain.Campaign
	for rows.Next() {
		var record campaignRecord
		if err := rows.StructScan(&record); err != nil {
			return nil, fmt.Errorf("campaign repo: scan: %w", err)
		}
		campaign, err := record.toDomain()
		if err != nil {
			return nil, err
		}
		results = append(results, campaign)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign repo: rows err: %w", err)
	}
	return results, nil
}

func campaignParams(c *domain.Campaign) (map[string]any, error) {
	ids, err := json.Marshal(c.InstanceIDs)
	if err != nil {
		return nil, fmt.Errorf("campaign repo: marshal instance ids: %w", err)
	}
	return map[string]any{
		"id":                  c.ID,
		"tenant_id":           c.TenantID,
		"name":                c.Name,
		"status":              string(c.Status),
		"template_id":         c.TemplateID,
		"list_id":             c.ListID,
		"instance_ids":        ids,
		"sending_mode":        string(c.SendingMode),
		"stop_on_first_error": c.StopOnFirstError,
		"total_contacts":      c.Counts.TotalContacts,
		"sent_count":          c.Counts.Sent,
		"delivered_count":     c.Counts.Delivered,
		"failed_count":        c.Counts.Failed,
		"scheduled_at":        c.ScheduledAt,
		"started_at":          c.StartedAt,
		"completed_at":        c.CompletedAt,
		"created_at":          c.CreatedAt,
		"updated_at":          c.UpdatedAt,
	}, nil
}

func expectAffected(res sql.Result, component string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", component, err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}
	return nil
}

type campaignRecord struct {
	ID               uuid.UUID    `db:"id"`
	TenantID         uuid.UUID    `db:"tenant_id"`
	Name             string       `db:"name"`
	Status           string       `db:"status"`
	TemplateID       uuid.UUID    `db:"template_id"`
	ListID           uuid.UUID    `db:"list_id"`
	InstanceIDs      []byte       `db:"instance_ids"`
	SendingMode      string       `db:"sending_mode"`
	StopOnFirstError bool         `db:"stop_on_first_error"`
	TotalContacts    int64        `db:"total_contacts"`
	Sent             int64        `db:"sent_count"`
	Delivered        int64        `db:"delivered_count"`
	Failed           int64        `db:"failed_count"`
	ScheduledAt      sql.NullTime `db:"scheduled_at"`
	StartedAt        sql.NullTime `db:"started_at"`
	CompletedAt      sql.NullTime `db:"completed_at"`
	CreatedAt        time.Time    `db:"created_at"`
	UpdatedAt        time.Time    `db:"updated_at"`
}

func (r campaignRecord) toDomain() (*domain.Campaign, error) {
	campaign := &domain.Campaign{
		ID:               r.ID,
		TenantID:         r.TenantID,
		Name:             r.Name,
		Status:           domain.CampaignStatus(r.Status),
		TemplateID:       r.TemplateID,
		ListID:           r.ListID,
		SendingMode:      domain.SendingMode(r.SendingMode),
		StopOnFirstError: r.StopOnFirstError,
		Counts: domain.CampaignCounts{
			TotalContacts: r.TotalContacts,
			Sent:          r.Sent,
			Delivered:     r.Delivered,
			Failed:        r.Failed,
		},
		ScheduledAt: nullTime(r.ScheduledAt),
		StartedAt:   nullTime(r.StartedAt),
		CompletedAt: nullTime(r.CompletedAt),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.InstanceIDs) > 0 {
		if err := json.Unmarshal(r.InstanceIDs, &campaign.InstanceIDs); err != nil {
			return nil, fmt.Errorf("campaign repo: decode instance ids: %w", err)
		}
	}
	return campaign, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
