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

// ContactRepository resolves contact lists into campaign audiences.
type ContactRepository struct {
	db *sqlx.DB
}

// NewContactRepository constructs the repository.
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// GetList fetches list metadata.
func (r *ContactRepository) GetList(ctx context.Context, id uuid.UUID) (*domain.ContactList, error) {
	var rec struct {
		ID         uuid.UUID `db:"id"`
		TenantID   uuid.UUID `db:"tenant_id"`
		Name       string    `db:"name"`
		Kind       string    `db:"kind"`
		FilterTags []byte    `db:"filter_tags"`
	}
	err := r.db.GetContext(ctx, &rec, `SELECT id, tenant_id, name, kind, array_to_json(filter_tags) AS filter_tags
		FROM contact_lists WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("contact repo: get list: %w", err)
	}

	list := &domain.ContactList{
		ID:       rec.ID,
		TenantID: rec.TenantID,
		Name:     rec.Name,
		Kind:     domain.ListKind(rec.Kind),
	}
	if len(rec.FilterTags) > 0 {
		if err := json.Unmarshal(rec.FilterTags, &list.FilterTags); err != nil {
			return nil, fmt.Errorf("contact repo: decode filter tags: %w", err)
		}
	}
	return list, nil
}

// Audience lists the contacts a campaign on this list will message.
func (r *ContactRepository) Audience(ctx context.Context, listID uuid.UUID) ([]domain.Contact, error) {
	list, err := r.GetList(ctx, listID)
	if err != nil {
		return nil, err
	}

	var rows *sqlx.Rows
	switch list.Kind {
	case domain.ListKindDynamic:
		if len(list.FilterTags) == 0 {
			return nil, nil
		}
		rows, err = r.db.QueryxContext(ctx, `SELECT c.id, c.tenant_id, c.name, c.phone,
				array_to_json(c.tags) AS tags, c.fields, c.created_at
			FROM contacts c
			WHERE c.tenant_id = $1 AND c.tags && $2
			ORDER BY c.created_at ASC, c.id ASC`, list.TenantID, list.FilterTags)
	default:
		rows, err = r.db.QueryxContext(ctx, `SELECT c.id, c.tenant_id, c.name, c.phone,
				array_to_json(c.tags) AS tags, c.fields, c.created_at
			FROM contacts c
			JOIN contact_list_members m ON m.contact_id = c.id
			WHERE m.list_id = $1
			ORDER BY c.created_at ASC, c.id ASC`, listID)
	}
	if err != nil {
		return nil, fmt.Errorf("contact repo: audience: %w", err)
	}
	defer rows.Close()

	var contacts []domain.Contact
	for rows.Next() {
		var rec contactRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("contact repo: scan: %w", err)
		}
		contact, err := rec.toDomain()
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("contact repo: rows err: %w", err)
	}
	return contacts, nil
}

type contactRecord struct {
	ID        uuid.UUID `db:"id"`
	TenantID  uuid.UUID `db:"tenant_id"`
	Name      string    `db:"name"`
	Phone     string    `db:"phone"`
	Tags      []byte    `db:"tags"`
	Fields    []byte    `db:"fields"`
	CreatedAt time.Time `db:"created_at"`
}

func (r contactRecord) toDomain() (domain.Contact, error) {
	c := domain.Contact{
		ID:        r.ID,
		TenantID:  r.TenantID,
		Name:      r.Name,
		Phone:     r.Phone,
		CreatedAt: r.CreatedAt,
	}
	if len(r.Tags) > 0 {
		if err := json.Unmarshal(r.Tags, &c.Tags); err != nil {
			return domain.Contact{}, fmt.Errorf("contact repo: decode tags: %w", err)
		}
	}
	if len(r.Fields) > 0 {
		if err := json.Unmarshal(r.Fields, &c.Fields); err != nil {
			return domain.Contact{}, fmt.Errorf("contact repo: decode fields: %w", err)
		}
	}
	return c, nil
}
