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

const messageColumns = `id, campaign_id, contact_id, phone, content, status, instance_id,
	whatsapp_message_id, last_error, sent_at, created_at, updated_at`

// MessageRepository persists the campaign message queue.
type MessageRepository struct {
	db *sqlx.DB
}

// NewMessageRepository constructs the repository.
func NewMessageRepository(db *sqlx.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// BulkInsert inserts queued messages, ignoring rows that already exist for the same contact.
func (r *MessageRepository) BulkInsert(ctx context.Context, messages []domain.CampaignMessage) (int64, error) {
	if len(messages) == 0 {
		return 0, nil
	}

	query := `INSERT INTO campaign_messages (
		id, campaign_id, contact_id, phone, content, status, created_at, updated_at
	) VALUES (:id, :campaign_id, :contact_id, :phone, :content, :status, :created_at, :updated_at)
	ON CONFLICT (campaign_id, contact_id) DO NOTHING`

	var inserted int64
	err := withTx(ctx, r.db, "message repo: bulk insert", func(tx *sqlx.Tx) error {
		for start := 0; start < len(messages); start += insertChunk {
			end := min(start+insertChunk, len(messages))
			rows := make([]map[string]any, 0, end-start)
			for _, m := range messages[start:end] {
				rows = append(rows, map[string]any{
					"id":          m.ID,
					"campaign_id": m.CampaignID,
					"contact_id":  m.ContactID,
					"phone":       m.Phone,
					"content":     m.Content,
					"status":      string(m.Status),
					"created_at":  m.CreatedAt,
					"updated_at":  m.CreatedAt,
				})
			}
			res, err := tx.NamedExecContext(ctx, query, rows)
			if err != nil {
				return fmt.Errorf("message repo: bulk insert: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("message repo: rows affected: %w", err)
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// insertChunk keeps a single multi-row insert under the bind parameter limit.
const insertChunk = 1000

// NextQueued returns queued messages in insertion order.
func (r *MessageRepository) NextQueued(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.CampaignMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.query(ctx, "next queued", `SELECT `+messageColumns+` FROM campaign_messages
		WHERE campaign_id = $1 AND status = 'queued'
		ORDER BY created_at ASC, id ASC
		LIMIT $2`, campaignID, limit)
}

// Claim performs the queued -> sending compare-and-set.
func (r *MessageRepository) Claim(ctx context.Context, id, instanceID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_messages
		SET status = 'sending', instance_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'queued'`, id, instanceID)
	if err != nil {
		return false, fmt.Errorf("message repo: claim: %w", err)
	}
	return affectedOne(res)
}

// MarkSent records a successful provider call.
func (r *MessageRepository) MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_messages
		SET status = 'sent', whatsapp_message_id = $2, last_error = NULL, sent_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`, id, providerMessageID)
	if err != nil {
		return false, fmt.Errorf("message repo: mark sent: %w", err)
	}
	return affectedOne(res)
}

// MarkFailed records a failed provider call.
func (r *MessageRepository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_messages
		SET status = 'failed', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'sending'`, id, reason)
	if err != nil {
		return false, fmt.Errorf("message repo: mark failed: %w", err)
	}
	return affectedOne(res)
}

// MarkDelivered applies a delivery receipt. Returns ErrNotFound when no sent row matches.
func (r *MessageRepository) MarkDelivered(ctx context.Context, providerMessageID string) (*domain.CampaignMessage, error) {
	row := r.db.QueryRowxContext(ctx, `UPDATE campaign_messages
		SET status = 'delivered', updated_at = NOW()
		WHERE whatsapp_message_id = $1 AND status = 'sent'
		RETURNING `+messageColumns, providerMessageID)

	var rec messageRecord
	if err := row.StructScan(&rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("message repo: mark delivered: %w", err)
	}
	msg := rec.toDomain()
	return &msg, nil
}

// RequeueStuck returns orphaned sending rows to the queue. The cutoff is
// computed on the database clock, the same one that stamps updated_at.
func (r *MessageRepository) RequeueStuck(ctx context.Context, campaignID uuid.UUID, stuckAfter time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE campaign_messages
		SET status = 'queued', instance_id = NULL, updated_at = NOW()
		WHERE campaign_id = $1 AND status = 'sending'
		  AND updated_at <= NOW() - make_interval(secs => $2)`, campaignID, stuckAfter.Seconds())
	if err != nil {
		return 0, fmt.Errorf("message repo: requeue stuck: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("message repo: rows affected: %w", err)
	}
	return n, nil
}

// CountByStatus derives counters straight from the rows.
func (r *MessageRepository) CountByStatus(ctx context.Context, campaignID uuid.UUID) (domain.MessageCounts, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS n FROM campaign_messages
		WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return domain.MessageCounts{}, fmt.Errorf("message repo: count: %w", err)
	}
	defer rows.Close()

	var counts domain.MessageCounts
	for rows.Next() {
		var row struct {
			Status string `db:"status"`
			N      int64  `db:"n"`
		}
		if err := rows.StructScan(&row); err != nil {
			return domain.MessageCounts{}, fmt.Errorf("message repo: scan count: %w", err)
		}
		switch domain.MessageStatus(row.Status) {
		case domain.MessageStatusQueued:
			counts.Queued = row.N
		case domain.MessageStatusSending:
			counts.Sending = row.N
		case domain.MessageStatusSent:
			counts.Sent = row.N
		case domain.MessageStatusDelivered:
			counts.Delivered = row.N
		case domain.MessageStatusFailed:
			counts.Failed = row.N
		}
	}
	if err := rows.Err(); err != nil {
		return domain.MessageCounts{}, fmt.Errorf("message repo: rows err: %w", err)
	}
	return counts, nil
}

// List pages through a campaign's messages, optionally filtered by status.
func (r *MessageRepository) List(ctx context.Context, campaignID uuid.UUID, status string, afterID *uuid.UUID, limit int) ([]domain.CampaignMessage, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + messageColumns + ` FROM campaign_messages WHERE campaign_id = $1`
	args := []any{campaignID}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if afterID != nil {
		args = append(args, *afterID)
		query += fmt.Sprintf(" AND id > $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id ASC LIMIT $%d", len(args))

	return r.query(ctx, "list", query, args...)
}

func (r *MessageRepository) query(ctx context.Context, op, query string, args ...any) ([]domain.CampaignMessage, error) {
	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("message repo: %s: %w", op, err)
	}
	defer rows.Close()

	var results []domain.CampaignMessage
	for rows.Next() {
		var rec messageRecord
		if err := rows.StructScan(&rec); err != nil {
			return nil, fmt.Errorf("message repo: scan: %w", err)
		}
		results = append(results, rec.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message repo: rows err: %w", err)
	}
	return results, nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

type messageRecord struct {
	ID                uuid.UUID      `db:"id"`
	CampaignID        uuid.UUID      `db:"campaign_id"`
	ContactID         uuid.UUID      `db:"contact_id"`
	Phone             string         `db:"phone"`
	Content           string         `db:"content"`
	Status            string         `db:"status"`
	InstanceID        uuid.NullUUID  `db:"instance_id"`
	WhatsAppMessageID sql.NullString `db:"whatsapp_message_id"`
	LastError         sql.NullString `db:"last_error"`
	SentAt            sql.NullTime   `db:"sent_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

func (r messageRecord) toDomain() domain.CampaignMessage {
	msg := domain.CampaignMessage{
		ID:         r.ID,
		CampaignID: r.CampaignID,
		ContactID:  r.ContactID,
		Phone:      r.Phone,
		Content:    r.Content,
		Status:     domain.MessageStatus(r.Status),
		SentAt:     nullTime(r.SentAt),
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if r.InstanceID.Valid {
		id := r.InstanceID.UUID
		msg.InstanceID = &id
	}
	if r.WhatsAppMessageID.Valid {
		v := r.WhatsAppMessageID.String
		msg.WhatsAppMessageID = &v
	}
	if r.LastError.Valid {
		v := r.LastError.String
		msg.LastError = &v
	}
	return msg
}
