package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/domain"
)

// AttemptLog persists provider send attempts in Scylla.
type AttemptLog struct {
	session *gocql.Session
}

// NewAttemptLog creates a new attempt log.
func NewAttemptLog(session *gocql.Session) *AttemptLog {
	return &AttemptLog{session: session}
}

// Append writes the attempt to the per-campaign and per-instance tables.
func (s *AttemptLog) Append(ctx context.Context, attempt domain.SendAttempt) error {
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now().UTC()
	}
	durationMs := int64(attempt.Duration / time.Millisecond)

	if err := s.session.Query(`INSERT INTO send_attempts_by_campaign (campaign_id, created_at, message_id, instance_id, status, provider_message_id, error, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.CampaignID.String(), attempt.CreatedAt, attempt.MessageID.String(), attempt.InstanceID.String(),
		string(attempt.Status), attempt.ProviderMessageID, attempt.Error, durationMs,
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt log: insert send_attempts_by_campaign: %w", err)
	}

	if err := s.session.Query(`INSERT INTO send_attempts_by_instance (instance_id, bucket, created_at, message_id, campaign_id, status)
		VALUES (?, ?, ?, ?, ?, ?)`,
		attempt.InstanceID.String(), bucketDate(attempt.CreatedAt), attempt.CreatedAt, attempt.MessageID.String(),
		attempt.CampaignID.String(), string(attempt.Status),
	).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("attempt log: insert send_attempts_by_instance: %w", err)
	}
	return nil
}

// ListByCampaign pages through a campaign's attempts, newest first.
func (s *AttemptLog) ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.SendAttempt, []byte, error) {
	if limit <= 0 {
		limit = 100
	}

	query := s.session.Query(`SELECT created_at, message_id, instance_id, status, provider_message_id, error, duration_ms
		FROM send_attempts_by_campaign WHERE campaign_id = ?`, campaignID.String()).WithContext(ctx)
	query = query.PageSize(limit)
	if len(pagingState) > 0 {
		query = query.PageState(pagingState)
	}

	iter := query.Iter()
	attempts := make([]domain.SendAttempt, 0, limit)

	var (
		created       time.Time
		messageIDStr  string
		instanceIDStr string
		status        string
		providerID    string
		errText       string
		durationMs    int64
	)

	for iter.Scan(&created, &messageIDStr, &instanceIDStr, &status, &providerID, &errText, &durationMs) {
		messageID, err := uuid.Parse(messageIDStr)
		if err != nil {
			continue
		}
		instanceID, err := uuid.Parse(instanceIDStr)
		if err != nil {
			continue
		}
		attempts = append(attempts, domain.SendAttempt{
			CampaignID:        campaignID,
			MessageID:         messageID,
			InstanceID:        instanceID,
			Status:            domain.MessageStatus(status),
			ProviderMessageID: providerID,
			Error:             errText,
			Duration:          time.Duration(durationMs) * time.Millisecond,
			CreatedAt:         created,
		})
	}

	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("attempt log: iter close: %w", err)
	}
	return attempts, iter.PageState(), nil
}

func bucketDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
