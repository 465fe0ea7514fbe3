package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/domain"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

var (
	// ErrNotFound indicates the entity was not located.
	ErrNotFound = apperrors.ErrNotFound
	// ErrConflict indicates a unique constraint violation.
	ErrConflict = apperrors.ErrConflict
)

// CampaignRepository manages campaign metadata persistence.
type CampaignRepository interface {
	Create(ctx context.Context, campaign *domain.Campaign) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error)
	Update(ctx context.Context, campaign *domain.Campaign) error
	// GetStatus is the cheap read the dispatch loop polls between messages.
	GetStatus(ctx context.Context, id uuid.UUID) (domain.CampaignStatus, error)
	// TransitionStatus moves the campaign to `to` only when its status is one of `from`.
	TransitionStatus(ctx context.Context, id uuid.UUID, from []domain.CampaignStatus, to domain.CampaignStatus) (bool, error)
	List(ctx context.Context, tenantID *uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error)
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
	ApplyDelta(ctx context.Context, id uuid.UUID, delta CountsDelta) error
	SetCounts(ctx context.Context, id uuid.UUID, counts domain.CampaignCounts) error
}

// MessageRepository is the per-campaign message queue.
type MessageRepository interface {
	BulkInsert(ctx context.Context, messages []domain.CampaignMessage) (int64, error)
	NextQueued(ctx context.Context, campaignID uuid.UUID, limit int) ([]domain.CampaignMessage, error)
	// Claim atomically moves a queued row to sending. False means another writer got it first.
	Claim(ctx context.Context, id, instanceID uuid.UUID) (bool, error)
	MarkSent(ctx context.Context, id uuid.UUID, providerMessageID string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	MarkDelivered(ctx context.Context, providerMessageID string) (*domain.CampaignMessage, error)
	// RequeueStuck moves sending rows untouched for at least stuckAfter back
	// to queued. Age is measured against the store's own clock.
	RequeueStuck(ctx context.Context, campaignID uuid.UUID, stuckAfter time.Duration) (int64, error)
	CountByStatus(ctx context.Context, campaignID uuid.UUID) (domain.MessageCounts, error)
	List(ctx context.Context, campaignID uuid.UUID, status string, afterID *uuid.UUID, limit int) ([]domain.CampaignMessage, error)
}

// InstanceRepository persists WhatsApp instances.
type InstanceRepository interface {
	Create(ctx context.Context, instance *domain.Instance) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Instance, error)
	GetMany(ctx context.Context, ids []uuid.UUID) ([]domain.Instance, error)
	List(ctx context.Context, tenantID *uuid.UUID) ([]domain.Instance, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.InstanceStatus) error
	UpdateWarmingLevel(ctx context.Context, id uuid.UUID, level int) error
}

// TemplateRepository stores message templates and their variations.
type TemplateRepository interface {
	Create(ctx context.Context, tpl *domain.Template) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Template, error)
}

// ContactRepository resolves campaign audiences.
type ContactRepository interface {
	GetList(ctx context.Context, id uuid.UUID) (*domain.ContactList, error)
	Audience(ctx context.Context, listID uuid.UUID) ([]domain.Contact, error)
}

// WarmingRepository persists the warming pool.
type WarmingRepository interface {
	// CreateEntry enrols an instance, reactivating its inactive entry if one
	// exists and copying the stored row into entry. ErrConflict when active.
	CreateEntry(ctx context.Context, entry *domain.WarmingPoolEntry) error
	GetEntry(ctx context.Context, id uuid.UUID) (*domain.WarmingPoolEntry, error)
	DeactivateEntry(ctx context.Context, id uuid.UUID) error
	// ListEligibleEntries returns active entries whose instance is connected.
	ListEligibleEntries(ctx context.Context) ([]domain.WarmingPoolEntry, error)
	ListActivePairs(ctx context.Context, now time.Time) ([]domain.WarmingPoolPair, error)
	ListPairsForEntry(ctx context.Context, entryID uuid.UUID) ([]domain.WarmingPoolPair, error)
	// CreatePair inserts a canonical pair and bumps both entries' counters;
	// false when the couple already holds an active pair.
	CreatePair(ctx context.Context, pair *domain.WarmingPoolPair) (bool, error)
	ExpirePairs(ctx context.Context, now time.Time) (int64, error)
}

// AttemptLog persists per-send observability records.
type AttemptLog interface {
	Append(ctx context.Context, attempt domain.SendAttempt) error
	ListByCampaign(ctx context.Context, campaignID uuid.UUID, limit int, pagingState []byte) ([]domain.SendAttempt, []byte, error)
}

// CountsDelta captures atomic counter increments.
type CountsDelta struct {
	SentDelta      int64
	DeliveredDelta int64
	FailedDelta    int64
}

// IsZero reports whether applying the delta would be a no-op.
func (d CountsDelta) IsZero() bool {
	return d.SentDelta == 0 && d.DeliveredDelta == 0 && d.FailedDelta == 0
}
