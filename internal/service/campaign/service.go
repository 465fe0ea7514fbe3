package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/repository"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

// Service orchestrates campaign lifecycle operations.
type Service struct {
	repo      repository.CampaignRepository
	messages  repository.MessageRepository
	templates repository.TemplateRepository
	contacts  repository.ContactRepository
	attempts  repository.AttemptLog
	now       func() time.Time
}

// NewService constructs a campaign service. attempts may be nil when no attempt log is configured.
func NewService(
	repo repository.CampaignRepository,
	messages repository.MessageRepository,
	templates repository.TemplateRepository,
	contacts repository.ContactRepository,
	attempts repository.AttemptLog,
) *Service {
	return &Service{
		repo:      repo,
		messages:  messages,
		templates: templates,
		contacts:  contacts,
		attempts:  attempts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateCampaignInput captures campaign creation parameters.
type CreateCampaignInput struct {
	TenantID         uuid.UUID
	Name             string
	TemplateID       uuid.UUID
	ListID           uuid.UUID
	InstanceIDs      []uuid.UUID
	SendingMode      domain.SendingMode
	StopOnFirstError bool
	ScheduledAt      *time.Time
}

// Create stores a new draft campaign, or a scheduled one when ScheduledAt is set.
func (s *Service) Create(ctx context.Context, input CreateCampaignInput) (*domain.Campaign, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}

	tpl, err := s.templates.Get(ctx, input.TemplateID)
	if err != nil {
		return nil, lookupErr("template", input.TemplateID, err)
	}
	list, err := s.contacts.GetList(ctx, input.ListID)
	if err != nil {
		return nil, lookupErr("contact list", input.ListID, err)
	}
	if tpl.TenantID != input.TenantID || list.TenantID != input.TenantID {
		return nil, apperrors.Validationf("template and list must belong to the campaign tenant")
	}

	mode := input.SendingMode
	if mode == "" {
		mode = domain.SendingModeWeighted
	}

	now := s.now()
	campaign := &domain.Campaign{
		ID:               uuid.New(),
		TenantID:         input.TenantID,
		Name:             input.Name,
		Status:           domain.CampaignStatusDraft,
		TemplateID:       input.TemplateID,
		ListID:           input.ListID,
		InstanceIDs:      input.InstanceIDs,
		SendingMode:      mode,
		StopOnFirstError: input.StopOnFirstError,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if input.ScheduledAt != nil {
		at := input.ScheduledAt.UTC()
		campaign.Status = domain.CampaignStatusScheduled
		campaign.ScheduledAt = &at
	}

	if err := s.repo.Create(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: create campaign: %w", err)
	}
	return campaign, nil
}

// Get retrieves a campaign by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	return s.repo.Get(ctx, id)
}

// List returns campaigns ordered by id.
func (s *Service) List(ctx context.Context, tenantID *uuid.UUID, afterID *uuid.UUID, limit int) ([]*domain.Campaign, error) {
	return s.repo.List(ctx, tenantID, afterID, limit)
}

// Schedule sets or moves the start time of a draft or scheduled campaign.
func (s *Service) Schedule(ctx context.Context, id uuid.UUID, at time.Time) (*domain.Campaign, error) {
	if at.IsZero() {
		return nil, apperrors.Validationf("scheduled_at is required")
	}
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !campaign.IsStartable() {
		return nil, fmt.Errorf("%w: campaign is %s and can no longer be scheduled", apperrors.ErrConflict, campaign.Status)
	}

	at = at.UTC()
	campaign.Status = domain.CampaignStatusScheduled
	campaign.ScheduledAt = &at
	campaign.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, campaign); err != nil {
		return nil, fmt.Errorf("campaign service: schedule: %w", err)
	}
	return campaign, nil
}

// Prepare materialises one queued message per audience contact, rendering the
// template variant for each position. Running it again only adds contacts that
// joined the list since; existing rows are left alone.
func (s *Service) Prepare(ctx context.Context, id uuid.UUID) (int64, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	tpl, err := s.templates.Get(ctx, campaign.TemplateID)
	if err != nil {
		return 0, fmt.Errorf("campaign service: load template: %w", err)
	}
	audience, err := s.contacts.Audience(ctx, campaign.ListID)
	if err != nil {
		return 0, fmt.Errorf("campaign service: load audience: %w", err)
	}

	base := s.now()
	messages := make([]domain.CampaignMessage, 0, len(audience))
	for i, contact := range audience {
		if contact.Phone == "" {
			continue
		}
		msgID, err := uuid.NewV7()
		if err != nil {
			msgID = uuid.New()
		}
		messages = append(messages, domain.CampaignMessage{
			ID:         msgID,
			CampaignID: campaign.ID,
			ContactID:  contact.ID,
			Phone:      contact.Phone,
			Content:    render(pickVariant(tpl, i), contact),
			Status:     domain.MessageStatusQueued,
			// queue order follows audience order
			CreatedAt: base.Add(time.Duration(i) * time.Microsecond),
		})
	}

	inserted, err := s.messages.BulkInsert(ctx, messages)
	if err != nil {
		return 0, fmt.Errorf("campaign service: insert messages: %w", err)
	}
	if err := s.reconcile(ctx, campaign.ID); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// Cancel stops a campaign. A running dispatch loop notices between messages.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*domain.Campaign, error) {
	ok, err := s.repo.TransitionStatus(ctx, id, []domain.CampaignStatus{
		domain.CampaignStatusDraft,
		domain.CampaignStatusScheduled,
		domain.CampaignStatusSending,
	}, domain.CampaignStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("campaign service: cancel: %w", err)
	}
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok && campaign.Status != domain.CampaignStatusCancelled {
		return nil, fmt.Errorf("%w: campaign is %s", apperrors.ErrConflict, campaign.Status)
	}
	return campaign, nil
}

// Stats is the live view of a campaign's progress.
type Stats struct {
	CampaignID uuid.UUID             `json:"campaignId"`
	Status     domain.CampaignStatus `json:"status"`
	Total      int64                 `json:"totalContacts"`
	Queued     int64                 `json:"queued"`
	Sending    int64                 `json:"sending"`
	Sent       int64                 `json:"sent"`
	Delivered  int64                 `json:"delivered"`
	Failed     int64                 `json:"failed"`
	Pending    int64                 `json:"pending"`
}

// Stats derives progress from the message rows rather than the stored counters.
func (s *Service) Stats(ctx context.Context, id uuid.UUID) (*Stats, error) {
	campaign, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := s.messages.CountByStatus(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign service: count messages: %w", err)
	}
	return &Stats{
		CampaignID: id,
		Status:     campaign.Status,
		Total:      counts.Total(),
		Queued:     counts.Queued,
		Sending:    counts.Sending,
		Sent:       counts.Sent,
		Delivered:  counts.Delivered,
		Failed:     counts.Failed,
		Pending:    counts.Pending(),
	}, nil
}

// Messages pages through a campaign's message rows.
func (s *Service) Messages(ctx context.Context, id uuid.UUID, status string, afterID *uuid.UUID, limit int) ([]domain.CampaignMessage, error) {
	if status != "" {
		switch domain.MessageStatus(status) {
		case domain.MessageStatusQueued, domain.MessageStatusSending, domain.MessageStatusSent,
			domain.MessageStatusDelivered, domain.MessageStatusFailed:
		default:
			return nil, apperrors.Validationf("unknown message status %q", status)
		}
	}
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.messages.List(ctx, id, status, afterID, limit)
}

// Attempts pages through the send attempt log, newest first.
func (s *Service) Attempts(ctx context.Context, id uuid.UUID, limit int, pagingState []byte) ([]domain.SendAttempt, []byte, error) {
	if s.attempts == nil {
		return nil, nil, fmt.Errorf("%w: attempt log is not configured", apperrors.ErrUnavailable)
	}
	return s.attempts.ListByCampaign(ctx, id, limit, pagingState)
}

// CreateTemplateInput describes a new template.
type CreateTemplateInput struct {
	TenantID   uuid.UUID
	Name       string
	Body       string
	Variations []string
}

// CreateTemplate stores a template and its variations.
func (s *Service) CreateTemplate(ctx context.Context, input CreateTemplateInput) (*domain.Template, error) {
	if input.TenantID == uuid.Nil {
		return nil, apperrors.Validationf("tenant id is required")
	}
	if input.Name == "" || input.Body == "" {
		return nil, apperrors.Validationf("template name and body are required")
	}
	variations := make([]string, 0, len(input.Variations))
	for _, v := range input.Variations {
		if v != "" {
			variations = append(variations, v)
		}
	}
	tpl := &domain.Template{
		ID:         uuid.New(),
		TenantID:   input.TenantID,
		Name:       input.Name,
		Body:       input.Body,
		Variations: variations,
		CreatedAt:  s.now(),
	}
	if err := s.templates.Create(ctx, tpl); err != nil {
		return nil, fmt.Errorf("campaign service: create template: %w", err)
	}
	return tpl, nil
}

// GetTemplate fetches a template.
func (s *Service) GetTemplate(ctx context.Context, id uuid.UUID) (*domain.Template, error) {
	return s.templates.Get(ctx, id)
}

// reconcile overwrites the stored counters with counts taken from the rows.
func (s *Service) reconcile(ctx context.Context, id uuid.UUID) error {
	counts, err := s.messages.CountByStatus(ctx, id)
	if err != nil {
		return fmt.Errorf("campaign service: count messages: %w", err)
	}
	if err := s.repo.SetCounts(ctx, id, domain.CampaignCounts{
		TotalContacts: counts.Total(),
		Sent:          counts.Sent + counts.Delivered,
		Delivered:     counts.Delivered,
		Failed:        counts.Failed,
	}); err != nil {
		return fmt.Errorf("campaign service: set counts: %w", err)
	}
	return nil
}

func lookupErr(kind string, id uuid.UUID, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperrors.Validationf("%s %s not found", kind, id)
	}
	return fmt.Errorf("campaign service: load %s: %w", kind, err)
}

func validateCreateInput(input CreateCampaignInput) error {
	if input.TenantID == uuid.Nil {
		return apperrors.Validationf("tenant id is required")
	}
	if input.Name == "" {
		return apperrors.Validationf("campaign name is required")
	}
	if input.TemplateID == uuid.Nil {
		return apperrors.Validationf("template id is required")
	}
	if input.ListID == uuid.Nil {
		return apperrors.Validationf("list id is required")
	}
	if input.SendingMode != "" && !input.SendingMode.Valid() {
		return apperrors.Validationf("unknown sending mode %q", input.SendingMode)
	}
	return nil
}
