package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/metrics"
	"github.com/acme/whatsapp-campaign/internal/queue"
	"github.com/acme/whatsapp-campaign/internal/repository"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// ErrNothingPending reports that a campaign has no queued or sending messages.
// It is informational: the campaign is left untouched.
var ErrNothingPending = errors.New("no pending messages")

// InstanceResolver turns requested instance ids into connected instances.
type InstanceResolver interface {
	Connected(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]domain.Instance, error)
}

// Preparer materialises a campaign's message rows.
type Preparer interface {
	Prepare(ctx context.Context, id uuid.UUID) (int64, error)
}

// RequestPublisher hands a campaign over to a dispatcher process.
type RequestPublisher interface {
	PublishDispatch(ctx context.Context, req queue.DispatchRequest) error
}

// Service implements the start and resume triggers.
type Service struct {
	campaigns repository.CampaignRepository
	messages  repository.MessageRepository
	instances InstanceResolver
	preparer  Preparer
	publisher RequestPublisher
	cfg       config.DispatchConfig
	logger    *logger.Logger
	now       func() time.Time
}

// NewService constructs the dispatch trigger service.
func NewService(
	campaigns repository.CampaignRepository,
	messages repository.MessageRepository,
	instances InstanceResolver,
	preparer Preparer,
	publisher RequestPublisher,
	cfg config.DispatchConfig,
	lg *logger.Logger,
) *Service {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Service{
		campaigns: campaigns,
		messages:  messages,
		instances: instances,
		preparer:  preparer,
		publisher: publisher,
		cfg:       cfg,
		logger:    lg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Request is the payload of the start and resume triggers.
type Request struct {
	CampaignID       uuid.UUID
	InstanceIDs      []uuid.UUID
	SendingMode      domain.SendingMode
	StopOnFirstError *bool
}

// Outcome is returned by Start and Resume.
type Outcome struct {
	CampaignID      uuid.UUID `json:"campaignId"`
	PendingMessages int64     `json:"pendingMessages"`
	Requeued        int64     `json:"requeued"`
	Prepared        int64     `json:"prepared,omitempty"`
}

// Start prepares a draft or scheduled campaign and hands it to the dispatcher.
// Campaigns already past that point go through Resume.
func (s *Service) Start(ctx context.Context, req Request) (Outcome, error) {
	if err := s.validate(&req); err != nil {
		return Outcome{}, err
	}
	campaign, err := s.campaigns.Get(ctx, req.CampaignID)
	if err != nil {
		return Outcome{}, err
	}
	if !campaign.IsStartable() {
		return s.resume(ctx, campaign, req)
	}

	instances, err := s.instances.Connected(ctx, campaign.TenantID, req.InstanceIDs)
	if err != nil {
		return Outcome{}, err
	}

	prepared, err := s.preparer.Prepare(ctx, campaign.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch service: prepare: %w", err)
	}
	counts, err := s.messages.CountByStatus(ctx, campaign.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch service: count messages: %w", err)
	}
	out := Outcome{CampaignID: campaign.ID, PendingMessages: counts.Pending(), Prepared: prepared}
	if out.PendingMessages == 0 {
		return out, fmt.Errorf("%w: the contact list produced no messages", ErrNothingPending)
	}

	ok, err := s.campaigns.TransitionStatus(ctx, campaign.ID,
		[]domain.CampaignStatus{domain.CampaignStatusDraft, domain.CampaignStatusScheduled}, domain.CampaignStatusSending)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch service: start: %w", err)
	}
	if !ok {
		return Outcome{}, fmt.Errorf("%w: campaign changed state while starting", apperrors.ErrConflict)
	}
	if err := s.handOver(ctx, campaign, instances, req, false); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// Resume requeues messages orphaned in sending, reconciles counters and hands
// the campaign back to the dispatcher when there is anything left to send.
func (s *Service) Resume(ctx context.Context, req Request) (Outcome, error) {
	if err := s.validate(&req); err != nil {
		return Outcome{}, err
	}
	campaign, err := s.campaigns.Get(ctx, req.CampaignID)
	if err != nil {
		return Outcome{}, err
	}
	return s.resume(ctx, campaign, req)
}

func (s *Service) resume(ctx context.Context, campaign *domain.Campaign, req Request) (Outcome, error) {
	if !campaign.IsResumable() {
		return Outcome{}, fmt.Errorf("%w: campaign is %s and cannot be resumed", apperrors.ErrConflict, campaign.Status)
	}
	instances, err := s.instances.Connected(ctx, campaign.TenantID, req.InstanceIDs)
	if err != nil {
		return Outcome{}, err
	}

	stuckAfter := s.cfg.StuckAfter
	if stuckAfter < 0 {
		stuckAfter = 0
	}
	requeued, err := s.messages.RequeueStuck(ctx, campaign.ID, stuckAfter)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch service: requeue stuck: %w", err)
	}
	if requeued > 0 {
		metrics.RequeuedMessages.Add(float64(requeued))
		s.logger.Info("dispatch service: requeued stuck messages",
			zap.String("campaign_id", campaign.ID.String()), zap.Int64("count", requeued))
	}

	counts, err := s.messages.CountByStatus(ctx, campaign.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("dispatch service: count messages: %w", err)
	}
	if err := s.campaigns.SetCounts(ctx, campaign.ID, domain.CampaignCounts{
		TotalContacts: counts.Total(),
		Sent:          counts.Sent + counts.Delivered,
		Delivered:     counts.Delivered,
		Failed:        counts.Failed,
	}); err != nil {
		return Outcome{}, fmt.Errorf("dispatch service: reconcile counts: %w", err)
	}

	out := Outcome{CampaignID: campaign.ID, PendingMessages: counts.Pending(), Requeued: requeued}
	if out.PendingMessages == 0 {
		return out, fmt.Errorf("%w: campaign %s has nothing left to send", ErrNothingPending, campaign.ID)
	}

	if campaign.Status != domain.CampaignStatusSending {
		ok, err := s.campaigns.TransitionStatus(ctx, campaign.ID, []domain.CampaignStatus{campaign.Status}, domain.CampaignStatusSending)
		if err != nil {
			return Outcome{}, fmt.Errorf("dispatch service: resume: %w", err)
		}
		if !ok {
			return Outcome{}, fmt.Errorf("%w: campaign changed state while resuming", apperrors.ErrConflict)
		}
	}
	if err := s.handOver(ctx, campaign, instances, req, true); err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// handOver persists the chosen instances and mode, then publishes the dispatch request.
func (s *Service) handOver(ctx context.Context, campaign *domain.Campaign, instances []domain.Instance, req Request, resumed bool) error {
	current, err := s.campaigns.Get(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("dispatch service: reload campaign: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	current.InstanceIDs = ids
	current.SendingMode = req.SendingMode
	if req.StopOnFirstError != nil {
		current.StopOnFirstError = *req.StopOnFirstError
	}
	current.UpdatedAt = s.now()
	if err := s.campaigns.Update(ctx, current); err != nil {
		return fmt.Errorf("dispatch service: store instances: %w", err)
	}

	if err := s.publisher.PublishDispatch(ctx, queue.DispatchRequest{
		CampaignID:  campaign.ID,
		InstanceIDs: ids,
		SendingMode: string(req.SendingMode),
		Resumed:     resumed,
		RequestedAt: s.now(),
	}); err != nil {
		return fmt.Errorf("dispatch service: publish: %w", errors.Join(apperrors.ErrUnavailable, err))
	}
	return nil
}

func (s *Service) validate(req *Request) error {
	if req.CampaignID == uuid.Nil {
		return apperrors.Validationf("campaignId is required")
	}
	if len(req.InstanceIDs) == 0 {
		return apperrors.Validationf("instanceIds must not be empty")
	}
	if req.SendingMode == "" {
		req.SendingMode = domain.SendingMode(s.cfg.DefaultSendingMode)
		if req.SendingMode == "" {
			req.SendingMode = domain.SendingModeWeighted
		}
	}
	if !req.SendingMode.Valid() {
		return apperrors.Validationf("unknown sending mode %q", req.SendingMode)
	}
	return nil
}
