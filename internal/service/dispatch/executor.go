package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/metrics"
	"github.com/acme/whatsapp-campaign/internal/queue"
	"github.com/acme/whatsapp-campaign/internal/repository"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// Runner drains one campaign.
type Runner interface {
	Run(ctx context.Context, in RunInput) (RunResult, error)
}

// Executor turns a consumed dispatch request into a loop run.
type Executor struct {
	campaigns repository.CampaignRepository
	instances InstanceResolver
	runner    Runner
	logger    *logger.Logger
}

// NewExecutor constructs the executor used by the dispatch worker.
func NewExecutor(campaigns repository.CampaignRepository, instances InstanceResolver, runner Runner, lg *logger.Logger) *Executor {
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Executor{campaigns: campaigns, instances: instances, runner: runner, logger: lg}
}

// Execute runs the loop for the request. Requests for campaigns that are no
// longer sending are dropped without error.
func (e *Executor) Execute(ctx context.Context, req queue.DispatchRequest) (RunResult, error) {
	campaign, err := e.campaigns.Get(ctx, req.CampaignID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			e.logger.Warn("dispatch executor: unknown campaign", zap.String("campaign_id", req.CampaignID.String()))
			return RunResult{}, nil
		}
		return RunResult{}, fmt.Errorf("dispatch executor: load campaign: %w", err)
	}
	if campaign.Status != domain.CampaignStatusSending {
		e.logger.Info("dispatch executor: campaign not sending, dropping request",
			zap.String("campaign_id", campaign.ID.String()),
			zap.String("status", string(campaign.Status)))
		return RunResult{Reason: StopCancelled}, nil
	}

	ids := req.InstanceIDs
	if len(ids) == 0 {
		ids = campaign.InstanceIDs
	}
	instances, err := e.instances.Connected(ctx, campaign.TenantID, ids)
	if err != nil {
		if ctx.Err() != nil {
			return RunResult{}, ctx.Err()
		}
		e.fail(ctx, campaign.ID, err)
		return RunResult{}, fmt.Errorf("dispatch executor: resolve instances: %w", err)
	}

	mode := domain.SendingMode(req.SendingMode)
	if mode == "" {
		mode = campaign.SendingMode
	}
	res, err := e.runner.Run(ctx, RunInput{
		CampaignID:       campaign.ID,
		Instances:        instances,
		Mode:             mode,
		StopOnFirstError: campaign.StopOnFirstError,
	})
	if err != nil {
		return res, err
	}
	e.logger.Info("dispatch executor: run finished",
		zap.String("campaign_id", campaign.ID.String()),
		zap.Int("sent", res.Sent),
		zap.Int("failed", res.Failed),
		zap.Int("skipped", res.Skipped),
		zap.String("reason", string(res.Reason)),
		zap.Bool("completed", res.Completed))
	return res, nil
}

// fail moves a sending campaign to failed so it shows up as resumable
// instead of sending with no dispatcher behind it.
func (e *Executor) fail(ctx context.Context, campaignID uuid.UUID, cause error) {
	fields := []zap.Field{zap.String("campaign_id", campaignID.String()), zap.Error(cause)}
	if errors.Is(cause, apperrors.ErrValidation) {
		e.logger.Warn("dispatch executor: no usable instances", fields...)
	} else {
		e.logger.Error("dispatch executor: resolve instances", fields...)
	}
	metrics.DispatchRuns.WithLabelValues("error").Inc()

	bg := context.WithoutCancel(ctx)
	if _, err := e.campaigns.TransitionStatus(bg, campaignID, []domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusFailed); err != nil {
		e.logger.Error("dispatch executor: mark campaign failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
}
