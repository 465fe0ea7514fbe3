package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway"
	"github.com/acme/whatsapp-campaign/internal/metrics"
	"github.com/acme/whatsapp-campaign/internal/queue"
	"github.com/acme/whatsapp-campaign/internal/repository"
	"github.com/acme/whatsapp-campaign/internal/telemetry"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// EventPublisher emits message outcome events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt queue.MessageEvent) error
}

// SlotWaiter blocks until an instance may send again.
type SlotWaiter interface {
	Wait(ctx context.Context, instanceID uuid.UUID) error
}

// StopReason explains why a run returned.
type StopReason string

const (
	StopDrained          StopReason = "drained"
	StopCancelled        StopReason = "cancelled"
	StopFirstError       StopReason = "stop_on_first_error"
	StopContextDone      StopReason = "context_done"
	StopPendingElsewhere StopReason = "pending_elsewhere"
)

// RunInput is one dispatch invocation.
type RunInput struct {
	CampaignID       uuid.UUID
	Instances        []domain.Instance
	Mode             domain.SendingMode
	StopOnFirstError bool
}

// RunResult summarises one invocation.
type RunResult struct {
	Sent      int        `json:"sent"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Reason    StopReason `json:"reason"`
	Completed bool       `json:"completed"`
}

// Loop drains a campaign's queued messages through the messaging provider.
type Loop struct {
	campaigns repository.CampaignRepository
	messages  repository.MessageRepository
	provider  gateway.Provider
	attempts  repository.AttemptLog
	events    EventPublisher
	throttle  SlotWaiter
	limiter   *rate.Limiter
	cfg       config.DispatchConfig
	logger    *logger.Logger
	tracer    trace.Tracer
}

// LoopDeps groups the collaborators of a Loop. Attempts, Events and Throttle are optional.
type LoopDeps struct {
	Campaigns repository.CampaignRepository
	Messages  repository.MessageRepository
	Provider  gateway.Provider
	Attempts  repository.AttemptLog
	Events    EventPublisher
	Throttle  SlotWaiter
	Logger    *logger.Logger
}

// NewLoop constructs a dispatch loop.
func NewLoop(deps LoopDeps, cfg config.DispatchConfig) *Loop {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	lg := deps.Logger
	if lg == nil {
		lg = logger.NewNop()
	}

	limit := rate.Inf
	if cfg.MessagesPerSecond > 0 {
		limit = rate.Limit(cfg.MessagesPerSecond)
	}

	return &Loop{
		campaigns: deps.Campaigns,
		messages:  deps.Messages,
		provider:  deps.Provider,
		attempts:  deps.Attempts,
		events:    deps.Events,
		throttle:  deps.Throttle,
		limiter:   rate.NewLimiter(limit, 1),
		cfg:       cfg,
		logger:    lg,
		tracer:    telemetry.Tracer("dispatch"),
	}
}

// Run processes queued messages one at a time, in queue order, until none are
// left or a stop condition triggers. The campaign must already be sending.
//
// Per-message provider failures only mark that message failed. Store failures
// abort the run and move the campaign to failed.
func (l *Loop) Run(ctx context.Context, in RunInput) (RunResult, error) {
	var res RunResult
	if len(in.Instances) == 0 {
		return res, apperrors.Validationf("dispatch requires at least one connected instance")
	}
	mode := in.Mode
	if mode == "" {
		mode = domain.SendingModeWeighted
	}
	if !mode.Valid() {
		return res, apperrors.Validationf("unknown sending mode %q", mode)
	}

	ctx, span := l.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("campaign.id", in.CampaignID.String()),
		attribute.Int("instances", len(in.Instances)),
		attribute.String("sending_mode", string(mode)),
	))
	defer span.End()

	log := l.logger.WithContext(ctx).With(zap.String("campaign_id", in.CampaignID.String()))

	status, err := l.campaigns.GetStatus(ctx, in.CampaignID)
	if err != nil {
		span.RecordError(err)
		metrics.DispatchRuns.WithLabelValues("error").Inc()
		return res, fmt.Errorf("dispatch: load campaign: %w", err)
	}
	if status != domain.CampaignStatusSending {
		return res, fmt.Errorf("%w: campaign is %s, not sending", apperrors.ErrConflict, status)
	}

	counts, err := l.messages.CountByStatus(ctx, in.CampaignID)
	if err != nil {
		return res, l.abort(ctx, span, in.CampaignID, fmt.Errorf("dispatch: count messages: %w", err))
	}

	sched := NewScheduler(in.Instances, mode)
	sched.Skip(counts.Attempted())

	for {
		batch, err := l.messages.NextQueued(ctx, in.CampaignID, l.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(span, res, StopContextDone), ctx.Err()
			}
			return res, l.abort(ctx, span, in.CampaignID, fmt.Errorf("dispatch: next queued: %w", err))
		}
		if len(batch) == 0 {
			break
		}

		for _, msg := range batch {
			if ctx.Err() != nil {
				return l.finish(span, res, StopContextDone), ctx.Err()
			}

			status, err := l.campaigns.GetStatus(ctx, in.CampaignID)
			if err != nil {
				if ctx.Err() != nil {
					return l.finish(span, res, StopContextDone), ctx.Err()
				}
				return res, l.abort(ctx, span, in.CampaignID, fmt.Errorf("dispatch: poll status: %w", err))
			}
			if status != domain.CampaignStatusSending {
				log.Info("dispatch: campaign left sending, stopping", zap.String("status", string(status)))
				return l.finish(span, res, StopCancelled), nil
			}

			inst := sched.Peek()
			if err := l.pace(ctx, inst.ID); err != nil {
				return l.finish(span, res, StopContextDone), err
			}

			claimed, err := l.messages.Claim(ctx, msg.ID, inst.ID)
			if err != nil {
				return res, l.abort(ctx, span, in.CampaignID, fmt.Errorf("dispatch: claim: %w", err))
			}
			if !claimed {
				res.Skipped++
				continue
			}
			sched.Advance()

			sendErr, err := l.deliver(ctx, log, in.CampaignID, msg, inst)
			if err != nil {
				return res, l.abort(ctx, span, in.CampaignID, err)
			}
			if sendErr != nil {
				res.Failed++
				if in.StopOnFirstError {
					log.Warn("dispatch: stopping on first error", zap.String("message_id", msg.ID.String()), zap.Error(sendErr))
					return l.finish(span, res, StopFirstError), nil
				}
				continue
			}
			res.Sent++
		}
	}

	// Completion is decided by the rows, so another invocation's in-flight sends keep the campaign open.
	remaining, err := l.messages.CountByStatus(ctx, in.CampaignID)
	if err != nil {
		return res, l.abort(ctx, span, in.CampaignID, fmt.Errorf("dispatch: final count: %w", err))
	}
	if remaining.Pending() > 0 {
		return l.finish(span, res, StopPendingElsewhere), nil
	}

	completed, err := l.campaigns.TransitionStatus(ctx, in.CampaignID, []domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusCompleted)
	if err != nil {
		return res, l.abort(ctx, span, in.CampaignID, fmt.Errorf("dispatch: complete campaign: %w", err))
	}
	res.Completed = completed
	if completed {
		log.Info("dispatch: campaign completed", zap.Int("sent", res.Sent), zap.Int("failed", res.Failed))
	}
	return l.finish(span, res, StopDrained), nil
}

// deliver sends one claimed message and records the outcome. The send and its
// bookkeeping run to completion even when ctx is cancelled mid-flight. sendErr
// is the provider failure; err is a store failure that must abort the run.
func (l *Loop) deliver(ctx context.Context, log *logger.Logger, campaignID uuid.UUID, msg domain.CampaignMessage, inst domain.Instance) (sendErr error, err error) {
	ctx, span := l.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("message.id", msg.ID.String()),
		attribute.String("instance.id", inst.ID.String()),
	))
	defer span.End()

	bg := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(bg, l.cfg.SendTimeout)
	started := time.Now()
	result, sendErr := l.provider.SendText(sendCtx, inst.Name, msg.Phone, msg.Content)
	cancel()
	elapsed := time.Since(started)
	metrics.ProviderLatency.WithLabelValues("send_text").Observe(elapsed.Seconds())

	attempt := domain.SendAttempt{
		CampaignID: campaignID,
		MessageID:  msg.ID,
		InstanceID: inst.ID,
		Duration:   elapsed,
		CreatedAt:  time.Now().UTC(),
	}

	var delta repository.CountsDelta
	if sendErr != nil {
		span.RecordError(sendErr)
		span.SetStatus(codes.Error, "provider send failed")
		reason := sendErr.Error()
		if _, err := l.messages.MarkFailed(bg, msg.ID, reason); err != nil {
			return sendErr, fmt.Errorf("dispatch: mark failed: %w", err)
		}
		attempt.Status = domain.MessageStatusFailed
		attempt.Error = reason
		delta.FailedDelta = 1
		metrics.MessagesTotal.WithLabelValues("failed").Inc()
		log.Warn("dispatch: send failed",
			zap.String("message_id", msg.ID.String()),
			zap.String("instance", inst.Name),
			zap.Error(sendErr))
	} else {
		if _, err := l.messages.MarkSent(bg, msg.ID, result.MessageID); err != nil {
			return nil, fmt.Errorf("dispatch: mark sent: %w", err)
		}
		attempt.Status = domain.MessageStatusSent
		attempt.ProviderMessageID = result.MessageID
		delta.SentDelta = 1
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
	}

	if err := l.campaigns.ApplyDelta(bg, campaignID, delta); err != nil {
		return sendErr, fmt.Errorf("dispatch: apply counters: %w", err)
	}
	l.record(bg, log, attempt)
	return sendErr, nil
}

// record writes the attempt log and event. Both are best effort.
func (l *Loop) record(ctx context.Context, log *logger.Logger, attempt domain.SendAttempt) {
	if l.attempts != nil {
		if err := l.attempts.Append(ctx, attempt); err != nil {
			log.Warn("dispatch: append attempt", zap.Error(err))
		}
	}
	if l.events != nil {
		evt := queue.MessageEvent{
			CampaignID:        attempt.CampaignID,
			MessageID:         attempt.MessageID,
			InstanceID:        attempt.InstanceID,
			Status:            string(attempt.Status),
			ProviderMessageID: attempt.ProviderMessageID,
			Error:             attempt.Error,
			DurationMs:        attempt.Duration.Milliseconds(),
			OccurredAt:        attempt.CreatedAt,
		}
		if err := l.events.PublishEvent(ctx, evt); err != nil {
			log.Warn("dispatch: publish event", zap.Error(err))
		}
	}
}

func (l *Loop) pace(ctx context.Context, instanceID uuid.UUID) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	if l.throttle != nil {
		if err := l.throttle.Wait(ctx, instanceID); err != nil {
			return err
		}
	}
	return nil
}

// abort marks a sending campaign failed after a job-level fault.
func (l *Loop) abort(ctx context.Context, span trace.Span, campaignID uuid.UUID, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "dispatch aborted")
	metrics.DispatchRuns.WithLabelValues("error").Inc()

	bg := context.WithoutCancel(ctx)
	if _, err := l.campaigns.TransitionStatus(bg, campaignID, []domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusFailed); err != nil {
		l.logger.Error("dispatch: mark campaign failed", zap.String("campaign_id", campaignID.String()), zap.Error(err))
	}
	l.logger.Error("dispatch: aborted", zap.String("campaign_id", campaignID.String()), zap.Error(cause))
	return cause
}

func (l *Loop) finish(span trace.Span, res RunResult, reason StopReason) RunResult {
	res.Reason = reason
	span.SetAttributes(
		attribute.Int("sent", res.Sent),
		attribute.Int("failed", res.Failed),
		attribute.String("reason", string(reason)),
	)
	metrics.DispatchRuns.WithLabelValues(string(reason)).Inc()
	return res
}
