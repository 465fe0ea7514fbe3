package scheduler

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/acme/whatsapp-campaign/internal/app"
	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/metrics"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
	instancesvc "github.com/acme/whatsapp-campaign/internal/service/instance"
	"github.com/acme/whatsapp-campaign/internal/telemetry"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// DueLister finds scheduled campaigns whose start time has passed.
type DueLister interface {
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
}

// Starter launches a campaign's dispatch.
type Starter interface {
	Start(ctx context.Context, req dispatchsvc.Request) (dispatchsvc.Outcome, error)
}

// Refresher polls instance connection states.
type Refresher interface {
	Refresh(ctx context.Context) (instancesvc.RefreshResult, error)
}

// Pairer runs one warming pool matching pass.
type Pairer interface {
	AutoPair(ctx context.Context) (int, error)
}

// Deps groups the scheduler's collaborators.
type Deps struct {
	Campaigns DueLister
	Dispatch  Starter
	Instances Refresher
	Warming   Pairer
	Logger    *logger.Logger
}

// Scheduler runs the periodic jobs: launching due campaigns, refreshing
// instance states and pairing the warming pool.
type Scheduler struct {
	deps   Deps
	cfg    config.SchedulerConfig
	logger *logger.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// New constructs a scheduler from the application container.
func New(container *app.Container) *Scheduler {
	repos := container.Repositories()
	svcs := container.Services()
	return NewScheduler(Deps{
		Campaigns: repos.Campaigns,
		Dispatch:  svcs.Dispatch,
		Instances: svcs.Registry,
		Warming:   svcs.Warming,
		Logger:    container.Logger,
	}, container.Config.Scheduler)
}

// NewScheduler constructs a scheduler over explicit dependencies.
func NewScheduler(deps Deps, cfg config.SchedulerConfig) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.InstanceRefreshEvery <= 0 {
		cfg.InstanceRefreshEvery = time.Minute
	}
	if cfg.AutoPairEvery <= 0 {
		cfg.AutoPairEvery = time.Hour
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 50
	}
	lg := deps.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		logger: lg,
		tracer: telemetry.Tracer("scheduler"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run executes every job on its own ticker until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.every(gctx, "launch_due", s.cfg.TickInterval, s.LaunchDue) })
	if s.deps.Instances != nil {
		g.Go(func() error { return s.every(gctx, "instance_refresh", s.cfg.InstanceRefreshEvery, s.refreshInstances) })
	}
	if s.deps.Warming != nil {
		g.Go(func() error { return s.every(gctx, "auto_pair", s.cfg.AutoPairEvery, s.autoPair) })
	}
	return g.Wait()
}

func (s *Scheduler) every(ctx context.Context, job string, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			metrics.SchedulerJobs.WithLabelValues(job, "error").Inc()
			s.logger.Error("scheduler: job failed", zap.String("job", job), zap.Error(err))
		} else if err == nil {
			metrics.SchedulerJobs.WithLabelValues(job, "ok").Inc()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LaunchDue starts every scheduled campaign whose time has come. A campaign
// that fails to start is logged and left for the next tick.
func (s *Scheduler) LaunchDue(ctx context.Context) error {
	sctx, span := s.tracer.Start(ctx, "scheduler.launch_due")
	defer span.End()

	due, err := s.deps.Campaigns.ListDueScheduled(sctx, s.now(), s.cfg.MaxBatchSize)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("campaign.count", len(due)))

	for _, campaign := range due {
		out, err := s.deps.Dispatch.Start(sctx, dispatchsvc.Request{
			CampaignID:  campaign.ID,
			InstanceIDs: campaign.InstanceIDs,
			SendingMode: campaign.SendingMode,
		})
		fields := []zap.Field{zap.String("campaign_id", campaign.ID.String())}
		switch {
		case errors.Is(err, dispatchsvc.ErrNothingPending):
			s.logger.Info("scheduler: scheduled campaign has no audience", fields...)
		case err != nil:
			span.RecordError(err)
			s.logger.Error("scheduler: launch campaign", append(fields, zap.Error(err))...)
		default:
			s.logger.Info("scheduler: campaign launched", append(fields, zap.Int64("pending", out.PendingMessages))...)
		}
	}
	return nil
}

func (s *Scheduler) refreshInstances(ctx context.Context) error {
	sctx, span := s.tracer.Start(ctx, "scheduler.instance_refresh")
	defer span.End()

	res, err := s.deps.Instances.Refresh(sctx)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("instances.checked", res.Checked), attribute.Int("instances.changed", res.Changed))
	if res.Changed > 0 || res.Errors > 0 {
		s.logger.Info("scheduler: instance states refreshed",
			zap.Int("checked", res.Checked), zap.Int("changed", res.Changed), zap.Int("errors", res.Errors))
	}
	return nil
}

func (s *Scheduler) autoPair(ctx context.Context) error {
	_, err := s.deps.Warming.AutoPair(ctx)
	return err
}
