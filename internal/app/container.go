package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/gateway"
	"github.com/acme/whatsapp-campaign/internal/gateway/evolution"
	gatewaymock "github.com/acme/whatsapp-campaign/internal/gateway/mock"
	"github.com/acme/whatsapp-campaign/internal/infra/db"
	"github.com/acme/whatsapp-campaign/internal/infra/redis"
	"github.com/acme/whatsapp-campaign/internal/queue"
	"github.com/acme/whatsapp-campaign/internal/repository"
	pgrepo "github.com/acme/whatsapp-campaign/internal/repository/postgres"
	scyllarepo "github.com/acme/whatsapp-campaign/internal/repository/scylla"
	campaignsvc "github.com/acme/whatsapp-campaign/internal/service/campaign"
	"github.com/acme/whatsapp-campaign/internal/service/concurrency"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
	instancesvc "github.com/acme/whatsapp-campaign/internal/service/instance"
	warmingsvc "github.com/acme/whatsapp-campaign/internal/service/warming"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		services     *services
		publishers   *publishers
		providers    *providers
	}
}

type repositories struct {
	Campaigns repository.CampaignRepository
	Messages  repository.MessageRepository
	Instances repository.InstanceRepository
	Templates repository.TemplateRepository
	Contacts  repository.ContactRepository
	Warming   repository.WarmingRepository
	Attempts  repository.AttemptLog
}

type services struct {
	Campaign *campaignsvc.Service
	Dispatch *dispatchsvc.Service
	Registry *instancesvc.Registry
	Warming  *warmingsvc.Service
	Executor *dispatchsvc.Executor
}

type publishers struct {
	Dispatch *queue.DispatchPublisher
	Events   *queue.EventPublisher
}

type providers struct {
	Gateway  gateway.Provider
	Throttle *concurrency.Throttle
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		repos := &repositories{
			Campaigns: pgrepo.NewCampaignRepository(c.Postgres.DB()),
			Messages:  pgrepo.NewMessageRepository(c.Postgres.DB()),
			Instances: pgrepo.NewInstanceRepository(c.Postgres.DB()),
			Templates: pgrepo.NewTemplateRepository(c.Postgres.DB()),
			Contacts:  pgrepo.NewContactRepository(c.Postgres.DB()),
			Warming:   pgrepo.NewWarmingRepository(c.Postgres.DB()),
			Attempts:  scyllarepo.NewAttemptLog(c.Scylla.Session()),
		}

		pubs := &publishers{
			Dispatch: queue.NewDispatchPublisher(c.Kafka, c.Config.Kafka.DispatchTopic),
			Events:   queue.NewEventPublisher(c.Kafka, c.Config.Kafka.EventTopic),
		}

		provs := &providers{
			Gateway:  newGateway(c.Config.Gateway),
			Throttle: concurrency.NewThrottle(c.Redis.Inner(), c.Config.Dispatch.PerInstancePerMinute, time.Minute),
		}

		registry := instancesvc.NewRegistry(repos.Instances, provs.Gateway, c.Config.Gateway.StateCacheTTL, c.Logger)
		campaigns := campaignsvc.NewService(repos.Campaigns, repos.Messages, repos.Templates, repos.Contacts, repos.Attempts)

		loop := dispatchsvc.NewLoop(dispatchsvc.LoopDeps{
			Campaigns: repos.Campaigns,
			Messages:  repos.Messages,
			Provider:  provs.Gateway,
			Attempts:  repos.Attempts,
			Events:    pubs.Events,
			Throttle:  provs.Throttle,
			Logger:    c.Logger,
		}, c.Config.Dispatch)

		svcs := &services{
			Campaign: campaigns,
			Dispatch: dispatchsvc.NewService(repos.Campaigns, repos.Messages, registry, campaigns, pubs.Dispatch, c.Config.Dispatch, c.Logger),
			Registry: registry,
			Warming:  warmingsvc.NewService(repos.Warming, repos.Instances, c.Config.Warming, c.Logger),
			Executor: dispatchsvc.NewExecutor(repos.Campaigns, registry, loop, c.Logger),
		}

		c.components.repositories = repos
		c.components.publishers = pubs
		c.components.providers = provs
		c.components.services = svcs
	})
}

func newGateway(cfg config.GatewayConfig) gateway.Provider {
	if cfg.Provider == "mock" {
		return gatewaymock.NewProvider(cfg)
	}
	return evolution.NewClient(cfg)
}

// Repositories exposes initialized repositories.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Services exposes initialized services.
func (c *Container) Services() *services {
	c.initComponents()
	return c.components.services
}

// Publishers exposes Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Providers exposes external providers.
func (c *Container) Providers() *providers {
	c.initComponents()
	return c.components.providers
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if err := p.Dispatch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dispatch publisher close: %w", err))
		}
		if err := p.Events.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	partitions := c.Config.Kafka.Partitions
	if partitions <= 0 {
		partitions = 12
	}
	return c.Kafka.EnsureTopics(ctx, c.Kafka.Topics(), partitions, 1)
}
