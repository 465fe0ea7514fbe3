package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-campaign/internal/app"
	campaignsvc "github.com/acme/whatsapp-campaign/internal/service/campaign"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
	instancesvc "github.com/acme/whatsapp-campaign/internal/service/instance"
	warmingsvc "github.com/acme/whatsapp-campaign/internal/service/warming"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// HealthCheck probes one backing dependency.
type HealthCheck func(ctx context.Context) error

// Deps lists what the handlers need. Tests build it directly.
type Deps struct {
	Campaigns *campaignsvc.Service
	Dispatch  *dispatchsvc.Service
	Instances *instancesvc.Registry
	Warming   *warmingsvc.Service
	Logger    *logger.Logger
	Checks    map[string]HealthCheck
}

// HandlerSet bundles all HTTP handlers.
type HandlerSet struct {
	campaigns *campaignsvc.Service
	dispatch  *dispatchsvc.Service
	instances *instancesvc.Registry
	warming   *warmingsvc.Service
	logger    *logger.Logger
	checks    map[string]HealthCheck
}

// New creates a handler bundle from explicit dependencies.
func New(deps Deps) *HandlerSet {
	lg := deps.Logger
	if lg == nil {
		lg = logger.NewNop()
	}
	return &HandlerSet{
		campaigns: deps.Campaigns,
		dispatch:  deps.Dispatch,
		instances: deps.Instances,
		warming:   deps.Warming,
		logger:    lg,
		checks:    deps.Checks,
	}
}

// NewHandlerSet creates a handler bundle from the application container.
func NewHandlerSet(container *app.Container) *HandlerSet {
	services := container.Services()
	return New(Deps{
		Campaigns: services.Campaign,
		Dispatch:  services.Dispatch,
		Instances: services.Registry,
		Warming:   services.Warming,
		Logger:    container.Logger,
		Checks: map[string]HealthCheck{
			"postgres": container.Postgres.Ping,
			"redis":    container.Redis.Ping,
			"scylla":   container.Scylla.Ping,
		},
	})
}

// Register wires all routes onto the fiber app.
func (h *HandlerSet) Register(app *fiber.App) {
	app.Get("/healthz", h.health)

	api := app.Group("/api")
	v1 := api.Group("/v1")

	dispatch := v1.Group("/dispatch")
	dispatch.Post("/start", h.startDispatch)
	dispatch.Post("/resume", h.resumeDispatch)

	campaigns := v1.Group("/campaigns")
	campaigns.Post("/", h.createCampaign)
	campaigns.Get("/", h.listCampaigns)
	campaigns.Get("/:id", h.getCampaign)
	campaigns.Post("/:id/schedule", h.scheduleCampaign)
	campaigns.Post("/:id/cancel", h.cancelCampaign)
	campaigns.Get("/:id/stats", h.campaignStats)
	campaigns.Get("/:id/messages", h.listCampaignMessages)
	campaigns.Get("/:id/attempts", h.listCampaignAttempts)

	templates := v1.Group("/templates")
	templates.Post("/", h.createTemplate)
	templates.Get("/:id", h.getTemplate)

	instances := v1.Group("/instances")
	instances.Get("/", h.listInstances)
	instances.Post("/", h.createInstance)
	instances.Post("/refresh", h.refreshInstances)
	instances.Put("/:id/warming-level", h.setWarmingLevel)

	warming := v1.Group("/warming")
	warming.Post("/auto-pair", h.autoPair)
	warming.Post("/entries", h.joinWarming)
	warming.Delete("/entries/:id", h.leaveWarming)
	warming.Get("/entries/:id/pairs", h.listPairs)
}

// ErrorHandler provides centralized error responses.
func (h *HandlerSet) ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := err.Error()

	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		code = fiberErr.Code
		message = fiberErr.Message
	}

	if code >= fiber.StatusInternalServerError {
		h.logger.WithContext(ctx.UserContext()).Error("request failed",
			zap.String("path", ctx.Path()), zap.Int("status", code), zap.Error(err))
	}

	traceID := ""
	if sc := trace.SpanContextFromContext(ctx.UserContext()); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}
	return ctx.Status(code).JSON(fiber.Map{
		"error":    message,
		"trace_id": traceID,
	})
}

func (h *HandlerSet) health(ctx *fiber.Ctx) error {
	healthCtx, cancel := context.WithTimeout(ctx.UserContext(), 2*time.Second)
	defer cancel()

	errs := make(map[string]string)
	for name, check := range h.checks {
		if err := check(healthCtx); err != nil {
			errs[name] = err.Error()
		}
	}

	status := fiber.StatusOK
	state := "ok"
	if len(errs) > 0 {
		status = fiber.StatusServiceUnavailable
		state = "degraded"
	}

	return ctx.Status(status).JSON(fiber.Map{"status": state, "errors": errs})
}
