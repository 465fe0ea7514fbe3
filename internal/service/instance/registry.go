package instance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway"
	"github.com/acme/whatsapp-campaign/internal/metrics"
	"github.com/acme/whatsapp-campaign/internal/repository"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

// Registry tracks instance connection state and warming levels.
type Registry struct {
	repo     repository.InstanceRepository
	provider gateway.Provider
	states   *gocache.Cache
	logger   *logger.Logger
}

// NewRegistry constructs a registry. Provider connection states are cached for stateTTL.
func NewRegistry(repo repository.InstanceRepository, provider gateway.Provider, stateTTL time.Duration, lg *logger.Logger) *Registry {
	if stateTTL <= 0 {
		stateTTL = 30 * time.Second
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Registry{
		repo:     repo,
		provider: provider,
		states:   gocache.New(stateTTL, 2*stateTTL),
		logger:   lg,
	}
}

// CreateInput describes a new instance.
type CreateInput struct {
	TenantID     uuid.UUID
	Name         string
	WarmingLevel int
}

// Create registers an instance as disconnected until the next refresh says otherwise.
func (r *Registry) Create(ctx context.Context, in CreateInput) (*domain.Instance, error) {
	if in.TenantID == uuid.Nil {
		return nil, apperrors.Validationf("tenant id is required")
	}
	if in.Name == "" {
		return nil, apperrors.Validationf("instance name is required")
	}
	level := in.WarmingLevel
	if level == 0 {
		level = domain.MinWarmingLevel
	}
	if err := validateLevel(level); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	inst := &domain.Instance{
		ID:           uuid.New(),
		TenantID:     in.TenantID,
		Name:         in.Name,
		Status:       domain.InstanceStatusDisconnected,
		WarmingLevel: level,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.repo.Create(ctx, inst); err != nil {
		return nil, fmt.Errorf("instance registry: create: %w", err)
	}
	return inst, nil
}

// List returns instances, optionally scoped to a tenant.
func (r *Registry) List(ctx context.Context, tenantID *uuid.UUID) ([]domain.Instance, error) {
	return r.repo.List(ctx, tenantID)
}

// SetWarmingLevel stores a new selection weight.
func (r *Registry) SetWarmingLevel(ctx context.Context, id uuid.UUID, level int) (*domain.Instance, error) {
	if err := validateLevel(level); err != nil {
		return nil, err
	}
	if err := r.repo.UpdateWarmingLevel(ctx, id, level); err != nil {
		return nil, err
	}
	return r.repo.Get(ctx, id)
}

// Connected resolves ids into instances currently connected, in the order given.
// Unknown ids, or ids of another tenant, are a validation error. Instances that
// are not connected are left out; an empty result is a validation error too.
func (r *Registry) Connected(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]domain.Instance, error) {
	if len(ids) == 0 {
		return nil, apperrors.Validationf("at least one instance is required")
	}

	found, err := r.repo.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("instance registry: load: %w", err)
	}
	byID := make(map[uuid.UUID]domain.Instance, len(found))
	for _, inst := range found {
		byID[inst.ID] = inst
	}

	seen := make(map[uuid.UUID]bool, len(ids))
	connected := make([]domain.Instance, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		inst, ok := byID[id]
		if !ok || (tenantID != uuid.Nil && inst.TenantID != tenantID) {
			return nil, apperrors.Validationf("unknown instance %s", id)
		}
		inst.Status = r.state(ctx, inst)
		if inst.Status == domain.InstanceStatusConnected {
			connected = append(connected, inst)
		}
	}

	if len(connected) == 0 {
		return nil, apperrors.Validationf("none of the selected instances is connected")
	}
	return connected, nil
}

// RefreshResult summarises a refresh pass.
type RefreshResult struct {
	Checked int `json:"checked"`
	Changed int `json:"changed"`
	Errors  int `json:"errors"`
}

// Refresh polls the provider for every instance and persists changed states.
func (r *Registry) Refresh(ctx context.Context) (RefreshResult, error) {
	instances, err := r.repo.List(ctx, nil)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("instance registry: list: %w", err)
	}

	var res RefreshResult
	for _, inst := range instances {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Checked++

		state, err := r.poll(ctx, inst.Name)
		if err != nil {
			res.Errors++
			r.logger.Warn("instance registry: connection state", zap.String("instance", inst.Name), zap.Error(err))
			continue
		}
		if state == inst.Status {
			continue
		}
		if err := r.repo.UpdateStatus(ctx, inst.ID, state); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				continue
			}
			return res, fmt.Errorf("instance registry: update status: %w", err)
		}
		res.Changed++
	}
	return res, nil
}

// state returns the cached or freshly polled provider state, falling back to the
// persisted one when the provider cannot be reached.
func (r *Registry) state(ctx context.Context, inst domain.Instance) domain.InstanceStatus {
	if cached, ok := r.states.Get(inst.Name); ok {
		return cached.(domain.InstanceStatus)
	}
	state, err := r.poll(ctx, inst.Name)
	if err != nil {
		r.logger.Warn("instance registry: using stored state", zap.String("instance", inst.Name), zap.Error(err))
		return inst.Status
	}
	if state != inst.Status {
		if err := r.repo.UpdateStatus(ctx, inst.ID, state); err != nil {
			r.logger.Warn("instance registry: persist state", zap.String("instance", inst.Name), zap.Error(err))
		}
	}
	return state
}

func (r *Registry) poll(ctx context.Context, name string) (domain.InstanceStatus, error) {
	if r.provider == nil {
		return "", fmt.Errorf("%w: no messaging provider configured", apperrors.ErrUnavailable)
	}
	started := time.Now()
	state, err := r.provider.ConnectionState(ctx, name)
	metrics.ProviderLatency.WithLabelValues("connection_state").Observe(time.Since(started).Seconds())
	if err != nil {
		return "", err
	}
	r.states.SetDefault(name, state)
	return state, nil
}

func validateLevel(level int) error {
	if level < domain.MinWarmingLevel || level > domain.MaxWarmingLevel {
		return apperrors.Validationf("warming level must be between %d and %d", domain.MinWarmingLevel, domain.MaxWarmingLevel)
	}
	return nil
}
