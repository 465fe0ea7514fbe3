package warming

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/metrics"
	"github.com/acme/whatsapp-campaign/internal/repository"
	"github.com/acme/whatsapp-campaign/internal/telemetry"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
	"github.com/acme/whatsapp-campaign/pkg/logger"
)

const (
	defaultMaxPairs = 5
	defaultPairTTL  = 30 * 24 * time.Hour
)

// Service manages the cross-tenant warming pool.
type Service struct {
	repo      repository.WarmingRepository
	instances repository.InstanceRepository
	maxPairs  int
	pairTTL   time.Duration
	logger    *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewService constructs the warming pool service.
func NewService(repo repository.WarmingRepository, instances repository.InstanceRepository, cfg config.WarmingConfig, lg *logger.Logger) *Service {
	if cfg.MaxPairsPerEntry <= 0 {
		cfg.MaxPairsPerEntry = defaultMaxPairs
	}
	if cfg.PairTTL <= 0 {
		cfg.PairTTL = defaultPairTTL
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	return &Service{
		repo:      repo,
		instances: instances,
		maxPairs:  cfg.MaxPairsPerEntry,
		pairTTL:   cfg.PairTTL,
		logger:    lg,
		tracer:    telemetry.Tracer("warming"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// JoinInput enrols an instance into the pool.
type JoinInput struct {
	TenantID   uuid.UUID
	InstanceID uuid.UUID
}

// Join adds the instance to the pool. An instance can hold one entry only.
func (s *Service) Join(ctx context.Context, in JoinInput) (*domain.WarmingPoolEntry, error) {
	if in.TenantID == uuid.Nil || in.InstanceID == uuid.Nil {
		return nil, apperrors.Validationf("tenantId and instanceId are required")
	}
	inst, err := s.instances.Get(ctx, in.InstanceID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, apperrors.Validationf("unknown instance %s", in.InstanceID)
		}
		return nil, fmt.Errorf("warming service: load instance: %w", err)
	}
	if inst.TenantID != in.TenantID {
		return nil, apperrors.Validationf("instance %s belongs to another tenant", in.InstanceID)
	}

	entry := &domain.WarmingPoolEntry{
		ID:         uuid.New(),
		TenantID:   in.TenantID,
		InstanceID: in.InstanceID,
		IsActive:   true,
		CreatedAt:  s.now(),
	}
	if err := s.repo.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, fmt.Errorf("%w: instance %s is already in the warming pool", apperrors.ErrConflict, in.InstanceID)
		}
		return nil, fmt.Errorf("warming service: join: %w", err)
	}
	return entry, nil
}

// Leave deactivates an entry and its pairs.
func (s *Service) Leave(ctx context.Context, entryID uuid.UUID) error {
	if err := s.repo.DeactivateEntry(ctx, entryID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return err
		}
		return fmt.Errorf("warming service: leave: %w", err)
	}
	return nil
}

// Pairs lists the entry's active pairs.
func (s *Service) Pairs(ctx context.Context, entryID uuid.UUID) ([]domain.WarmingPoolPair, error) {
	if _, err := s.repo.GetEntry(ctx, entryID); err != nil {
		return nil, err
	}
	return s.repo.ListPairsForEntry(ctx, entryID)
}

// AutoPair expires stale pairs, then pairs eligible entries of different
// tenants until each holds maxPairs active pairs or runs out of candidates.
// Entries are visited by id; candidates are tried fewest pairs first, then by id.
func (s *Service) AutoPair(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "warming.auto_pair")
	defer span.End()

	now := s.now()
	expired, err := s.repo.ExpirePairs(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("warming service: expire pairs: %w", err)
	}

	entries, err := s.repo.ListEligibleEntries(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("warming service: eligible entries: %w", err)
	}
	active, err := s.repo.ListActivePairs(ctx, now)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("warming service: active pairs: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID.String() < entries[j].ID.String() })
	load := make(map[uuid.UUID]int, len(entries))
	paired := make(map[domain.PairKey]bool, len(active))
	for _, p := range active {
		key := domain.NewPairKey(p.EntryA, p.EntryB)
		paired[key] = true
		load[key.A]++
		load[key.B]++
	}

	created := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if load[entry.ID] >= s.maxPairs {
			continue
		}
		for _, cand := range s.candidates(entry, entries, load, paired) {
			if load[entry.ID] >= s.maxPairs {
				break
			}
			if load[cand.ID] >= s.maxPairs {
				continue
			}
			key := domain.NewPairKey(entry.ID, cand.ID)
			pair := &domain.WarmingPoolPair{
				ID:        uuid.New(),
				EntryA:    key.A,
				EntryB:    key.B,
				ExpiresAt: now.Add(s.pairTTL),
				CreatedAt: now,
			}
			ok, err := s.repo.CreatePair(ctx, pair)
			if err != nil {
				span.RecordError(err)
				return created, fmt.Errorf("warming service: create pair: %w", err)
			}
			paired[key] = true
			if !ok {
				continue
			}
			load[key.A]++
			load[key.B]++
			created++
			metrics.PairsCreated.Inc()
		}
	}

	span.SetAttributes(attribute.Int("pairs.created", created), attribute.Int64("pairs.expired", expired))
	s.logger.Info("warming service: auto-pair finished",
		zap.Int("entries", len(entries)),
		zap.Int("created", created),
		zap.Int64("expired", expired))
	return created, nil
}

// candidates returns the entries entry may still pair with, fewest pairs first.
func (s *Service) candidates(entry domain.WarmingPoolEntry, entries []domain.WarmingPoolEntry, load map[uuid.UUID]int, paired map[domain.PairKey]bool) []domain.WarmingPoolEntry {
	out := make([]domain.WarmingPoolEntry, 0, len(entries))
	for _, other := range entries {
		if other.ID == entry.ID || other.TenantID == entry.TenantID {
			continue
		}
		if load[other.ID] >= s.maxPairs || paired[domain.NewPairKey(entry.ID, other.ID)] {
			continue
		}
		out = append(out, other)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if load[out[i].ID] != load[out[j].ID] {
			return load[out[i].ID] < load[out[j].ID]
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}
