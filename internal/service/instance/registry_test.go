package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway/mock"
	"github.com/acme/whatsapp-campaign/internal/repository/memory"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

func seedInstance(t *testing.T, store *memory.Store, tenant uuid.UUID, name string, status domain.InstanceStatus, level int) domain.Instance {
	t.Helper()
	inst := domain.Instance{ID: uuid.New(), TenantID: tenant, Name: name, Status: status, WarmingLevel: level, CreatedAt: time.Now()}
	require.NoError(t, store.Instances().Create(context.Background(), &inst))
	return inst
}

func TestConnectedKeepsCallerOrderAndDropsDisconnected(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tenant := uuid.New()
	a := seedInstance(t, store, tenant, "a", domain.InstanceStatusConnected, 1)
	b := seedInstance(t, store, tenant, "b", domain.InstanceStatusConnected, 4)
	c := seedInstance(t, store, tenant, "c", domain.InstanceStatusConnected, 2)

	provider := mock.NewScripted().SetState("c", domain.InstanceStatusDisconnected)
	reg := NewRegistry(store.Instances(), provider, time.Minute, nil)

	got, err := reg.Connected(ctx, tenant, []uuid.UUID{b.ID, c.ID, a.ID, b.ID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)

	stored, err := store.Instances().Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusDisconnected, stored.Status)
}

func TestConnectedValidation(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tenant := uuid.New()
	other := seedInstance(t, store, uuid.New(), "other", domain.InstanceStatusConnected, 1)
	down := seedInstance(t, store, tenant, "down", domain.InstanceStatusConnected, 1)

	reg := NewRegistry(store.Instances(), mock.NewScripted().SetState("down", domain.InstanceStatusConnecting), time.Minute, nil)

	_, err := reg.Connected(ctx, tenant, nil)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = reg.Connected(ctx, tenant, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = reg.Connected(ctx, tenant, []uuid.UUID{other.ID})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = reg.Connected(ctx, tenant, []uuid.UUID{down.ID})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestConnectedCachesProviderState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tenant := uuid.New()
	a := seedInstance(t, store, tenant, "a", domain.InstanceStatusDisconnected, 1)

	provider := mock.NewScripted()
	reg := NewRegistry(store.Instances(), provider, time.Minute, nil)

	for i := 0; i < 3; i++ {
		got, err := reg.Connected(ctx, tenant, []uuid.UUID{a.ID})
		require.NoError(t, err)
		require.Len(t, got, 1)
	}
	assert.Equal(t, 1, provider.StateCalls())
}

func TestConnectedFallsBackToStoredState(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tenant := uuid.New()
	a := seedInstance(t, store, tenant, "a", domain.InstanceStatusConnected, 1)

	reg := NewRegistry(store.Instances(), mock.NewScripted().FailStates(errors.New("gateway down")), time.Minute, nil)
	got, err := reg.Connected(ctx, tenant, []uuid.UUID{a.ID})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRefreshPersistsChangedStates(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	tenant := uuid.New()
	a := seedInstance(t, store, tenant, "a", domain.InstanceStatusDisconnected, 1)
	seedInstance(t, store, tenant, "b", domain.InstanceStatusConnected, 1)

	reg := NewRegistry(store.Instances(), mock.NewScripted(), time.Minute, nil)
	res, err := reg.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, RefreshResult{Checked: 2, Changed: 1}, res)

	stored, err := store.Instances().Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.InstanceStatusConnected, stored.Status)
}

func TestSetWarmingLevel(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	a := seedInstance(t, store, uuid.New(), "a", domain.InstanceStatusConnected, 1)
	reg := NewRegistry(store.Instances(), mock.NewScripted(), time.Minute, nil)

	inst, err := reg.SetWarmingLevel(ctx, a.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, inst.WarmingLevel)

	_, err = reg.SetWarmingLevel(ctx, a.ID, 6)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = reg.SetWarmingLevel(ctx, a.ID, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateDefaultsLevel(t *testing.T) {
	store := memory.NewStore()
	reg := NewRegistry(store.Instances(), mock.NewScripted(), time.Minute, nil)

	inst, err := reg.Create(context.Background(), CreateInput{TenantID: uuid.New(), Name: "sales"})
	require.NoError(t, err)
	assert.Equal(t, domain.MinWarmingLevel, inst.WarmingLevel)
	assert.Equal(t, domain.InstanceStatusDisconnected, inst.Status)

	_, err = reg.Create(context.Background(), CreateInput{TenantID: uuid.New()})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
