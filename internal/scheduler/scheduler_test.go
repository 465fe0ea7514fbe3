package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
	instancesvc "github.com/acme/whatsapp-campaign/internal/service/instance"
)

type fakeDue struct {
	campaigns []*domain.Campaign
	err       error
	limit     int
}

func (f *fakeDue) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	f.limit = limit
	return f.campaigns, f.err
}

type fakeStarter struct {
	requests []dispatchsvc.Request
	errs     map[uuid.UUID]error
}

func (f *fakeStarter) Start(ctx context.Context, req dispatchsvc.Request) (dispatchsvc.Outcome, error) {
	f.requests = append(f.requests, req)
	if err := f.errs[req.CampaignID]; err != nil {
		return dispatchsvc.Outcome{CampaignID: req.CampaignID}, err
	}
	return dispatchsvc.Outcome{CampaignID: req.CampaignID, PendingMessages: 3}, nil
}

type fakeRefresher struct{ calls int }

func (f *fakeRefresher) Refresh(ctx context.Context) (instancesvc.RefreshResult, error) {
	f.calls++
	return instancesvc.RefreshResult{Checked: 2, Changed: 1}, nil
}

type fakePairer struct{ calls int }

func (f *fakePairer) AutoPair(ctx context.Context) (int, error) {
	f.calls++
	return 0, nil
}

func TestLaunchDueStartsEveryCampaign(t *testing.T) {
	instanceID := uuid.New()
	a := &domain.Campaign{ID: uuid.New(), InstanceIDs: []uuid.UUID{instanceID}, SendingMode: domain.SendingModeWeighted}
	b := &domain.Campaign{ID: uuid.New(), InstanceIDs: []uuid.UUID{instanceID}}
	c := &domain.Campaign{ID: uuid.New(), InstanceIDs: []uuid.UUID{instanceID}}

	due := &fakeDue{campaigns: []*domain.Campaign{a, b, c}}
	starter := &fakeStarter{errs: map[uuid.UUID]error{
		a.ID: errors.New("boom"),
		b.ID: dispatchsvc.ErrNothingPending,
	}}
	s := NewScheduler(Deps{Campaigns: due, Dispatch: starter}, config.SchedulerConfig{MaxBatchSize: 7})

	require.NoError(t, s.LaunchDue(context.Background()))

	require.Len(t, starter.requests, 3)
	assert.Equal(t, a.ID, starter.requests[0].CampaignID)
	assert.Equal(t, []uuid.UUID{instanceID}, starter.requests[0].InstanceIDs)
	assert.Equal(t, domain.SendingModeWeighted, starter.requests[0].SendingMode)
	assert.Equal(t, c.ID, starter.requests[2].CampaignID)
	assert.Equal(t, 7, due.limit)
}

func TestLaunchDueReportsListFailure(t *testing.T) {
	s := NewScheduler(Deps{Campaigns: &fakeDue{err: errors.New("db down")}, Dispatch: &fakeStarter{}}, config.SchedulerConfig{})
	assert.ErrorContains(t, s.LaunchDue(context.Background()), "db down")
}

func TestRunExecutesJobsUntilCancelled(t *testing.T) {
	due := &fakeDue{}
	refresher := &fakeRefresher{}
	pairer := &fakePairer{}
	s := NewScheduler(Deps{Campaigns: due, Dispatch: &fakeStarter{}, Instances: refresher, Warming: pairer}, config.SchedulerConfig{
		TickInterval:         time.Hour,
		InstanceRefreshEvery: time.Hour,
		AutoPairEvery:        time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, refresher.calls)
	assert.Equal(t, 1, pairer.calls)
}
