package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway/mock"
	"github.com/acme/whatsapp-campaign/internal/queue"
	"github.com/acme/whatsapp-campaign/internal/repository/memory"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []queue.MessageEvent
}

func (r *recordingEvents) PublishEvent(ctx context.Context, evt queue.MessageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

type loopFixture struct {
	store    *memory.Store
	provider *mock.Scripted
	events   *recordingEvents
	loop     *Loop
	tenant   uuid.UUID
	campaign domain.Campaign
}

func newLoopFixture(t *testing.T, status domain.CampaignStatus, stopOnFirstError bool) *loopFixture {
	t.Helper()
	store := memory.NewStore()
	provider := mock.NewScripted()
	events := &recordingEvents{}
	f := &loopFixture{
		store:    store,
		provider: provider,
		events:   events,
		tenant:   uuid.New(),
		loop: NewLoop(LoopDeps{
			Campaigns: store.Campaigns(),
			Messages:  store.Messages(),
			Provider:  provider,
			Attempts:  store.Attempts(),
			Events:    events,
		}, config.DispatchConfig{BatchSize: 7}),
	}
	now := time.Now().UTC()
	f.campaign = domain.Campaign{
		ID:               uuid.New(),
		TenantID:         f.tenant,
		Name:             "launch",
		Status:           status,
		SendingMode:      domain.SendingModeWeighted,
		StopOnFirstError: stopOnFirstError,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, store.Campaigns().Create(context.Background(), &f.campaign))
	return f
}

func (f *loopFixture) instance(name string, level int) domain.Instance {
	inst := domain.Instance{
		ID:           uuid.New(),
		TenantID:     f.tenant,
		Name:         name,
		Status:       domain.InstanceStatusConnected,
		WarmingLevel: level,
	}
	_ = f.store.Instances().Create(context.Background(), &inst)
	return inst
}

func (f *loopFixture) enqueue(t *testing.T, n int) []domain.CampaignMessage {
	t.Helper()
	base := time.Now().UTC().Add(-time.Hour)
	msgs := make([]domain.CampaignMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, domain.CampaignMessage{
			ID:         uuid.New(),
			CampaignID: f.campaign.ID,
			ContactID:  uuid.New(),
			Phone:      fmt.Sprintf("5511900000%03d", i),
			Content:    fmt.Sprintf("hello %d", i),
			Status:     domain.MessageStatusQueued,
			CreatedAt:  base.Add(time.Duration(i) * time.Microsecond),
		})
	}
	inserted, err := f.store.Messages().BulkInsert(context.Background(), msgs)
	require.NoError(t, err)
	require.EqualValues(t, n, inserted)
	return msgs
}

func (f *loopFixture) status(t *testing.T) domain.CampaignStatus {
	t.Helper()
	st, err := f.store.Campaigns().GetStatus(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	return st
}

func (f *loopFixture) run(instances ...domain.Instance) (RunResult, error) {
	return f.loop.Run(context.Background(), RunInput{
		CampaignID:       f.campaign.ID,
		Instances:        instances,
		Mode:             f.campaign.SendingMode,
		StopOnFirstError: f.campaign.StopOnFirstError,
	})
}

func TestRunSplitsTrafficByWarmingLevel(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	a := f.instance("inst-a", 1)
	b := f.instance("inst-b", 4)
	f.enqueue(t, 50)

	res, err := f.run(a, b)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Sent)

	perInstance := map[string]int{}
	for _, c := range f.provider.Calls() {
		perInstance[c.Instance]++
	}
	assert.Equal(t, 10, perInstance["inst-a"])
	assert.Equal(t, 40, perInstance["inst-b"])
}

func TestRunSendsInQueueOrderAndCompletes(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	inst := f.instance("inst-a", 3)
	msgs := f.enqueue(t, 12)

	res, err := f.run(inst)
	require.NoError(t, err)
	assert.Equal(t, StopDrained, res.Reason)
	assert.True(t, res.Completed)
	assert.Equal(t, 12, res.Sent)

	calls := f.provider.Calls()
	require.Len(t, calls, 12)
	for i, c := range calls {
		assert.Equal(t, msgs[i].Phone, c.To)
		assert.Equal(t, msgs[i].Content, c.Text)
	}

	campaign, err := f.store.Campaigns().Get(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCompleted, campaign.Status)
	assert.EqualValues(t, 12, campaign.Counts.Sent)
	assert.NotNil(t, campaign.CompletedAt)

	row, ok := f.store.Message(msgs[0].ID)
	require.True(t, ok)
	assert.Equal(t, domain.MessageStatusSent, row.Status)
	require.NotNil(t, row.WhatsAppMessageID)
	assert.Equal(t, "wamid-1", *row.WhatsAppMessageID)
	require.NotNil(t, row.InstanceID)
	assert.Equal(t, inst.ID, *row.InstanceID)

	assert.Len(t, f.events.events, 12)
	attempts, _, err := f.store.Attempts().ListByCampaign(context.Background(), f.campaign.ID, 100, nil)
	require.NoError(t, err)
	assert.Len(t, attempts, 12)
}

func TestRunRecordsProviderFailuresAndKeepsGoing(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	inst := f.instance("inst-a", 1)
	msgs := f.enqueue(t, 4)
	f.provider.FailTo(msgs[1].Phone)

	res, err := f.run(inst)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.Completed)

	row, _ := f.store.Message(msgs[1].ID)
	assert.Equal(t, domain.MessageStatusFailed, row.Status)
	require.NotNil(t, row.LastError)
	assert.Contains(t, *row.LastError, "scripted failure")

	campaign, err := f.store.Campaigns().Get(context.Background(), f.campaign.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, campaign.Counts.Sent)
	assert.EqualValues(t, 1, campaign.Counts.Failed)
}

func TestRunStopsOnFirstError(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, true)
	inst := f.instance("inst-a", 1)
	msgs := f.enqueue(t, 5)
	f.provider.FailCall(2)

	res, err := f.run(inst)
	require.NoError(t, err)
	assert.Equal(t, StopFirstError, res.Reason)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.False(t, res.Completed)

	want := []domain.MessageStatus{
		domain.MessageStatusSent,
		domain.MessageStatusFailed,
		domain.MessageStatusQueued,
		domain.MessageStatusQueued,
		domain.MessageStatusQueued,
	}
	for i, m := range msgs {
		row, ok := f.store.Message(m.ID)
		require.True(t, ok)
		assert.Equal(t, want[i], row.Status, "message %d", i+1)
	}
	assert.Equal(t, domain.CampaignStatusSending, f.status(t))
	assert.Len(t, f.provider.Calls(), 2)
}

func TestRunHonoursCancellationBetweenMessages(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	inst := f.instance("inst-a", 1)
	msgs := f.enqueue(t, 6)
	f.provider.OnSend(func(n int) {
		if n == 2 {
			_, _ = f.store.Campaigns().TransitionStatus(context.Background(), f.campaign.ID,
				[]domain.CampaignStatus{domain.CampaignStatusSending}, domain.CampaignStatusCancelled)
		}
	})

	res, err := f.run(inst)
	require.NoError(t, err)
	assert.Equal(t, StopCancelled, res.Reason)
	assert.Equal(t, 2, res.Sent)

	// The in-flight send finishes before the stop is observed.
	row, _ := f.store.Message(msgs[1].ID)
	assert.Equal(t, domain.MessageStatusSent, row.Status)
	for _, m := range msgs[2:] {
		row, _ := f.store.Message(m.ID)
		assert.Equal(t, domain.MessageStatusQueued, row.Status)
	}
	assert.Equal(t, domain.CampaignStatusCancelled, f.status(t))
}

func TestRunRejectsEmptyInstancesWithoutTouchingCampaign(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	f.enqueue(t, 3)

	_, err := f.run()
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Equal(t, domain.CampaignStatusSending, f.status(t))
	assert.Empty(t, f.provider.Calls())
}

func TestRunRequiresSendingCampaign(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusDraft, false)
	inst := f.instance("inst-a", 1)
	f.enqueue(t, 2)

	_, err := f.run(inst)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, domain.CampaignStatusDraft, f.status(t))
	assert.Empty(t, f.provider.Calls())
}

func TestRunMarksCampaignFailedOnStoreFault(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	inst := f.instance("inst-a", 1)
	f.enqueue(t, 3)
	boom := errors.New("connection reset")
	f.store.FailOn("messages.NextQueued", boom)

	_, err := f.run(inst)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, domain.CampaignStatusFailed, f.status(t))
	assert.Empty(t, f.provider.Calls())
}

func TestRunLeavesCampaignOpenWhileRowsAreSendingElsewhere(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	inst := f.instance("inst-a", 1)
	msgs := f.enqueue(t, 3)

	inFlight := msgs[2]
	inFlight.Status = domain.MessageStatusSending
	inFlight.UpdatedAt = time.Now().UTC()
	f.store.SetMessage(inFlight)

	res, err := f.run(inst)
	require.NoError(t, err)
	assert.Equal(t, StopPendingElsewhere, res.Reason)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, domain.CampaignStatusSending, f.status(t))
}

func TestRunResumesTheScheduleWhereItLeftOff(t *testing.T) {
	fresh := newLoopFixture(t, domain.CampaignStatusSending, false)
	a := fresh.instance("inst-a", 2)
	b := fresh.instance("inst-b", 3)
	fresh.enqueue(t, 10)
	_, err := fresh.run(a, b)
	require.NoError(t, err)
	full := fresh.provider.Calls()
	require.Len(t, full, 10)

	resumed := newLoopFixture(t, domain.CampaignStatusSending, false)
	msgs := resumed.enqueue(t, 10)
	for _, m := range msgs[:4] {
		m.Status = domain.MessageStatusSent
		resumed.store.SetMessage(m)
	}
	_, err = resumed.run(a, b)
	require.NoError(t, err)

	tail := resumed.provider.Calls()
	require.Len(t, tail, 6)
	for i, c := range tail {
		assert.Equal(t, full[i+4].Instance, c.Instance, "pick %d", i+4)
	}
}

func TestConcurrentRunsNeverDoubleSend(t *testing.T) {
	f := newLoopFixture(t, domain.CampaignStatusSending, false)
	a := f.instance("inst-a", 1)
	b := f.instance("inst-b", 3)
	f.enqueue(t, 300)

	var (
		wg      sync.WaitGroup
		results [2]RunResult
		errs    [2]error
	)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.run(a, b)
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, 300, results[0].Sent+results[1].Sent)
	assert.Zero(t, results[0].Failed+results[1].Failed)
	assert.True(t, results[0].Completed != results[1].Completed, "exactly one run completes the campaign")

	calls := f.provider.Calls()
	require.Len(t, calls, 300)
	seen := make(map[string]int, len(calls))
	for _, c := range calls {
		seen[c.To]++
	}
	assert.Len(t, seen, 300)
	for to, n := range seen {
		assert.Equal(t, 1, n, "destination %s", to)
	}
	assert.Equal(t, domain.CampaignStatusCompleted, f.status(t))
}
