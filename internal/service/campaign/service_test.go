package campaign

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/repository/memory"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

type fixture struct {
	store    *memory.Store
	svc      *Service
	tenant   uuid.UUID
	template *domain.Template
	list     domain.ContactList
	contacts []domain.Contact
}

func newFixture(t *testing.T, contacts int, variations ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	svc := NewService(store.Campaigns(), store.Messages(), store.Templates(), store.Contacts(), store.Attempts())

	f := &fixture{store: store, svc: svc, tenant: uuid.New()}
	tpl, err := svc.CreateTemplate(ctx, CreateTemplateInput{
		TenantID:   f.tenant,
		Name:       "promo",
		Body:       "Hi {{name}}",
		Variations: variations,
	})
	require.NoError(t, err)
	f.template = tpl

	base := time.Now().Add(-time.Hour)
	var ids []uuid.UUID
	for i := 0; i < contacts; i++ {
		c := domain.Contact{
			ID:        uuid.New(),
			TenantID:  f.tenant,
			Name:      "contact-" + string(rune('a'+i)),
			Phone:     "55110000000" + string(rune('0'+i)),
			Fields:    map[string]string{"city": "Recife"},
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		store.PutContact(c)
		f.contacts = append(f.contacts, c)
		ids = append(ids, c.ID)
	}
	f.list = domain.ContactList{ID: uuid.New(), TenantID: f.tenant, Name: "vip", Kind: domain.ListKindStatic}
	store.PutList(f.list, ids...)
	return f
}

func (f *fixture) create(t *testing.T) *domain.Campaign {
	t.Helper()
	c, err := f.svc.Create(context.Background(), CreateCampaignInput{
		TenantID:   f.tenant,
		Name:       "launch",
		TemplateID: f.template.ID,
		ListID:     f.list.ID,
	})
	require.NoError(t, err)
	return c
}

func TestValidateCreateInputFailures(t *testing.T) {
	ok := CreateCampaignInput{TenantID: uuid.New(), Name: "x", TemplateID: uuid.New(), ListID: uuid.New()}
	cases := []func(*CreateCampaignInput){
		func(in *CreateCampaignInput) { in.TenantID = uuid.Nil },
		func(in *CreateCampaignInput) { in.Name = "" },
		func(in *CreateCampaignInput) { in.TemplateID = uuid.Nil },
		func(in *CreateCampaignInput) { in.ListID = uuid.Nil },
		func(in *CreateCampaignInput) { in.SendingMode = "random" },
	}

	require.NoError(t, validateCreateInput(ok))
	for i, mutate := range cases {
		in := ok
		mutate(&in)
		assert.ErrorIs(t, validateCreateInput(in), apperrors.ErrValidation, "case %d", i)
	}
}

func TestCreateRejectsUnknownTemplateAndForeignList(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateCampaignInput{TenantID: f.tenant, Name: "x", TemplateID: uuid.New(), ListID: f.list.ID})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	foreign := domain.ContactList{ID: uuid.New(), TenantID: uuid.New(), Kind: domain.ListKindStatic}
	f.store.PutList(foreign)
	_, err = f.svc.Create(ctx, CreateCampaignInput{TenantID: f.tenant, Name: "x", TemplateID: f.template.ID, ListID: foreign.ID})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCreateDefaultsAndSchedule(t *testing.T) {
	f := newFixture(t, 1)
	c := f.create(t)
	assert.Equal(t, domain.CampaignStatusDraft, c.Status)
	assert.Equal(t, domain.SendingModeWeighted, c.SendingMode)

	at := time.Now().Add(time.Hour)
	scheduled, err := f.svc.Schedule(context.Background(), c.ID, at)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusScheduled, scheduled.Status)
	require.NotNil(t, scheduled.ScheduledAt)
	assert.WithinDuration(t, at, *scheduled.ScheduledAt, time.Millisecond)
}

func TestPrepareRendersVariationsInAudienceOrder(t *testing.T) {
	f := newFixture(t, 5, "Hello {{name}} from {{city}}", "Hey {{phone}}")
	ctx := context.Background()
	c := f.create(t)

	n, err := f.svc.Prepare(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	rows := f.store.MessagesOf(c.ID)
	require.Len(t, rows, 5)
	want := []string{
		"Hi " + f.contacts[0].Name,
		"Hello " + f.contacts[1].Name + " from Recife",
		"Hey " + f.contacts[2].Phone,
		"Hi " + f.contacts[3].Name,
		"Hello " + f.contacts[4].Name + " from Recife",
	}
	for i, row := range rows {
		assert.Equal(t, f.contacts[i].ID, row.ContactID)
		assert.Equal(t, want[i], row.Content)
		assert.Equal(t, domain.MessageStatusQueued, row.Status)
	}

	stored, err := f.svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stored.Counts.TotalContacts)
}

func TestPrepareIsIdempotent(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	c := f.create(t)

	_, err := f.svc.Prepare(ctx, c.ID)
	require.NoError(t, err)
	again, err := f.svc.Prepare(ctx, c.ID)
	require.NoError(t, err)
	assert.Zero(t, again)
	assert.Len(t, f.store.MessagesOf(c.ID), 3)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	c := f.create(t)

	cancelled, err := f.svc.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignStatusCancelled, cancelled.Status)

	_, err = f.svc.Cancel(ctx, c.ID)
	require.NoError(t, err)

	_, err = f.svc.Schedule(ctx, c.ID, time.Now())
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCancelCompletedIsConflict(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	c := f.create(t)
	_, err := f.store.Campaigns().TransitionStatus(ctx, c.ID, []domain.CampaignStatus{domain.CampaignStatusDraft}, domain.CampaignStatusCompleted)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, c.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestStatsDerivedFromRows(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	c := f.create(t)
	_, err := f.svc.Prepare(ctx, c.ID)
	require.NoError(t, err)

	rows := f.store.MessagesOf(c.ID)
	instance := uuid.New()
	ok, err := f.store.Messages().Claim(ctx, rows[0].ID, instance)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = f.store.Messages().MarkSent(ctx, rows[0].ID, "wamid-1")
	require.NoError(t, err)
	_, err = f.store.Messages().Claim(ctx, rows[1].ID, instance)
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx, c.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, stats.Total)
	assert.EqualValues(t, 1, stats.Sent)
	assert.EqualValues(t, 1, stats.Sending)
	assert.EqualValues(t, 2, stats.Queued)
	assert.EqualValues(t, 3, stats.Pending)
}

func TestMessagesRejectsUnknownStatus(t *testing.T) {
	f := newFixture(t, 1)
	c := f.create(t)
	_, err := f.svc.Messages(context.Background(), c.ID, "bounced", nil, 10)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestPickVariantAndRender(t *testing.T) {
	tpl := &domain.Template{Body: "b", Variations: []string{"v1", "v2"}}
	got := make([]string, 0, 7)
	for i := 0; i < 7; i++ {
		got = append(got, pickVariant(tpl, i))
	}
	assert.Equal(t, []string{"b", "v1", "v2", "b", "v1", "v2", "b"}, got)

	contact := domain.Contact{Name: "Ana", Phone: "55", Fields: map[string]string{"plan": "gold", "name": "ignored"}}
	assert.Equal(t, "Ana/55/gold/{{missing}}", render("{{name}}/{{phone}}/{{plan}}/{{missing}}", contact))
}
