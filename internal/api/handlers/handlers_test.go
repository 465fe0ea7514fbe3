package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway/mock"
	"github.com/acme/whatsapp-campaign/internal/queue"
	"github.com/acme/whatsapp-campaign/internal/repository"
	"github.com/acme/whatsapp-campaign/internal/repository/memory"
	campaignsvc "github.com/acme/whatsapp-campaign/internal/service/campaign"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
	instancesvc "github.com/acme/whatsapp-campaign/internal/service/instance"
	warmingsvc "github.com/acme/whatsapp-campaign/internal/service/warming"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

type nopPublisher struct{ published int }

func (p *nopPublisher) PublishDispatch(ctx context.Context, req queue.DispatchRequest) error {
	p.published++
	return nil
}

type apiFixture struct {
	app       *fiber.App
	store     *memory.Store
	campaigns *campaignsvc.Service
	publisher *nopPublisher
	tenant    uuid.UUID
	inst      domain.Instance
}

func newAPIFixture(t *testing.T, checks map[string]HealthCheck) *apiFixture {
	t.Helper()
	store := memory.NewStore()
	provider := mock.NewScripted()
	registry := instancesvc.NewRegistry(store.Instances(), provider, time.Minute, nil)
	campaigns := campaignsvc.NewService(store.Campaigns(), store.Messages(), store.Templates(), store.Contacts(), store.Attempts())
	publisher := &nopPublisher{}
	dispatch := dispatchsvc.NewService(store.Campaigns(), store.Messages(), registry, campaigns, publisher,
		config.DispatchConfig{StuckAfter: time.Minute}, nil)
	warming := warmingsvc.NewService(store.Warming(), store.Instances(), config.WarmingConfig{}, nil)

	h := New(Deps{
		Campaigns: campaigns,
		Dispatch:  dispatch,
		Instances: registry,
		Warming:   warming,
		Checks:    checks,
	})
	app := fiber.New(fiber.Config{ErrorHandler: h.ErrorHandler})
	h.Register(app)

	f := &apiFixture{app: app, store: store, campaigns: campaigns, publisher: publisher, tenant: uuid.New()}
	f.inst = domain.Instance{ID: uuid.New(), TenantID: f.tenant, Name: "inst-a", Status: domain.InstanceStatusConnected, WarmingLevel: 1}
	require.NoError(t, store.Instances().Create(context.Background(), &f.inst))
	return f
}

func (f *apiFixture) draft(t *testing.T, contacts int) *domain.Campaign {
	t.Helper()
	ctx := context.Background()
	tpl, err := f.campaigns.CreateTemplate(ctx, campaignsvc.CreateTemplateInput{TenantID: f.tenant, Name: "t", Body: "Hi {{name}}"})
	require.NoError(t, err)
	var ids []uuid.UUID
	for i := 0; i < contacts; i++ {
		c := domain.Contact{ID: uuid.New(), TenantID: f.tenant, Name: "c", Phone: fmt.Sprintf("5511%08d", i), CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
		f.store.PutContact(c)
		ids = append(ids, c.ID)
	}
	list := domain.ContactList{ID: uuid.New(), TenantID: f.tenant, Kind: domain.ListKindStatic}
	f.store.PutList(list, ids...)
	c, err := f.campaigns.Create(ctx, campaignsvc.CreateCampaignInput{TenantID: f.tenant, Name: "x", TemplateID: tpl.ID, ListID: list.ID})
	require.NoError(t, err)
	return c
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func TestStartDispatchAccepted(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.draft(t, 3)

	status, body := f.do(t, http.MethodPost, "/api/v1/dispatch/start", map[string]any{
		"campaignId":  c.ID.String(),
		"instanceIds": []string{f.inst.ID.String()},
		"sendingMode": "weighted",
	})
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 3, body["pendingMessages"])
	assert.Equal(t, 1, f.publisher.published)
}

func TestResumeWithNothingPendingReturnsOK(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := &domain.Campaign{ID: uuid.New(), TenantID: f.tenant, Name: "done", Status: domain.CampaignStatusCompleted}
	require.NoError(t, f.store.Campaigns().Create(context.Background(), c))

	status, body := f.do(t, http.MethodPost, "/api/v1/dispatch/resume", map[string]any{
		"campaignId":  c.ID.String(),
		"instanceIds": []string{f.inst.ID.String()},
	})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["success"])
	assert.EqualValues(t, 0, body["pendingMessages"])
	assert.NotEmpty(t, body["reason"])
	assert.Zero(t, f.publisher.published)
}

func TestDispatchValidationErrors(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.draft(t, 1)

	status, body := f.do(t, http.MethodPost, "/api/v1/dispatch/start", map[string]any{
		"campaignId":  c.ID.String(),
		"instanceIds": []string{},
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "instanceIds")
	assert.Contains(t, body, "trace_id")

	status, _ = f.do(t, http.MethodPost, "/api/v1/dispatch/start", map[string]any{"campaignId": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodPost, "/api/v1/dispatch/resume", map[string]any{
		"campaignId":  c.ID.String(),
		"instanceIds": []string{f.inst.ID.String()},
	})
	assert.Equal(t, http.StatusConflict, status)
}

func TestCampaignEndpoints(t *testing.T) {
	f := newAPIFixture(t, nil)
	c := f.draft(t, 2)

	status, body := f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID.String(), nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "draft", body["status"])

	status, _ = f.do(t, http.MethodGet, "/api/v1/campaigns/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, body = f.do(t, http.MethodPost, "/api/v1/campaigns/"+c.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "cancelled", body["status"])

	status, body = f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID.String()+"/stats", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 0, body["pending"])

	status, _ = f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID.String()+"/messages?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = f.do(t, http.MethodGet, "/api/v1/campaigns/"+c.ID.String()+"/attempts?page_token=***", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateCampaignRejectsMissingFields(t *testing.T) {
	f := newAPIFixture(t, nil)
	status, body := f.do(t, http.MethodPost, "/api/v1/campaigns/", map[string]any{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.NotEmpty(t, body["error"])
}

func TestAutoPairEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	other := domain.Instance{ID: uuid.New(), TenantID: uuid.New(), Name: "inst-b", Status: domain.InstanceStatusConnected}
	require.NoError(t, f.store.Instances().Create(context.Background(), &other))

	for _, inst := range []domain.Instance{f.inst, other} {
		status, _ := f.do(t, http.MethodPost, "/api/v1/warming/entries", map[string]any{
			"tenantId":   inst.TenantID.String(),
			"instanceId": inst.ID.String(),
		})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := f.do(t, http.MethodPost, "/api/v1/warming/auto-pair", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["pairsCreated"])
}

func TestInstanceWarmingLevelValidation(t *testing.T) {
	f := newAPIFixture(t, nil)

	status, _ := f.do(t, http.MethodPut, "/api/v1/instances/"+f.inst.ID.String()+"/warming-level", map[string]any{"warmingLevel": 9})
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := f.do(t, http.MethodPut, "/api/v1/instances/"+f.inst.ID.String()+"/warming-level", map[string]any{"warmingLevel": 4})
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 4, body["warmingLevel"])
}

func TestHealthReportsFailingDependency(t *testing.T) {
	f := newAPIFixture(t, map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("dial tcp: refused") },
	})

	status, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	errs, ok := body["errors"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, errs, "redis")
	assert.NotContains(t, errs, "postgres")
}

func TestTranslateErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{apperrors.Validationf("bad phone"), http.StatusBadRequest},
		{repository.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: campaign is draft", apperrors.ErrConflict), http.StatusConflict},
		{fmt.Errorf("send: %w", apperrors.ErrProvider), http.StatusBadGateway},
		{errors.Join(apperrors.ErrUnavailable, errors.New("broker down")), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		var fe *fiber.Error
		require.ErrorAs(t, translateError(tc.err), &fe, tc.err.Error())
		assert.Equal(t, tc.code, fe.Code, tc.err.Error())
	}

	plain := errors.New("boom")
	assert.Same(t, plain, translateError(plain))
	assert.NoError(t, translateError(nil))
}
