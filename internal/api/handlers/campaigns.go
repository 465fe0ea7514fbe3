package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/domain"
	campaignsvc "github.com/acme/whatsapp-campaign/internal/service/campaign"
	"github.com/acme/whatsapp-campaign/internal/service/common"
)

type createCampaignRequest struct {
	TenantID         string     `json:"tenantId"`
	Name             string     `json:"name"`
	TemplateID       string     `json:"templateId"`
	ListID           string     `json:"listId"`
	InstanceIDs      []string   `json:"instanceIds"`
	SendingMode      string     `json:"sendingMode"`
	StopOnFirstError bool       `json:"stopOnFirstError"`
	ScheduledAt      *time.Time `json:"scheduledAt"`
}

type scheduleCampaignRequest struct {
	ScheduledAt time.Time `json:"scheduledAt"`
}

type countsResponse struct {
	TotalContacts int64 `json:"totalContacts"`
	Sent          int64 `json:"sent"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
}

type campaignResponse struct {
	ID               uuid.UUID             `json:"id"`
	TenantID         uuid.UUID             `json:"tenantId"`
	Name             string                `json:"name"`
	Status           domain.CampaignStatus `json:"status"`
	TemplateID       uuid.UUID             `json:"templateId"`
	ListID           uuid.UUID             `json:"listId"`
	InstanceIDs      []uuid.UUID           `json:"instanceIds"`
	SendingMode      domain.SendingMode    `json:"sendingMode"`
	StopOnFirstError bool                  `json:"stopOnFirstError"`
	Counts           countsResponse        `json:"counts"`
	ScheduledAt      *time.Time            `json:"scheduledAt,omitempty"`
	StartedAt        *time.Time            `json:"startedAt,omitempty"`
	CompletedAt      *time.Time            `json:"completedAt,omitempty"`
	CreatedAt        time.Time             `json:"createdAt"`
	UpdatedAt        time.Time             `json:"updatedAt"`
}

type listCampaignsResponse struct {
	Campaigns []campaignResponse `json:"campaigns"`
}

type messageResponse struct {
	ID                uuid.UUID            `json:"id"`
	ContactID         uuid.UUID            `json:"contactId"`
	Phone             string               `json:"phone"`
	Content           string               `json:"content"`
	Status            domain.MessageStatus `json:"status"`
	InstanceID        *uuid.UUID           `json:"instanceId,omitempty"`
	WhatsAppMessageID *string              `json:"whatsappMessageId,omitempty"`
	LastError         *string              `json:"lastError,omitempty"`
	SentAt            *time.Time           `json:"sentAt,omitempty"`
	UpdatedAt         time.Time            `json:"updatedAt"`
}

type listMessagesResponse struct {
	Messages []messageResponse `json:"messages"`
}

type attemptResponse struct {
	MessageID         uuid.UUID            `json:"messageId"`
	InstanceID        uuid.UUID            `json:"instanceId"`
	Status            domain.MessageStatus `json:"status"`
	ProviderMessageID string               `json:"providerMessageId,omitempty"`
	Error             string               `json:"error,omitempty"`
	DurationMs        int64                `json:"durationMs"`
	CreatedAt         time.Time            `json:"createdAt"`
}

type listAttemptsResponse struct {
	Attempts []attemptResponse `json:"attempts"`
	NextPage string            `json:"nextPageToken,omitempty"`
}

func (h *HandlerSet) createCampaign(ctx *fiber.Ctx) error {
	var req createCampaignRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	input := campaignsvc.CreateCampaignInput{
		Name:             req.Name,
		SendingMode:      domain.SendingMode(req.SendingMode),
		StopOnFirstError: req.StopOnFirstError,
		ScheduledAt:      req.ScheduledAt,
	}
	var err error
	if input.TenantID, err = parseOptionalUUID(req.TenantID); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid tenantId")
	}
	if input.TemplateID, err = parseOptionalUUID(req.TemplateID); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid templateId")
	}
	if input.ListID, err = parseOptionalUUID(req.ListID); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid listId")
	}
	if input.InstanceIDs, err = parseUUIDs(req.InstanceIDs); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid instanceIds")
	}

	campaign, err := h.campaigns.Create(ctx.UserContext(), input)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusCreated).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) listCampaigns(ctx *fiber.Ctx) error {
	limit, _ := strconv.Atoi(ctx.Query("limit", "50"))
	var afterID, tenantID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		if id, err := uuid.Parse(afterStr); err == nil {
			afterID = &id
		}
	}
	if tenantStr := ctx.Query("tenant_id"); tenantStr != "" {
		id, err := uuid.Parse(tenantStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid tenant_id")
		}
		tenantID = &id
	}

	campaigns, err := h.campaigns.List(ctx.UserContext(), tenantID, afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listCampaignsResponse{Campaigns: make([]campaignResponse, 0, len(campaigns))}
	for _, c := range campaigns {
		resp.Campaigns = append(resp.Campaigns, toCampaignResponse(c))
	}

	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) getCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Get(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) scheduleCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	var req scheduleCampaignRequest
	if err := ctx.BodyParser(&req); err != nil || req.ScheduledAt.IsZero() {
		return fiber.NewError(http.StatusBadRequest, "scheduledAt is required")
	}

	campaign, err := h.campaigns.Schedule(ctx.UserContext(), id, req.ScheduledAt)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) cancelCampaign(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	campaign, err := h.campaigns.Cancel(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toCampaignResponse(campaign))
}

func (h *HandlerSet) campaignStats(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	stats, err := h.campaigns.Stats(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusOK).JSON(stats)
}

func (h *HandlerSet) listCampaignMessages(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	var afterID *uuid.UUID
	if afterStr := ctx.Query("after_id"); afterStr != "" {
		parsed, err := uuid.Parse(afterStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid after_id")
		}
		afterID = &parsed
	}

	messages, err := h.campaigns.Messages(ctx.UserContext(), id, ctx.Query("status"), afterID, limit)
	if err != nil {
		return translateError(err)
	}

	resp := listMessagesResponse{Messages: make([]messageResponse, 0, len(messages))}
	for _, m := range messages {
		resp.Messages = append(resp.Messages, messageResponse{
			ID:                m.ID,
			ContactID:         m.ContactID,
			Phone:             m.Phone,
			Content:           m.Content,
			Status:            m.Status,
			InstanceID:        m.InstanceID,
			WhatsAppMessageID: m.WhatsAppMessageID,
			LastError:         m.LastError,
			SentAt:            m.SentAt,
			UpdatedAt:         m.UpdatedAt,
		})
	}
	return ctx.Status(http.StatusOK).JSON(resp)
}

func (h *HandlerSet) listCampaignAttempts(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaign id")
	}

	limit, _ := strconv.Atoi(ctx.Query("limit", "100"))
	paging, err := common.DecodeCursor(ctx.Query("page_token"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid page token")
	}

	attempts, next, err := h.campaigns.Attempts(ctx.UserContext(), id, limit, paging)
	if err != nil {
		return translateError(err)
	}

	resp := listAttemptsResponse{Attempts: make([]attemptResponse, 0, len(attempts))}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			MessageID:         a.MessageID,
			InstanceID:        a.InstanceID,
			Status:            a.Status,
			ProviderMessageID: a.ProviderMessageID,
			Error:             a.Error,
			DurationMs:        a.Duration.Milliseconds(),
			CreatedAt:         a.CreatedAt,
		})
	}
	resp.NextPage = common.EncodeCursor(next)

	return ctx.Status(http.StatusOK).JSON(resp)
}

func toCampaignResponse(campaign *domain.Campaign) campaignResponse {
	ids := campaign.InstanceIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return campaignResponse{
		ID:               campaign.ID,
		TenantID:         campaign.TenantID,
		Name:             campaign.Name,
		Status:           campaign.Status,
		TemplateID:       campaign.TemplateID,
		ListID:           campaign.ListID,
		InstanceIDs:      ids,
		SendingMode:      campaign.SendingMode,
		StopOnFirstError: campaign.StopOnFirstError,
		Counts: countsResponse{
			TotalContacts: campaign.Counts.TotalContacts,
			Sent:          campaign.Counts.Sent,
			Delivered:     campaign.Counts.Delivered,
			Failed:        campaign.Counts.Failed,
		},
		ScheduledAt: campaign.ScheduledAt,
		StartedAt:   campaign.StartedAt,
		CompletedAt: campaign.CompletedAt,
		CreatedAt:   campaign.CreatedAt,
		UpdatedAt:   campaign.UpdatedAt,
	}
}

func parseUUID(value string) (uuid.UUID, error) {
	return uuid.Parse(value)
}

// parseOptionalUUID maps "" to uuid.Nil so the service reports the missing field.
func parseOptionalUUID(value string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, nil
	}
	return uuid.Parse(value)
}
