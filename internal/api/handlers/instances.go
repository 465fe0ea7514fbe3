package handlers

import (
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/domain"
	campaignsvc "github.com/acme/whatsapp-campaign/internal/service/campaign"
	instancesvc "github.com/acme/whatsapp-campaign/internal/service/instance"
	warmingsvc "github.com/acme/whatsapp-campaign/internal/service/warming"
)

type createInstanceRequest struct {
	TenantID     string `json:"tenantId"`
	Name         string `json:"name"`
	WarmingLevel int    `json:"warmingLevel"`
}

type warmingLevelRequest struct {
	WarmingLevel int `json:"warmingLevel"`
}

type instanceResponse struct {
	ID           uuid.UUID             `json:"id"`
	TenantID     uuid.UUID             `json:"tenantId"`
	Name         string                `json:"name"`
	Status       domain.InstanceStatus `json:"status"`
	WarmingLevel int                   `json:"warmingLevel"`
	UpdatedAt    time.Time             `json:"updatedAt"`
}

type createTemplateRequest struct {
	TenantID   string   `json:"tenantId"`
	Name       string   `json:"name"`
	Body       string   `json:"body"`
	Variations []string `json:"variations"`
}

type templateResponse struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenantId"`
	Name       string    `json:"name"`
	Body       string    `json:"body"`
	Variations []string  `json:"variations"`
	CreatedAt  time.Time `json:"createdAt"`
}

type joinWarmingRequest struct {
	TenantID   string `json:"tenantId"`
	InstanceID string `json:"instanceId"`
}

type entryResponse struct {
	ID             uuid.UUID `json:"id"`
	TenantID       uuid.UUID `json:"tenantId"`
	InstanceID     uuid.UUID `json:"instanceId"`
	IsActive       bool      `json:"isActive"`
	TotalPairsMade int       `json:"totalPairsMade"`
	CreatedAt      time.Time `json:"createdAt"`
}

type pairResponse struct {
	ID        uuid.UUID `json:"id"`
	EntryA    uuid.UUID `json:"entryA"`
	EntryB    uuid.UUID `json:"entryB"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

func (h *HandlerSet) listInstances(ctx *fiber.Ctx) error {
	var tenantID *uuid.UUID
	if tenantStr := ctx.Query("tenant_id"); tenantStr != "" {
		id, err := uuid.Parse(tenantStr)
		if err != nil {
			return fiber.NewError(http.StatusBadRequest, "invalid tenant_id")
		}
		tenantID = &id
	}

	instances, err := h.instances.List(ctx.UserContext(), tenantID)
	if err != nil {
		return translateError(err)
	}
	resp := make([]instanceResponse, 0, len(instances))
	for i := range instances {
		resp = append(resp, toInstanceResponse(&instances[i]))
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"instances": resp})
}

func (h *HandlerSet) createInstance(ctx *fiber.Ctx) error {
	var req createInstanceRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	tenantID, err := parseOptionalUUID(req.TenantID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid tenantId")
	}

	inst, err := h.instances.Create(ctx.UserContext(), instancesvc.CreateInput{
		TenantID:     tenantID,
		Name:         req.Name,
		WarmingLevel: req.WarmingLevel,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toInstanceResponse(inst))
}

func (h *HandlerSet) refreshInstances(ctx *fiber.Ctx) error {
	res, err := h.instances.Refresh(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(res)
}

func (h *HandlerSet) setWarmingLevel(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid instance id")
	}
	var req warmingLevelRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	inst, err := h.instances.SetWarmingLevel(ctx.UserContext(), id, req.WarmingLevel)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toInstanceResponse(inst))
}

func (h *HandlerSet) createTemplate(ctx *fiber.Ctx) error {
	var req createTemplateRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	tenantID, err := parseOptionalUUID(req.TenantID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid tenantId")
	}

	tpl, err := h.campaigns.CreateTemplate(ctx.UserContext(), campaignsvc.CreateTemplateInput{
		TenantID:   tenantID,
		Name:       req.Name,
		Body:       req.Body,
		Variations: req.Variations,
	})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(toTemplateResponse(tpl))
}

func (h *HandlerSet) getTemplate(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid template id")
	}
	tpl, err := h.campaigns.GetTemplate(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(toTemplateResponse(tpl))
}

func (h *HandlerSet) joinWarming(ctx *fiber.Ctx) error {
	var req joinWarmingRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}
	tenantID, err := parseOptionalUUID(req.TenantID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid tenantId")
	}
	instanceID, err := parseOptionalUUID(req.InstanceID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid instanceId")
	}

	entry, err := h.warming.Join(ctx.UserContext(), warmingsvc.JoinInput{TenantID: tenantID, InstanceID: instanceID})
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusCreated).JSON(entryResponse{
		ID:             entry.ID,
		TenantID:       entry.TenantID,
		InstanceID:     entry.InstanceID,
		IsActive:       entry.IsActive,
		TotalPairsMade: entry.TotalPairsMade,
		CreatedAt:      entry.CreatedAt,
	})
}

func (h *HandlerSet) leaveWarming(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid entry id")
	}
	if err := h.warming.Leave(ctx.UserContext(), id); err != nil {
		return translateError(err)
	}
	return ctx.SendStatus(http.StatusNoContent)
}

func (h *HandlerSet) listPairs(ctx *fiber.Ctx) error {
	id, err := parseUUID(ctx.Params("id"))
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid entry id")
	}
	pairs, err := h.warming.Pairs(ctx.UserContext(), id)
	if err != nil {
		return translateError(err)
	}
	resp := make([]pairResponse, 0, len(pairs))
	for _, p := range pairs {
		resp = append(resp, pairResponse{ID: p.ID, EntryA: p.EntryA, EntryB: p.EntryB, ExpiresAt: p.ExpiresAt, CreatedAt: p.CreatedAt})
	}
	return ctx.Status(http.StatusOK).JSON(fiber.Map{"pairs": resp})
}

func toInstanceResponse(inst *domain.Instance) instanceResponse {
	return instanceResponse{
		ID:           inst.ID,
		TenantID:     inst.TenantID,
		Name:         inst.Name,
		Status:       inst.Status,
		WarmingLevel: inst.WarmingLevel,
		UpdatedAt:    inst.UpdatedAt,
	}
}

func toTemplateResponse(tpl *domain.Template) templateResponse {
	variations := tpl.Variations
	if variations == nil {
		variations = []string{}
	}
	return templateResponse{
		ID:         tpl.ID,
		TenantID:   tpl.TenantID,
		Name:       tpl.Name,
		Body:       tpl.Body,
		Variations: variations,
		CreatedAt:  tpl.CreatedAt,
	}
}
