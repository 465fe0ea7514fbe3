package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/domain"
	dispatchsvc "github.com/acme/whatsapp-campaign/internal/service/dispatch"
)

type dispatchRequest struct {
	CampaignID       string   `json:"campaignId"`
	InstanceIDs      []string `json:"instanceIds"`
	SendingMode      string   `json:"sendingMode"`
	StopOnFirstError *bool    `json:"stopOnFirstError"`
}

type dispatchResponse struct {
	Success         bool   `json:"success"`
	PendingMessages int64  `json:"pendingMessages"`
	Requeued        int64  `json:"requeued,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

type autoPairResponse struct {
	PairsCreated int `json:"pairsCreated"`
}

func (h *HandlerSet) startDispatch(ctx *fiber.Ctx) error {
	return h.triggerDispatch(ctx, h.dispatch.Start)
}

func (h *HandlerSet) resumeDispatch(ctx *fiber.Ctx) error {
	return h.triggerDispatch(ctx, h.dispatch.Resume)
}

func (h *HandlerSet) triggerDispatch(ctx *fiber.Ctx, trigger func(context.Context, dispatchsvc.Request) (dispatchsvc.Outcome, error)) error {
	var req dispatchRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid request body")
	}

	campaignID, err := uuid.Parse(req.CampaignID)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid campaignId")
	}
	instanceIDs, err := parseUUIDs(req.InstanceIDs)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid instanceIds")
	}

	out, err := trigger(ctx.UserContext(), dispatchsvc.Request{
		CampaignID:       campaignID,
		InstanceIDs:      instanceIDs,
		SendingMode:      domain.SendingMode(req.SendingMode),
		StopOnFirstError: req.StopOnFirstError,
	})
	if errors.Is(err, dispatchsvc.ErrNothingPending) {
		return ctx.Status(http.StatusOK).JSON(dispatchResponse{
			Success:         false,
			PendingMessages: 0,
			Requeued:        out.Requeued,
			Reason:          err.Error(),
		})
	}
	if err != nil {
		return translateError(err)
	}

	return ctx.Status(http.StatusAccepted).JSON(dispatchResponse{
		Success:         true,
		PendingMessages: out.PendingMessages,
		Requeued:        out.Requeued,
	})
}

func (h *HandlerSet) autoPair(ctx *fiber.Ctx) error {
	created, err := h.warming.AutoPair(ctx.UserContext())
	if err != nil {
		return translateError(err)
	}
	return ctx.Status(http.StatusOK).JSON(autoPairResponse{PairsCreated: created})
}

func parseUUIDs(values []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(values))
	for _, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
