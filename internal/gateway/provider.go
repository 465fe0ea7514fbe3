package gateway

import (
	"context"
	"time"

	"github.com/acme/whatsapp-campaign/internal/domain"
)

// SendResult captures the outcome of a single provider send.
type SendResult struct {
	MessageID string
	Duration  time.Duration
}

// Provider abstracts the WhatsApp messaging gateway.
type Provider interface {
	SendText(ctx context.Context, instanceName, to, text string) (SendResult, error)
	ConnectionState(ctx context.Context, instanceName string) (domain.InstanceStatus, error)
}

// NormalizeState maps provider connection strings onto instance statuses.
func NormalizeState(state string) domain.InstanceStatus {
	switch state {
	case "open", "connected":
		return domain.InstanceStatusConnected
	case "connecting":
		return domain.InstanceStatusConnecting
	default:
		return domain.InstanceStatusDisconnected
	}
}
