package queue

import (
	"time"

	"github.com/google/uuid"
)

// DispatchRequest asks a dispatcher process to drain a campaign's queue.
type DispatchRequest struct {
	CampaignID  uuid.UUID   `json:"campaign_id"`
	InstanceIDs []uuid.UUID `json:"instance_ids"`
	SendingMode string      `json:"sending_mode"`
	Resumed     bool        `json:"resumed"`
	RequestedAt time.Time   `json:"requested_at"`
}

// MessageEvent reports the outcome of one send or delivery.
type MessageEvent struct {
	CampaignID        uuid.UUID `json:"campaign_id"`
	MessageID         uuid.UUID `json:"message_id"`
	InstanceID        uuid.UUID `json:"instance_id,omitempty"`
	Status            string    `json:"status"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Error             string    `json:"error,omitempty"`
	DurationMs        int64     `json:"duration_ms,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}

// DeliveryReceipt is a raw provider webhook relayed onto the receipt topic.
// Payload is decoded lazily because providers disagree on its shape.
type DeliveryReceipt struct {
	Provider   string    `json:"provider"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}
