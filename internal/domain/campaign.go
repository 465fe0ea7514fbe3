package domain

import (
	"time"

	"github.com/google/uuid"
)

// CampaignStatus enumerates lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusScheduled CampaignStatus = "scheduled"
	CampaignStatusSending   CampaignStatus = "sending"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusCancelled CampaignStatus = "cancelled"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// MessageStatus enumerates lifecycle stages for an individual campaign message.
type MessageStatus string

const (
	MessageStatusQueued    MessageStatus = "queued"
	MessageStatusSending   MessageStatus = "sending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusFailed    MessageStatus = "failed"
)

// SendingMode selects how instances share a campaign's traffic.
type SendingMode string

const (
	SendingModeRoundRobin SendingMode = "round_robin"
	SendingModeWeighted   SendingMode = "weighted"
)

// Valid reports whether the mode is known.
func (m SendingMode) Valid() bool {
	return m == SendingModeRoundRobin || m == SendingModeWeighted
}

// Campaign models a bulk WhatsApp send targeting a contact list with a template.
type Campaign struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	Name             string
	Status           CampaignStatus
	TemplateID       uuid.UUID
	ListID           uuid.UUID
	InstanceIDs      []uuid.UUID
	SendingMode      SendingMode
	StopOnFirstError bool
	Counts           CampaignCounts
	ScheduledAt      *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CampaignCounts are the campaign-level counters shown to users.
type CampaignCounts struct {
	TotalContacts int64
	Sent          int64
	Delivered     int64
	Failed        int64
}

// IsResumable reports whether the resume path accepts the campaign.
// Completed campaigns are accepted so newly added messages can be topped up.
func (c *Campaign) IsResumable() bool {
	switch c.Status {
	case CampaignStatusCancelled, CampaignStatusFailed, CampaignStatusSending, CampaignStatusCompleted:
		return true
	}
	return false
}

// IsStartable reports whether the campaign still needs its messages prepared.
func (c *Campaign) IsStartable() bool {
	return c.Status == CampaignStatusDraft || c.Status == CampaignStatusScheduled
}

// CampaignMessage is one row of a campaign's send queue, one per contact.
type CampaignMessage struct {
	ID                uuid.UUID
	CampaignID        uuid.UUID
	ContactID         uuid.UUID
	Phone             string
	Content           string
	Status            MessageStatus
	InstanceID        *uuid.UUID
	WhatsAppMessageID *string
	LastError         *string
	SentAt            *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// MessageCounts groups a campaign's messages by status.
type MessageCounts struct {
	Queued    int64
	Sending   int64
	Sent      int64
	Delivered int64
	Failed    int64
}

// Total sums every status.
func (m MessageCounts) Total() int64 {
	return m.Queued + m.Sending + m.Sent + m.Delivered + m.Failed
}

// Pending counts messages that still need a dispatch attempt or are mid-attempt.
func (m MessageCounts) Pending() int64 {
	return m.Queued + m.Sending
}

// Attempted counts messages that already went through the provider.
func (m MessageCounts) Attempted() int64 {
	return m.Sent + m.Delivered + m.Failed
}

// SendAttempt captures one provider call for observability.
type SendAttempt struct {
	CampaignID        uuid.UUID
	MessageID         uuid.UUID
	InstanceID        uuid.UUID
	Status            MessageStatus
	ProviderMessageID string
	Error             string
	Duration          time.Duration
	CreatedAt         time.Time
}
