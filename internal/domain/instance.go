package domain

import (
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the connection state reported by the messaging provider.
type InstanceStatus string

const (
	InstanceStatusConnected    InstanceStatus = "connected"
	InstanceStatusDisconnected InstanceStatus = "disconnected"
	InstanceStatusConnecting   InstanceStatus = "connecting"
)

const (
	MinWarmingLevel = 1
	MaxWarmingLevel = 5
)

// Instance is one connected WhatsApp account used as a send origin.
type Instance struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	Name         string
	Status       InstanceStatus
	WarmingLevel int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Weight returns the warming level clamped into the allowed range.
func (i Instance) Weight() int {
	switch {
	case i.WarmingLevel < MinWarmingLevel:
		return MinWarmingLevel
	case i.WarmingLevel > MaxWarmingLevel:
		return MaxWarmingLevel
	default:
		return i.WarmingLevel
	}
}

// Template holds a message body and its alternative wordings.
type Template struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	Body       string
	Variations []string
	CreatedAt  time.Time
}

// ListKind distinguishes static membership lists from tag-filtered ones.
type ListKind string

const (
	ListKindStatic  ListKind = "static"
	ListKindDynamic ListKind = "dynamic"
)

// ContactList is a campaign audience.
type ContactList struct {
	ID         uuid.UUID
	TenantID   uuid.UUID
	Name       string
	Kind       ListKind
	FilterTags []string
}

// Contact is a single WhatsApp recipient.
type Contact struct {
	ID        uuid.UUID
	TenantID  uuid.UUID
	Name      string
	Phone     string
	Tags      []string
	Fields    map[string]string
	CreatedAt time.Time
}
