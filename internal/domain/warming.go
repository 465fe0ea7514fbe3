package domain

import (
	"time"

	"github.com/google/uuid"
)

// WarmingPoolEntry enrols an instance in the cross-tenant warming pool.
type WarmingPoolEntry struct {
	ID             uuid.UUID
	TenantID       uuid.UUID
	InstanceID     uuid.UUID
	IsActive       bool
	TotalPairsMade int
	CreatedAt      time.Time
}

// WarmingPoolPair permits two entries to exchange warm-up traffic until ExpiresAt.
type WarmingPoolPair struct {
	ID        uuid.UUID
	EntryA    uuid.UUID
	EntryB    uuid.UUID
	IsActive  bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// PairKey identifies a pair independently of argument order.
type PairKey struct {
	A uuid.UUID
	B uuid.UUID
}

// NewPairKey orders the two ids so (a, b) and (b, a) map to the same key.
func NewPairKey(a, b uuid.UUID) PairKey {
	if a.String() > b.String() {
		a, b = b, a
	}
	return PairKey{A: a, B: b}
}
