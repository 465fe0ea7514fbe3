package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// fixedWindow counts hits in a window that starts on the first hit.
// Returns 0 when the limit is hit, together with the window's remaining ttl.
var fixedWindow = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0')
if current >= limit then
  return {0, redis.call('PTTL', key)}
end
current = redis.call('INCR', key)
if current == 1 then
  redis.call('PEXPIRE', key, window)
end
return {1, 0}
`)

// Throttle caps how many messages one instance may send per window, shared
// across every dispatcher process through Redis.
type Throttle struct {
	client *redis.Client
	limit  int
	window time.Duration
	poll   time.Duration
}

// NewThrottle constructs a per-instance throttle. A non-positive limit disables it.
func NewThrottle(client *redis.Client, limit int, window time.Duration) *Throttle {
	if window <= 0 {
		window = time.Minute
	}
	return &Throttle{client: client, limit: limit, window: window, poll: 250 * time.Millisecond}
}

// Acquire tries to take one send slot for the instance. When the window is full
// it reports how long until it resets.
func (t *Throttle) Acquire(ctx context.Context, instanceID uuid.UUID) (bool, time.Duration, error) {
	if t == nil || t.client == nil || t.limit <= 0 || instanceID == uuid.Nil {
		return true, 0, nil
	}

	res, err := fixedWindow.Run(ctx, t.client, []string{t.key(instanceID)}, t.limit, t.window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("throttle acquire: %w", err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("throttle acquire: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}

// Wait blocks until the instance has a free slot or ctx is done.
func (t *Throttle) Wait(ctx context.Context, instanceID uuid.UUID) error {
	for {
		ok, retryAfter, err := t.Acquire(ctx, instanceID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if ok {
			return nil
		}

		wait := t.poll
		if retryAfter > 0 && retryAfter < wait {
			wait = retryAfter
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (t *Throttle) key(instanceID uuid.UUID) string {
	return fmt.Sprintf("wacampaign:instance:%s:sends", instanceID.String())
}
