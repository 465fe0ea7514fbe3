package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThrottleDisabledAlwaysGrants(t *testing.T) {
	var nilThrottle *Throttle
	ok, wait, err := nilThrottle.Acquire(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, wait)

	th := NewThrottle(nil, 0, 0)
	assert.Equal(t, time.Minute, th.window)
	require.NoError(t, th.Wait(context.Background(), uuid.New()))
}

func TestThrottleKeyIsPerInstance(t *testing.T) {
	th := NewThrottle(nil, 10, time.Minute)
	a, b := uuid.New(), uuid.New()
	assert.NotEqual(t, th.key(a), th.key(b))
	assert.Contains(t, th.key(a), a.String())
}
