package mock

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-campaign/internal/config"
	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

// Provider simulates a WhatsApp gateway for local runs.
type Provider struct {
	successRate float64
	maxLatency  time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewProvider constructs a mock provider.
func NewProvider(cfg config.GatewayConfig) *Provider {
	rate := cfg.MockSuccess
	if rate <= 0 {
		rate = 0.95
	}
	return &Provider{
		successRate: rate,
		maxLatency:  200 * time.Millisecond,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SendText simulates a send.
func (p *Provider) SendText(ctx context.Context, instanceName, to, text string) (gateway.SendResult, error) {
	p.mu.Lock()
	latency := time.Duration(p.rng.Int63n(int64(p.maxLatency) + 1))
	ok := p.rng.Float64() <= p.successRate
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return gateway.SendResult{Duration: latency}, ctx.Err()
	case <-time.After(latency):
	}

	if !ok {
		return gateway.SendResult{Duration: latency}, fmt.Errorf("mock: simulated failure for %s: %w", to, apperrors.ErrProvider)
	}
	return gateway.SendResult{MessageID: "MOCK" + uuid.NewString(), Duration: latency}, nil
}

// ConnectionState reports every instance as connected.
func (p *Provider) ConnectionState(ctx context.Context, instanceName string) (domain.InstanceStatus, error) {
	return domain.InstanceStatusConnected, nil
}
