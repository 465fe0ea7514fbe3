package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/acme/whatsapp-campaign/internal/domain"
	"github.com/acme/whatsapp-campaign/internal/gateway"
	apperrors "github.com/acme/whatsapp-campaign/pkg/errors"
)

// Call records one SendText invocation.
type Call struct {
	Instance string
	To       string
	Text     string
}

// Scripted is a deterministic provider: sends succeed unless the destination
// or the call number (1-based) was marked as failing.
type Scripted struct {
	mu         sync.Mutex
	calls      []Call
	failTo     map[string]bool
	failCall   map[int]bool
	states     map[string]domain.InstanceStatus
	stateErr   error
	stateCalls int
	onSend     func(n int)
}

// NewScripted returns a provider where everything succeeds and every instance is connected.
func NewScripted() *Scripted {
	return &Scripted{
		failTo:   make(map[string]bool),
		failCall: make(map[int]bool),
		states:   make(map[string]domain.InstanceStatus),
	}
}

// FailTo makes sends to the given destinations fail.
func (s *Scripted) FailTo(numbers ...string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range numbers {
		s.failTo[n] = true
	}
	return s
}

// FailCall makes the n-th send (1-based) fail.
func (s *Scripted) FailCall(ns ...int) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range ns {
		s.failCall[n] = true
	}
	return s
}

// SetState fixes the connection state reported for an instance name.
func (s *Scripted) SetState(name string, state domain.InstanceStatus) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = state
	return s
}

// FailStates makes ConnectionState return err.
func (s *Scripted) FailStates(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateErr = err
	return s
}

// OnSend registers a hook run after the n-th send is recorded, before it returns.
func (s *Scripted) OnSend(fn func(n int)) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
	return s
}

// Calls returns a copy of the recorded sends.
func (s *Scripted) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// StateCalls reports how many times ConnectionState hit the provider.
func (s *Scripted) StateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateCalls
}

// SendText records the call and fails it when scripted to.
func (s *Scripted) SendText(ctx context.Context, instanceName, to, text string) (gateway.SendResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Instance: instanceName, To: to, Text: text})
	n := len(s.calls)
	fail := s.failTo[to] || s.failCall[n]
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if fail {
		return gateway.SendResult{}, fmt.Errorf("scripted failure for call %d: %w", n, apperrors.ErrProvider)
	}
	return gateway.SendResult{MessageID: fmt.Sprintf("wamid-%d", n)}, nil
}

// ConnectionState returns the scripted state, connected by default.
func (s *Scripted) ConnectionState(ctx context.Context, instanceName string) (domain.InstanceStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateCalls++
	if s.stateErr != nil {
		return "", s.stateErr
	}
	if st, ok := s.states[instanceName]; ok {
		return st, nil
	}
	return domain.InstanceStatusConnected, nil
}
