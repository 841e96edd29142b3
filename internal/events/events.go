// Package events publishes cart domain events to external collaborators.
// Publishing is fire-and-forget: the cart never blocks on subscriber
// completion, and a publish failure never rolls back the mutation that
// produced the event.
package events

import (
	"context"
	"sync"

	"github.com/dukerupert/kurv/internal/domain"
)

// Publisher delivers domain events. Implementations must not return
// errors to the caller; delivery problems are logged, not propagated.
type Publisher interface {
	Publish(ctx context.Context, event domain.Event)
}

// Nop discards every event. Used when events are disabled by config.
type Nop struct{}

func (Nop) Publish(context.Context, domain.Event) {}

// Memory records published events in order. Test double.
type Memory struct {
	mu     sync.Mutex
	events []domain.Event
}

// NewMemory creates an empty in-memory publisher.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Publish(_ context.Context, event domain.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

// Events returns a snapshot of everything published so far.
func (m *Memory) Events() []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Event, len(m.events))
	copy(out, m.events)
	return out
}

// Names returns the event names in publish order.
func (m *Memory) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.EventName())
	}
	return out
}

// Reset clears recorded events.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
