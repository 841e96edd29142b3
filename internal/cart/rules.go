package cart

import (
	"fmt"
	"sync"

	"github.com/dukerupert/kurv/internal/domain"
)

// RuleFactory derives a condition from stored parameters. Factories run on
// every cart load, so a dynamic condition stays correct as the cart
// changes instead of freezing a stale value (e.g. "free shipping once the
// subtotal clears a threshold").
type RuleFactory func(params map[string]any) (Condition, error)

// Registry maps rule keys to factories. It is assembled at startup and
// handed to carts explicitly; there is no global lookup table.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]RuleFactory
}

// NewRegistry creates an empty rule registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]RuleFactory{}}
}

// Register adds a factory under key. Re-registering a key conflicts.
func (r *Registry) Register(key string, factory RuleFactory) error {
	const op = "rules.register"

	if key == "" {
		return domain.Invalid(op, "rule key must not be empty")
	}
	if factory == nil {
		return domain.Invalid(op, "rule factory must not be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[key]; exists {
		return domain.Conflict(op, fmt.Sprintf("rule %q already registered", key))
	}
	r.factories[key] = factory
	return nil
}

// Resolve invokes the factory for key with the given parameters.
func (r *Registry) Resolve(key string, params map[string]any) (Condition, error) {
	r.mu.RLock()
	factory, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		return Condition{}, domain.NotFound("rules.resolve", "rule factory", key)
	}
	return factory(params)
}

// resolveDynamic re-derives a stored dynamic condition through the
// registry, preserving the stored identity (name, rule key, params) while
// taking the freshly computed value, type, target, and order from the
// factory output.
func resolveDynamic(reg *Registry, c Condition) (Condition, error) {
	if !c.IsDynamic() {
		return c, nil
	}

	derived, err := reg.Resolve(c.RuleKey(), c.RuleParams())
	if err != nil {
		return Condition{}, err
	}

	return NewCondition(ConditionSpec{
		Name:       c.Name(),
		Type:       derived.Type(),
		Target:     derived.Target(),
		Value:      derived.Value(),
		Order:      derived.Order(),
		Attributes: c.Attributes(),
		RuleKey:    c.RuleKey(),
		RuleParams: c.RuleParams(),
	})
}
