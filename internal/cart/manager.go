package cart

import (
	"context"
	"sync"

	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/identity"
	"github.com/dukerupert/kurv/internal/storage"
)

// DefaultInstance is the instance name used when none is configured.
const DefaultInstance = "default"

// Manager hands out cart handles keyed by (identifier, instance). The
// identifier is resolved per request: an explicit override wins, then the
// authenticated user id, then the guest session id. Handles are cached so
// repeated access within a process reuses the same Cart.
type Manager struct {
	deps     Deps
	resolver identity.Resolver

	mu       sync.Mutex
	override string
	instance string
	carts    map[string]*Cart
}

// NewManager builds a manager. instance may be empty to use DefaultInstance.
func NewManager(deps Deps, resolver identity.Resolver, instance string) *Manager {
	if instance == "" {
		instance = DefaultInstance
	}
	return &Manager{
		deps:     deps,
		resolver: resolver,
		instance: instance,
		carts:    map[string]*Cart{},
	}
}

// Current resolves the identifier for ctx and returns that cart. When no
// override, user id, or session id is available the caller's wiring is
// broken and a configuration error is returned.
func (m *Manager) Current(ctx context.Context) (*Cart, error) {
	identifier, err := m.resolveIdentifier(ctx)
	if err != nil {
		return nil, err
	}
	return m.cartFor(identifier, m.currentInstance()), nil
}

func (m *Manager) resolveIdentifier(ctx context.Context) (string, error) {
	m.mu.Lock()
	override := m.override
	m.mu.Unlock()

	if override != "" {
		return override, nil
	}
	if m.resolver != nil {
		if id, ok := m.resolver.AuthenticatedID(ctx); ok {
			return id, nil
		}
		if id, ok := m.resolver.SessionID(ctx); ok {
			return id, nil
		}
	}
	return "", domain.Errorf(domain.ECONFIG, "manager.identify",
		"no cart identifier available: no override set and the resolver produced neither a user id nor a session id")
}

// SetIdentifier pins the manager to an explicit identifier, bypassing
// resolution until ClearIdentifier.
func (m *Manager) SetIdentifier(identifier string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = identifier
}

// ClearIdentifier removes the explicit identifier override.
func (m *Manager) ClearIdentifier() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = ""
}

// SetInstance switches the active instance (e.g. "wishlist"). Cached
// handles for other instances are kept; switching back is cheap.
func (m *Manager) SetInstance(instance string) {
	if instance == "" {
		instance = DefaultInstance
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instance = instance
}

// Instance returns the active instance name.
func (m *Manager) Instance() string {
	return m.currentInstance()
}

func (m *Manager) currentInstance() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instance
}

// CartFor returns the cart for an explicit (identifier, instance) pair,
// independent of the resolved identity.
func (m *Manager) CartFor(identifier, instance string) *Cart {
	if instance == "" {
		instance = DefaultInstance
	}
	return m.cartFor(identifier, instance)
}

func (m *Manager) cartFor(identifier, instance string) *Cart {
	key := identifier + "|" + instance

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.carts[key]; ok {
		return c
	}
	c := New(identifier, instance, m.deps)
	m.carts[key] = c
	return c
}

// GetByRowID looks a cart up by its stable storage row id. Only backends
// implementing storage.RowLookup (the database backend) can serve this.
func (m *Manager) GetByRowID(ctx context.Context, rowID string) (*Cart, error) {
	const op = "manager.by_row_id"

	lookup, ok := m.deps.Store.(storage.RowLookup)
	if !ok {
		return nil, domain.WrapError(storage.ErrUnsupported, domain.ENOTIMPL, op,
			"row id lookup requires the database storage backend")
	}

	identifier, instance, err := lookup.FindByRowID(ctx, rowID)
	if err != nil {
		return nil, err
	}
	return m.cartFor(identifier, instance), nil
}
