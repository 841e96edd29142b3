package cart_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/kurv/internal/cart"
	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/identity"
	"github.com/dukerupert/kurv/internal/storage"
)

func TestManager_ResolutionPrecedence(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	m := cart.NewManager(env.deps, identity.Static{UserID: "user-1", Session: "session-abc"}, "")

	c, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.Identifier(), "authenticated id beats session id")

	m = cart.NewManager(env.deps, identity.Static{Session: "session-abc"}, "")
	c, err = m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-abc", c.Identifier(), "session id used for guests")
}

func TestManager_OverrideBeatsResolver(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	m := cart.NewManager(env.deps, identity.Static{UserID: "user-1"}, "")
	m.SetIdentifier("support-agent-view")

	c, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "support-agent-view", c.Identifier())

	m.ClearIdentifier()
	c, err = m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.Identifier())
}

func TestManager_NoIdentityIsConfigError(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	m := cart.NewManager(env.deps, identity.Static{}, "")

	_, err := m.Current(ctx)
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
}

func TestManager_ContextResolver(t *testing.T) {
	env := newTestEnv(storage.Limits{})
	m := cart.NewManager(env.deps, identity.ContextResolver{}, "")

	ctx := identity.WithSessionID(context.Background(), "session-abc")
	c, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "session-abc", c.Identifier())

	ctx = identity.WithUserID(ctx, "user-1")
	c, err = m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.Identifier())
}

func TestManager_InstanceSwitching(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	m := cart.NewManager(env.deps, identity.Static{UserID: "user-1"}, "")
	assert.Equal(t, cart.DefaultInstance, m.Instance())

	def, err := m.Current(ctx)
	require.NoError(t, err)

	m.SetInstance("wishlist")
	wish, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "wishlist", wish.Instance())

	m.SetInstance("default")
	again, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Same(t, def, again, "handles are cached per (identifier, instance)")
}

func TestManager_GetByRowIDRequiresRowLookup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	m := cart.NewManager(env.deps, identity.Static{UserID: "user-1"}, "")

	_, err := m.GetByRowID(ctx, "00000000-0000-0000-0000-000000000001")
	assert.Equal(t, domain.ENOTIMPL, domain.ErrorCode(err))
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}
