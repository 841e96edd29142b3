package cart_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/kurv/internal/cart"
	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/events"
	"github.com/dukerupert/kurv/internal/money"
	"github.com/dukerupert/kurv/internal/retry"
	"github.com/dukerupert/kurv/internal/storage"
)

type testEnv struct {
	store *storage.MemoryStore
	bus   *events.Memory
	rules *cart.Registry
	deps  cart.Deps
}

func newTestEnv(limits storage.Limits) *testEnv {
	store := storage.NewMemoryStore(limits)
	bus := events.NewMemory()
	rules := cart.NewRegistry()
	return &testEnv{
		store: store,
		bus:   bus,
		rules: rules,
		deps: cart.Deps{
			Store:  store,
			Events: bus,
			Rules:  rules,
		},
	}
}

func newTestCart(env *testEnv, identifier string) *cart.Cart {
	return cart.New(identifier, "default", env.deps)
}

func TestCart_AddCreatesCartAndPublishesEvents(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	item, err := c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 1000, Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, item.Quantity())

	assert.Equal(t, []string{"cart_created", "item_added"}, env.bus.Names())

	exists, err := env.store.Has(ctx, "user-1", "default")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCart_AddSameIDSumsQuantities(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 1000, Quantity: 2})
	require.NoError(t, err)

	merged, err := c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 1000, Quantity: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, merged.Quantity())

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "same id merges onto one line")

	// cart_created only fires once
	names := env.bus.Names()
	created := 0
	for _, n := range names {
		if n == "cart_created" {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestCart_PricingPipeline(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 1000, Quantity: 2})
	require.NoError(t, err)

	// Voucher applies before tax: (2000 - 500) * 1.06 = 1590.
	require.NoError(t, c.ApplyCondition(ctx, mustCondition(t, cart.ConditionSpec{
		Name: "voucher", Type: cart.TypeDiscount, Target: cart.TargetSubtotal, Value: "-500", Order: 0,
	})))
	require.NoError(t, c.ApplyCondition(ctx, mustCondition(t, cart.ConditionSpec{
		Name: "tax", Type: cart.TypeTax, Target: cart.TargetSubtotal, Value: "+6%", Order: 1,
	})))

	subtotal, err := c.Subtotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1590), subtotal)

	total, err := c.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1590), total)

	raw, err := c.SubtotalWithoutConditions(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(2000), raw)

	// Shipping lands after the subtotal stage.
	require.NoError(t, c.ApplyCondition(ctx, mustCondition(t, cart.ConditionSpec{
		Name: "post", Type: cart.TypeShipping, Target: cart.TargetTotal, Value: "+795",
	})))

	total, err = c.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(2385), total)

	subtotal, err = c.Subtotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1590), subtotal, "total-target conditions never touch the subtotal")
}

func TestCart_ItemConditionAffectsOnlyItsLine(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "a", Name: "A", UnitPrice: 1000, Quantity: 1})
	require.NoError(t, err)
	_, err = c.Add(ctx, cart.ItemSpec{ID: "b", Name: "B", UnitPrice: 1000, Quantity: 1})
	require.NoError(t, err)

	require.NoError(t, c.ApplyItemCondition(ctx, "a", mustCondition(t, cart.ConditionSpec{
		Name: "sale", Type: cart.TypeDiscount, Target: cart.TargetPrice, Value: "-50%",
	})))

	subtotal, err := c.Subtotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1500), subtotal)

	require.NoError(t, c.RemoveItemCondition(ctx, "a", "sale"))

	subtotal, err = c.Subtotal(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(2000), subtotal)
}

func TestCart_ApplyConditionRejectsPriceTarget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	err := c.ApplyCondition(ctx, mustCondition(t, cart.ConditionSpec{
		Name: "sale", Type: cart.TypeDiscount, Target: cart.TargetPrice, Value: "-10%",
	}))

	assert.Error(t, err)
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestCart_DuplicateConditionConflicts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	cond := mustCondition(t, cart.ConditionSpec{
		Name: "vat", Type: cart.TypeTax, Target: cart.TargetSubtotal, Value: "+6%",
	})

	require.NoError(t, c.ApplyCondition(ctx, cond))

	err := c.ApplyCondition(ctx, cond)
	assert.Error(t, err)
	assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
}

func TestCart_UpdateAndRemove(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 1000, Quantity: 1})
	require.NoError(t, err)

	qty := 7
	updated, err := c.Update(ctx, "sku-1", cart.ItemPatch{Quantity: &qty})
	require.NoError(t, err)
	assert.Equal(t, 7, updated.Quantity())

	_, err = c.Update(ctx, "ghost", cart.ItemPatch{Quantity: &qty})
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	require.NoError(t, c.Remove(ctx, "sku-1"))

	err = c.Remove(ctx, "sku-1")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	empty, err := c.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)
}

func TestCart_ClearForgetsRecord(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 1000, Quantity: 1})
	require.NoError(t, err)
	require.NoError(t, c.SetMetadata(ctx, "note", "gift"))

	env.bus.Reset()
	require.NoError(t, c.Clear(ctx))

	assert.Equal(t, []string{"cart_cleared"}, env.bus.Names())

	exists, err := env.store.Has(ctx, "user-1", "default")
	require.NoError(t, err)
	assert.False(t, exists)

	_, found, err := c.Metadata(ctx, "note")
	require.NoError(t, err)
	assert.False(t, found)

	// Clearing again is a no-op and publishes nothing.
	env.bus.Reset()
	require.NoError(t, c.Clear(ctx))
	assert.Empty(t, env.bus.Names())
}

func TestCart_Metadata(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	require.NoError(t, c.SetMetadata(ctx, "gift_message", "happy birthday"))

	v, ok, err := c.Metadata(ctx, "gift_message")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "happy birthday", v)

	require.NoError(t, c.RemoveMetadata(ctx, "gift_message"))

	_, ok, err = c.Metadata(ctx, "gift_message")
	require.NoError(t, err)
	assert.False(t, ok)

	// Removing a missing key is a quiet no-op.
	require.NoError(t, c.RemoveMetadata(ctx, "ghost"))
}

func TestCart_DynamicConditionRederivedOnLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	err := env.rules.Register("free-shipping-over", func(params map[string]any) (cart.Condition, error) {
		return cart.NewCondition(cart.ConditionSpec{
			Name:   "free-shipping",
			Type:   cart.TypeShipping,
			Target: cart.TargetTotal,
			Value:  "-795",
			Order:  10,
		})
	})
	require.NoError(t, err)

	c := newTestCart(env, "user-1")
	_, err = c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 6000, Quantity: 1})
	require.NoError(t, err)

	require.NoError(t, c.ApplyCondition(ctx, mustCondition(t, cart.ConditionSpec{
		Name: "post", Type: cart.TypeShipping, Target: cart.TargetTotal, Value: "+795", Order: 0,
	})))

	dynamic, err := cart.NewCondition(cart.ConditionSpec{
		Name:    "free-shipping",
		Type:    cart.TypeShipping,
		Target:  cart.TargetTotal,
		RuleKey: "free-shipping-over",
	})
	require.NoError(t, err)
	require.NoError(t, c.ApplyCondition(ctx, dynamic))

	// 6000 + 795 - 795
	total, err := c.Total(ctx)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(6000), total)

	loaded, err := c.Condition(ctx, "free-shipping")
	require.NoError(t, err)
	assert.True(t, loaded.IsDynamic())
	assert.Equal(t, "-795", loaded.Value(), "value re-derived from the rule factory")
}

func TestCart_DynamicConditionUnknownRuleFailsLoad(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	dynamic, err := cart.NewCondition(cart.ConditionSpec{
		Name:    "mystery",
		Type:    cart.TypeCustom,
		Target:  cart.TargetSubtotal,
		RuleKey: "unregistered",
	})
	require.NoError(t, err)

	err = c.ApplyCondition(ctx, dynamic)
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestCart_StorageLimitLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{MaxItems: 1})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "a", Name: "A", UnitPrice: 100, Quantity: 1})
	require.NoError(t, err)

	_, err = c.Add(ctx, cart.ItemSpec{ID: "b", Name: "B", UnitPrice: 100, Quantity: 1})
	assert.Equal(t, domain.ELIMIT, domain.ErrorCode(err))

	count, err := c.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "failed write must not partially apply")
}

func TestCart_VersionIncrementsPerWrite(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "a", Name: "A", UnitPrice: 100, Quantity: 1})
	require.NoError(t, err)

	v1, err := c.Version(ctx)
	require.NoError(t, err)

	_, err = c.Add(ctx, cart.ItemSpec{ID: "b", Name: "B", UnitPrice: 100, Quantity: 1})
	require.NoError(t, err)

	v2, err := c.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)
}

func TestCart_Summary(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})
	c := newTestCart(env, "user-1")

	_, err := c.Add(ctx, cart.ItemSpec{ID: "a", Name: "A", UnitPrice: 1000, Quantity: 2})
	require.NoError(t, err)
	require.NoError(t, c.ApplyCondition(ctx, mustCondition(t, cart.ConditionSpec{
		Name: "vat", Type: cart.TypeTax, Target: cart.TargetSubtotal, Value: "+6%",
	})))

	s, err := c.Summary(ctx)
	require.NoError(t, err)

	assert.Equal(t, "user-1", s.Identifier)
	assert.Equal(t, "default", s.Instance)
	assert.Len(t, s.Items, 1)
	assert.Len(t, s.Conditions, 1)
	assert.Equal(t, money.Amount(2120), s.Subtotal)
	assert.Equal(t, money.Amount(2120), s.Total)
	assert.Equal(t, 2, s.TotalQuantity)
}

func TestCart_InstancesAreIsolated(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	main := cart.New("user-1", "default", env.deps)
	wishlist := cart.New("user-1", "wishlist", env.deps)

	_, err := main.Add(ctx, cart.ItemSpec{ID: "a", Name: "A", UnitPrice: 100, Quantity: 1})
	require.NoError(t, err)

	empty, err := wishlist.IsEmpty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	instances, err := env.store.Instances(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"default"}, instances)
}

func TestCart_ConcurrentAddsConvergeViaRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(storage.Limits{})

	cfg := retry.Config{
		MaxAttempts:     12,
		BaseDelay:       time.Millisecond,
		MaxDelay:        10 * time.Millisecond,
		MinorAttempts:   20,
		MinorBaseDelay:  time.Millisecond,
		MajorVersionGap: 2,
	}

	const writers = 8
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newTestCart(env, "user-1")
			errs[i] = retry.Do(ctx, cfg, func(ctx context.Context) error {
				_, err := c.Add(ctx, cart.ItemSpec{ID: "sku-1", Name: "Beans", UnitPrice: 1000, Quantity: 1})
				return err
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	item, err := newTestCart(env, "user-1").Item(ctx, "sku-1")
	require.NoError(t, err)
	assert.Equal(t, writers, item.Quantity(), "every concurrent add lands exactly once")
}
