package cart

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/events"
	"github.com/dukerupert/kurv/internal/money"
	"github.com/dukerupert/kurv/internal/storage"
)

// Deps bundles the collaborators a cart needs. The manager injects one set
// for every cart it hands out.
type Deps struct {
	Store  storage.Store
	Events events.Publisher
	Rules  *Registry
	Logger *slog.Logger
	Limits Limits
}

// Cart is the aggregate root over one (identifier, instance) record. It is
// stateless: every operation loads current state from storage, applies the
// mutation, and persists with the loaded version as the compare-and-swap
// expectation, so two handles to the same record never diverge silently.
type Cart struct {
	identifier string
	instance   string
	store      storage.Store
	events     events.Publisher
	rules      *Registry
	logger     *slog.Logger
	limits     Limits
}

// New creates a handle for the cart identified by (identifier, instance).
// No storage record is created until the first mutation.
func New(identifier, instance string, deps Deps) *Cart {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rules := deps.Rules
	if rules == nil {
		rules = NewRegistry()
	}
	pub := deps.Events
	if pub == nil {
		pub = events.Nop{}
	}
	return &Cart{
		identifier: identifier,
		instance:   instance,
		store:      deps.Store,
		events:     pub,
		rules:      rules,
		logger:     logger,
		limits:     deps.Limits,
	}
}

// Identifier returns the cart owner's identifier.
func (c *Cart) Identifier() string { return c.identifier }

// Instance returns the cart's instance name.
func (c *Cart) Instance() string { return c.instance }

// snapshot is the loaded state of one cart record plus the version to use
// as the write expectation.
type snapshot struct {
	items      ItemCollection
	conditions ConditionCollection
	version    int64
}

// load reads the full record. The version is read before the payload so
// that a write racing between the two reads fails our subsequent
// compare-and-swap instead of silently clobbering it.
func (c *Cart) load(ctx context.Context) (snapshot, error) {
	version, err := c.store.Version(ctx, c.identifier, c.instance)
	if errors.Is(err, storage.ErrUnsupported) {
		version = storage.VersionUnchecked
	} else if err != nil {
		return snapshot{}, err
	}

	rawItems, err := c.store.GetItems(ctx, c.identifier, c.instance)
	if err != nil {
		return snapshot{}, err
	}

	items := NewItemCollection()
	for _, m := range rawItems {
		item, err := ItemFromMap(m, c.limits)
		if err != nil {
			return snapshot{}, err
		}
		item, err = c.resolveItemConditions(item)
		if err != nil {
			return snapshot{}, err
		}
		items = items.Put(item)
	}

	rawConds, err := c.store.GetConditions(ctx, c.identifier, c.instance)
	if err != nil {
		return snapshot{}, err
	}

	conds := NewConditionCollection()
	for _, m := range rawConds {
		cond, err := ConditionFromMap(m)
		if err != nil {
			return snapshot{}, err
		}
		cond, err = resolveDynamic(c.rules, cond)
		if err != nil {
			return snapshot{}, err
		}
		conds, err = conds.Add(cond)
		if err != nil {
			return snapshot{}, err
		}
	}

	return snapshot{items: items, conditions: conds, version: version}, nil
}

// resolveItemConditions re-derives any dynamic item-scoped conditions
// through the rule registry.
func (c *Cart) resolveItemConditions(item Item) (Item, error) {
	dynamic := false
	for _, cond := range item.Conditions().All() {
		if cond.IsDynamic() {
			dynamic = true
			break
		}
	}
	if !dynamic {
		return item, nil
	}

	out := item.WithoutConditions()
	for _, cond := range item.Conditions().All() {
		resolved, err := resolveDynamic(c.rules, cond)
		if err != nil {
			return Item{}, err
		}
		out, err = out.WithCondition(resolved)
		if err != nil {
			return Item{}, err
		}
	}
	return out, nil
}

// persist writes items and conditions atomically with the snapshot's
// version as the compare-and-swap expectation.
func (c *Cart) persist(ctx context.Context, snap snapshot) error {
	return c.store.PutBoth(ctx, c.identifier, c.instance,
		snap.items.ToSlice(), snap.conditions.ToSlice(), snap.version)
}

func (c *Cart) meta() domain.EventMeta {
	return domain.EventMeta{
		Identifier: c.identifier,
		Instance:   c.instance,
		OccurredAt: time.Now().UTC(),
	}
}

// Add inserts a line item. Adding an id already in the cart sums the
// quantities onto the existing line; the existing name, price, attributes
// and conditions are kept.
func (c *Cart) Add(ctx context.Context, spec ItemSpec) (Item, error) {
	item, err := NewItem(spec, c.limits)
	if err != nil {
		return Item{}, err
	}

	existed, err := c.store.Has(ctx, c.identifier, c.instance)
	if err != nil {
		return Item{}, err
	}

	snap, err := c.load(ctx)
	if err != nil {
		return Item{}, err
	}

	if current, ok := snap.items.Get(spec.ID); ok {
		item, err = current.WithQuantity(current.Quantity()+spec.Quantity, c.limits)
		if err != nil {
			return Item{}, err
		}
	}

	snap.items = snap.items.Put(item)
	if err := c.persist(ctx, snap); err != nil {
		return Item{}, err
	}

	if !existed {
		c.events.Publish(ctx, domain.CartCreated{EventMeta: c.meta()})
	}
	c.events.Publish(ctx, domain.ItemAdded{
		EventMeta: c.meta(),
		ItemID:    item.ID(),
		ItemName:  item.Name(),
		UnitPrice: int64(item.UnitPrice()),
		Quantity:  item.Quantity(),
	})

	c.logger.Debug("cart item added",
		"identifier", c.identifier,
		"instance", c.instance,
		"item_id", item.ID(),
		"quantity", item.Quantity(),
	)

	return item, nil
}

// Update applies a partial update to an existing line.
func (c *Cart) Update(ctx context.Context, id string, patch ItemPatch) (Item, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return Item{}, err
	}

	current, ok := snap.items.Get(id)
	if !ok {
		return Item{}, domain.NotFound("cart.update", "cart item", id)
	}

	updated, err := current.With(patch, c.limits)
	if err != nil {
		return Item{}, err
	}

	snap.items = snap.items.Put(updated)
	if err := c.persist(ctx, snap); err != nil {
		return Item{}, err
	}

	c.events.Publish(ctx, domain.ItemUpdated{
		EventMeta:    c.meta(),
		ItemID:       updated.ID(),
		Quantity:     updated.Quantity(),
		PrevQuantity: current.Quantity(),
	})

	return updated, nil
}

// Remove deletes a line from the cart.
func (c *Cart) Remove(ctx context.Context, id string) error {
	snap, err := c.load(ctx)
	if err != nil {
		return err
	}

	items, ok := snap.items.Remove(id)
	if !ok {
		return domain.NotFound("cart.remove", "cart item", id)
	}

	snap.items = items
	if err := c.persist(ctx, snap); err != nil {
		return err
	}

	c.events.Publish(ctx, domain.ItemRemoved{EventMeta: c.meta(), ItemID: id})
	return nil
}

// Clear deletes the cart record entirely: items, conditions and metadata.
// Clearing a missing cart is a no-op.
func (c *Cart) Clear(ctx context.Context) error {
	existed, err := c.store.Has(ctx, c.identifier, c.instance)
	if err != nil {
		return err
	}
	if err := c.store.Forget(ctx, c.identifier, c.instance); err != nil {
		return err
	}
	if existed {
		c.events.Publish(ctx, domain.CartCleared{EventMeta: c.meta()})
	}
	return nil
}

// ApplyCondition attaches a cart-level condition. Only subtotal and total
// targets are valid at cart scope; duplicate names conflict.
func (c *Cart) ApplyCondition(ctx context.Context, cond Condition) error {
	const op = "cart.condition"

	if cond.Target() == TargetPrice {
		return domain.Invalid(op, "price-target conditions attach to items, not the cart")
	}
	// Fail fast on a dynamic condition whose rule is not registered, rather
	// than poisoning every subsequent load.
	if cond.IsDynamic() {
		if _, err := resolveDynamic(c.rules, cond); err != nil {
			return err
		}
	}

	snap, err := c.load(ctx)
	if err != nil {
		return err
	}

	conds, err := snap.conditions.Add(cond)
	if err != nil {
		return err
	}

	snap.conditions = conds
	if err := c.persist(ctx, snap); err != nil {
		return err
	}

	c.events.Publish(ctx, domain.ConditionAdded{
		EventMeta:     c.meta(),
		ConditionName: cond.Name(),
		ConditionType: string(cond.Type()),
		Target:        string(cond.Target()),
	})
	return nil
}

// ApplyItemCondition attaches a price-target condition to a line.
func (c *Cart) ApplyItemCondition(ctx context.Context, itemID string, cond Condition) error {
	if cond.IsDynamic() {
		if _, err := resolveDynamic(c.rules, cond); err != nil {
			return err
		}
	}

	snap, err := c.load(ctx)
	if err != nil {
		return err
	}

	item, ok := snap.items.Get(itemID)
	if !ok {
		return domain.NotFound("cart.item_condition", "cart item", itemID)
	}

	updated, err := item.WithCondition(cond)
	if err != nil {
		return err
	}

	snap.items = snap.items.Put(updated)
	if err := c.persist(ctx, snap); err != nil {
		return err
	}

	c.events.Publish(ctx, domain.ConditionAdded{
		EventMeta:     c.meta(),
		ConditionName: cond.Name(),
		ConditionType: string(cond.Type()),
		Target:        string(cond.Target()),
		ItemID:        itemID,
	})
	return nil
}

// RemoveCondition detaches a cart-level condition by name.
func (c *Cart) RemoveCondition(ctx context.Context, name string) error {
	snap, err := c.load(ctx)
	if err != nil {
		return err
	}

	conds, ok := snap.conditions.Remove(name)
	if !ok {
		return domain.NotFound("cart.remove_condition", "cart condition", name)
	}

	snap.conditions = conds
	if err := c.persist(ctx, snap); err != nil {
		return err
	}

	c.events.Publish(ctx, domain.ConditionRemoved{EventMeta: c.meta(), ConditionName: name})
	return nil
}

// RemoveItemCondition detaches a condition from a line by name.
func (c *Cart) RemoveItemCondition(ctx context.Context, itemID, name string) error {
	snap, err := c.load(ctx)
	if err != nil {
		return err
	}

	item, ok := snap.items.Get(itemID)
	if !ok {
		return domain.NotFound("cart.remove_item_condition", "cart item", itemID)
	}
	if !item.Conditions().Has(name) {
		return domain.NotFound("cart.remove_item_condition", "item condition", name)
	}

	snap.items = snap.items.Put(item.WithoutCondition(name))
	if err := c.persist(ctx, snap); err != nil {
		return err
	}

	c.events.Publish(ctx, domain.ConditionRemoved{
		EventMeta:     c.meta(),
		ConditionName: name,
		ItemID:        itemID,
	})
	return nil
}

// ClearConditions detaches every cart-level condition. Item conditions are
// untouched.
func (c *Cart) ClearConditions(ctx context.Context) error {
	snap, err := c.load(ctx)
	if err != nil {
		return err
	}
	if snap.conditions.IsEmpty() {
		return nil
	}
	snap.conditions = NewConditionCollection()
	return c.persist(ctx, snap)
}

// Items returns the current item collection snapshot.
func (c *Cart) Items(ctx context.Context) (ItemCollection, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return ItemCollection{}, err
	}
	return snap.items, nil
}

// Item returns one line by id.
func (c *Cart) Item(ctx context.Context, id string) (Item, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return Item{}, err
	}
	item, ok := snap.items.Get(id)
	if !ok {
		return Item{}, domain.NotFound("cart.item", "cart item", id)
	}
	return item, nil
}

// Conditions returns the cart-level condition collection snapshot.
func (c *Cart) Conditions(ctx context.Context) (ConditionCollection, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return ConditionCollection{}, err
	}
	return snap.conditions, nil
}

// Condition returns one cart-level condition by name.
func (c *Cart) Condition(ctx context.Context, name string) (Condition, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return Condition{}, err
	}
	cond, ok := snap.conditions.Get(name)
	if !ok {
		return Condition{}, domain.NotFound("cart.get_condition", "cart condition", name)
	}
	return cond, nil
}

// SubtotalWithoutConditions sums conditioned line subtotals, skipping
// cart-level conditions entirely.
func (c *Cart) SubtotalWithoutConditions(ctx context.Context) (money.Amount, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	return snap.items.SubtotalWithConditions(), nil
}

// Subtotal is the item subtotal with subtotal-target cart conditions
// folded in, in ascending order.
func (c *Cart) Subtotal(ctx context.Context) (money.Amount, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	return subtotalOf(snap), nil
}

// Total is the subtotal with total-target cart conditions folded in.
func (c *Cart) Total(ctx context.Context) (money.Amount, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	return totalOf(snap), nil
}

func subtotalOf(snap snapshot) money.Amount {
	base := snap.items.SubtotalWithConditions()
	return applyTargeted(snap.conditions, TargetSubtotal, base)
}

func totalOf(snap snapshot) money.Amount {
	return applyTargeted(snap.conditions, TargetTotal, subtotalOf(snap))
}

// applyTargeted folds the conditions with the given target over base in
// evaluation order.
func applyTargeted(conds ConditionCollection, target ConditionTarget, base money.Amount) money.Amount {
	for _, cond := range sortConditions(conds.ByTarget(target)) {
		base = cond.Apply(base)
	}
	return base
}

// TotalQuantity sums quantities across all lines.
func (c *Cart) TotalQuantity(ctx context.Context) (int, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	return snap.items.TotalQuantity(), nil
}

// Count returns the number of distinct lines.
func (c *Cart) Count(ctx context.Context) (int, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return 0, err
	}
	return snap.items.Len(), nil
}

// IsEmpty reports whether the cart has no lines.
func (c *Cart) IsEmpty(ctx context.Context) (bool, error) {
	count, err := c.Count(ctx)
	if err != nil {
		return false, err
	}
	return count == 0, nil
}

// SetMetadata stores a key under the cart's metadata map.
func (c *Cart) SetMetadata(ctx context.Context, key string, value any) error {
	if key == "" {
		return domain.Invalid("cart.metadata", "metadata key must not be empty")
	}

	version, err := c.metaVersion(ctx)
	if err != nil {
		return err
	}

	md, err := c.store.GetMetadata(ctx, c.identifier, c.instance)
	if err != nil {
		return err
	}
	if md == nil {
		md = map[string]any{}
	}
	md[key] = value

	if err := c.store.PutMetadata(ctx, c.identifier, c.instance, md, version); err != nil {
		return err
	}

	c.events.Publish(ctx, domain.MetadataAdded{EventMeta: c.meta(), Key: key})
	return nil
}

// Metadata returns the value stored under key, and whether it exists.
func (c *Cart) Metadata(ctx context.Context, key string) (any, bool, error) {
	md, err := c.store.GetMetadata(ctx, c.identifier, c.instance)
	if err != nil {
		return nil, false, err
	}
	v, ok := md[key]
	return v, ok, nil
}

// RemoveMetadata deletes a metadata key. Removing a missing key is a no-op.
func (c *Cart) RemoveMetadata(ctx context.Context, key string) error {
	version, err := c.metaVersion(ctx)
	if err != nil {
		return err
	}

	md, err := c.store.GetMetadata(ctx, c.identifier, c.instance)
	if err != nil {
		return err
	}
	if _, ok := md[key]; !ok {
		return nil
	}
	delete(md, key)

	if err := c.store.PutMetadata(ctx, c.identifier, c.instance, md, version); err != nil {
		return err
	}

	c.events.Publish(ctx, domain.MetadataRemoved{EventMeta: c.meta(), Key: key})
	return nil
}

func (c *Cart) metaVersion(ctx context.Context) (int64, error) {
	version, err := c.store.Version(ctx, c.identifier, c.instance)
	if errors.Is(err, storage.ErrUnsupported) {
		return storage.VersionUnchecked, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Summary is a read model of the whole cart, computed from one load so
// the numbers are mutually consistent.
type Summary struct {
	Identifier    string
	Instance      string
	Items         []Item
	Conditions    []Condition
	Subtotal      money.Amount
	Total         money.Amount
	TotalQuantity int
}

// Summary loads the cart once and derives every display figure from that
// single snapshot.
func (c *Cart) Summary(ctx context.Context) (Summary, error) {
	snap, err := c.load(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Identifier:    c.identifier,
		Instance:      c.instance,
		Items:         snap.items.All(),
		Conditions:    snap.conditions.All(),
		Subtotal:      subtotalOf(snap),
		Total:         totalOf(snap),
		TotalQuantity: snap.items.TotalQuantity(),
	}, nil
}

// Version returns the record's version counter. On unversioned backends
// the error is storage.ErrUnsupported.
func (c *Cart) Version(ctx context.Context) (int64, error) {
	return c.store.Version(ctx, c.identifier, c.instance)
}

// RowID returns the record's stable external reference on backends that
// assign one, storage.ErrUnsupported otherwise.
func (c *Cart) RowID(ctx context.Context) (string, error) {
	return c.store.RowID(ctx, c.identifier, c.instance)
}
