package cart

import (
	"fmt"
	"strings"

	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/money"
)

// Association is a weak reference to an external domain object (e.g. a
// product row). The cart never owns or dereferences it.
type Association struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// ItemSpec is the input shape for constructing an Item.
type ItemSpec struct {
	ID          string
	Name        string
	UnitPrice   money.Amount
	Quantity    int
	Attributes  map[string]any
	Conditions  []Condition
	Association *Association
}

// ItemPatch describes a partial update. Nil fields are left unchanged.
type ItemPatch struct {
	Name       *string
	UnitPrice  *money.Amount
	Quantity   *int
	Attributes map[string]any
}

// Item is an immutable cart line entry. Every mutator returns a new Item;
// the receiver is never modified, so items can be shared between collection
// snapshots without defensive copying.
type Item struct {
	id          string
	name        string
	unitPrice   money.Amount
	quantity    int
	attributes  map[string]any
	conditions  ConditionCollection
	association *Association
}

// Limits bounds item construction. Zero values disable the corresponding check.
type Limits struct {
	MaxQuantity int

	// AssociationTypes is the set of known external entity types. An
	// association with a type outside the set is a validation error, not a
	// silent no-op. Empty set accepts any type.
	AssociationTypes []string
}

// NewItem validates and constructs an Item.
func NewItem(spec ItemSpec, limits Limits) (Item, error) {
	const op = "item.new"

	if strings.TrimSpace(spec.ID) == "" {
		return Item{}, domain.Invalid(op, "item id must not be empty")
	}
	if len(spec.ID) > maxNameLength {
		return Item{}, domain.Invalid(op, fmt.Sprintf("item id exceeds %d characters", maxNameLength))
	}
	if strings.TrimSpace(spec.Name) == "" {
		return Item{}, domain.Invalid(op, "item name must not be empty")
	}
	if len(spec.Name) > maxNameLength {
		return Item{}, domain.Invalid(op, fmt.Sprintf("item name exceeds %d characters", maxNameLength))
	}
	if spec.UnitPrice < 0 {
		return Item{}, domain.Invalid(op, "unit price must be non-negative")
	}
	if spec.Quantity < 1 {
		return Item{}, domain.Invalid(op, "quantity must be at least 1")
	}
	if limits.MaxQuantity > 0 && spec.Quantity > limits.MaxQuantity {
		return Item{}, domain.LimitExceeded(op, "quantity", limits.MaxQuantity, spec.Quantity)
	}
	if spec.Association != nil {
		if err := validateAssociation(*spec.Association, limits.AssociationTypes); err != nil {
			return Item{}, err
		}
	}

	conds := NewConditionCollection()
	for _, c := range spec.Conditions {
		var err error
		conds, err = conds.Add(c)
		if err != nil {
			return Item{}, err
		}
	}

	return Item{
		id:          spec.ID,
		name:        spec.Name,
		unitPrice:   spec.UnitPrice,
		quantity:    spec.Quantity,
		attributes:  copyMap(spec.Attributes),
		conditions:  conds,
		association: copyAssociation(spec.Association),
	}, nil
}

func validateAssociation(a Association, known []string) error {
	const op = "item.associate"
	if strings.TrimSpace(a.Type) == "" || strings.TrimSpace(a.ID) == "" {
		return domain.Invalid(op, "association requires both type and id")
	}
	if len(known) == 0 {
		return nil
	}
	for _, t := range known {
		if t == a.Type {
			return nil
		}
	}
	return domain.Errorf(domain.EINVALID, op, "unknown association type: %s", a.Type)
}

func (i Item) ID() string              { return i.id }
func (i Item) Name() string            { return i.name }
func (i Item) UnitPrice() money.Amount { return i.unitPrice }
func (i Item) Quantity() int           { return i.quantity }

// Attributes returns a copy of the item's attribute map.
func (i Item) Attributes() map[string]any { return copyMap(i.attributes) }

// Conditions returns the item-scoped condition collection snapshot.
func (i Item) Conditions() ConditionCollection { return i.conditions }

// Association returns the item's external entity reference, if any.
func (i Item) Association() *Association { return copyAssociation(i.association) }

// Equal reports item identity. Two items are equal iff their ids match;
// structural differences are irrelevant for merge keys and de-duplication.
func (i Item) Equal(other Item) bool { return i.id == other.id }

// RawSubtotal is unit price times quantity, ignoring conditions.
func (i Item) RawSubtotal() money.Amount {
	return i.unitPrice * money.Amount(i.quantity)
}

// PriceWithConditions applies all item-scoped conditions to the unit price
// in ascending order, clamped at zero.
func (i Item) PriceWithConditions() money.Amount {
	price := i.unitPrice
	for _, c := range i.conditions.Sorted() {
		price = c.Apply(price)
	}
	return price
}

// SubtotalWithConditions is the conditioned unit price times quantity.
func (i Item) SubtotalWithConditions() money.Amount {
	return i.PriceWithConditions() * money.Amount(i.quantity)
}

// DiscountAmount is the per-line delta introduced by item conditions
// (negative when conditions lower the price).
func (i Item) DiscountAmount() money.Amount {
	return i.SubtotalWithConditions() - i.RawSubtotal()
}

// WithName returns a copy with a new display name.
func (i Item) WithName(name string) (Item, error) {
	if strings.TrimSpace(name) == "" || len(name) > maxNameLength {
		return Item{}, domain.Invalid("item.rename", "invalid item name")
	}
	i.name = name
	return i, nil
}

// WithPrice returns a copy with a new unit price.
func (i Item) WithPrice(price money.Amount) (Item, error) {
	if price < 0 {
		return Item{}, domain.Invalid("item.reprice", "unit price must be non-negative")
	}
	i.unitPrice = price
	return i, nil
}

// WithQuantity returns a copy with an absolute quantity.
func (i Item) WithQuantity(qty int, limits Limits) (Item, error) {
	const op = "item.quantity"
	if qty < 1 {
		return Item{}, domain.Invalid(op, "quantity must be at least 1")
	}
	if limits.MaxQuantity > 0 && qty > limits.MaxQuantity {
		return Item{}, domain.LimitExceeded(op, "quantity", limits.MaxQuantity, qty)
	}
	i.quantity = qty
	return i, nil
}

// WithAttributes returns a copy with the attribute map replaced.
func (i Item) WithAttributes(attrs map[string]any) Item {
	i.attributes = copyMap(attrs)
	return i
}

// WithCondition returns a copy with an item-scoped condition attached.
// Duplicate names within the item are rejected.
func (i Item) WithCondition(c Condition) (Item, error) {
	if c.Target() != TargetPrice {
		return Item{}, domain.Invalid("item.condition", "item conditions must target price")
	}
	conds, err := i.conditions.Add(c)
	if err != nil {
		return Item{}, err
	}
	i.conditions = conds
	return i, nil
}

// WithoutCondition returns a copy with the named condition removed.
func (i Item) WithoutCondition(name string) Item {
	i.conditions, _ = i.conditions.Remove(name)
	return i
}

// WithoutConditions returns a copy with no item-scoped conditions.
func (i Item) WithoutConditions() Item {
	i.conditions = NewConditionCollection()
	return i
}

// WithAssociation returns a copy referencing an external entity.
func (i Item) WithAssociation(a Association, limits Limits) (Item, error) {
	if err := validateAssociation(a, limits.AssociationTypes); err != nil {
		return Item{}, err
	}
	i.association = &a
	return i, nil
}

// With applies a partial update and returns the resulting copy.
func (i Item) With(patch ItemPatch, limits Limits) (Item, error) {
	out := i
	var err error
	if patch.Name != nil {
		if out, err = out.WithName(*patch.Name); err != nil {
			return Item{}, err
		}
	}
	if patch.UnitPrice != nil {
		if out, err = out.WithPrice(*patch.UnitPrice); err != nil {
			return Item{}, err
		}
	}
	if patch.Quantity != nil {
		if out, err = out.WithQuantity(*patch.Quantity, limits); err != nil {
			return Item{}, err
		}
	}
	if patch.Attributes != nil {
		out = out.WithAttributes(patch.Attributes)
	}
	return out, nil
}

// ToMap serializes the item into the persisted record layout.
func (i Item) ToMap() map[string]any {
	m := map[string]any{
		"id":       i.id,
		"name":     i.name,
		"price":    int64(i.unitPrice),
		"quantity": i.quantity,
	}
	if len(i.attributes) > 0 {
		m["attributes"] = copyMap(i.attributes)
	}
	if i.conditions.Len() > 0 {
		m["conditions"] = i.conditions.ToSlice()
	}
	if i.association != nil {
		m["association"] = map[string]any{
			"type": i.association.Type,
			"id":   i.association.ID,
		}
	}
	return m
}

// ItemFromMap reconstructs an item from its persisted form.
func ItemFromMap(m map[string]any, limits Limits) (Item, error) {
	spec := ItemSpec{
		ID:         asString(m["id"]),
		Name:       asString(m["name"]),
		UnitPrice:  money.Amount(asInt64(m["price"])),
		Quantity:   asInt(m["quantity"]),
		Attributes: asMap(m["attributes"]),
	}

	if raw, ok := m["conditions"].([]any); ok {
		for _, rc := range raw {
			cm, ok := rc.(map[string]any)
			if !ok {
				return Item{}, domain.Invalid("item.load", "malformed item condition record")
			}
			c, err := ConditionFromMap(cm)
			if err != nil {
				return Item{}, err
			}
			spec.Conditions = append(spec.Conditions, c)
		}
	} else if raw, ok := m["conditions"].([]map[string]any); ok {
		for _, cm := range raw {
			c, err := ConditionFromMap(cm)
			if err != nil {
				return Item{}, err
			}
			spec.Conditions = append(spec.Conditions, c)
		}
	}

	if am := asMap(m["association"]); am != nil {
		spec.Association = &Association{Type: asString(am["type"]), ID: asString(am["id"])}
	}

	return NewItem(spec, limits)
}

func copyAssociation(a *Association) *Association {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}
