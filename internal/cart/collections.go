package cart

import (
	"fmt"

	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/money"
)

// ConditionCollection is an ordered, name-keyed set of conditions.
// Collections are immutable snapshots: Add and Remove return new
// collections, so a collection handed to a caller can never drift from the
// state the cart persisted.
type ConditionCollection struct {
	byName map[string]Condition
	names  []string // insertion order
}

// NewConditionCollection builds a collection, rejecting duplicate names.
func NewConditionCollection(conds ...Condition) ConditionCollection {
	cc := ConditionCollection{byName: map[string]Condition{}}
	for _, c := range conds {
		next, err := cc.Add(c)
		if err != nil {
			// Later duplicates silently lose to the first insertion; the
			// variadic constructor is only used with known-unique inputs.
			continue
		}
		cc = next
	}
	return cc
}

// Add returns a new collection including c. Duplicate names conflict.
func (cc ConditionCollection) Add(c Condition) (ConditionCollection, error) {
	if _, exists := cc.byName[c.Name()]; exists {
		return cc, domain.Conflict("conditions.add", fmt.Sprintf("condition %q already applied in this scope", c.Name()))
	}
	out := cc.clone()
	out.byName[c.Name()] = c
	out.names = append(out.names, c.Name())
	return out, nil
}

// Remove returns a new collection without the named condition and whether
// it was present.
func (cc ConditionCollection) Remove(name string) (ConditionCollection, bool) {
	if _, exists := cc.byName[name]; !exists {
		return cc, false
	}
	out := ConditionCollection{byName: map[string]Condition{}}
	for _, n := range cc.names {
		if n == name {
			continue
		}
		out.byName[n] = cc.byName[n]
		out.names = append(out.names, n)
	}
	return out, true
}

// Get looks up a condition by name.
func (cc ConditionCollection) Get(name string) (Condition, bool) {
	c, ok := cc.byName[name]
	return c, ok
}

// Has reports whether the named condition exists.
func (cc ConditionCollection) Has(name string) bool {
	_, ok := cc.byName[name]
	return ok
}

// Len returns the number of conditions.
func (cc ConditionCollection) Len() int { return len(cc.names) }

// IsEmpty reports whether the collection holds no conditions.
func (cc ConditionCollection) IsEmpty() bool { return len(cc.names) == 0 }

// Names returns condition names in insertion order.
func (cc ConditionCollection) Names() []string {
	out := make([]string, len(cc.names))
	copy(out, cc.names)
	return out
}

// All returns the conditions in insertion order.
func (cc ConditionCollection) All() []Condition {
	out := make([]Condition, 0, len(cc.names))
	for _, n := range cc.names {
		out = append(out, cc.byName[n])
	}
	return out
}

// Sorted returns the conditions in evaluation order: ascending Order with
// insertion order breaking ties.
func (cc ConditionCollection) Sorted() []Condition {
	return sortConditions(cc.All())
}

// ByType returns the conditions of the given type, insertion order.
func (cc ConditionCollection) ByType(t ConditionType) []Condition {
	var out []Condition
	for _, c := range cc.All() {
		if c.Type() == t {
			out = append(out, c)
		}
	}
	return out
}

// ByTarget returns the conditions with the given target, insertion order.
func (cc ConditionCollection) ByTarget(t ConditionTarget) []Condition {
	var out []Condition
	for _, c := range cc.All() {
		if c.Target() == t {
			out = append(out, c)
		}
	}
	return out
}

// Apply folds every condition over base in evaluation order.
func (cc ConditionCollection) Apply(base money.Amount) money.Amount {
	for _, c := range cc.Sorted() {
		base = c.Apply(base)
	}
	return base
}

// ToSlice serializes the collection in insertion order.
func (cc ConditionCollection) ToSlice() []map[string]any {
	out := make([]map[string]any, 0, len(cc.names))
	for _, c := range cc.All() {
		out = append(out, c.ToMap())
	}
	return out
}

func (cc ConditionCollection) clone() ConditionCollection {
	out := ConditionCollection{
		byName: make(map[string]Condition, len(cc.byName)),
		names:  make([]string, len(cc.names)),
	}
	for k, v := range cc.byName {
		out.byName[k] = v
	}
	copy(out.names, cc.names)
	return out
}

// ItemCollection is an ordered, id-keyed set of items. Insertion order is
// significant for display, never for total computation.
type ItemCollection struct {
	byID map[string]Item
	ids  []string
}

// NewItemCollection builds a collection from items; a repeated id replaces
// the earlier entry in place.
func NewItemCollection(items ...Item) ItemCollection {
	ic := ItemCollection{byID: map[string]Item{}}
	for _, it := range items {
		ic = ic.Put(it)
	}
	return ic
}

// Put returns a new collection with the item inserted or replaced in place.
func (ic ItemCollection) Put(item Item) ItemCollection {
	out := ic.clone()
	if _, exists := out.byID[item.ID()]; !exists {
		out.ids = append(out.ids, item.ID())
	}
	out.byID[item.ID()] = item
	return out
}

// Remove returns a new collection without the item and whether it existed.
func (ic ItemCollection) Remove(id string) (ItemCollection, bool) {
	if _, exists := ic.byID[id]; !exists {
		return ic, false
	}
	out := ItemCollection{byID: map[string]Item{}}
	for _, i := range ic.ids {
		if i == id {
			continue
		}
		out.byID[i] = ic.byID[i]
		out.ids = append(out.ids, i)
	}
	return out, true
}

// Get looks up an item by id.
func (ic ItemCollection) Get(id string) (Item, bool) {
	it, ok := ic.byID[id]
	return it, ok
}

// Has reports whether an item with the id exists.
func (ic ItemCollection) Has(id string) bool {
	_, ok := ic.byID[id]
	return ok
}

// Len returns the number of distinct lines.
func (ic ItemCollection) Len() int { return len(ic.ids) }

// IsEmpty reports whether the collection holds no items.
func (ic ItemCollection) IsEmpty() bool { return len(ic.ids) == 0 }

// IDs returns item ids in insertion order.
func (ic ItemCollection) IDs() []string {
	out := make([]string, len(ic.ids))
	copy(out, ic.ids)
	return out
}

// All returns the items in insertion order.
func (ic ItemCollection) All() []Item {
	out := make([]Item, 0, len(ic.ids))
	for _, id := range ic.ids {
		out = append(out, ic.byID[id])
	}
	return out
}

// Filter returns the items satisfying pred, insertion order.
func (ic ItemCollection) Filter(pred func(Item) bool) []Item {
	var out []Item
	for _, it := range ic.All() {
		if pred(it) {
			out = append(out, it)
		}
	}
	return out
}

// TotalQuantity sums quantities across all lines.
func (ic ItemCollection) TotalQuantity() int {
	total := 0
	for _, it := range ic.All() {
		total += it.Quantity()
	}
	return total
}

// RawSubtotal sums unconditioned line subtotals.
func (ic ItemCollection) RawSubtotal() money.Amount {
	var total money.Amount
	for _, it := range ic.All() {
		total += it.RawSubtotal()
	}
	return total
}

// SubtotalWithConditions sums line subtotals with item conditions applied.
func (ic ItemCollection) SubtotalWithConditions() money.Amount {
	var total money.Amount
	for _, it := range ic.All() {
		total += it.SubtotalWithConditions()
	}
	return total
}

// ToSlice serializes the collection in insertion order.
func (ic ItemCollection) ToSlice() []map[string]any {
	out := make([]map[string]any, 0, len(ic.ids))
	for _, it := range ic.All() {
		out = append(out, it.ToMap())
	}
	return out
}

func (ic ItemCollection) clone() ItemCollection {
	out := ItemCollection{
		byID: make(map[string]Item, len(ic.byID)),
		ids:  make([]string, len(ic.ids)),
	}
	for k, v := range ic.byID {
		out.byID[k] = v
	}
	copy(out.ids, ic.ids)
	return out
}
