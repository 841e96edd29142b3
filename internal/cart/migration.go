package cart

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukerupert/kurv/internal/domain"
)

// MergeStrategy decides what happens when the same item id exists in both
// carts during a guest-to-user migration.
type MergeStrategy string

const (
	// MergeAddQuantities sums the two quantities onto the target line.
	MergeAddQuantities MergeStrategy = "add_quantities"
	// MergeKeepHighest keeps whichever line has the larger quantity.
	MergeKeepHighest MergeStrategy = "keep_highest"
	// MergeKeepExisting keeps the target line untouched.
	MergeKeepExisting MergeStrategy = "keep_existing"
	// MergeReplace overwrites the target line with the source line.
	MergeReplace MergeStrategy = "replace"
)

var mergeStrategies = map[MergeStrategy]bool{
	MergeAddQuantities: true,
	MergeKeepHighest:   true,
	MergeKeepExisting:  true,
	MergeReplace:       true,
}

// MergeResult summarizes what a Swap did.
type MergeResult struct {
	// Merged is false when there was nothing to migrate (empty or missing
	// source), which makes a repeated Swap an idempotent no-op.
	Merged           bool
	ItemsMerged      int
	ConditionsMerged int
	HadConflicts     bool
}

// Migrator moves a cart from one identifier to another, typically from a
// guest session id to a user id at login.
type Migrator struct {
	deps     Deps
	strategy MergeStrategy
	logger   *slog.Logger
}

// NewMigrator builds a migration service with the given default strategy.
func NewMigrator(deps Deps, strategy MergeStrategy) (*Migrator, error) {
	if strategy == "" {
		strategy = MergeAddQuantities
	}
	if !mergeStrategies[strategy] {
		return nil, domain.Errorf(domain.ECONFIG, "migrator.new", "unknown merge strategy: %s", strategy)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Migrator{deps: deps, strategy: strategy, logger: logger}, nil
}

// Strategy returns the configured merge strategy.
func (m *Migrator) Strategy() MergeStrategy { return m.strategy }

// Swap migrates the cart stored under oldID to newID within an instance.
//
// When the target has no cart the storage rename is used as a cheap path.
// Otherwise the source is merged into the target under the configured
// strategy, the target's conditions winning name collisions. The source
// record is deleted either way, so calling Swap again reports nothing to
// migrate.
func (m *Migrator) Swap(ctx context.Context, oldID, newID, instance string) (MergeResult, error) {
	const op = "migrator.swap"

	if oldID == "" || newID == "" {
		return MergeResult{}, domain.Invalid(op, "both identifiers are required")
	}
	if oldID == newID {
		return MergeResult{}, domain.Invalid(op, "source and target identifiers are identical")
	}

	source := New(oldID, instance, m.deps)
	target := New(newID, instance, m.deps)

	src, err := source.load(ctx)
	if err != nil {
		return MergeResult{}, err
	}
	if src.items.IsEmpty() && src.conditions.IsEmpty() {
		return MergeResult{}, nil
	}

	targetExists, err := m.deps.Store.Has(ctx, newID, instance)
	if err != nil {
		return MergeResult{}, err
	}

	if !targetExists {
		swapped, err := m.deps.Store.SwapIdentifier(ctx, oldID, newID, instance)
		if err != nil {
			return MergeResult{}, err
		}
		if swapped {
			result := MergeResult{
				Merged:           true,
				ItemsMerged:      src.items.Len(),
				ConditionsMerged: src.conditions.Len(),
			}
			m.publishMerged(ctx, oldID, newID, instance, result)
			return result, nil
		}
		// The target materialized between the existence check and the
		// rename; fall through to a merge.
	}

	tgt, err := target.load(ctx)
	if err != nil {
		return MergeResult{}, err
	}

	merged, result := m.merge(src, tgt)

	if err := target.persist(ctx, snapshot{
		items:      merged.items,
		conditions: merged.conditions,
		version:    tgt.version,
	}); err != nil {
		return MergeResult{}, err
	}

	if err := m.deps.Store.Forget(ctx, oldID, instance); err != nil {
		return MergeResult{}, err
	}

	m.publishMerged(ctx, oldID, newID, instance, result)

	m.logger.Info("cart migrated",
		"source", oldID,
		"target", newID,
		"instance", instance,
		"strategy", string(m.strategy),
		"items_merged", result.ItemsMerged,
		"had_conflicts", result.HadConflicts,
	)

	return result, nil
}

// merge combines the source snapshot into the target snapshot under the
// configured strategy. Target conditions win name collisions.
func (m *Migrator) merge(src, tgt snapshot) (snapshot, MergeResult) {
	result := MergeResult{Merged: true}
	items := tgt.items

	for _, srcItem := range src.items.All() {
		existing, ok := items.Get(srcItem.ID())
		if !ok {
			items = items.Put(srcItem)
			result.ItemsMerged++
			continue
		}

		result.HadConflicts = true
		switch m.strategy {
		case MergeAddQuantities:
			combined, err := existing.WithQuantity(existing.Quantity()+srcItem.Quantity(), m.deps.Limits)
			if err != nil {
				// Combined quantity breaches the limit; keep the larger of
				// the two lines rather than failing the whole migration.
				combined = pickHigher(existing, srcItem)
			}
			items = items.Put(combined)
		case MergeKeepHighest:
			items = items.Put(pickHigher(existing, srcItem))
		case MergeReplace:
			items = items.Put(srcItem)
		case MergeKeepExisting:
			// target line stays
		}
		result.ItemsMerged++
	}

	conds := tgt.conditions
	for _, srcCond := range src.conditions.All() {
		if conds.Has(srcCond.Name()) {
			result.HadConflicts = true
			continue
		}
		next, err := conds.Add(srcCond)
		if err != nil {
			continue
		}
		conds = next
		result.ConditionsMerged++
	}

	return snapshot{items: items, conditions: conds}, result
}

func pickHigher(a, b Item) Item {
	if b.Quantity() > a.Quantity() {
		return b
	}
	return a
}

func (m *Migrator) publishMerged(ctx context.Context, oldID, newID, instance string, result MergeResult) {
	if m.deps.Events == nil {
		return
	}
	m.deps.Events.Publish(ctx, domain.CartMerged{
		EventMeta: domain.EventMeta{
			Identifier: newID,
			Instance:   instance,
			OccurredAt: time.Now().UTC(),
		},
		SourceIdentifier: oldID,
		TargetIdentifier: newID,
		Strategy:         string(m.strategy),
		ItemsMerged:      result.ItemsMerged,
		ConditionsMerged: result.ConditionsMerged,
		HadConflicts:     result.HadConflicts,
	})
}
