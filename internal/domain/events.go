package domain

import "time"

// Event is a cart domain event. Events are the cart's only side-channel to
// external collaborators (analytics, notifications, projections) and are
// published fire-and-forget: subscriber failure never rolls back the
// mutation that produced the event.
type Event interface {
	// EventName is a stable, dot-free identifier used as a routing key
	// suffix (e.g. "item_added" -> subject "kurv.cart.item_added").
	EventName() string
}

// EventMeta carries the fields common to every cart event.
type EventMeta struct {
	Identifier string    `json:"identifier"`
	Instance   string    `json:"instance"`
	OccurredAt time.Time `json:"occurred_at"`
}

// CartCreated fires when a cart record first materializes in storage.
type CartCreated struct {
	EventMeta
}

func (CartCreated) EventName() string { return "cart_created" }

// ItemAdded fires after an item is persisted, including quantity merges
// onto an existing line.
type ItemAdded struct {
	EventMeta
	ItemID    string `json:"item_id"`
	ItemName  string `json:"item_name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

func (ItemAdded) EventName() string { return "item_added" }

// ItemUpdated fires after an existing line is modified.
type ItemUpdated struct {
	EventMeta
	ItemID       string `json:"item_id"`
	Quantity     int    `json:"quantity"`
	PrevQuantity int    `json:"prev_quantity"`
}

func (ItemUpdated) EventName() string { return "item_updated" }

// ItemRemoved fires after a line is deleted.
type ItemRemoved struct {
	EventMeta
	ItemID string `json:"item_id"`
}

func (ItemRemoved) EventName() string { return "item_removed" }

// ConditionAdded fires after a condition is attached. ItemID is empty for
// cart-level conditions.
type ConditionAdded struct {
	EventMeta
	ConditionName string `json:"condition_name"`
	ConditionType string `json:"condition_type"`
	Target        string `json:"target"`
	ItemID        string `json:"item_id,omitempty"`
}

func (ConditionAdded) EventName() string { return "condition_added" }

// ConditionRemoved fires after a condition is detached.
type ConditionRemoved struct {
	EventMeta
	ConditionName string `json:"condition_name"`
	ItemID        string `json:"item_id,omitempty"`
}

func (ConditionRemoved) EventName() string { return "condition_removed" }

// CartCleared fires after items, conditions and metadata are forgotten.
type CartCleared struct {
	EventMeta
}

func (CartCleared) EventName() string { return "cart_cleared" }

// MetadataAdded fires after a metadata key is set.
type MetadataAdded struct {
	EventMeta
	Key string `json:"key"`
}

func (MetadataAdded) EventName() string { return "metadata_added" }

// MetadataRemoved fires after a metadata key is deleted.
type MetadataRemoved struct {
	EventMeta
	Key string `json:"key"`
}

func (MetadataRemoved) EventName() string { return "metadata_removed" }

// CartMerged fires after a guest cart is merged into a user cart.
// HadConflicts and the counts are informational for auditing; consumers
// must not branch control flow on them.
type CartMerged struct {
	EventMeta
	SourceIdentifier string `json:"source_identifier"`
	TargetIdentifier string `json:"target_identifier"`
	Strategy         string `json:"strategy"`
	ItemsMerged      int    `json:"items_merged"`
	ConditionsMerged int    `json:"conditions_merged"`
	HadConflicts     bool   `json:"had_conflicts"`
}

func (CartMerged) EventName() string { return "cart_merged" }
