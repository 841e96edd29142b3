// Package storage persists cart state keyed by (identifier, instance).
// Implementations can use process memory, Redis, or Postgres; they differ
// in durability, enumeration capability, and optimistic-concurrency
// support, which the Store interface exposes explicitly.
package storage

import (
	"context"
	"errors"
	"time"
)

// VersionUnchecked disables the compare-and-swap check on a write.
// The write becomes last-write-wins on backends that version records.
const VersionUnchecked int64 = -1

// ErrUnsupported is returned by operations a backend cannot provide
// (e.g. Version on the memory backend, RowID outside Postgres).
var ErrUnsupported = errors.New("operation not supported by this storage backend")

// Store is the persistence contract consumed by the cart aggregate.
//
// Writes that accept an expected version perform an atomic compare-and-swap
// when expected >= 0: if the stored record's version differs, the write is
// rejected with *domain.ConflictError and the record is left untouched.
// Every successful write increments the version on versioned backends.
type Store interface {
	// GetItems returns the serialized items for a cart, or an empty slice
	// if the record does not exist.
	GetItems(ctx context.Context, identifier, instance string) ([]map[string]any, error)

	// PutItems replaces the items of a cart, creating the record if needed.
	PutItems(ctx context.Context, identifier, instance string, items []map[string]any, expected int64) error

	// GetConditions returns the serialized cart-level conditions.
	GetConditions(ctx context.Context, identifier, instance string) ([]map[string]any, error)

	// PutConditions replaces the cart-level conditions.
	PutConditions(ctx context.Context, identifier, instance string, conditions []map[string]any, expected int64) error

	// PutBoth atomically replaces items and conditions in one write.
	// Mutations that touch both must use this so a failure never leaves a
	// half-updated record.
	PutBoth(ctx context.Context, identifier, instance string, items, conditions []map[string]any, expected int64) error

	// GetMetadata returns the cart's metadata map.
	GetMetadata(ctx context.Context, identifier, instance string) (map[string]any, error)

	// PutMetadata replaces the cart's metadata map.
	PutMetadata(ctx context.Context, identifier, instance string, metadata map[string]any, expected int64) error

	// Has reports whether a record exists for the pair.
	Has(ctx context.Context, identifier, instance string) (bool, error)

	// Forget deletes the record for the pair. Deleting a missing record is
	// not an error.
	Forget(ctx context.Context, identifier, instance string) error

	// Instances enumerates instance names stored under an identifier.
	// Backends that cannot enumerate return an empty slice.
	Instances(ctx context.Context, identifier string) ([]string, error)

	// ForgetIdentifier deletes every instance under an identifier.
	// A no-op on backends that cannot enumerate.
	ForgetIdentifier(ctx context.Context, identifier string) error

	// SwapIdentifier atomically renames a record from oldID to newID.
	// Returns false when the source is missing or the target already
	// exists; the migration service falls back to a merge in that case.
	SwapIdentifier(ctx context.Context, oldID, newID, instance string) (bool, error)

	// Version returns the record's current version counter, or
	// ErrUnsupported on unversioned backends.
	Version(ctx context.Context, identifier, instance string) (int64, error)

	// RowID returns a stable external reference for the record (a UUID on
	// the database backend), or ErrUnsupported.
	RowID(ctx context.Context, identifier, instance string) (string, error)

	// CanEnumerate reports whether Instances and ForgetIdentifier are
	// meaningful on this backend.
	CanEnumerate() bool
}

// RowLookup is implemented by backends that can reconstruct the logical
// key from a stable row id. External callers (e.g. a payment webhook
// holding only the row id) reach carts through this.
type RowLookup interface {
	FindByRowID(ctx context.Context, rowID string) (identifier, instance string, err error)
}

// Purger is implemented by backends that support abandonment cleanup:
// deleting records whose last write is older than the cutoff.
type Purger interface {
	PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error)
}
