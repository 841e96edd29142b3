package storage

import (
	"encoding/json"

	"github.com/dukerupert/kurv/internal/domain"
)

// Limits bounds what a single cart record may hold. Zero values disable
// the corresponding check. Limits are enforced uniformly by every backend
// before the write reaches the wire, so a violating mutation always fails
// fast and leaves the stored record unchanged.
type Limits struct {
	// MaxItems caps the number of distinct lines in a cart.
	MaxItems int

	// MaxPayloadBytes caps the serialized size of the parts carried by a
	// single write, not of the full stored record. Cart mutations go
	// through PutBoth, so items and conditions are always sized together;
	// metadata written separately is capped on its own.
	MaxPayloadBytes int
}

// check validates an intended write against the limits.
func (l Limits) check(op string, items, conditions []map[string]any, metadata map[string]any) error {
	if l.MaxItems > 0 && items != nil && len(items) > l.MaxItems {
		return domain.LimitExceeded(op, "item count", l.MaxItems, len(items))
	}

	if l.MaxPayloadBytes > 0 {
		size := 0
		for _, part := range []any{items, conditions, metadata} {
			if part == nil {
				continue
			}
			b, err := json.Marshal(part)
			if err != nil {
				return domain.Internal(err, op, "failed to serialize cart payload")
			}
			size += len(b)
		}
		if size > l.MaxPayloadBytes {
			return domain.LimitExceeded(op, "payload size", l.MaxPayloadBytes, size)
		}
	}

	return nil
}
