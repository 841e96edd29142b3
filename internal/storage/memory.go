package storage

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/kurv/internal/domain"
)

// MemoryStore is a process-local backend for development, tests, and
// session-scoped deployments. Records live until the process exits or the
// cleanup job purges them.
//
// Records are versioned so optimistic-concurrency behavior can be
// exercised without a database. RowID is unsupported; durable external
// references are a database-backend capability.
type MemoryStore struct {
	limits Limits

	mu      sync.Mutex
	records map[memKey]*memRecord
}

type memKey struct {
	identifier string
	instance   string
}

type memRecord struct {
	items      []byte // JSON array
	conditions []byte // JSON array
	metadata   []byte // JSON object
	version    int64
	touched    time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		limits:  limits,
		records: map[memKey]*memRecord{},
	}
}

func (s *MemoryStore) GetItems(_ context.Context, identifier, instance string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memKey{identifier, instance}]
	if !ok {
		return []map[string]any{}, nil
	}
	return decodeSlice(rec.items)
}

func (s *MemoryStore) PutItems(ctx context.Context, identifier, instance string, items []map[string]any, expected int64) error {
	return s.put(ctx, identifier, instance, items, nil, nil, expected)
}

func (s *MemoryStore) GetConditions(_ context.Context, identifier, instance string) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memKey{identifier, instance}]
	if !ok {
		return []map[string]any{}, nil
	}
	return decodeSlice(rec.conditions)
}

func (s *MemoryStore) PutConditions(ctx context.Context, identifier, instance string, conditions []map[string]any, expected int64) error {
	return s.put(ctx, identifier, instance, nil, conditions, nil, expected)
}

func (s *MemoryStore) PutBoth(ctx context.Context, identifier, instance string, items, conditions []map[string]any, expected int64) error {
	if items == nil {
		items = []map[string]any{}
	}
	if conditions == nil {
		conditions = []map[string]any{}
	}
	return s.put(ctx, identifier, instance, items, conditions, nil, expected)
}

func (s *MemoryStore) GetMetadata(_ context.Context, identifier, instance string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memKey{identifier, instance}]
	if !ok {
		return map[string]any{}, nil
	}
	return decodeMap(rec.metadata)
}

func (s *MemoryStore) PutMetadata(ctx context.Context, identifier, instance string, metadata map[string]any, expected int64) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return s.put(ctx, identifier, instance, nil, nil, metadata, expected)
}

// put applies a partial write: nil parts keep their stored value.
func (s *MemoryStore) put(_ context.Context, identifier, instance string, items, conditions []map[string]any, metadata map[string]any, expected int64) error {
	const op = "storage.memory.put"

	if err := s.limits.check(op, items, conditions, metadata); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey{identifier, instance}
	rec, exists := s.records[key]
	current := int64(0)
	if exists {
		current = rec.version
	}
	if expected >= 0 && expected != current {
		return &domain.ConflictError{
			Identifier: identifier,
			Instance:   instance,
			Attempted:  expected,
			Current:    current,
		}
	}

	if !exists {
		rec = &memRecord{
			items:      []byte("[]"),
			conditions: []byte("[]"),
			metadata:   []byte("{}"),
		}
		s.records[key] = rec
	}

	if items != nil {
		b, err := json.Marshal(items)
		if err != nil {
			return domain.Internal(err, op, "failed to serialize items")
		}
		rec.items = b
	}
	if conditions != nil {
		b, err := json.Marshal(conditions)
		if err != nil {
			return domain.Internal(err, op, "failed to serialize conditions")
		}
		rec.conditions = b
	}
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return domain.Internal(err, op, "failed to serialize metadata")
		}
		rec.metadata = b
	}

	rec.version = current + 1
	rec.touched = time.Now()
	return nil
}

func (s *MemoryStore) Has(_ context.Context, identifier, instance string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[memKey{identifier, instance}]
	return ok, nil
}

func (s *MemoryStore) Forget(_ context.Context, identifier, instance string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, memKey{identifier, instance})
	return nil
}

func (s *MemoryStore) Instances(_ context.Context, identifier string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for key := range s.records {
		if key.identifier == identifier {
			out = append(out, key.instance)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryStore) ForgetIdentifier(_ context.Context, identifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.records {
		if key.identifier == identifier {
			delete(s.records, key)
		}
	}
	return nil
}

func (s *MemoryStore) SwapIdentifier(_ context.Context, oldID, newID, instance string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, ok := s.records[memKey{oldID, instance}]
	if !ok {
		return false, nil
	}
	if _, occupied := s.records[memKey{newID, instance}]; occupied {
		return false, nil
	}

	delete(s.records, memKey{oldID, instance})
	src.version++
	src.touched = time.Now()
	s.records[memKey{newID, instance}] = src
	return true, nil
}

func (s *MemoryStore) Version(_ context.Context, identifier, instance string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[memKey{identifier, instance}]
	if !ok {
		return 0, nil
	}
	return rec.version, nil
}

func (s *MemoryStore) RowID(_ context.Context, _, _ string) (string, error) {
	return "", ErrUnsupported
}

func (s *MemoryStore) CanEnumerate() bool { return true }

// PurgeInactive deletes records untouched for longer than olderThan.
func (s *MemoryStore) PurgeInactive(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var purged int64
	for key, rec := range s.records {
		if rec.touched.Before(cutoff) {
			delete(s.records, key)
			purged++
		}
	}
	return purged, nil
}

func decodeSlice(b []byte) ([]map[string]any, error) {
	if len(b) == 0 || strings.TrimSpace(string(b)) == "" {
		return []map[string]any{}, nil
	}
	var out []map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, domain.Internal(err, "storage.decode", "corrupt cart record")
	}
	if out == nil {
		out = []map[string]any{}
	}
	return out, nil
}

func decodeMap(b []byte) (map[string]any, error) {
	if len(b) == 0 || strings.TrimSpace(string(b)) == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, domain.Internal(err, "storage.decode", "corrupt cart record")
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}
