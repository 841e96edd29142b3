package storage_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/kurv/internal/domain"
	"github.com/dukerupert/kurv/internal/storage"
)

func items(ids ...string) []map[string]any {
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{"id": id, "name": id, "price": int64(100), "quantity": 1})
	}
	return out
}

func TestMemoryStore_GetMissingRecordIsEmpty(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{})

	got, err := s.GetItems(ctx, "u", "default")
	require.NoError(t, err)
	assert.Empty(t, got)

	md, err := s.GetMetadata(ctx, "u", "default")
	require.NoError(t, err)
	assert.Empty(t, md)

	v, err := s.Version(ctx, "u", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestMemoryStore_VersionedWrites(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{})

	// create with expected 0
	require.NoError(t, s.PutItems(ctx, "u", "default", items("a"), 0))

	v, err := s.Version(ctx, "u", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	// stale expected is rejected with the version pair
	err = s.PutItems(ctx, "u", "default", items("a", "b"), 0)
	require.Error(t, err)
	ce, ok := domain.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, int64(0), ce.Attempted)
	assert.Equal(t, int64(1), ce.Current)

	// record untouched by the failed write
	got, err := s.GetItems(ctx, "u", "default")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// matching expected succeeds and bumps the version
	require.NoError(t, s.PutItems(ctx, "u", "default", items("a", "b"), 1))
	v, err = s.Version(ctx, "u", "default")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
}

func TestMemoryStore_UncheckedWriteAlwaysWins(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{})

	require.NoError(t, s.PutItems(ctx, "u", "default", items("a"), storage.VersionUnchecked))
	require.NoError(t, s.PutItems(ctx, "u", "default", items("b"), storage.VersionUnchecked))

	got, err := s.GetItems(ctx, "u", "default")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0]["id"])
}

func TestMemoryStore_PartialWritesKeepOtherParts(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{})

	require.NoError(t, s.PutItems(ctx, "u", "default", items("a"), storage.VersionUnchecked))
	require.NoError(t, s.PutMetadata(ctx, "u", "default", map[string]any{"note": "gift"}, storage.VersionUnchecked))

	got, err := s.GetItems(ctx, "u", "default")
	require.NoError(t, err)
	assert.Len(t, got, 1, "metadata write must not clobber items")

	md, err := s.GetMetadata(ctx, "u", "default")
	require.NoError(t, err)
	assert.Equal(t, "gift", md["note"])
}

func TestMemoryStore_Limits(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{MaxItems: 2})

	err := s.PutItems(ctx, "u", "default", items("a", "b", "c"), storage.VersionUnchecked)
	assert.Equal(t, domain.ELIMIT, domain.ErrorCode(err))

	exists, err := s.Has(ctx, "u", "default")
	require.NoError(t, err)
	assert.False(t, exists, "rejected write must not create the record")
}

func TestMemoryStore_SwapIdentifier(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{})

	require.NoError(t, s.PutItems(ctx, "guest", "default", items("a"), storage.VersionUnchecked))

	// missing source
	ok, err := s.SwapIdentifier(ctx, "ghost", "user", "default")
	require.NoError(t, err)
	assert.False(t, ok)

	// clean rename
	ok, err = s.SwapIdentifier(ctx, "guest", "user", "default")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.GetItems(ctx, "user", "default")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// occupied target
	require.NoError(t, s.PutItems(ctx, "guest2", "default", items("b"), storage.VersionUnchecked))
	ok, err = s.SwapIdentifier(ctx, "guest2", "user", "default")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_Enumeration(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{})

	assert.True(t, s.CanEnumerate())

	require.NoError(t, s.PutItems(ctx, "u", "wishlist", items("a"), storage.VersionUnchecked))
	require.NoError(t, s.PutItems(ctx, "u", "default", items("b"), storage.VersionUnchecked))
	require.NoError(t, s.PutItems(ctx, "other", "default", items("c"), storage.VersionUnchecked))

	instances, err := s.Instances(ctx, "u")
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "wishlist"}, instances)

	require.NoError(t, s.ForgetIdentifier(ctx, "u"))

	instances, err = s.Instances(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, instances)

	exists, err := s.Has(ctx, "other", "default")
	require.NoError(t, err)
	assert.True(t, exists, "other identifiers untouched")
}

func TestMemoryStore_RowIDUnsupported(t *testing.T) {
	_, err := storage.NewMemoryStore(storage.Limits{}).RowID(context.Background(), "u", "default")
	assert.ErrorIs(t, err, storage.ErrUnsupported)
}

func TestMemoryStore_PurgeInactive(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{})

	require.NoError(t, s.PutItems(ctx, "u", "default", items("a"), storage.VersionUnchecked))

	// nothing is older than an hour yet
	purged, err := s.PurgeInactive(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(0), purged)

	// a cutoff in the future sweeps everything
	purged, err = s.PurgeInactive(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	exists, err := s.Has(ctx, "u", "default")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_PayloadCapIsPerWrite(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore(storage.Limits{MaxPayloadBytes: 150})

	// items and metadata are sized per write, so each lands even though
	// the stored record ends up larger than the cap
	require.NoError(t, s.PutItems(ctx, "u", "default", items("a", "b"), storage.VersionUnchecked))
	pad := map[string]any{"pad": strings.Repeat("x", 120)}
	require.NoError(t, s.PutMetadata(ctx, "u", "default", pad, storage.VersionUnchecked))

	// a single write over the cap is rejected and leaves the part intact
	err := s.PutItems(ctx, "u", "default", items("a", "b", "c", "d"), storage.VersionUnchecked)
	assert.Equal(t, domain.ELIMIT, domain.ErrorCode(err))

	got, err := s.GetItems(ctx, "u", "default")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
