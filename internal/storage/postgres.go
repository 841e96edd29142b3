package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dukerupert/kurv/internal/domain"
)

// PostgresStore is the durable backend. Each (identifier, instance) pair
// maps to one row in the carts table with jsonb payload columns and a
// bigint version used for compare-and-swap writes. It is the only backend
// exposing a stable row id (UUID) usable as an external reference, e.g.
// attaching a payment-gateway purchase id to a specific cart row.
type PostgresStore struct {
	pool   *pgxpool.Pool
	limits Limits
}

// NewPostgresStore creates a Postgres-backed store over an existing pool.
func NewPostgresStore(pool *pgxpool.Pool, limits Limits) *PostgresStore {
	return &PostgresStore{pool: pool, limits: limits}
}

func (s *PostgresStore) getColumn(ctx context.Context, identifier, instance, column string) ([]byte, error) {
	// column is always a compile-time constant from this file.
	query := "SELECT " + column + " FROM carts WHERE identifier = $1 AND instance = $2"

	var raw []byte
	err := s.pool.QueryRow(ctx, query, identifier, instance).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable(err, "storage.postgres.get", "database read failed")
	}
	return raw, nil
}

func (s *PostgresStore) GetItems(ctx context.Context, identifier, instance string) ([]map[string]any, error) {
	raw, err := s.getColumn(ctx, identifier, instance, "items")
	if err != nil {
		return nil, err
	}
	return decodeSlice(raw)
}

func (s *PostgresStore) GetConditions(ctx context.Context, identifier, instance string) ([]map[string]any, error) {
	raw, err := s.getColumn(ctx, identifier, instance, "conditions")
	if err != nil {
		return nil, err
	}
	return decodeSlice(raw)
}

func (s *PostgresStore) GetMetadata(ctx context.Context, identifier, instance string) (map[string]any, error) {
	raw, err := s.getColumn(ctx, identifier, instance, "metadata")
	if err != nil {
		return nil, err
	}
	return decodeMap(raw)
}

func (s *PostgresStore) PutItems(ctx context.Context, identifier, instance string, items []map[string]any, expected int64) error {
	return s.put(ctx, identifier, instance, items, nil, nil, expected)
}

func (s *PostgresStore) PutConditions(ctx context.Context, identifier, instance string, conditions []map[string]any, expected int64) error {
	return s.put(ctx, identifier, instance, nil, conditions, nil, expected)
}

func (s *PostgresStore) PutBoth(ctx context.Context, identifier, instance string, items, conditions []map[string]any, expected int64) error {
	if items == nil {
		items = []map[string]any{}
	}
	if conditions == nil {
		conditions = []map[string]any{}
	}
	return s.put(ctx, identifier, instance, items, conditions, nil, expected)
}

func (s *PostgresStore) PutMetadata(ctx context.Context, identifier, instance string, metadata map[string]any, expected int64) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return s.put(ctx, identifier, instance, nil, nil, metadata, expected)
}

// put writes the non-nil parts in one statement. With expected >= 0 the
// write is a compare-and-swap on the row's version; a mismatch leaves the
// row untouched and reports a ConflictError.
func (s *PostgresStore) put(ctx context.Context, identifier, instance string, items, conditions []map[string]any, metadata map[string]any, expected int64) error {
	const op = "storage.postgres.put"

	if err := s.limits.check(op, items, conditions, metadata); err != nil {
		return err
	}

	itemsJSON, err := marshalPart(items)
	if err != nil {
		return domain.Internal(err, op, "failed to serialize items")
	}
	conditionsJSON, err := marshalPart(conditions)
	if err != nil {
		return domain.Internal(err, op, "failed to serialize conditions")
	}
	metadataJSON, err := marshalPart(metadata)
	if err != nil {
		return domain.Internal(err, op, "failed to serialize metadata")
	}

	if expected < 0 {
		// Last-write-wins upsert. NULL parts keep the stored value.
		_, err := s.pool.Exec(ctx, `
			INSERT INTO carts (identifier, instance, items, conditions, metadata)
			VALUES ($1, $2, COALESCE($3, '[]'::jsonb), COALESCE($4, '[]'::jsonb), COALESCE($5, '{}'::jsonb))
			ON CONFLICT (identifier, instance) DO UPDATE SET
				items      = COALESCE($3, carts.items),
				conditions = COALESCE($4, carts.conditions),
				metadata   = COALESCE($5, carts.metadata),
				version    = carts.version + 1,
				updated_at = now()`,
			identifier, instance, itemsJSON, conditionsJSON, metadataJSON)
		if err != nil {
			return domain.Unavailable(err, op, "database write failed")
		}
		return nil
	}

	if expected == 0 {
		// Writer saw no record; the insert must create it.
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO carts (identifier, instance, items, conditions, metadata)
			VALUES ($1, $2, COALESCE($3, '[]'::jsonb), COALESCE($4, '[]'::jsonb), COALESCE($5, '{}'::jsonb))
			ON CONFLICT (identifier, instance) DO NOTHING`,
			identifier, instance, itemsJSON, conditionsJSON, metadataJSON)
		if err != nil {
			return domain.Unavailable(err, op, "database write failed")
		}
		if tag.RowsAffected() == 0 {
			return s.conflict(ctx, identifier, instance, expected)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE carts SET
			items      = COALESCE($4, items),
			conditions = COALESCE($5, conditions),
			metadata   = COALESCE($6, metadata),
			version    = version + 1,
			updated_at = now()
		WHERE identifier = $1 AND instance = $2 AND version = $3`,
		identifier, instance, expected, itemsJSON, conditionsJSON, metadataJSON)
	if err != nil {
		return domain.Unavailable(err, op, "database write failed")
	}
	if tag.RowsAffected() == 0 {
		return s.conflict(ctx, identifier, instance, expected)
	}
	return nil
}

// conflict reads the row's current version to populate the ConflictError.
func (s *PostgresStore) conflict(ctx context.Context, identifier, instance string, attempted int64) error {
	current, err := s.Version(ctx, identifier, instance)
	if err != nil {
		current = 0
	}
	return &domain.ConflictError{
		Identifier: identifier,
		Instance:   instance,
		Attempted:  attempted,
		Current:    current,
	}
}

func marshalPart(part any) ([]byte, error) {
	switch v := part.(type) {
	case []map[string]any:
		if v == nil {
			return nil, nil
		}
	case map[string]any:
		if v == nil {
			return nil, nil
		}
	}
	return json.Marshal(part)
}

func (s *PostgresStore) Has(ctx context.Context, identifier, instance string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM carts WHERE identifier = $1 AND instance = $2)",
		identifier, instance).Scan(&exists)
	if err != nil {
		return false, domain.Unavailable(err, "storage.postgres.has", "database read failed")
	}
	return exists, nil
}

func (s *PostgresStore) Forget(ctx context.Context, identifier, instance string) error {
	_, err := s.pool.Exec(ctx,
		"DELETE FROM carts WHERE identifier = $1 AND instance = $2",
		identifier, instance)
	if err != nil {
		return domain.Unavailable(err, "storage.postgres.forget", "database delete failed")
	}
	return nil
}

func (s *PostgresStore) Instances(ctx context.Context, identifier string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT instance FROM carts WHERE identifier = $1 ORDER BY instance",
		identifier)
	if err != nil {
		return nil, domain.Unavailable(err, "storage.postgres.instances", "database read failed")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var instance string
		if err := rows.Scan(&instance); err != nil {
			return nil, domain.Unavailable(err, "storage.postgres.instances", "database read failed")
		}
		out = append(out, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Unavailable(err, "storage.postgres.instances", "database read failed")
	}
	return out, nil
}

func (s *PostgresStore) ForgetIdentifier(ctx context.Context, identifier string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM carts WHERE identifier = $1", identifier)
	if err != nil {
		return domain.Unavailable(err, "storage.postgres.forget_identifier", "database delete failed")
	}
	return nil
}

// SwapIdentifier renames a cart row in a transaction. Returns false when
// the source row is missing or the target slot is already occupied.
func (s *PostgresStore) SwapIdentifier(ctx context.Context, oldID, newID, instance string) (bool, error) {
	const op = "storage.postgres.swap"

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, domain.Unavailable(err, op, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	var occupied bool
	err = tx.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM carts WHERE identifier = $1 AND instance = $2)",
		newID, instance).Scan(&occupied)
	if err != nil {
		return false, domain.Unavailable(err, op, "database read failed")
	}
	if occupied {
		return false, nil
	}

	tag, err := tx.Exec(ctx, `
		UPDATE carts SET identifier = $1, version = version + 1, updated_at = now()
		WHERE identifier = $2 AND instance = $3`,
		newID, oldID, instance)
	if err != nil {
		return false, domain.Unavailable(err, op, "database write failed")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return false, domain.Unavailable(err, op, "failed to commit transaction")
	}
	return true, nil
}

func (s *PostgresStore) Version(ctx context.Context, identifier, instance string) (int64, error) {
	var version int64
	err := s.pool.QueryRow(ctx,
		"SELECT version FROM carts WHERE identifier = $1 AND instance = $2",
		identifier, instance).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.Unavailable(err, "storage.postgres.version", "database read failed")
	}
	return version, nil
}

func (s *PostgresStore) RowID(ctx context.Context, identifier, instance string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx,
		"SELECT id FROM carts WHERE identifier = $1 AND instance = $2",
		identifier, instance).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", domain.NotFound("storage.postgres.row_id", "cart", identifier+"/"+instance)
	}
	if err != nil {
		return "", domain.Unavailable(err, "storage.postgres.row_id", "database read failed")
	}
	return id, nil
}

func (s *PostgresStore) CanEnumerate() bool { return true }

// FindByRowID reconstructs the logical cart key from a durable row id.
func (s *PostgresStore) FindByRowID(ctx context.Context, rowID string) (string, string, error) {
	var identifier, instance string
	err := s.pool.QueryRow(ctx,
		"SELECT identifier, instance FROM carts WHERE id = $1",
		rowID).Scan(&identifier, &instance)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", domain.NotFound("storage.postgres.find", "cart", rowID)
	}
	if err != nil {
		return "", "", domain.Unavailable(err, "storage.postgres.find", "database read failed")
	}
	return identifier, instance, nil
}

// PurgeInactive deletes carts whose last write is older than the cutoff.
func (s *PostgresStore) PurgeInactive(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, "DELETE FROM carts WHERE updated_at < $1", cutoff)
	if err != nil {
		return 0, domain.Unavailable(err, "storage.postgres.purge", "database delete failed")
	}
	return tag.RowsAffected(), nil
}
