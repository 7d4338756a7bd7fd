package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// KVSet stores val under key in the namespace (one namespace per plugin).
func (s *Store) KVSet(ctx context.Context, namespace, key, val string) error {
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (namespace, key, value, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(namespace, key) DO UPDATE SET value=excluded.value, updated_at=CURRENT_TIMESTAMP;
		`, namespace, key, val)
		if err != nil {
			return fmt.Errorf("kv set: %w", err)
		}
		return nil
	})
}

// KVGet returns ok=false when the key is absent.
func (s *Store) KVGet(ctx context.Context, namespace, key string) (val string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE namespace = ? AND key = ?;`, namespace, key).Scan(&val)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kv get: %w", err)
	}
	return val, true, nil
}

func (s *Store) KVDelete(ctx context.Context, namespace, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE namespace = ? AND key = ?;`, namespace, key); err != nil {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// KVCount returns the number of keys held by a namespace.
func (s *Store) KVCount(ctx context.Context, namespace string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_store WHERE namespace = ?;`, namespace).Scan(&n); err != nil {
		return 0, fmt.Errorf("kv count: %w", err)
	}
	return n, nil
}
