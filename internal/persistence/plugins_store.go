package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/lagbot/internal/bus"
)

// PluginRecord holds fields returned from the plugin_registry table.
type PluginRecord struct {
	Name        string
	Source      string
	ContentHash string
	State       string
	FaultCount  int
	LastFault   string
	LastFaultAt *time.Time
}

// DefaultQuarantineThreshold is the fault count that quarantines a plugin.
const DefaultQuarantineThreshold = 5

const (
	PluginStateActive      = "active"
	PluginStateQuarantined = "quarantined"
)

// UpsertPlugin records a discovered plugin. A changed content hash clears an
// earlier quarantine since the module was replaced.
func (s *Store) UpsertPlugin(ctx context.Context, name, source, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO plugin_registry (name, source, content_hash, state, fault_count, created_at, updated_at)
		VALUES (?, ?, ?, 'active', 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			source = excluded.source,
			state = CASE WHEN plugin_registry.content_hash != excluded.content_hash THEN 'active' ELSE plugin_registry.state END,
			fault_count = CASE WHEN plugin_registry.content_hash != excluded.content_hash THEN 0 ELSE plugin_registry.fault_count END,
			content_hash = excluded.content_hash,
			updated_at = CURRENT_TIMESTAMP;
	`, name, source, contentHash)
	if err != nil {
		return fmt.Errorf("upsert plugin: %w", err)
	}
	return nil
}

// ListPlugins returns every recorded plugin ordered by name.
func (s *Store) ListPlugins(ctx context.Context) ([]PluginRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, source, content_hash, state, fault_count, last_fault, last_fault_at
		FROM plugin_registry
		ORDER BY name ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list plugins: %w", err)
	}
	defer rows.Close()

	var result []PluginRecord
	for rows.Next() {
		var (
			r  PluginRecord
			at sql.NullTime
		)
		if err := rows.Scan(&r.Name, &r.Source, &r.ContentHash, &r.State, &r.FaultCount, &r.LastFault, &at); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		if at.Valid {
			t := at.Time
			r.LastFaultAt = &t
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// IncrementPluginFault counts one fault and quarantines the plugin once the
// threshold is reached. It returns true if this call quarantined the plugin.
func (s *Store) IncrementPluginFault(ctx context.Context, name, reason string, threshold int) (quarantined bool, err error) {
	if threshold <= 0 {
		threshold = DefaultQuarantineThreshold
	}
	var before, after string
	err = retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		if err := tx.QueryRowContext(ctx, `SELECT state FROM plugin_registry WHERE name = ?;`, name).Scan(&before); err != nil {
			return err
		}
		if err := tx.QueryRowContext(ctx, `
			UPDATE plugin_registry
			SET fault_count = fault_count + 1,
				last_fault = ?,
				last_fault_at = CURRENT_TIMESTAMP,
				state = CASE WHEN fault_count + 1 >= ? THEN 'quarantined' ELSE state END,
				updated_at = CURRENT_TIMESTAMP
			WHERE name = ?
			RETURNING state;
		`, reason, threshold, name).Scan(&after); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("increment plugin fault: %w", err)
	}
	quarantined = before != PluginStateQuarantined && after == PluginStateQuarantined
	if quarantined {
		s.bus.Publish(bus.TopicPluginQuarantined, bus.PluginQuarantined{Plugin: name, Reason: reason})
	}
	return quarantined, nil
}

// IsPluginQuarantined reports false for plugins never recorded.
func (s *Store) IsPluginQuarantined(ctx context.Context, name string) (bool, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM plugin_registry WHERE name = ?;`, name).Scan(&state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check plugin quarantine: %w", err)
	}
	return state == PluginStateQuarantined, nil
}

// ReenablePlugin resets a quarantined plugin to active with zero faults.
func (s *Store) ReenablePlugin(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE plugin_registry
		SET state = 'active', fault_count = 0, last_fault = '', updated_at = CURRENT_TIMESTAMP
		WHERE name = ?;
	`, name)
	if err != nil {
		return fmt.Errorf("reenable plugin: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reenable plugin %s: not recorded", name)
	}
	return nil
}
