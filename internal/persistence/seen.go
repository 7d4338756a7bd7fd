package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SeenRecord is the last message observed from a nick on a network.
type SeenRecord struct {
	Network string
	Nick    string
	Target  string
	Text    string
	At      time.Time
}

// RecordSeen stores rec as the latest sighting of its nick. Nicks compare
// case-insensitively.
func (s *Store) RecordSeen(ctx context.Context, rec SeenRecord) error {
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	return retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO seen (network, nick, display_nick, target, text, seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(network, nick) DO UPDATE SET
				display_nick=excluded.display_nick,
				target=excluded.target,
				text=excluded.text,
				seen_at=excluded.seen_at;
		`, rec.Network, strings.ToLower(rec.Nick), rec.Nick, rec.Target, rec.Text, rec.At.UTC())
		if err != nil {
			return fmt.Errorf("record seen: %w", err)
		}
		return nil
	})
}

// LastSeen returns nil when the nick has never been seen on network.
func (s *Store) LastSeen(ctx context.Context, network, nick string) (*SeenRecord, error) {
	var rec SeenRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT network, display_nick, target, text, seen_at
		FROM seen WHERE network = ? AND nick = ?;
	`, network, strings.ToLower(nick)).Scan(&rec.Network, &rec.Nick, &rec.Target, &rec.Text, &rec.At)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("last seen: %w", err)
	}
	return &rec, nil
}
