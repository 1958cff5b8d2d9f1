package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func readFirstSeen(ctx context.Context, db *sql.DB) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `SELECT identity, seen_at FROM first_seen`)
	if err != nil {
		return nil, fmt.Errorf("state: query first_seen: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var ns int64
		if err := rows.Scan(&id, &ns); err != nil {
			return nil, fmt.Errorf("state: scan first_seen: %w", err)
		}
		out[id] = time.Unix(0, ns).UTC()
	}
	return out, rows.Err()
}

func readDigests(ctx context.Context, db *sql.DB) (map[string][]byte, error) {
	rows, err := db.QueryContext(ctx, `SELECT identity, digest FROM digests`)
	if err != nil {
		return nil, fmt.Errorf("state: query digests: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id string
		var d []byte
		if err := rows.Scan(&id, &d); err != nil {
			return nil, fmt.Errorf("state: scan digests: %w", err)
		}
		if len(d) == 0 {
			return nil, fmt.Errorf("state: empty digest for %s", id)
		}
		out[id] = d
	}
	return out, rows.Err()
}

func readUpdates(ctx context.Context, db *sql.DB) (map[string]int, error) {
	rows, err := db.QueryContext(ctx, `SELECT identity, updates FROM update_counts`)
	if err != nil {
		return nil, fmt.Errorf("state: query update_counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("state: scan update_counts: %w", err)
		}
		if n < 0 {
			return nil, fmt.Errorf("state: negative update count for %s", id)
		}
		out[id] = n
	}
	return out, rows.Err()
}

func writeFirstSeen(ctx context.Context, tx *sql.Tx, m map[string]time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO first_seen (identity, seen_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("state: prepare first_seen: %w", err)
	}
	defer stmt.Close()
	for id, t := range m {
		if _, err := stmt.ExecContext(ctx, id, t.UnixNano()); err != nil {
			return fmt.Errorf("state: insert first_seen %s: %w", id, err)
		}
	}
	return nil
}

func writeDigests(ctx context.Context, tx *sql.Tx, m map[string][]byte) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO digests (identity, digest) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("state: prepare digests: %w", err)
	}
	defer stmt.Close()
	for id, d := range m {
		if _, err := stmt.ExecContext(ctx, id, d); err != nil {
			return fmt.Errorf("state: insert digest %s: %w", id, err)
		}
	}
	return nil
}

func writeUpdates(ctx context.Context, tx *sql.Tx, m map[string]int) error {
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO update_counts (identity, updates) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("state: prepare update_counts: %w", err)
	}
	defer stmt.Close()
	for id, n := range m {
		if _, err := stmt.ExecContext(ctx, id, n); err != nil {
			return fmt.Errorf("state: insert update count %s: %w", id, err)
		}
	}
	return nil
}

func writeMeta(ctx context.Context, tx *sql.Tx, kv map[string]string) error {
	for k, v := range kv {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot_meta (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("state: insert meta %s: %w", k, err)
		}
	}
	return nil
}
