package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"
)

// Checkpoint keys kept in sync_state.
const (
	KeyAppRunCount   = "app_run_count"
	KeyBulkImported  = "bulk_imported"
	KeyLastReconcile = "last_reconcile"
)

// Checkpoint returns a sync_state value, or "" if the key is unset.
func (q *Queries) Checkpoint(ctx context.Context, key string) (string, error) {
	var value string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetCheckpoint stores a sync_state value.
func (q *Queries) SetCheckpoint(ctx context.Context, key, value string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sync_state (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	return err
}

// IncrementCheckpoint adds one to an integer checkpoint and returns the new
// value. A missing or malformed value counts as zero.
func (db *DB) IncrementCheckpoint(ctx context.Context, key string) (int64, error) {
	var n int64
	err := db.Transaction(ctx, func(tx *Tx) error {
		v, err := tx.Checkpoint(ctx, key)
		if err != nil {
			return err
		}
		n, _ = strconv.ParseInt(v, 10, 64)
		n++
		return tx.SetCheckpoint(ctx, key, strconv.FormatInt(n, 10))
	})
	return n, err
}
