package store

import (
	"context"
	"fmt"
)

// Recycle moves messages into the recycle bin. Content is untouched, and
// recycling an already recycled message keeps its original timestamp.
func (q *Queries) Recycle(ctx context.Context, deletedAt int64, ids ...int64) error {
	for _, id := range ids {
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO recycle_bin (message_id, deleted_at)
			SELECT id, ? FROM messages WHERE id = ?
			ON CONFLICT(message_id) DO NOTHING`, deletedAt, id); err != nil {
			return fmt.Errorf("recycle %d: %w", id, err)
		}
	}
	return nil
}

// Restore takes messages out of the recycle bin.
func (q *Queries) Restore(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	_, err := q.q.ExecContext(ctx,
		`DELETE FROM recycle_bin WHERE message_id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// IsRecycled reports whether a message sits in the recycle bin.
func (q *Queries) IsRecycled(ctx context.Context, id int64) (bool, error) {
	var exists bool
	err := q.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM recycle_bin WHERE message_id = ?)`, id).Scan(&exists)
	return exists, err
}

// RecycledIDs returns the set of recycled message ids of one thread.
func (q *Queries) RecycledIDs(ctx context.Context, threadID int64) (map[int64]struct{}, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT rb.message_id FROM recycle_bin rb
		JOIN messages m ON m.id = rb.message_id
		WHERE m.thread_id = ?`, threadID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// RecycledThreadMessages returns the recycled messages of one thread, oldest
// first.
func (q *Queries) RecycledThreadMessages(ctx context.Context, threadID int64) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		JOIN recycle_bin rb ON rb.message_id = m.id
		WHERE m.thread_id = ?
		ORDER BY m.date ASC, m.id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// RecycledMessages returns the whole recycle bin, most recently deleted
// first.
func (q *Queries) RecycledMessages(ctx context.Context) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		JOIN recycle_bin rb ON rb.message_id = m.id
		ORDER BY rb.deleted_at DESC, m.id ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// Tombstone records stable ids whose messages were destroyed on purpose.
func (q *Queries) Tombstone(ctx context.Context, deletedAt int64, stableIDs ...string) error {
	for _, sid := range stableIDs {
		if sid == "" {
			continue
		}
		if _, err := q.q.ExecContext(ctx, `
			INSERT INTO tombstones (stable_id, deleted_at) VALUES (?, ?)
			ON CONFLICT(stable_id) DO NOTHING`, sid, deletedAt); err != nil {
			return fmt.Errorf("tombstone %s: %w", sid, err)
		}
	}
	return nil
}

// Tombstoned returns the subset of stableIDs that have a tombstone.
func (q *Queries) Tombstoned(ctx context.Context, stableIDs []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(stableIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(stableIDs))
	for i, sid := range stableIDs {
		args[i] = sid
	}
	rows, err := q.q.QueryContext(ctx,
		`SELECT stable_id FROM tombstones WHERE stable_id IN (`+placeholders(len(stableIDs))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			return nil, err
		}
		out[sid] = struct{}{}
	}
	return out, rows.Err()
}

// EmptyRecycleBin destroys recycled messages, of one thread when threadID is
// set or of every thread otherwise, and tombstones their stable ids. It
// returns the destroyed messages.
func (db *DB) EmptyRecycleBin(ctx context.Context, threadID *int64, now int64) ([]Message, error) {
	var destroyed []Message
	err := db.Transaction(ctx, func(tx *Tx) error {
		var err error
		if threadID != nil {
			destroyed, err = tx.RecycledThreadMessages(ctx, *threadID)
		} else {
			destroyed, err = tx.RecycledMessages(ctx)
		}
		if err != nil {
			return fmt.Errorf("list recycled: %w", err)
		}
		for _, m := range destroyed {
			if err := tx.Tombstone(ctx, now, m.StableID); err != nil {
				return err
			}
			if err := tx.DeleteMessage(ctx, m.ID); err != nil {
				return fmt.Errorf("destroy %d: %w", m.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return destroyed, nil
}
