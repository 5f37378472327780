package store

import (
	"context"
	"fmt"
)

// MigrateThread folds every message of thread from into thread to and drops
// the conversation row of from. Used when a temporary thread is matched to
// its real thread, and when a send result names a different thread than the
// one the message was inserted into. It runs in a single transaction and is
// the only place thread ids are reassigned. Returns the number of messages
// moved.
func (db *DB) MigrateThread(ctx context.Context, from, to int64) (int64, error) {
	if from == to {
		return 0, nil
	}
	var moved int64
	err := db.TransactionWithRetry(ctx, 0, 0, func(tx *Tx) error {
		source, err := tx.GetConversation(ctx, from)
		if err != nil {
			return fmt.Errorf("load source %d: %w", from, err)
		}
		target, err := tx.GetConversation(ctx, to)
		if err != nil {
			return fmt.Errorf("load target %d: %w", to, err)
		}

		// A result may name a real thread the cache has not seen yet; carry the
		// source row over so the moved messages stay listed.
		if target == nil && source != nil {
			c := *source
			c.ThreadID = to
			c.IsTemporary = false
			if err := tx.UpsertConversation(ctx, &c); err != nil {
				return fmt.Errorf("create target %d: %w", to, err)
			}
		} else if target != nil && source != nil && source.Pinned && !target.Pinned {
			if err := tx.SetPinned(ctx, to, true); err != nil {
				return err
			}
		}

		res, err := tx.q.ExecContext(ctx, `UPDATE messages SET thread_id = ? WHERE thread_id = ?`, to, from)
		if err != nil {
			return fmt.Errorf("reassign messages: %w", err)
		}
		if moved, err = res.RowsAffected(); err != nil {
			return err
		}

		if err := tx.DeleteConversation(ctx, from); err != nil {
			return fmt.Errorf("delete source %d: %w", from, err)
		}
		return tx.RefreshSnippet(ctx, to)
	})
	if err != nil {
		return 0, fmt.Errorf("migrate thread %d -> %d: %w", from, to, err)
	}
	return moved, nil
}
