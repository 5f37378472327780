package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const conversationColumns = `thread_id, phone_number, participant_key, title, snippet, date, read,
	archived, pinned, is_group, is_company, is_blocked, photo_uri, is_temporary`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(s rowScanner) (Conversation, error) {
	var c Conversation
	err := s.Scan(&c.ThreadID, &c.PhoneNumber, &c.ParticipantKey, &c.Title, &c.Snippet, &c.Date, &c.Read,
		&c.Archived, &c.Pinned, &c.IsGroupConversation, &c.IsCompany, &c.IsBlocked, &c.PhotoURI, &c.IsTemporary)
	return c, err
}

// UpsertConversation inserts a conversation or replaces the row with the same
// thread id.
func (q *Queries) UpsertConversation(ctx context.Context, c *Conversation) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			phone_number = excluded.phone_number,
			participant_key = excluded.participant_key,
			title = excluded.title,
			snippet = excluded.snippet,
			date = excluded.date,
			read = excluded.read,
			archived = excluded.archived,
			pinned = excluded.pinned,
			is_group = excluded.is_group,
			is_company = excluded.is_company,
			is_blocked = excluded.is_blocked,
			photo_uri = excluded.photo_uri,
			is_temporary = excluded.is_temporary`,
		c.ThreadID, c.PhoneNumber, c.ParticipantKey, c.Title, c.Snippet, c.Date, c.Read,
		c.Archived, c.Pinned, c.IsGroupConversation, c.IsCompany, c.IsBlocked, c.PhotoURI, c.IsTemporary)
	if err != nil {
		return fmt.Errorf("upsert conversation %d: %w", c.ThreadID, err)
	}
	return nil
}

// GetConversation returns a single conversation, or nil if it does not exist.
func (q *Queries) GetConversation(ctx context.Context, threadID int64) (*Conversation, error) {
	c, err := scanConversation(q.q.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE thread_id = ?`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ConversationByParticipantKey returns the conversation for an exact
// participant set. Real threads win over temporary ones, then the most
// recent.
func (q *Queries) ConversationByParticipantKey(ctx context.Context, key string) (*Conversation, error) {
	if key == "" {
		return nil, nil
	}
	c, err := scanConversation(q.q.QueryRowContext(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE participant_key = ?
		ORDER BY is_temporary ASC, date DESC, thread_id ASC
		LIMIT 1`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (q *Queries) listConversations(ctx context.Context, where string, args ...any) ([]Conversation, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations `+where+` ORDER BY date DESC, thread_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// NonArchivedConversations returns every conversation shown in the main list.
func (q *Queries) NonArchivedConversations(ctx context.Context) ([]Conversation, error) {
	return q.listConversations(ctx, `WHERE archived = 0`)
}

// ArchivedConversations returns the archived set.
func (q *Queries) ArchivedConversations(ctx context.Context) ([]Conversation, error) {
	return q.listConversations(ctx, `WHERE archived = 1`)
}

// AllConversations returns every cached conversation.
func (q *Queries) AllConversations(ctx context.Context) ([]Conversation, error) {
	return q.listConversations(ctx, ``)
}

// TemporaryConversations returns the cache-only threads anchoring scheduled
// messages.
func (q *Queries) TemporaryConversations(ctx context.Context) ([]Conversation, error) {
	return q.listConversations(ctx, `WHERE is_temporary = 1`)
}

// DeleteConversation removes only the conversation row.
func (q *Queries) DeleteConversation(ctx context.Context, threadID int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM conversations WHERE thread_id = ?`, threadID)
	return err
}

// DeleteByThreadID removes a conversation and its non-scheduled messages.
// Recycle bin entries of those messages cascade.
func (q *Queries) DeleteByThreadID(ctx context.Context, threadID int64) error {
	if _, err := q.q.ExecContext(ctx,
		`DELETE FROM messages WHERE thread_id = ? AND is_scheduled = 0`, threadID); err != nil {
		return fmt.Errorf("delete thread messages %d: %w", threadID, err)
	}
	if _, err := q.q.ExecContext(ctx, `DELETE FROM conversations WHERE thread_id = ?`, threadID); err != nil {
		return fmt.Errorf("delete conversation %d: %w", threadID, err)
	}
	return nil
}

// SetArchived flips the cache-owned archived flag.
func (q *Queries) SetArchived(ctx context.Context, threadID int64, archived bool) error {
	return q.updateConversationFlag(ctx, "archived", threadID, archived)
}

// SetPinned flips the cache-owned pinned flag.
func (q *Queries) SetPinned(ctx context.Context, threadID int64, pinned bool) error {
	return q.updateConversationFlag(ctx, "pinned", threadID, pinned)
}

// SetConversationRead updates the conversation-level read flag.
func (q *Queries) SetConversationRead(ctx context.Context, threadID int64, read bool) error {
	return q.updateConversationFlag(ctx, "read", threadID, read)
}

func (q *Queries) updateConversationFlag(ctx context.Context, column string, threadID int64, value bool) error {
	res, err := q.q.ExecContext(ctx, `UPDATE conversations SET `+column+` = ? WHERE thread_id = ?`, value, threadID)
	if err != nil {
		return fmt.Errorf("update %s on %d: %w", column, threadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("conversation %d: %w", threadID, ErrNotFound)
	}
	return nil
}

// RefreshSnippet recomputes snippet, date and read state of a conversation
// from its latest visible message. A thread without messages keeps its row
// untouched.
func (q *Queries) RefreshSnippet(ctx context.Context, threadID int64) error {
	var body string
	var date int64
	err := q.q.QueryRowContext(ctx, `
		SELECT m.body, m.date FROM messages m
		LEFT JOIN recycle_bin rb ON rb.message_id = m.id
		WHERE m.thread_id = ? AND rb.message_id IS NULL
		ORDER BY m.date DESC, m.id DESC
		LIMIT 1`, threadID).Scan(&body, &date)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("latest message %d: %w", threadID, err)
	}
	_, err = q.q.ExecContext(ctx, `
		UPDATE conversations SET
			snippet = ?,
			date = ?,
			read = NOT EXISTS (SELECT 1 FROM messages WHERE thread_id = ? AND read = 0 AND type = ?)
		WHERE thread_id = ?`, body, date, threadID, TypeInbox, threadID)
	return err
}

// ConversationCount returns the total number of conversations.
func (q *Queries) ConversationCount(ctx context.Context) (int64, error) {
	var count int64
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// UpsertConversations writes a batch of conversations in one transaction.
func (db *DB) UpsertConversations(ctx context.Context, convs []Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	return db.Transaction(ctx, func(tx *Tx) error {
		for i := range convs {
			if err := tx.UpsertConversation(ctx, &convs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
