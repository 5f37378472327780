package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// DefaultChunkSize bounds the number of rows written per transaction by
// UpsertMessages.
const DefaultChunkSize = 30

const messageColumns = `m.id, m.thread_id, m.body, m.type, m.status, m.date, m.participants, m.sender_address,
	m.subscription_id, m.is_mms, m.is_scheduled, m.read, m.attachments, m.stable_id`

func scanMessage(s rowScanner) (Message, error) {
	var m Message
	var participants, attachments string
	if err := s.Scan(&m.ID, &m.ThreadID, &m.Body, &m.Type, &m.Status, &m.Date, &participants, &m.SenderAddress,
		&m.SubscriptionID, &m.IsMMS, &m.IsScheduled, &m.Read, &attachments, &m.StableID); err != nil {
		return m, err
	}
	if err := json.Unmarshal([]byte(participants), &m.Participants); err != nil {
		return m, fmt.Errorf("decode participants of %d: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(attachments), &m.Attachments); err != nil {
		return m, fmt.Errorf("decode attachments of %d: %w", m.ID, err)
	}
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func encodeList[T any](list []T) (string, error) {
	if list == nil {
		return "[]", nil
	}
	b, err := json.Marshal(list)
	return string(b), err
}

// UpsertMessage inserts a message or replaces the row with the same id.
func (q *Queries) UpsertMessage(ctx context.Context, m *Message) error {
	if m.StableID == "" {
		m.StableID = m.ComputeStableID()
	}
	participants, err := encodeList(m.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	attachments, err := encodeList(m.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, body, type, status, date, participants, sender_address,
			subscription_id, is_mms, is_scheduled, read, attachments, stable_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id = excluded.thread_id,
			body = excluded.body,
			type = excluded.type,
			status = excluded.status,
			date = excluded.date,
			participants = excluded.participants,
			sender_address = excluded.sender_address,
			subscription_id = excluded.subscription_id,
			is_mms = excluded.is_mms,
			is_scheduled = excluded.is_scheduled,
			read = excluded.read,
			attachments = excluded.attachments,
			stable_id = excluded.stable_id`,
		m.ID, m.ThreadID, m.Body, m.Type, m.Status, m.Date, participants, m.SenderAddress,
		m.SubscriptionID, m.IsMMS, m.IsScheduled, m.Read, attachments, m.StableID)
	if err != nil {
		return fmt.Errorf("upsert message %d: %w", m.ID, err)
	}
	return nil
}

// GetMessage returns a message by id, or nil if it does not exist.
func (q *Queries) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(q.q.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage destroys a message row. Its recycle bin entry cascades.
func (q *Queries) DeleteMessage(ctx context.Context, id int64) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ThreadMessages returns every message of a thread, recycled ones included,
// oldest first.
func (q *Queries) ThreadMessages(ctx context.Context, threadID int64) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.thread_id = ?
		ORDER BY m.date ASC, m.id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// NonRecycledThreadMessages returns the thread's messages that are not in the
// recycle bin, oldest first.
func (q *Queries) NonRecycledThreadMessages(ctx context.Context, threadID int64) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		LEFT JOIN recycle_bin rb ON rb.message_id = m.id
		WHERE m.thread_id = ? AND rb.message_id IS NULL
		ORDER BY m.date ASC, m.id ASC`, threadID)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// RecentThreadMessages returns up to limit of the newest messages of a
// thread, oldest first. Recycled messages are skipped unless includeRecycled.
func (q *Queries) RecentThreadMessages(ctx context.Context, threadID int64, limit int, includeRecycled bool) ([]Message, error) {
	return q.MessagesBefore(ctx, threadID, Cursor{}, limit, includeRecycled)
}

// Cursor is a keyset position in a thread. Pages read before a cursor hold
// rows strictly older by (date, id). The zero Cursor is past the newest row;
// a Cursor with ID 0 bounds by date alone.
type Cursor struct {
	Date int64
	ID   int64
}

// IsZero reports whether c places no bound.
func (c Cursor) IsZero() bool {
	return c.Date <= 0 && c.ID == 0
}

// CursorOf is the position of m.
func CursorOf(m *Message) Cursor {
	return Cursor{Date: m.Date, ID: m.ID}
}

// Less orders cursors the way pages are read, oldest first.
func (c Cursor) Less(o Cursor) bool {
	if c.Date != o.Date {
		return c.Date < o.Date
	}
	return c.ID < o.ID
}

// MessagesBefore returns up to limit messages of a thread positioned strictly
// before the cursor (keyset pagination on date then id), oldest first.
func (q *Queries) MessagesBefore(ctx context.Context, threadID int64, before Cursor, limit int, includeRecycled bool) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var where strings.Builder
	where.WriteString(`m.thread_id = ?`)
	args := []any{threadID}
	switch {
	case before.IsZero():
	case before.ID == 0:
		where.WriteString(` AND m.date < ?`)
		args = append(args, before.Date)
	default:
		where.WriteString(` AND (m.date < ? OR (m.date = ? AND m.id < ?))`)
		args = append(args, before.Date, before.Date, before.ID)
	}
	if !includeRecycled {
		where.WriteString(` AND NOT EXISTS (SELECT 1 FROM recycle_bin rb WHERE rb.message_id = m.id)`)
	}
	args = append(args, limit)

	rows, err := q.q.QueryContext(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM messages m
			WHERE `+where.String()+`
			ORDER BY m.date DESC, m.id DESC
			LIMIT ?
		) ORDER BY date ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// LatestInbound returns the newest received message of a thread, or nil.
func (q *Queries) LatestInbound(ctx context.Context, threadID int64) (*Message, error) {
	m, err := scanMessage(q.q.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.thread_id = ? AND m.type = ?
		ORDER BY m.date DESC, m.id DESC
		LIMIT 1`, threadID, TypeInbox))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ScheduledMessages returns every pending scheduled message, soonest first.
func (q *Queries) ScheduledMessages(ctx context.Context) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.is_scheduled = 1
		ORDER BY m.date ASC, m.id ASC`)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// UnreadMessages returns the unread received messages of a thread that are
// not in the recycle bin.
func (q *Queries) UnreadMessages(ctx context.Context, threadID int64) ([]Message, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages m
		WHERE m.thread_id = ? AND m.read = 0 AND m.type = ?
			AND NOT EXISTS (SELECT 1 FROM recycle_bin rb WHERE rb.message_id = m.id)
		ORDER BY m.date ASC, m.id ASC`, threadID, TypeInbox)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// HasScheduled reports whether a thread still holds scheduled messages.
func (q *Queries) HasScheduled(ctx context.Context, threadID int64) (bool, error) {
	var exists bool
	err := q.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE thread_id = ? AND is_scheduled = 1)`, threadID).Scan(&exists)
	return exists, err
}

// CountThreadMessages returns the number of rows a thread holds.
func (q *Queries) CountThreadMessages(ctx context.Context, threadID int64) (int64, error) {
	var n int64
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE thread_id = ?`, threadID).Scan(&n)
	return n, err
}

// MarkRead sets the read flag on the given messages.
func (q *Queries) MarkRead(ctx context.Context, ids ...int64) error {
	return q.setRead(ctx, true, ids)
}

// MarkUnread clears the read flag on the given messages.
func (q *Queries) MarkUnread(ctx context.Context, ids ...int64) error {
	return q.setRead(ctx, false, ids)
}

func (q *Queries) setRead(ctx context.Context, read bool, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, read)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := q.q.ExecContext(ctx,
		`UPDATE messages SET read = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// MarkThreadRead marks every message and the conversation of a thread read.
func (q *Queries) MarkThreadRead(ctx context.Context, threadID int64) error {
	if _, err := q.q.ExecContext(ctx, `UPDATE messages SET read = 1 WHERE thread_id = ? AND read = 0`, threadID); err != nil {
		return err
	}
	_, err := q.q.ExecContext(ctx, `UPDATE conversations SET read = 1 WHERE thread_id = ?`, threadID)
	return err
}

// UpdateType moves a message to another box.
func (q *Queries) UpdateType(ctx context.Context, id int64, t MessageType) error {
	return q.updateMessageColumn(ctx, "type", id, t)
}

// UpdateStatus records a delivery status.
func (q *Queries) UpdateStatus(ctx context.Context, id int64, s MessageStatus) error {
	return q.updateMessageColumn(ctx, "status", id, s)
}

func (q *Queries) updateMessageColumn(ctx context.Context, column string, id int64, value any) error {
	res, err := q.q.ExecContext(ctx, `UPDATE messages SET `+column+` = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("update %s on %d: %w", column, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceMessageID re-keys a locally generated message to the id the external
// store assigned. If a row with the new id was already ingested, the local
// row is dropped in its favour.
func (q *Queries) ReplaceMessageID(ctx context.Context, oldID, newID int64) error {
	if oldID == newID {
		return nil
	}
	var exists bool
	if err := q.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = ?)`, newID).Scan(&exists); err != nil {
		return err
	}
	if exists {
		_, err := q.q.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, oldID)
		return err
	}
	_, err := q.q.ExecContext(ctx, `UPDATE messages SET id = ? WHERE id = ?`, newID, oldID)
	return err
}

// MoveMessage files one message under another thread.
func (q *Queries) MoveMessage(ctx context.Context, id, threadID int64) error {
	return q.updateMessageColumn(ctx, "thread_id", id, threadID)
}

// MessageCount returns the total number of messages.
func (q *Queries) MessageCount(ctx context.Context) (int64, error) {
	var count int64
	err := q.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// UpsertMessages writes messages in transactions of at most chunk rows each,
// keeping every transaction short while the external store is being copied.
func (db *DB) UpsertMessages(ctx context.Context, msgs []Message, chunk int) error {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	for start := 0; start < len(msgs); start += chunk {
		end := min(start+chunk, len(msgs))
		err := db.TransactionWithRetry(ctx, 0, 0, func(tx *Tx) error {
			for i := start; i < end; i++ {
				if err := tx.UpsertMessage(ctx, &msgs[i]); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("upsert chunk %d-%d: %w", start, end, err)
		}
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
