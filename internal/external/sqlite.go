package external

import (
	"cmp"
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"
)

// MMSIDOffset is added to MMS row ids so they share one id space with SMS
// rows, which the platform numbers independently.
const MMSIDOffset int64 = 1 << 40

// MMS address and box codes used by the platform's pdu tables.
const (
	mmsAddrFrom = 137
	mmsAddrTo   = 151
)

// Schema is the subset of the platform message database this adapter reads.
// It is used to seed demo and test databases.
const Schema = `
CREATE TABLE IF NOT EXISTS canonical_addresses (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    address TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS threads (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    date INTEGER NOT NULL DEFAULT 0,
    recipient_ids TEXT NOT NULL DEFAULT '',
    snippet TEXT NOT NULL DEFAULT '',
    read INTEGER NOT NULL DEFAULT 1,
    archived INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS sms (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id INTEGER NOT NULL,
    address TEXT NOT NULL DEFAULT '',
    date INTEGER NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    type INTEGER NOT NULL,
    status INTEGER NOT NULL DEFAULT -1,
    read INTEGER NOT NULL DEFAULT 0,
    sub_id INTEGER NOT NULL DEFAULT -1
);
CREATE TABLE IF NOT EXISTS pdu (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    thread_id INTEGER NOT NULL,
    date INTEGER NOT NULL,
    msg_box INTEGER NOT NULL,
    read INTEGER NOT NULL DEFAULT 0,
    sub_id INTEGER NOT NULL DEFAULT -1
);
CREATE TABLE IF NOT EXISTS part (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    mid INTEGER NOT NULL,
    ct TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    text TEXT NOT NULL DEFAULT '',
    _data TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS addr (
    _id INTEGER PRIMARY KEY AUTOINCREMENT,
    msg_id INTEGER NOT NULL,
    address TEXT NOT NULL,
    type INTEGER NOT NULL
);
`

// SQLite reads a platform-style message database. Every query waits on a
// shared rate limiter so background passes cannot starve the provider.
type SQLite struct {
	db      *sql.DB
	limiter ratelimit.Limiter
	logger  *zap.Logger
}

// OpenSQLite opens the message database at path. rps <= 0 disables
// throttling.
func OpenSQLite(path string, rps int, logger *zap.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open external db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping external db: %w", err)
	}
	return NewSQLite(db, rps, logger), nil
}

// NewSQLite wraps an open database handle.
func NewSQLite(db *sql.DB, rps int, logger *zap.Logger) *SQLite {
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := ratelimit.NewUnlimited()
	if rps > 0 {
		limiter = ratelimit.New(rps, ratelimit.WithoutSlack)
	}
	return &SQLite{db: db, limiter: limiter, logger: logger}
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// ListConversations implements Store.
func (s *SQLite) ListConversations(ctx context.Context, includeArchived bool) ([]store.Conversation, error) {
	s.limiter.Take()

	q := `SELECT _id, date, recipient_ids, snippet, read FROM threads`
	if !includeArchived {
		q += ` WHERE archived = 0`
	}
	q += ` ORDER BY date DESC, _id ASC`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query threads: %w", err)
	}
	type threadRow struct {
		id         int64
		dateMillis int64
		recipients string
		snippet    string
		read       bool
	}
	var threads []threadRow
	for rows.Next() {
		var t threadRow
		if err := rows.Scan(&t.id, &t.dateMillis, &t.recipients, &t.snippet, &t.read); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		threads = append(threads, t)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	_ = rows.Close()

	convs := make([]store.Conversation, 0, len(threads))
	for _, t := range threads {
		c := store.Conversation{
			ThreadID: t.id,
			Snippet:  t.snippet,
			Date:     t.dateMillis / 1000,
			Read:     t.read,
		}
		addrs, err := s.recipients(ctx, t.recipients)
		if err != nil {
			s.logger.Warn("thread recipients unavailable", zap.Int64("thread_id", t.id), zap.Error(err))
		} else {
			fillParticipants(&c, addrs)
		}
		convs = append(convs, c)
	}
	return convs, nil
}

func fillParticipants(c *store.Conversation, addrs []string) {
	c.PhoneNumber = strings.Join(addrs, ",")
	c.ParticipantKey = store.ParticipantKey(addrs)
	c.Title = strings.Join(addrs, ", ")
	c.IsGroupConversation = len(addrs) > 1
	c.IsCompany = len(addrs) == 1 && isAlphanumericSender(addrs[0])
}

// isAlphanumericSender reports whether an address is a business sender id
// rather than a phone number.
func isAlphanumericSender(addr string) bool {
	return strings.IndexFunc(addr, func(r rune) bool {
		return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
	}) >= 0
}

func (s *SQLite) recipients(ctx context.Context, recipientIDs string) ([]string, error) {
	fields := strings.Fields(recipientIDs)
	if len(fields) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("recipient id %q: %w", f, err)
		}
		args = append(args, id)
	}

	s.limiter.Take()
	rows, err := s.db.QueryContext(ctx,
		`SELECT address FROM canonical_addresses WHERE _id IN (`+strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")+`) ORDER BY _id`,
		args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var addrs []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		addrs = append(addrs, a)
	}
	return addrs, rows.Err()
}

// ListMessages implements Store. SMS and MMS rows are merged into one
// history.
func (s *SQLite) ListMessages(ctx context.Context, threadID int64, q Query) ([]store.Message, error) {
	smsRows, err := s.listSMS(ctx, threadID, q)
	if err != nil {
		return nil, fmt.Errorf("list sms %d: %w", threadID, err)
	}
	mmsRows, err := s.listMMS(ctx, threadID, q)
	if err != nil {
		return nil, fmt.Errorf("list mms %d: %w", threadID, err)
	}

	msgs := append(smsRows, mmsRows...)
	slices.SortFunc(msgs, func(a, b store.Message) int {
		if c := cmp.Compare(a.Date, b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return page(msgs, q), nil
}

func (s *SQLite) listSMS(ctx context.Context, threadID int64, q Query) ([]store.Message, error) {
	query := `SELECT _id, thread_id, address, date, body, type, status, read, sub_id FROM sms
		WHERE thread_id = ? AND type != 3`
	args := []any{threadID}
	if q.Before > 0 {
		query += ` AND date < ?`
		args = append(args, q.Before*1000)
	}
	query += ` ORDER BY date DESC, _id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	s.limiter.Take()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []store.Message
	for rows.Next() {
		var m store.Message
		var address string
		var dateMillis int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &address, &dateMillis, &m.Body, &m.Type, &m.Status, &m.Read, &m.SubscriptionID); err != nil {
			return nil, err
		}
		m.Date = dateMillis / 1000
		m.Participants = []store.Participant{{Address: address}}
		if m.Type == store.TypeInbox {
			m.SenderAddress = address
		}
		m.StableID = m.ComputeStableID()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) listMMS(ctx context.Context, threadID int64, q Query) ([]store.Message, error) {
	query := `SELECT _id, thread_id, date, msg_box, read, sub_id FROM pdu WHERE thread_id = ?`
	args := []any{threadID}
	if q.Before > 0 {
		query += ` AND date < ?`
		args = append(args, q.Before)
	}
	query += ` ORDER BY date DESC, _id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	s.limiter.Take()
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var msgs []store.Message
	for rows.Next() {
		m := store.Message{IsMMS: true, Status: store.StatusNone}
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Date, &m.Type, &m.Read, &m.SubscriptionID); err != nil {
			_ = rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for i := range msgs {
		m := &msgs[i]
		if err := s.fillParts(ctx, m); err != nil {
			return nil, fmt.Errorf("parts of mms %d: %w", m.ID, err)
		}
		if err := s.fillAddrs(ctx, m); err != nil {
			return nil, fmt.Errorf("addrs of mms %d: %w", m.ID, err)
		}
		m.ID += MMSIDOffset
		m.StableID = m.ComputeStableID()
	}
	return msgs, nil
}

func (s *SQLite) fillParts(ctx context.Context, m *store.Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT _id, ct, name, text, _data FROM part WHERE mid = ? ORDER BY _id`, m.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	var texts []string
	for rows.Next() {
		var id int64
		var ct, name, text, data string
		if err := rows.Scan(&id, &ct, &name, &text, &data); err != nil {
			return err
		}
		switch ct {
		case "text/plain":
			texts = append(texts, text)
		case "application/smil":
		default:
			m.Attachments = append(m.Attachments, store.Attachment{
				MimeType: ct,
				URI:      "content://mms/part/" + strconv.FormatInt(id, 10),
				Filename: name,
			})
		}
	}
	m.Body = strings.Join(texts, "\n")
	return rows.Err()
}

func (s *SQLite) fillAddrs(ctx context.Context, m *store.Message) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, type FROM addr WHERE msg_id = ? ORDER BY _id`, m.ID)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var address string
		var typ int
		if err := rows.Scan(&address, &typ); err != nil {
			return err
		}
		switch typ {
		case mmsAddrFrom:
			if m.Type == store.TypeInbox {
				m.SenderAddress = address
				m.Participants = append(m.Participants, store.Participant{Address: address})
			}
		case mmsAddrTo:
			if m.Type != store.TypeInbox {
				m.Participants = append(m.Participants, store.Participant{Address: address})
			}
		}
	}
	return rows.Err()
}

// FindThread implements Store. When several threads share the participant
// set the most recent one wins.
func (s *SQLite) FindThread(ctx context.Context, addresses []string) (int64, bool, error) {
	want := store.ParticipantKey(addresses)
	if want == "" {
		return 0, false, nil
	}

	s.limiter.Take()
	canonical, err := s.canonicalAddresses(ctx)
	if err != nil {
		return 0, false, err
	}

	s.limiter.Take()
	rows, err := s.db.QueryContext(ctx, `SELECT _id, recipient_ids FROM threads ORDER BY date DESC, _id ASC`)
	if err != nil {
		return 0, false, fmt.Errorf("query threads: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		var recipientIDs string
		if err := rows.Scan(&id, &recipientIDs); err != nil {
			return 0, false, err
		}
		var addrs []string
		for _, f := range strings.Fields(recipientIDs) {
			rid, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				continue
			}
			if a, ok := canonical[rid]; ok {
				addrs = append(addrs, a)
			}
		}
		if store.ParticipantKey(addrs) == want {
			return id, true, nil
		}
	}
	return 0, false, rows.Err()
}

func (s *SQLite) canonicalAddresses(ctx context.Context) (map[int64]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT _id, address FROM canonical_addresses`)
	if err != nil {
		return nil, fmt.Errorf("query canonical addresses: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]string)
	for rows.Next() {
		var id int64
		var addr string
		if err := rows.Scan(&id, &addr); err != nil {
			return nil, err
		}
		out[id] = addr
	}
	return out, rows.Err()
}

// MarkThreadRead implements Store. The read columns are the only thing this
// adapter ever writes.
func (s *SQLite) MarkThreadRead(ctx context.Context, threadID int64) error {
	s.limiter.Take()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`UPDATE sms SET read = 1 WHERE thread_id = ? AND read = 0`,
		`UPDATE pdu SET read = 1 WHERE thread_id = ? AND read = 0`,
		`UPDATE threads SET read = 1 WHERE _id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, threadID); err != nil {
			return fmt.Errorf("mark thread %d read: %w", threadID, err)
		}
	}
	return tx.Commit()
}
