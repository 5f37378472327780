package store

import "context"

// SearchMessages performs a full-text search on message bodies. Recycled
// messages are never returned. A threadID of 0 searches every thread.
func (q *Queries) SearchMessages(ctx context.Context, query string, threadID int64, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 50
	}

	sql := `
		SELECT ` + messageColumns + `,
		       snippet(messages_fts, 0, '<<', '>>', '...', 32)
		FROM messages_fts f
		JOIN messages m ON m.id = f.rowid
		WHERE messages_fts MATCH ?
			AND NOT EXISTS (SELECT 1 FROM recycle_bin rb WHERE rb.message_id = m.id)`

	args := []any{query}
	if threadID != 0 {
		sql += " AND m.thread_id = ?"
		args = append(args, threadID)
	}
	sql += " ORDER BY rank LIMIT ?"
	args = append(args, limit)

	rows, err := q.q.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var snippet string
		m, err := scanMessage(snippetScanner{rows, &snippet})
		if err != nil {
			return nil, err
		}
		results = append(results, SearchResult{Message: m, Snippet: snippet})
	}
	return results, rows.Err()
}

// snippetScanner appends the snippet column to the message columns.
type snippetScanner struct {
	s       rowScanner
	snippet *string
}

func (s snippetScanner) Scan(dest ...any) error {
	return s.s.Scan(append(dest, s.snippet)...)
}
