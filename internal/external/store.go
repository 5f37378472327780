// Package external reads the authoritative system message store. It is slow,
// renumbers rows across requeries, and is never written to except for read
// flags.
package external

import (
	"context"

	"github.com/matheus3301/sms/internal/store"
)

// Query selects a page of a thread's history.
type Query struct {
	// Before is an exclusive upper bound on the message date in unix seconds.
	// Zero means no bound.
	Before int64
	// Limit caps the page to the newest Limit matching messages. Zero means
	// every matching message.
	Limit int
}

// Store is the read-mostly view of the system message store.
type Store interface {
	// ListConversations returns every thread. It either succeeds for the
	// whole list or fails; details that could not be resolved for a single
	// thread are left empty.
	ListConversations(ctx context.Context, includeArchived bool) ([]store.Conversation, error)
	// ListMessages returns a page of a thread, oldest first.
	ListMessages(ctx context.Context, threadID int64, q Query) ([]store.Message, error)
	// FindThread looks up the thread for an exact participant set.
	FindThread(ctx context.Context, addresses []string) (int64, bool, error)
	// MarkThreadRead sets the read flag on every message of a thread.
	MarkThreadRead(ctx context.Context, threadID int64) error
}

// page applies q to messages sorted oldest first.
func page(msgs []store.Message, q Query) []store.Message {
	if q.Before > 0 {
		n := 0
		for _, m := range msgs {
			if m.Date < q.Before {
				msgs[n] = m
				n++
			}
		}
		msgs = msgs[:n]
	}
	if q.Limit > 0 && len(msgs) > q.Limit {
		msgs = msgs[len(msgs)-q.Limit:]
	}
	return msgs
}
