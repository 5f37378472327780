// Package recycle layers two-tier deletion over the cache. Deleting moves
// messages into the recycle bin; only emptying the bin destroys them.
package recycle

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/lock"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Canceller disarms and removes scheduled messages. Scheduled messages never
// go through the bin.
type Canceller interface {
	CancelScheduled(ctx context.Context, id int64) error
}

// Bin applies deletions according to the recycle bin setting.
type Bin struct {
	db        *store.DB
	canceller Canceller
	bus       *bus.Bus
	threads   *lock.Threads
	enabled   bool
	logger    *zap.Logger
	now       func() time.Time
}

// NewBin creates a bin. With enabled false deletions are permanent, but
// messages recycled earlier can still be listed and restored.
func NewBin(db *store.DB, c Canceller, b *bus.Bus, threads *lock.Threads, enabled bool, logger *zap.Logger) *Bin {
	if logger == nil {
		logger = zap.NewNop()
	}
	if threads == nil {
		threads = lock.NewThreads()
	}
	return &Bin{
		db:        db,
		canceller: c,
		bus:       b,
		threads:   threads,
		enabled:   enabled,
		logger:    logger,
		now:       time.Now,
	}
}

// Enabled reports whether deletions are soft.
func (b *Bin) Enabled() bool {
	return b.enabled
}

// Delete removes messages. Unknown ids are ignored.
func (b *Bin) Delete(ctx context.Context, msgIDs []int64) error {
	byThread, err := b.group(ctx, msgIDs)
	if err != nil {
		return err
	}
	for threadID, msgs := range byThread {
		var regular []store.Message
		for _, m := range msgs {
			if !m.IsScheduled {
				regular = append(regular, m)
				continue
			}
			if err := b.canceller.CancelScheduled(ctx, m.ID); err != nil {
				return fmt.Errorf("cancel scheduled %d: %w", m.ID, err)
			}
		}
		if len(regular) == 0 {
			continue
		}
		if err := b.remove(ctx, threadID, regular); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bin) remove(ctx context.Context, threadID int64, msgs []store.Message) error {
	now := b.now().Unix()
	return b.write(ctx, threadID, func(tx *store.Tx) error {
		if b.enabled {
			return tx.Recycle(ctx, now, ids(msgs)...)
		}
		// The external store keeps its copy; the tombstone stops it from
		// coming back.
		for _, m := range msgs {
			if err := tx.Tombstone(ctx, now, m.StableID); err != nil {
				return err
			}
			if err := tx.DeleteMessage(ctx, m.ID); err != nil {
				return fmt.Errorf("delete %d: %w", m.ID, err)
			}
		}
		return nil
	})
}

// Restore takes messages out of the bin. Content fields are untouched. It
// works whether or not the bin is enabled.
func (b *Bin) Restore(ctx context.Context, msgIDs []int64) error {
	byThread, err := b.group(ctx, msgIDs)
	if err != nil {
		return err
	}
	for threadID, msgs := range byThread {
		if err := b.write(ctx, threadID, func(tx *store.Tx) error {
			return tx.Restore(ctx, ids(msgs)...)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Empty destroys the recycled messages of one thread, or of every thread
// when threadID is nil. This is the only irreversible operation.
func (b *Bin) Empty(ctx context.Context, threadID *int64) (int, error) {
	destroyed, err := b.db.EmptyRecycleBin(ctx, threadID, b.now().Unix())
	if err != nil {
		return 0, fmt.Errorf("empty recycle bin: %w", err)
	}

	touched := make(map[int64]struct{})
	for _, m := range destroyed {
		touched[m.ThreadID] = struct{}{}
	}
	for id := range touched {
		if err := b.db.RefreshSnippet(ctx, id); err != nil {
			return 0, err
		}
		b.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: id})
	}
	b.bus.Emit(bus.KindConversationsRefresh, nil)
	b.logger.Info("recycle bin emptied", zap.Int("messages", len(destroyed)), zap.Int("threads", len(touched)))
	return len(destroyed), nil
}

// List returns recycled messages of one thread, or of every thread when
// threadID is nil, most recently deleted first.
func (b *Bin) List(ctx context.Context, threadID *int64) ([]store.Message, error) {
	if threadID == nil {
		return b.db.RecycledMessages(ctx)
	}
	return b.db.RecycledThreadMessages(ctx, *threadID)
}

// DeleteConversation deletes every message of a thread. Scheduled messages
// are cancelled. With the bin enabled the rest is recycled and the row stays;
// otherwise the thread is removed from the cache.
func (b *Bin) DeleteConversation(ctx context.Context, threadID int64) error {
	msgs, err := b.db.ThreadMessages(ctx, threadID)
	if err != nil {
		return fmt.Errorf("thread messages: %w", err)
	}
	for _, m := range msgs {
		if m.IsScheduled {
			if err := b.canceller.CancelScheduled(ctx, m.ID); err != nil {
				return fmt.Errorf("cancel scheduled %d: %w", m.ID, err)
			}
		}
	}
	msgs = slices.DeleteFunc(msgs, func(m store.Message) bool { return m.IsScheduled })

	if b.enabled {
		if len(msgs) == 0 {
			return nil
		}
		return b.remove(ctx, threadID, msgs)
	}
	now := b.now().Unix()
	return b.write(ctx, threadID, func(tx *store.Tx) error {
		for _, m := range msgs {
			if err := tx.Tombstone(ctx, now, m.StableID); err != nil {
				return err
			}
		}
		return tx.DeleteByThreadID(ctx, threadID)
	})
}

func (b *Bin) write(ctx context.Context, threadID int64, fn func(tx *store.Tx) error) error {
	unlock := b.threads.Lock(threadID)
	defer unlock()
	if err := b.db.Transaction(ctx, func(tx *store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return tx.RefreshSnippet(ctx, threadID)
	}); err != nil {
		return fmt.Errorf("thread %d: %w", threadID, err)
	}
	b.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: threadID})
	b.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

// group loads the messages behind ids and groups them by thread.
func (b *Bin) group(ctx context.Context, msgIDs []int64) (map[int64][]store.Message, error) {
	out := make(map[int64][]store.Message)
	for _, id := range msgIDs {
		m, err := b.db.GetMessage(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load message %d: %w", id, err)
		}
		if m == nil {
			b.logger.Debug("skipping unknown message", zap.Int64("message_id", id))
			continue
		}
		out[m.ThreadID] = append(out[m.ThreadID], *m)
	}
	return out, nil
}

func ids(msgs []store.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
