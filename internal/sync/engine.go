package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/lock"
	"github.com/matheus3301/sms/internal/notify"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Options tune a reconciliation pass.
type Options struct {
	Sort          store.SortOptions
	BulkChunkSize int
	BulkWorkers   int
}

// Engine keeps the cache consistent with the external store. It runs
// reconciliation passes and ingests messages reported on the bus under
// "sms.*".
type Engine struct {
	db       *store.DB
	ext      external.Store
	bus      *bus.Bus
	notifier notify.Sink
	machine  *status.Machine
	threads  *lock.Threads
	rec      *Reconciler
	opts     Options
	logger   *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	// passMu keeps two passes from interleaving.
	passMu stdsync.Mutex

	refreshMu stdsync.Mutex
	running   bool
	pending   bool
	refreshWG stdsync.WaitGroup
}

// NewEngine creates a new sync engine. machine may be nil.
func NewEngine(db *store.DB, ext external.Store, b *bus.Bus, n notify.Sink, machine *status.Machine,
	threads *lock.Threads, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n == nil {
		n = notify.Nop{}
	}
	if threads == nil {
		threads = lock.NewThreads()
	}
	if opts.BulkChunkSize <= 0 {
		opts.BulkChunkSize = store.DefaultChunkSize
	}
	if opts.BulkWorkers <= 0 {
		opts.BulkWorkers = 4
	}
	return &Engine{
		db:       db,
		ext:      ext,
		bus:      b,
		notifier: n,
		machine:  machine,
		threads:  threads,
		rec:      NewReconciler(db, logger),
		opts:     opts,
		logger:   logger,
		baseCtx:  context.Background(),
	}
}

// Reconciler exposes the engine's checkpoints.
func (e *Engine) Reconciler() *Reconciler {
	return e.rec
}

// Start subscribes to platform events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.baseCtx = ctx
	ch, unsub := e.bus.Subscribe("sms.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for a background pass to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.refreshWG.Wait()
}

func (e *Engine) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindSMSReceived:
		msg, ok := evt.Payload.(*store.Message)
		if !ok {
			return
		}
		if err := e.IngestMessage(ctx, msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.Int64("message_id", msg.ID))
		}
	case bus.KindRefreshRequested:
		e.RequestRefresh()
	}
}

// IngestMessage stores a message the platform just received. Replaying the
// same message is a no-op apart from the refresh signals.
func (e *Engine) IngestMessage(ctx context.Context, msg *store.Message) error {
	if msg.StableID == "" {
		msg.StableID = msg.ComputeStableID()
	}
	dead, err := e.db.Tombstoned(ctx, []string{msg.StableID})
	if err != nil {
		return fmt.Errorf("check tombstone: %w", err)
	}
	if _, ok := dead[msg.StableID]; ok {
		e.logger.Debug("skipping destroyed message", zap.Int64("message_id", msg.ID))
		return nil
	}

	unlock := e.threads.Lock(msg.ThreadID)
	defer unlock()

	var conv *store.Conversation
	isNew := false
	err = e.db.Transaction(ctx, func(tx *store.Tx) error {
		var err error
		if conv, err = e.ensureConversation(ctx, tx, msg); err != nil {
			return err
		}
		existing, err := tx.GetMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		isNew = existing == nil
		if err := tx.UpsertMessage(ctx, msg); err != nil {
			return err
		}
		if conv.Archived && msg.Type == store.TypeInbox {
			if err := tx.SetArchived(ctx, msg.ThreadID, false); err != nil {
				return err
			}
		}
		return tx.RefreshSnippet(ctx, msg.ThreadID)
	})
	if err != nil {
		return fmt.Errorf("ingest message %d: %w", msg.ID, err)
	}

	if isNew && msg.Type == store.TypeInbox && !msg.Read && !conv.IsBlocked {
		e.notifier.ShowReceived(msg.ID, msg.SenderAddress, msg.Body, msg.ThreadID, msg.SubscriptionID)
	}
	e.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: msg.ThreadID})
	e.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

// ensureConversation returns the conversation for msg, creating a minimal row
// when the message arrives before the next pass lists the thread.
func (e *Engine) ensureConversation(ctx context.Context, tx *store.Tx, msg *store.Message) (*store.Conversation, error) {
	conv, err := tx.GetConversation(ctx, msg.ThreadID)
	if err != nil || conv != nil {
		return conv, err
	}
	addrs := msg.Addresses()
	conv = &store.Conversation{
		ThreadID:            msg.ThreadID,
		PhoneNumber:         strings.Join(addrs, ","),
		ParticipantKey:      store.ParticipantKey(addrs),
		Title:               strings.Join(addrs, ", "),
		Snippet:             msg.Body,
		Date:                msg.Date,
		Read:                msg.Read,
		IsGroupConversation: len(addrs) > 1,
	}
	if err := tx.UpsertConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// IngestHistoryBatch stores a batch of messages in one transaction. Destroyed
// messages are skipped, and each touched thread gets its snippet refreshed.
func (e *Engine) IngestHistoryBatch(ctx context.Context, msgs []store.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	stable := make([]string, len(msgs))
	for i := range msgs {
		if msgs[i].StableID == "" {
			msgs[i].StableID = msgs[i].ComputeStableID()
		}
		stable[i] = msgs[i].StableID
	}
	dead, err := e.db.Tombstoned(ctx, stable)
	if err != nil {
		return 0, fmt.Errorf("check tombstones: %w", err)
	}

	written := 0
	touched := make(map[int64]bool)
	err = e.db.TransactionWithRetry(ctx, 0, 0, func(tx *store.Tx) error {
		written = 0
		for i := range msgs {
			m := &msgs[i]
			if _, ok := dead[m.StableID]; ok {
				continue
			}
			if _, err := e.ensureConversation(ctx, tx, m); err != nil {
				return err
			}
			if err := tx.UpsertMessage(ctx, m); err != nil {
				return err
			}
			touched[m.ThreadID] = true
			written++
		}
		for id := range touched {
			if err := tx.RefreshSnippet(ctx, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ingest history batch: %w", err)
	}

	e.logger.Info("history batch ingested", zap.Int("messages", written), zap.Int("threads", len(touched)))
	for id := range touched {
		e.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{ThreadID: id})
	}
	e.bus.Emit(bus.KindConversationsRefresh, nil)
	return written, nil
}

// MarkRead marks the given messages of a thread read in the cache and the
// whole thread read in the external store, then clears the thread's
// notifications. An empty ids list does nothing.
func (e *Engine) MarkRead(ctx context.Context, threadID int64, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	unlock := e.threads.Lock(threadID)
	defer unlock()

	if err := e.db.MarkRead(ctx, ids...); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	unread, err := e.db.UnreadMessages(ctx, threadID)
	if err != nil {
		return fmt.Errorf("unread messages: %w", err)
	}
	if len(unread) == 0 {
		if err := e.db.SetConversationRead(ctx, threadID, true); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("conversation read: %w", err)
		}
		if threadID > 0 {
			if err := e.ext.MarkThreadRead(ctx, threadID); err != nil {
				e.logger.Warn("external mark read failed", zap.Int64("thread_id", threadID), zap.Error(err))
			}
		}
	}

	e.notifier.Cancel(threadID)
	e.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

// MarkThreadRead marks every message of a thread read.
func (e *Engine) MarkThreadRead(ctx context.Context, threadID int64) error {
	unread, err := e.db.UnreadMessages(ctx, threadID)
	if err != nil {
		return err
	}
	ids := make([]int64, len(unread))
	for i, m := range unread {
		ids[i] = m.ID
	}
	if len(ids) == 0 {
		// Still clear the read flags upstream; rows not yet backfilled may be
		// unread there.
		unlock := e.threads.Lock(threadID)
		defer unlock()
		if err := e.db.SetConversationRead(ctx, threadID, true); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if threadID > 0 {
			if err := e.ext.MarkThreadRead(ctx, threadID); err != nil {
				e.logger.Warn("external mark read failed", zap.Int64("thread_id", threadID), zap.Error(err))
			}
		}
		e.notifier.Cancel(threadID)
		return nil
	}
	return e.MarkRead(ctx, threadID, ids)
}

// SetArchived moves a thread in or out of the archive. The flag lives only in
// the cache, so a reconciliation pass never resets it.
func (e *Engine) SetArchived(ctx context.Context, threadID int64, archived bool) error {
	unlock := e.threads.Lock(threadID)
	defer unlock()
	if err := e.db.SetArchived(ctx, threadID, archived); err != nil {
		return fmt.Errorf("set archived: %w", err)
	}
	e.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

// SetPinned pins or unpins a thread.
func (e *Engine) SetPinned(ctx context.Context, threadID int64, pinned bool) error {
	unlock := e.threads.Lock(threadID)
	defer unlock()
	if err := e.db.SetPinned(ctx, threadID, pinned); err != nil {
		return fmt.Errorf("set pinned: %w", err)
	}
	e.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}
