package sync

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result summarizes one reconciliation pass.
type Result struct {
	// Conversations is the sorted non-archived list that was published.
	Conversations []store.Conversation
	// Stale is set when the external store could not be listed and the cached
	// list was published unchanged.
	Stale    bool
	Inserted int
	Updated  int
	Deleted  int
	Merged   int
	Imported int
}

// Reconcile runs one pass synchronously. Failures reading the external store
// are logged and reported through Result.Stale; only cache failures are
// returned.
func (e *Engine) Reconcile(ctx context.Context) (*Result, error) {
	e.passMu.Lock()
	defer e.passMu.Unlock()

	start := time.Now()
	res := &Result{}

	cached, err := e.db.AllConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	if len(cached) == 0 {
		imported, err := e.rec.BulkImported(ctx)
		if err != nil {
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		if !imported {
			e.bus.Emit(bus.KindConversationsSnapshot, bus.Snapshot{Loading: true})
		}
	}

	remote, err := e.ext.ListConversations(ctx, true)
	if err != nil {
		e.logger.Warn("external conversation list failed, serving cache", zap.Error(err))
		res.Stale = true
		if err := e.publish(ctx, res); err != nil {
			return nil, err
		}
		e.settle(false)
		return res, nil
	}

	byID := make(map[int64]*store.Conversation, len(cached))
	for i := range cached {
		byID[cached[i].ThreadID] = &cached[i]
	}
	remoteByID := make(map[int64]*store.Conversation, len(remote))
	for i := range remote {
		remoteByID[remote[i].ThreadID] = &remote[i]
	}

	e.insertMissing(ctx, remote, byID, res)
	e.deleteVanished(ctx, cached, remoteByID, res)
	e.mergeTemporary(ctx, cached, remote, byID, res)
	e.updateChanged(ctx, remote, byID, res)

	if err := e.publish(ctx, res); err != nil {
		return nil, err
	}
	if err := e.rec.MarkReconciled(ctx, time.Now()); err != nil {
		e.logger.Warn("failed to record reconcile checkpoint", zap.Error(err))
	}
	e.settle(true)

	if n, err := e.bulkImportIfFirstRun(ctx, remote); err != nil {
		e.logger.Error("bulk import failed", zap.Error(err))
	} else {
		res.Imported = n
	}

	e.logger.Info("reconcile pass done",
		zap.Int("inserted", res.Inserted),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("merged", res.Merged),
		zap.Int("imported", res.Imported),
		zap.Duration("took", time.Since(start)))
	return res, nil
}

func (e *Engine) insertMissing(ctx context.Context, remote []store.Conversation, byID map[int64]*store.Conversation, res *Result) {
	for i := range remote {
		c := remote[i]
		if _, ok := byID[c.ThreadID]; ok {
			continue
		}
		c.Archived, c.Pinned, c.IsTemporary = false, false, false
		unlock := e.threads.Lock(c.ThreadID)
		err := e.db.UpsertConversation(ctx, &c)
		unlock()
		if err != nil {
			e.logger.Warn("insert conversation failed", zap.Int64("thread_id", c.ThreadID), zap.Error(err))
			continue
		}
		byID[c.ThreadID] = &c
		res.Inserted++
	}
}

func (e *Engine) deleteVanished(ctx context.Context, cached []store.Conversation, remoteByID map[int64]*store.Conversation, res *Result) {
	for _, c := range cached {
		if c.IsTemporary {
			continue
		}
		if _, ok := remoteByID[c.ThreadID]; ok {
			continue
		}
		unlock := e.threads.Lock(c.ThreadID)
		deleted, err := e.deleteUnlessScheduled(ctx, c.ThreadID)
		unlock()
		if err != nil {
			e.logger.Warn("delete conversation failed", zap.Int64("thread_id", c.ThreadID), zap.Error(err))
			continue
		}
		if deleted {
			res.Deleted++
		}
	}
}

// deleteUnlessScheduled drops a conversation the external store no longer
// lists. A thread still anchoring a scheduled message is kept.
func (e *Engine) deleteUnlessScheduled(ctx context.Context, threadID int64) (bool, error) {
	deleted := false
	err := e.db.Transaction(ctx, func(tx *store.Tx) error {
		scheduled, err := tx.HasScheduled(ctx, threadID)
		if err != nil || scheduled {
			return err
		}
		deleted = true
		return tx.DeleteByThreadID(ctx, threadID)
	})
	return deleted && err == nil, err
}

// mergeTemporary folds each temporary thread into the real thread with the
// exact same participant set. Among several candidates the most recent wins.
// Unmatched temporary threads wait for a later pass.
func (e *Engine) mergeTemporary(ctx context.Context, cached, remote []store.Conversation, byID map[int64]*store.Conversation, res *Result) {
	for _, tmp := range cached {
		if !tmp.IsTemporary || tmp.ParticipantKey == "" {
			continue
		}
		var target *store.Conversation
		for i := range remote {
			r := &remote[i]
			if r.ParticipantKey != tmp.ParticipantKey {
				continue
			}
			if target == nil || r.Date > target.Date || (r.Date == target.Date && r.ThreadID < target.ThreadID) {
				target = r
			}
		}
		if target == nil {
			continue
		}

		unlock := e.threads.LockPair(tmp.ThreadID, target.ThreadID)
		moved, err := e.db.MigrateThread(ctx, tmp.ThreadID, target.ThreadID)
		unlock()
		if err != nil {
			e.logger.Warn("temporary thread merge failed",
				zap.Int64("from", tmp.ThreadID), zap.Int64("to", target.ThreadID), zap.Error(err))
			continue
		}
		if merged, err := e.db.GetConversation(ctx, target.ThreadID); err == nil && merged != nil {
			byID[target.ThreadID] = merged
		}
		delete(byID, tmp.ThreadID)
		res.Merged++
		e.logger.Info("temporary thread merged",
			zap.Int64("from", tmp.ThreadID), zap.Int64("to", target.ThreadID), zap.Int64("messages", moved))
		e.bus.Emit(bus.KindThreadMigrated, bus.ThreadMigrated{From: tmp.ThreadID, To: target.ThreadID})
	}
}

func (e *Engine) updateChanged(ctx context.Context, remote []store.Conversation, byID map[int64]*store.Conversation, res *Result) {
	for i := range remote {
		r := &remote[i]
		c, ok := byID[r.ThreadID]
		if !ok {
			continue
		}
		unlock := e.threads.Lock(r.ThreadID)
		changed, err := e.updateOne(ctx, c, r)
		unlock()
		if err != nil {
			e.logger.Warn("update conversation failed", zap.Int64("thread_id", r.ThreadID), zap.Error(err))
			continue
		}
		if changed {
			res.Updated++
		}
	}
}

// updateOne re-reads the row under the thread lock so that flags changed by a
// concurrent writer since the pass started are not overwritten.
func (e *Engine) updateOne(ctx context.Context, cached, remote *store.Conversation) (bool, error) {
	changed := false
	err := e.db.Transaction(ctx, func(tx *store.Tx) error {
		current, err := tx.GetConversation(ctx, cached.ThreadID)
		if err != nil || current == nil {
			return err
		}
		scheduled, err := tx.HasScheduled(ctx, current.ThreadID)
		if err != nil {
			return err
		}
		merged := mergeContent(current, remote, scheduled)
		if ContentEqual(&merged, current) {
			return nil
		}
		if err := tx.UpsertConversation(ctx, &merged); err != nil {
			return err
		}
		*cached = merged
		changed = true
		return nil
	})
	return changed, err
}

func (e *Engine) publish(ctx context.Context, res *Result) error {
	convs, err := e.db.NonArchivedConversations(ctx)
	if err != nil {
		return fmt.Errorf("load conversations: %w", err)
	}
	store.SortConversations(convs, e.opts.Sort)
	res.Conversations = convs
	e.bus.Emit(bus.KindConversationsSnapshot, bus.Snapshot{Conversations: convs})
	e.bus.Emit(bus.KindConversationsRefresh, nil)
	return nil
}

func (e *Engine) settle(healthy bool) {
	if e.machine == nil {
		return
	}
	if err := e.machine.Settle(healthy); err != nil {
		e.logger.Warn("status transition failed", zap.Error(err))
	}
}

// bulkImportIfFirstRun copies every thread's history into the cache on the
// very first run. Threads are fetched concurrently; a thread that fails is
// logged and left for the pager to backfill.
func (e *Engine) bulkImportIfFirstRun(ctx context.Context, remote []store.Conversation) (int, error) {
	runs, err := e.rec.RunCount(ctx)
	if err != nil {
		return 0, fmt.Errorf("run count: %w", err)
	}
	if runs != 1 {
		return 0, nil
	}
	done, err := e.rec.BulkImported(ctx)
	if err != nil || done {
		return 0, err
	}

	threads := slices.Clone(remote)
	slices.SortFunc(threads, func(a, b store.Conversation) int {
		if c := cmp.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ThreadID, b.ThreadID)
	})

	counts := make([]int, len(threads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.BulkWorkers)
	for i, c := range threads {
		g.Go(func() error {
			n, err := e.importThread(gctx, c.ThreadID)
			if err != nil {
				e.logger.Warn("bulk import of thread failed", zap.Int64("thread_id", c.ThreadID), zap.Error(err))
				return nil
			}
			counts[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	if err := e.rec.MarkBulkImported(ctx); err != nil {
		return total, fmt.Errorf("mark bulk imported: %w", err)
	}
	e.logger.Info("bulk import done", zap.Int("threads", len(threads)), zap.Int("messages", total))
	e.bus.Emit(bus.KindMessagesRefresh, bus.ThreadRef{})
	return total, nil
}

func (e *Engine) importThread(ctx context.Context, threadID int64) (int, error) {
	msgs, err := e.ext.ListMessages(ctx, threadID, external.Query{})
	if err != nil {
		return 0, err
	}
	existing, err := e.db.ThreadMessages(ctx, threadID)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, m := range existing {
		seen[m.StableID] = struct{}{}
	}

	stable := make([]string, len(msgs))
	for i, m := range msgs {
		stable[i] = m.StableID
	}
	dead, err := e.db.Tombstoned(ctx, stable)
	if err != nil {
		return 0, err
	}

	fresh := msgs[:0]
	for _, m := range msgs {
		if _, ok := dead[m.StableID]; ok {
			continue
		}
		if _, ok := seen[m.StableID]; ok {
			continue
		}
		seen[m.StableID] = struct{}{}
		fresh = append(fresh, m)
	}

	unlock := e.threads.Lock(threadID)
	defer unlock()
	if err := e.db.UpsertMessages(ctx, fresh, e.opts.BulkChunkSize); err != nil {
		return 0, err
	}
	return len(fresh), nil
}

// RequestRefresh runs a pass in the background. A request that arrives while
// a pass is running is coalesced into a single follow-up pass.
func (e *Engine) RequestRefresh() {
	e.refreshMu.Lock()
	if e.running {
		e.pending = true
		e.refreshMu.Unlock()
		return
	}
	e.running = true
	e.refreshMu.Unlock()

	e.refreshWG.Add(1)
	go e.refreshLoop()
}

func (e *Engine) refreshLoop() {
	defer e.refreshWG.Done()
	for {
		if _, err := e.Reconcile(e.baseCtx); err != nil {
			e.logger.Error("background reconcile failed", zap.Error(err))
		}

		e.refreshMu.Lock()
		if !e.pending || e.baseCtx.Err() != nil {
			e.running = false
			e.pending = false
			e.refreshMu.Unlock()
			return
		}
		e.pending = false
		e.refreshMu.Unlock()
	}
}

// Wait blocks until no background pass is running.
func (e *Engine) Wait() {
	e.refreshWG.Wait()
}
