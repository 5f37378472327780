// Package pager maintains the bounded, backfilling message window of each
// open thread.
package pager

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Config bounds a window.
type Config struct {
	// MessagesLimit is both the initial window size and the backfill page.
	MessagesLimit int
	// PrefetchThreshold is how close to the top the first visible row must be
	// before older messages are requested.
	PrefetchThreshold int
	// MaxJumpIterations caps the backfill loop of JumpTo.
	MaxJumpIterations int
	// UseRecycleBin hides recycled messages from the window. When off the
	// thread shows every row, recycled ones included.
	UseRecycleBin bool
}

// DefaultConfig returns the stock window bounds.
func DefaultConfig() Config {
	return Config{
		MessagesLimit:     50,
		PrefetchThreshold: 15,
		MaxJumpIterations: 64,
		UseRecycleBin:     true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MessagesLimit <= 0 {
		c.MessagesLimit = d.MessagesLimit
	}
	if c.PrefetchThreshold <= 0 {
		c.PrefetchThreshold = d.PrefetchThreshold
	}
	if c.MaxJumpIterations <= 0 {
		c.MaxJumpIterations = d.MaxJumpIterations
	}
	return c
}

// Window is the loaded slice of one thread's history, oldest first. Loads of
// older messages are single flight: a request while one is running returns
// immediately without cancelling it.
type Window struct {
	db     *store.DB
	ext    external.Store
	cfg    Config
	logger *zap.Logger

	mu         sync.Mutex
	threadID   int64
	msgs       []store.Message
	stable     map[string]struct{}
	cursor     store.Cursor
	allFetched bool
	loading    bool
	generation uint64
}

// NewWindow creates an empty window for a thread.
func NewWindow(threadID int64, db *store.DB, ext external.Store, cfg Config, logger *zap.Logger) *Window {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Window{
		db:       db,
		ext:      ext,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		threadID: threadID,
		stable:   make(map[string]struct{}),
	}
}

// ThreadID returns the thread the window shows.
func (w *Window) ThreadID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.threadID
}

// LoadInitial fills the window with the newest messages from the cache and
// the external store. A failing external read leaves the cached rows.
func (w *Window) LoadInitial(ctx context.Context) error {
	w.mu.Lock()
	threadID, gen := w.threadID, w.generation
	w.mu.Unlock()

	limit := w.cfg.MessagesLimit
	cached, err := w.db.RecentThreadMessages(ctx, threadID, limit, !w.cfg.UseRecycleBin)
	if err != nil {
		return fmt.Errorf("cached messages: %w", err)
	}
	scheduled, err := w.scheduled(ctx, threadID)
	if err != nil {
		return err
	}

	var remote []store.Message
	if threadID > 0 {
		remote, err = w.ext.ListMessages(ctx, threadID, external.Query{Limit: limit})
		if err != nil {
			w.logger.Warn("external page unavailable", zap.Int64("thread_id", threadID), zap.Error(err))
			remote = nil
		}
	}

	merged, fresh, err := w.merge(ctx, threadID, nil, append(cached, scheduled...), remote)
	if err != nil {
		return err
	}
	if err := w.db.UpsertMessages(ctx, fresh, store.DefaultChunkSize); err != nil {
		return fmt.Errorf("cache external page: %w", err)
	}
	capped := capWindow(merged, limit)
	next, _ := nextCursor(limit, regular(capped), len(capped) < len(merged), cached, remote)

	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.generation {
		return nil
	}
	w.msgs = capped
	w.stable = stableSet(capped)
	w.cursor = next
	w.allFetched = false
	return nil
}

func (w *Window) scheduled(ctx context.Context, threadID int64) ([]store.Message, error) {
	all, err := w.db.ScheduledMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduled messages: %w", err)
	}
	return slices.DeleteFunc(all, func(m store.Message) bool { return m.ThreadID != threadID }), nil
}

// LoadMore prepends the page of messages older than the last one read and
// returns how many were added. Reads are positioned by a cursor that moves
// past every row seen, including rows hidden as recycled, destroyed or
// duplicate, so a page with nothing to show does not end the backfill. Only
// reads that come back empty mark the thread fully fetched. An external read
// failure is logged and leaves the thread retryable.
func (w *Window) LoadMore(ctx context.Context) (int, error) {
	n, _, err := w.loadMore(ctx)
	return n, err
}

// loadMore also reports whether the cursor moved.
func (w *Window) loadMore(ctx context.Context) (int, bool, error) {
	w.mu.Lock()
	if w.loading || w.allFetched {
		w.mu.Unlock()
		return 0, false, nil
	}
	w.loading = true
	threadID, gen, cutoff := w.threadID, w.generation, w.cursor
	known := make(map[string]struct{}, len(w.stable))
	for k := range w.stable {
		known[k] = struct{}{}
	}
	w.mu.Unlock()

	page, err := w.fetchOlder(ctx, threadID, cutoff, known, gen)

	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.generation {
		return 0, false, err
	}
	w.loading = false
	if err != nil {
		return 0, false, err
	}
	if page.moved {
		w.cursor = page.next
	} else if !page.remoteFailed {
		w.allFetched = true
	}
	if len(page.added) == 0 {
		return 0, page.moved, nil
	}
	w.msgs = append(page.added, w.msgs...)
	for _, m := range page.added {
		w.stable[m.StableID] = struct{}{}
	}
	return len(page.added), page.moved, nil
}

type olderPage struct {
	added        []store.Message
	next         store.Cursor
	moved        bool
	remoteFailed bool
}

func (w *Window) fetchOlder(ctx context.Context, threadID int64, cutoff store.Cursor, known map[string]struct{}, gen uint64) (olderPage, error) {
	limit := w.cfg.MessagesLimit
	var page olderPage

	var remote []store.Message
	if threadID > 0 {
		var err error
		remote, err = w.ext.ListMessages(ctx, threadID, external.Query{Before: cutoff.Date, Limit: limit})
		if err != nil {
			w.logger.Warn("external backfill failed", zap.Int64("thread_id", threadID), zap.Error(err))
			remote, page.remoteFailed = nil, true
		}
	}
	cached, err := w.db.MessagesBefore(ctx, threadID, cutoff, limit, !w.cfg.UseRecycleBin)
	if err != nil {
		return page, fmt.Errorf("cached backfill: %w", err)
	}

	added, fresh, err := w.merge(ctx, threadID, known, cached, remote)
	if err != nil {
		return page, err
	}

	w.mu.Lock()
	stale := gen != w.generation
	w.mu.Unlock()
	if stale {
		return olderPage{remoteFailed: page.remoteFailed}, nil
	}
	if err := w.db.UpsertMessages(ctx, fresh, store.DefaultChunkSize); err != nil {
		return page, fmt.Errorf("cache backfill: %w", err)
	}
	trimmed := len(added) > limit
	if trimmed {
		added = added[len(added)-limit:]
	}
	page.added = added
	page.next, page.moved = nextCursor(limit, added, trimmed, cached, remote)
	return page, nil
}

// nextCursor places the next backfill read. Rows older than the oldest row
// of a full page have not been read yet, so the newest such bound wins. When
// every read came back short the next read starts past the oldest row seen.
// It reports false when nothing was read.
func nextCursor(limit int, kept []store.Message, trimmed bool, pages ...[]store.Message) (store.Cursor, bool) {
	var next store.Cursor
	found := false
	raise := func(c store.Cursor) {
		if !found || next.Less(c) {
			next, found = c, true
		}
	}
	if trimmed && len(kept) > 0 {
		raise(store.CursorOf(&kept[0]))
	}
	for _, p := range pages {
		if len(p) >= limit {
			raise(oldest(p))
		}
	}
	if found {
		return next, true
	}
	for _, p := range pages {
		if len(p) == 0 {
			continue
		}
		if c := oldest(p); !found || c.Less(next) {
			next, found = c, true
		}
	}
	return next, found
}

func oldest(msgs []store.Message) store.Cursor {
	c := store.CursorOf(&msgs[0])
	for i := range msgs[1:] {
		if o := store.CursorOf(&msgs[i+1]); o.Less(c) {
			c = o
		}
	}
	return c
}

func regular(msgs []store.Message) []store.Message {
	return slices.DeleteFunc(slices.Clone(msgs), func(m store.Message) bool { return m.IsScheduled })
}

// merge dedups cached and remote rows by stable id against known and each
// other, dropping recycled and destroyed messages. It returns the merged rows
// sorted oldest first and the remote rows the cache has not seen yet.
func (w *Window) merge(ctx context.Context, threadID int64, known map[string]struct{}, cached, remote []store.Message) (merged, fresh []store.Message, err error) {
	seen := make(map[string]struct{}, len(known)+len(cached))
	for k := range known {
		seen[k] = struct{}{}
	}

	hidden := make(map[string]struct{})
	if w.cfg.UseRecycleBin {
		recycled, err := w.db.RecycledThreadMessages(ctx, threadID)
		if err != nil {
			return nil, nil, fmt.Errorf("recycled messages: %w", err)
		}
		for _, m := range recycled {
			hidden[m.StableID] = struct{}{}
		}
	}
	all := make([]string, 0, len(remote))
	for _, m := range remote {
		all = append(all, m.StableID)
	}
	dead, err := w.db.Tombstoned(ctx, all)
	if err != nil {
		return nil, nil, fmt.Errorf("tombstones: %w", err)
	}

	for _, m := range cached {
		if _, ok := seen[m.StableID]; ok {
			continue
		}
		seen[m.StableID] = struct{}{}
		merged = append(merged, m)
	}
	for _, m := range remote {
		if _, ok := dead[m.StableID]; ok {
			continue
		}
		if _, ok := hidden[m.StableID]; ok {
			continue
		}
		if _, ok := seen[m.StableID]; ok {
			continue
		}
		seen[m.StableID] = struct{}{}
		merged = append(merged, m)
		fresh = append(fresh, m)
	}
	sortMessages(merged)
	return merged, fresh, nil
}

// JumpTo backfills until the message is loaded, the thread is exhausted, or
// the iteration cap is hit.
func (w *Window) JumpTo(ctx context.Context, messageID int64) (bool, error) {
	for range w.cfg.MaxJumpIterations {
		if w.Contains(messageID) {
			return true, nil
		}
		if w.AllFetched() {
			return false, nil
		}
		_, moved, err := w.loadMore(ctx)
		if err != nil {
			return false, err
		}
		if !moved && !w.AllFetched() {
			// Another load is in flight or the external store failed.
			break
		}
	}
	return w.Contains(messageID), nil
}

// Contains reports whether a message id is loaded.
func (w *Window) Contains(messageID int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.ContainsFunc(w.msgs, func(m store.Message) bool { return m.ID == messageID })
}

// Messages returns a copy of the loaded messages, oldest first.
func (w *Window) Messages() []store.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.msgs)
}

// AllFetched reports whether the thread's oldest message is loaded.
func (w *Window) AllFetched() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.allFetched
}

// NearTop reports whether the first visible row is close enough to the top
// to request older messages.
func (w *Window) NearTop(firstVisible int) bool {
	return firstVisible < w.cfg.PrefetchThreshold
}

// Reset empties the window. Loads started before the reset discard their
// results.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.generation++
	w.msgs = nil
	w.stable = make(map[string]struct{})
	w.cursor = store.Cursor{}
	w.allFetched = false
	w.loading = false
}

func (w *Window) retarget(threadID int64) {
	w.mu.Lock()
	w.threadID = threadID
	w.mu.Unlock()
	w.Reset()
}

// capWindow keeps the newest limit messages plus every scheduled one.
func capWindow(msgs []store.Message, limit int) []store.Message {
	regular := 0
	for _, m := range msgs {
		if !m.IsScheduled {
			regular++
		}
	}
	if regular <= limit {
		return msgs
	}
	drop := regular - limit
	out := make([]store.Message, 0, len(msgs)-drop)
	for _, m := range msgs {
		if !m.IsScheduled && drop > 0 {
			drop--
			continue
		}
		out = append(out, m)
	}
	return out
}

func sortMessages(msgs []store.Message) {
	slices.SortFunc(msgs, func(a, b store.Message) int {
		if c := cmp.Compare(a.Date, b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func stableSet(msgs []store.Message) map[string]struct{} {
	out := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		out[m.StableID] = struct{}{}
	}
	return out
}
