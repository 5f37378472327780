package pager

import (
	"context"
	"sync"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/store"
	"go.uber.org/zap"
)

// Manager owns the open windows and keeps them current with bus events.
type Manager struct {
	db     *store.DB
	ext    external.Store
	bus    *bus.Bus
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	windows map[int64]*Window
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a window manager.
func NewManager(db *store.DB, ext external.Store, b *bus.Bus, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:      db,
		ext:     ext,
		bus:     b,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		windows: make(map[int64]*Window),
	}
}

// Open returns the window of a thread, loading it the first time.
func (m *Manager) Open(ctx context.Context, threadID int64) (*Window, error) {
	m.mu.Lock()
	w, ok := m.windows[threadID]
	if !ok {
		w = NewWindow(threadID, m.db, m.ext, m.cfg, m.logger)
		m.windows[threadID] = w
	}
	m.mu.Unlock()

	if ok {
		return w, nil
	}
	if err := w.LoadInitial(ctx); err != nil {
		m.Close(threadID)
		return nil, err
	}
	return w, nil
}

// Lookup returns an open window without loading one.
func (m *Manager) Lookup(threadID int64) (*Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[threadID]
	return w, ok
}

// Close forgets a thread's window.
func (m *Manager) Close(threadID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.windows, threadID)
}

// Start follows message refreshes and thread migrations on the bus.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	msgs, unsubMsgs := m.bus.Subscribe("messages.", 64)
	threads, unsubThreads := m.bus.Subscribe("thread.", 16)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsubMsgs()
		defer unsubThreads()
		for {
			select {
			case evt := <-msgs:
				m.handle(ctx, evt)
			case evt := <-threads:
				m.handle(ctx, evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops following the bus.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Manager) handle(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessagesRefresh:
		ref, _ := evt.Payload.(bus.ThreadRef)
		m.reload(ctx, ref.ThreadID)
	case bus.KindThreadMigrated:
		mig, ok := evt.Payload.(bus.ThreadMigrated)
		if ok {
			m.Migrate(ctx, mig.From, mig.To)
		}
	}
}

// reload reloads one window, or every window for thread 0.
func (m *Manager) reload(ctx context.Context, threadID int64) {
	m.mu.Lock()
	var targets []*Window
	if threadID == 0 {
		for _, w := range m.windows {
			targets = append(targets, w)
		}
	} else if w, ok := m.windows[threadID]; ok {
		targets = append(targets, w)
	}
	m.mu.Unlock()

	for _, w := range targets {
		w.Reset()
		if err := w.LoadInitial(ctx); err != nil {
			m.logger.Warn("window reload failed", zap.Int64("thread_id", w.ThreadID()), zap.Error(err))
		}
	}
}

// Migrate moves an open window from one thread id to another and reloads it.
func (m *Manager) Migrate(ctx context.Context, from, to int64) {
	m.mu.Lock()
	w, ok := m.windows[from]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.windows, from)
	if existing, ok := m.windows[to]; ok {
		w = existing
	} else {
		w.retarget(to)
		m.windows[to] = w
	}
	m.mu.Unlock()

	w.Reset()
	if err := w.LoadInitial(ctx); err != nil {
		m.logger.Warn("window reload failed", zap.Int64("thread_id", to), zap.Error(err))
	}
	m.logger.Debug("window migrated", zap.Int64("from", from), zap.Int64("to", to))
}
