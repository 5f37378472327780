package external

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/matheus3301/sms/internal/store"
)

// ErrUnavailable is the failure injected by Memory.
var ErrUnavailable = errors.New("external store unavailable")

// Memory is an in-process Store. Tests and the demo daemon seed it directly
// and can make individual calls fail.
type Memory struct {
	mu       sync.Mutex
	convs    map[int64]store.Conversation
	archived map[int64]bool
	msgs     map[int64][]store.Message

	failList     bool
	failMessages map[int64]bool
	listCalls    int
	messageCalls int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		convs:        make(map[int64]store.Conversation),
		archived:     make(map[int64]bool),
		msgs:         make(map[int64][]store.Message),
		failMessages: make(map[int64]bool),
	}
}

// PutConversation adds or replaces a thread.
func (m *Memory) PutConversation(c store.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[c.ThreadID] = c
}

// SetArchived hides a thread from ListConversations(false).
func (m *Memory) SetArchived(threadID int64, archived bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archived[threadID] = archived
}

// RemoveConversation drops a thread and its messages.
func (m *Memory) RemoveConversation(threadID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, threadID)
	delete(m.msgs, threadID)
}

// PutMessage adds or replaces a message, keeping the thread sorted.
func (m *Memory) PutMessage(msg store.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.StableID == "" {
		msg.StableID = msg.ComputeStableID()
	}
	list := slices.DeleteFunc(m.msgs[msg.ThreadID], func(x store.Message) bool { return x.ID == msg.ID })
	list = append(list, msg)
	slices.SortFunc(list, func(a, b store.Message) int {
		if c := cmp.Compare(a.Date, b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	m.msgs[msg.ThreadID] = list
}

// Renumber changes the id of every message in a thread by delta, the way the
// platform store does across requeries.
func (m *Memory) Renumber(threadID, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs[threadID] {
		m.msgs[threadID][i].ID += delta
	}
}

// FailList makes ListConversations fail until reset.
func (m *Memory) FailList(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failList = fail
}

// FailMessages makes ListMessages fail for one thread until reset.
func (m *Memory) FailMessages(threadID int64, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failMessages[threadID] = fail
}

// Calls reports how many list calls have been served.
func (m *Memory) Calls() (list, messages int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls, m.messageCalls
}

// ListConversations implements Store.
func (m *Memory) ListConversations(ctx context.Context, includeArchived bool) ([]store.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.failList {
		return nil, ErrUnavailable
	}

	out := make([]store.Conversation, 0, len(m.convs))
	for id, c := range m.convs {
		if !includeArchived && m.archived[id] {
			continue
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b store.Conversation) int {
		if c := cmp.Compare(b.Date, a.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ThreadID, b.ThreadID)
	})
	return out, nil
}

// ListMessages implements Store.
func (m *Memory) ListMessages(ctx context.Context, threadID int64, q Query) ([]store.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messageCalls++
	if m.failMessages[threadID] {
		return nil, ErrUnavailable
	}
	return page(slices.Clone(m.msgs[threadID]), q), nil
}

// FindThread implements Store.
func (m *Memory) FindThread(ctx context.Context, addresses []string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	want := store.ParticipantKey(addresses)
	if want == "" {
		return 0, false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *store.Conversation
	for _, c := range m.convs {
		if c.ParticipantKey != want {
			continue
		}
		if best == nil || c.Date > best.Date || (c.Date == best.Date && c.ThreadID < best.ThreadID) {
			c := c
			best = &c
		}
	}
	if best == nil {
		return 0, false, nil
	}
	return best.ThreadID, true, nil
}

// MarkThreadRead implements Store.
func (m *Memory) MarkThreadRead(ctx context.Context, threadID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs[threadID] {
		m.msgs[threadID][i].Read = true
	}
	if c, ok := m.convs[threadID]; ok {
		c.Read = true
		m.convs[threadID] = c
	}
	return nil
}
