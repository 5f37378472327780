package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/store"
)

// mockTransport records hand-offs and returns a configurable error.
type mockTransport struct {
	mu       sync.Mutex
	calls    []Outgoing
	err      error
	channels []int
	def      int
}

func (m *mockTransport) Send(_ context.Context, out Outgoing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, out)
	return m.err
}

func (m *mockTransport) Channels() []int { return m.channels }

func (m *mockTransport) DefaultChannel() (int, bool) {
	return m.def, m.def != store.UnknownSubscription
}

func (m *mockTransport) sent() []Outgoing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outgoing(nil), m.calls...)
}

type mockScheduler struct {
	mu        sync.Mutex
	armed     map[int64]int64
	cancelled []int64
	// inFlight runs before Cancel returns, like a timer that already fired.
	inFlight func(id int64)
}

func (s *mockScheduler) Schedule(id int64, atMillis int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed[id] = atMillis
	return nil
}

func (s *mockScheduler) Cancel(id int64) {
	s.mu.Lock()
	delete(s.armed, id)
	s.cancelled = append(s.cancelled, id)
	inFlight := s.inFlight
	s.mu.Unlock()
	if inFlight != nil {
		inFlight(id)
	}
}

type failSink struct {
	mu     sync.Mutex
	failed []int64
}

func (f *failSink) ShowReceived(int64, string, string, int64, int) {}
func (f *failSink) Cancel(int64)                                   {}
func (f *failSink) ShowFailed(id int64, _ string, _ int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, id)
}

var testNow = time.Unix(1_700_000_000, 0)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type harness struct {
	p         *Pipeline
	db        *store.DB
	ext       *external.Memory
	bus       *bus.Bus
	transport *mockTransport
	sched     *mockScheduler
	sink      *failSink
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		db:        testDB(t),
		ext:       external.NewMemory(),
		bus:       bus.New(),
		transport: &mockTransport{def: store.UnknownSubscription},
		sched:     &mockScheduler{armed: make(map[int64]int64)},
		sink:      &failSink{},
	}
	if opts.MinScheduleBuffer == 0 {
		opts.MinScheduleBuffer = time.Minute
	}
	h.p = NewPipeline(h.db, h.ext, h.transport, h.sched, h.bus, h.sink, nil, opts, nil)
	h.p.now = func() time.Time { return testNow }
	return h
}

const alice = "+15550100"

func (h *harness) seedThread(t *testing.T, threadID int64, addr string) {
	t.Helper()
	err := h.db.UpsertConversation(context.Background(), &store.Conversation{
		ThreadID:       threadID,
		PhoneNumber:    addr,
		ParticipantKey: store.ParticipantKey([]string{addr}),
		Title:          addr,
		Date:           testNow.Unix() - 3600,
		Read:           true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func (h *harness) message(t *testing.T, id int64) *store.Message {
	t.Helper()
	m, err := h.db.GetMessage(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t, Options{})
	tests := []struct {
		name  string
		draft Draft
		want  error
	}{
		{"empty body", Draft{Recipients: []string{alice}, Body: "  "}, ErrEmptyMessage},
		{"no recipients", Draft{Body: "hi"}, ErrNoRecipients},
		{"short number", Draft{Recipients: []string{"12"}, Body: "hi"}, ErrInvalidRecipient},
		{"garbage", Draft{Recipients: []string{"hello"}, Body: "hi"}, ErrInvalidRecipient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.p.Send(context.Background(), tt.draft)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var ue *UserError
			if !errors.As(err, &ue) {
				t.Errorf("err %T is not a *UserError", err)
			}
		})
	}
	if n := len(h.transport.sent()); n != 0 {
		t.Errorf("got %d hand-offs for invalid drafts, want 0", n)
	}

	attachmentOnly := Draft{
		Recipients:  []string{"bob@example.com"},
		Attachments: []store.Attachment{{MimeType: "image/png", URI: "file:///a.png"}},
	}
	if _, err := h.p.Send(context.Background(), attachmentOnly); err != nil {
		t.Errorf("attachment-only email draft rejected: %v", err)
	}
}

// The message must show in the thread before the platform confirms it.
func TestSendOptimisticInsert(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedThread(t, 5, alice)
	if err := h.db.SetArchived(ctx, 5, true); err != nil {
		t.Fatal(err)
	}

	msg, err := h.p.Send(ctx, Draft{Recipients: []string{alice}, Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ID >= 0 {
		t.Errorf("id = %d, want a local (negative) id", msg.ID)
	}

	got := h.message(t, msg.ID)
	if got == nil {
		t.Fatal("optimistic row missing")
	}
	if got.ThreadID != 5 || got.Type != store.TypeOutbox || got.Status != store.StatusPending {
		t.Errorf("row = thread %d %s/%s, want thread 5 OUTBOX/PENDING", got.ThreadID, got.Type, got.Status)
	}

	calls := h.transport.sent()
	if len(calls) != 1 || calls[0].MessageID != msg.ID || calls[0].Body != "hello" {
		t.Fatalf("calls = %+v, want one hand-off of %d", calls, msg.ID)
	}

	conv, err := h.db.GetConversation(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	if conv.Archived {
		t.Error("thread still archived after a send")
	}
	if conv.Snippet != "hello" {
		t.Errorf("snippet = %q, want hello", conv.Snippet)
	}
}

func TestSendResolvesThreadFromExternalStore(t *testing.T) {
	h := newHarness(t, Options{})
	h.ext.PutConversation(store.Conversation{ThreadID: 7, ParticipantKey: store.ParticipantKey([]string{alice})})

	msg, err := h.p.Send(context.Background(), Draft{Recipients: []string{"+1 (555) 0100"}, Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ThreadID != 7 {
		t.Errorf("thread = %d, want 7", msg.ThreadID)
	}
	conv, err := h.db.GetConversation(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil || conv.IsTemporary {
		t.Errorf("conversation = %+v, want a real row for thread 7", conv)
	}
}

func TestSendToNewRecipientWaitsForResult(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	msg, err := h.p.Send(ctx, Draft{Recipients: []string{alice}, Body: "first"})
	if err != nil {
		t.Fatal(err)
	}
	if msg.ThreadID != 0 {
		t.Fatalf("thread = %d, want 0 before the platform assigns one", msg.ThreadID)
	}
	if n, _ := h.db.MessageCount(ctx); n != 0 {
		t.Fatalf("got %d cached messages, want none", n)
	}

	if err := h.p.HandleResult(ctx, Result{MessageID: msg.ID, ExternalID: 900, ThreadID: 42, Sent: true}); err != nil {
		t.Fatal(err)
	}
	got := h.message(t, 900)
	if got == nil || got.ThreadID != 42 || got.Type != store.TypeSent {
		t.Fatalf("row = %+v, want message 900 SENT in thread 42", got)
	}
	if old := h.message(t, msg.ID); old != nil {
		t.Error("local id still present")
	}
	conv, err := h.db.GetConversation(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if conv == nil {
		t.Error("thread 42 not created")
	}
}

func TestTransportRejectionThenResend(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedThread(t, 5, alice)
	h.transport.err = fmt.Errorf("radio off")

	msg, err := h.p.Send(ctx, Draft{Recipients: []string{alice}, Body: "hello"})
	if err == nil {
		t.Fatal("want the transport error")
	}
	got := h.message(t, msg.ID)
	if got.Type != store.TypeFailed || got.Status != store.StatusFailed {
		t.Errorf("row = %s/%s, want FAILED/FAILED", got.Type, got.Status)
	}
	if len(h.sink.failed) != 1 {
		t.Errorf("got %d failure notifications, want 1", len(h.sink.failed))
	}

	h.transport.err = nil
	if _, err := h.p.Resend(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	got = h.message(t, msg.ID)
	if got.Type != store.TypeOutbox {
		t.Errorf("type = %s after resend, want OUTBOX", got.Type)
	}
	if n := len(h.transport.sent()); n != 2 {
		t.Errorf("got %d hand-offs, want 2", n)
	}

	if _, err := h.p.Resend(ctx, msg.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("resend of an in-flight message: err = %v, want ErrNotFailed", err)
	}
}

func TestChooseChannel(t *testing.T) {
	ctx := context.Background()
	one := 1

	tests := []struct {
		name     string
		draft    Draft
		thread   int64
		channels []int
		def      int
		pinned   map[string]int
		want     int
	}{
		{"explicit", Draft{Recipients: []string{alice}, SubscriptionID: &one}, 5, []int{1, 2, 3}, 2, map[string]int{alice: 2}, 1},
		{"pinned", Draft{Recipients: []string{alice}}, 5, []int{1, 2, 3}, 2, map[string]int{"+1 555 0100": 2}, 2},
		{"last inbound", Draft{Recipients: []string{alice}}, 5, []int{1, 2, 3}, 2, nil, 3},
		{"default", Draft{Recipients: []string{alice}}, 0, []int{1, 2, 3}, 2, nil, 2},
		{"first available", Draft{Recipients: []string{alice}}, 0, []int{1, 2, 3}, store.UnknownSubscription, nil, 1},
		{"unavailable pin", Draft{Recipients: []string{alice}}, 0, []int{1}, store.UnknownSubscription, map[string]int{alice: 9}, 1},
		{"unknown", Draft{Recipients: []string{alice}}, 0, nil, store.UnknownSubscription, nil, store.UnknownSubscription},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{PinnedChannels: tt.pinned})
			h.transport.channels = tt.channels
			h.transport.def = tt.def
			in := store.Message{
				ID: 1, ThreadID: 5, Body: "yo", Type: store.TypeInbox, Date: 10,
				SenderAddress: alice, SubscriptionID: 3,
			}
			if err := h.db.UpsertMessage(ctx, &in); err != nil {
				t.Fatal(err)
			}
			if got := h.p.chooseChannel(ctx, tt.draft, tt.thread); got != tt.want {
				t.Errorf("channel = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestScheduleRejectsTooSoon(t *testing.T) {
	h := newHarness(t, Options{})
	for _, at := range []time.Time{testNow.Add(-time.Hour), testNow, testNow.Add(time.Minute)} {
		_, err := h.p.Schedule(context.Background(), Draft{Recipients: []string{alice}, Body: "x"}, at)
		if !errors.Is(err, ErrScheduleTooSoon) {
			t.Errorf("at %v: err = %v, want ErrScheduleTooSoon", at.Sub(testNow), err)
		}
	}
}

func TestScheduleAnchorsTemporaryThread(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	at := testNow.Add(time.Hour)

	msg, err := h.p.Schedule(ctx, Draft{Recipients: []string{alice}, Body: "later"}, at)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ThreadID >= 0 {
		t.Fatalf("thread = %d, want a temporary (negative) thread", msg.ThreadID)
	}
	got := h.message(t, msg.ID)
	if !got.IsScheduled || got.Type != store.TypeQueued || got.Date != at.Unix() {
		t.Errorf("row = %+v, want QUEUED scheduled at %d", got, at.Unix())
	}
	if h.sched.armed[msg.ID] != at.UnixMilli() {
		t.Errorf("armed at %d, want %d", h.sched.armed[msg.ID], at.UnixMilli())
	}

	// A second scheduled message reuses the same temporary thread.
	second, err := h.p.Schedule(ctx, Draft{Recipients: []string{alice}, Body: "later still"}, at.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if second.ThreadID != msg.ThreadID {
		t.Errorf("second thread = %d, want %d", second.ThreadID, msg.ThreadID)
	}

	if err := h.p.CancelScheduled(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	if err := h.p.CancelScheduled(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	if len(h.sched.armed) != 0 || len(h.sched.cancelled) != 2 {
		t.Errorf("armed = %v cancelled = %v, want none armed and two cancelled", h.sched.armed, h.sched.cancelled)
	}
	conv, err := h.db.GetConversation(ctx, msg.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if conv != nil {
		t.Error("empty temporary thread not deleted")
	}
	if err := h.p.CancelScheduled(ctx, msg.ID); !errors.Is(err, ErrNotScheduled) {
		t.Errorf("second cancel: err = %v, want ErrNotScheduled", err)
	}
}

func TestCancelLosesToFiredTimer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedThread(t, 5, alice)

	msg, err := h.p.Schedule(ctx, Draft{ThreadID: 5, Recipients: []string{alice}, Body: "later"}, testNow.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	h.sched.inFlight = func(id int64) {
		if err := h.p.Fire(ctx, id); err != nil {
			t.Errorf("Fire() error = %v", err)
		}
	}

	err = h.p.CancelScheduled(ctx, msg.ID)
	if !errors.Is(err, ErrNotScheduled) {
		t.Fatalf("cancel after fire: err = %v, want ErrNotScheduled", err)
	}
	if n := len(h.transport.sent()); n != 1 {
		t.Errorf("hand-offs = %d, want 1", n)
	}
	got := h.message(t, msg.ID)
	if got == nil {
		t.Fatal("fired message deleted by cancel")
	}
	if got.IsScheduled || got.Type != store.TypeOutbox {
		t.Errorf("row = %s scheduled=%v, want OUTBOX", got.Type, got.IsScheduled)
	}
}

func TestEditScheduledKeepsID(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedThread(t, 5, alice)

	msg, err := h.p.Schedule(ctx, Draft{ThreadID: 5, Recipients: []string{alice}, Body: "v1"}, testNow.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	later := testNow.Add(2 * time.Hour)
	edited, err := h.p.EditScheduled(ctx, msg.ID, "v2", later)
	if err != nil {
		t.Fatal(err)
	}
	if edited.ID != msg.ID {
		t.Errorf("id = %d, want %d", edited.ID, msg.ID)
	}
	got := h.message(t, msg.ID)
	if got.Body != "v2" || got.Date != later.Unix() || !got.IsScheduled {
		t.Errorf("row = %+v, want v2 at %d", got, later.Unix())
	}
	if h.sched.armed[msg.ID] != later.UnixMilli() {
		t.Errorf("re-armed at %d, want %d", h.sched.armed[msg.ID], later.UnixMilli())
	}
	if n, _ := h.db.CountThreadMessages(ctx, 5); n != 1 {
		t.Errorf("thread holds %d messages, want 1", n)
	}
}

func TestFireMergesTemporaryThread(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	msg, err := h.p.Schedule(ctx, Draft{Recipients: []string{alice}, Body: "later"}, testNow.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	temp := msg.ThreadID
	h.ext.PutConversation(store.Conversation{ThreadID: 8, ParticipantKey: store.ParticipantKey([]string{alice}), Date: 1})

	migrated, unsub := h.bus.Subscribe("thread.", 4)
	defer unsub()

	if err := h.p.Fire(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	got := h.message(t, msg.ID)
	if got.ThreadID != 8 || got.IsScheduled || got.Type != store.TypeOutbox {
		t.Errorf("row = %+v, want OUTBOX in thread 8", got)
	}
	if conv, _ := h.db.GetConversation(ctx, temp); conv != nil {
		t.Error("temporary thread survived the merge")
	}
	calls := h.transport.sent()
	if len(calls) != 1 || calls[0].ThreadID != 8 {
		t.Errorf("calls = %+v, want one hand-off in thread 8", calls)
	}
	select {
	case evt := <-migrated:
		m := evt.Payload.(bus.ThreadMigrated)
		if m.From != temp || m.To != 8 {
			t.Errorf("migrated = %+v, want %d -> 8", m, temp)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for thread.migrated")
	}

	if err := h.p.Fire(ctx, msg.ID); err != nil {
		t.Fatal(err)
	}
	if n := len(h.transport.sent()); n != 1 {
		t.Errorf("fired twice: %d hand-offs", n)
	}
}

func TestHandleResultAndDelivery(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedThread(t, 5, alice)

	msg, err := h.p.Send(ctx, Draft{Recipients: []string{alice}, Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.HandleResult(ctx, Result{MessageID: msg.ID, ExternalID: 555, ThreadID: 5, Sent: true}); err != nil {
		t.Fatal(err)
	}
	if h.message(t, msg.ID) != nil {
		t.Error("local id survived the merge")
	}
	got := h.message(t, 555)
	if got == nil || got.Type != store.TypeSent {
		t.Fatalf("row = %+v, want SENT under 555", got)
	}

	// A repeated result is harmless.
	if err := h.p.HandleResult(ctx, Result{MessageID: msg.ID, ExternalID: 555, ThreadID: 5, Sent: true}); err != nil {
		t.Fatal(err)
	}

	if err := h.p.HandleDelivery(ctx, 555, true); err != nil {
		t.Fatal(err)
	}
	if got := h.message(t, 555); got.Status != store.StatusComplete {
		t.Errorf("status = %s, want COMPLETE", got.Status)
	}
}

func TestHandleResultOntoAlreadyIngestedRow(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		wantType store.MessageType
		wantSt   store.MessageStatus
	}{
		{"sent", Result{ExternalID: 600, ThreadID: 5, Sent: true}, store.TypeSent, store.StatusPending},
		{"failed", Result{ExternalID: 600, ThreadID: 5, Error: "no service"}, store.TypeFailed, store.StatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Options{})
			ctx := context.Background()
			h.seedThread(t, 5, alice)

			msg, err := h.p.Send(ctx, Draft{ThreadID: 5, Recipients: []string{alice}, Body: "hello"})
			if err != nil {
				t.Fatal(err)
			}
			// A reconcile copied the platform row before the result arrived.
			ingested := *msg
			ingested.ID = 600
			ingested.StableID = ""
			if err := h.db.UpsertMessage(ctx, &ingested); err != nil {
				t.Fatal(err)
			}

			r := tt.result
			r.MessageID = msg.ID
			if err := h.p.HandleResult(ctx, r); err != nil {
				t.Fatal(err)
			}
			if h.message(t, msg.ID) != nil {
				t.Error("local row survived")
			}
			got := h.message(t, 600)
			if got == nil {
				t.Fatal("ingested row gone")
			}
			if got.Type != tt.wantType || got.Status != tt.wantSt {
				t.Errorf("row = %s/%s, want %s/%s", got.Type, got.Status, tt.wantType, tt.wantSt)
			}
		})
	}
}

func TestHandleResultFailureNotifies(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedThread(t, 5, alice)

	msg, err := h.p.Send(ctx, Draft{Recipients: []string{alice}, Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.p.HandleResult(ctx, Result{MessageID: msg.ID, Error: "no service"}); err != nil {
		t.Fatal(err)
	}
	got := h.message(t, msg.ID)
	if got.Type != store.TypeFailed || got.Status != store.StatusFailed {
		t.Errorf("row = %s/%s, want FAILED/FAILED", got.Type, got.Status)
	}
	if len(h.sink.failed) != 1 || h.sink.failed[0] != msg.ID {
		t.Errorf("failed notifications = %v, want [%d]", h.sink.failed, msg.ID)
	}

	// A late success cannot move a failed message forward.
	if err := h.p.HandleResult(ctx, Result{MessageID: msg.ID, Sent: true}); err != nil {
		t.Fatal(err)
	}
	if got := h.message(t, msg.ID); got.Type != store.TypeFailed {
		t.Errorf("type = %s after late result, want FAILED", got.Type)
	}
}

func TestRestoreSchedules(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()
	h.seedThread(t, 5, alice)

	for _, m := range []store.Message{
		{ID: -10, ThreadID: 5, Body: "overdue", Type: store.TypeQueued, Date: testNow.Unix() - 10, IsScheduled: true,
			Participants: []store.Participant{{Address: alice}}},
		{ID: -11, ThreadID: 5, Body: "future", Type: store.TypeQueued, Date: testNow.Unix() + 3600, IsScheduled: true,
			Participants: []store.Participant{{Address: alice}}},
	} {
		if err := h.db.UpsertMessage(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}

	n, err := h.p.RestoreSchedules(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("restored %d, want 2", n)
	}
	calls := h.transport.sent()
	if len(calls) != 1 || calls[0].MessageID != -10 {
		t.Errorf("calls = %+v, want the overdue message fired", calls)
	}
	if h.sched.armed[-11] != (testNow.Unix()+3600)*1000 {
		t.Errorf("armed = %v, want -11 re-armed", h.sched.armed)
	}
}

func TestStartMergesBusResults(t *testing.T) {
	h := newHarness(t, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.seedThread(t, 5, alice)

	msg, err := h.p.Send(ctx, Draft{Recipients: []string{alice}, Body: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	h.p.Start(ctx)
	defer h.p.Stop()

	h.bus.Emit(bus.KindSendResult, Result{MessageID: msg.ID, ExternalID: 77, ThreadID: 5, Sent: true})
	h.bus.Emit(bus.KindDeliveryReport, Delivery{MessageID: 77, Delivered: true})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := h.message(t, 77); got != nil && got.Status == store.StatusComplete {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timeout waiting for the bus result to be merged")
}

func TestTimerScheduler(t *testing.T) {
	fired := make(chan int64, 2)
	s := NewTimerScheduler(func(id int64) { fired <- id })
	defer s.Stop()

	if err := s.Schedule(1, time.Now().Add(20*time.Millisecond).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	if err := s.Schedule(2, time.Now().Add(time.Hour).UnixMilli()); err != nil {
		t.Fatal(err)
	}
	s.Cancel(2)

	select {
	case id := <-fired:
		if id != 1 {
			t.Errorf("fired %d, want 1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d, want 0", s.Pending())
	}
}
