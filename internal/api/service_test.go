package api

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/external"
	"github.com/matheus3301/sms/internal/lock"
	"github.com/matheus3301/sms/internal/notify"
	"github.com/matheus3301/sms/internal/outbox"
	"github.com/matheus3301/sms/internal/pager"
	"github.com/matheus3301/sms/internal/recycle"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	intsync "github.com/matheus3301/sms/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const alice = "+15550100"

type env struct {
	db   *store.DB
	ext  *external.Memory
	bus  *bus.Bus
	conn *grpc.ClientConn
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	e := &env{db: db, ext: external.NewMemory(), bus: bus.New()}
	machine := status.NewMachine(e.bus)
	threads := lock.NewThreads()
	engine := intsync.NewEngine(db, e.ext, e.bus, notify.Nop{}, machine, threads, intsync.Options{}, nil)
	pipeline := outbox.NewPipeline(db, e.ext, outbox.NewBusTransport(e.bus, []int{1}, 1), nil, e.bus,
		nil, threads, outbox.Options{MinScheduleBuffer: time.Minute}, nil)
	svc := NewService(Deps{
		SessionName: "test",
		Machine:     machine,
		DB:          db,
		Bus:         e.bus,
		Engine:      engine,
		Pages:       pager.NewManager(db, e.ext, e.bus, pager.DefaultConfig(), nil),
		Outbox:      pipeline,
		Bin:         recycle.NewBin(db, pipeline, e.bus, threads, true, nil),
	})

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterMessagingServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	e.conn, err = grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.conn.Close() })
	return e
}

// seed puts one thread with two inbound messages in the external store and
// reconciles it into the cache.
func (e *env) seed(t *testing.T) {
	t.Helper()
	e.ext.PutConversation(store.Conversation{
		ThreadID:       1,
		PhoneNumber:    alice,
		ParticipantKey: store.ParticipantKey([]string{alice}),
		Title:          "Alice",
		Snippet:        "hello again",
		Date:           2000,
	})
	for _, m := range []store.Message{
		{ID: 100, ThreadID: 1, Body: "hello there", Date: 1000},
		{ID: 101, ThreadID: 1, Body: "hello again", Date: 2000},
	} {
		m.Type = store.TypeInbox
		m.Status = store.StatusNone
		m.SenderAddress = alice
		m.Participants = []store.Participant{{Address: alice}}
		m.SubscriptionID = 1
		e.ext.PutMessage(m)
	}
	_, err := e.call(t, MethodRefresh, nil)
	require.NoError(t, err)
}

func (e *env) call(t *testing.T, method string, in map[string]any) (*structpb.Struct, error) {
	t.Helper()
	req, err := structpb.NewStruct(in)
	require.NoError(t, err)
	out := new(structpb.Struct)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.conn.Invoke(ctx, FullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *env) mustCall(t *testing.T, method string, in map[string]any) map[string]any {
	t.Helper()
	out, err := e.call(t, method, in)
	require.NoError(t, err, method)
	return out.AsMap()
}

func list(t *testing.T, v any) []map[string]any {
	t.Helper()
	raw, ok := v.([]any)
	require.True(t, ok, "not a list: %v", v)
	out := make([]map[string]any, len(raw))
	for i, x := range raw {
		out[i] = x.(map[string]any)
	}
	return out
}

func TestStatusAndRefresh(t *testing.T) {
	e := newEnv(t)
	out := e.mustCall(t, MethodStatus, nil)
	assert.Equal(t, "test", out["session"])
	assert.Equal(t, "BOOTING", out["state"])

	e.ext.PutConversation(store.Conversation{ThreadID: 1, PhoneNumber: alice, Title: "Alice", Date: 10})
	out = e.mustCall(t, MethodRefresh, nil)
	assert.Equal(t, float64(1), out["inserted"])
	assert.Equal(t, false, out["stale"])

	out = e.mustCall(t, MethodStatus, nil)
	assert.Equal(t, "READY", out["state"])
	assert.Equal(t, float64(1), out["conversations"])
	assert.Equal(t, true, out["recycle_bin"])
}

func TestListAndGetThread(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	convs := list(t, e.mustCall(t, MethodListConversations, nil)["conversations"])
	require.Len(t, convs, 1)
	assert.Equal(t, "Alice", convs[0]["title"])

	out := e.mustCall(t, MethodGetThread, map[string]any{"thread_id": 1, "mark_read": true})
	msgs := list(t, out["messages"])
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello there", msgs[0]["body"])

	items := list(t, out["items"])
	require.NotEmpty(t, items)
	assert.Equal(t, "date_separator", items[0]["kind"])
	assert.Equal(t, "message", items[1]["kind"])
	assert.Contains(t, out["text"], "hello again")
	assert.Equal(t, "Alice", out["conversation"].(map[string]any)["title"])

	m, err := e.db.GetMessage(context.Background(), 100)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.True(t, m.Read, "mark_read applies to the window")

	out = e.mustCall(t, MethodLoadOlder, map[string]any{"thread_id": 1})
	assert.Equal(t, float64(0), out["loaded"])
	assert.Equal(t, true, out["all_fetched"])

	out = e.mustCall(t, MethodJumpTo, map[string]any{"thread_id": 1, "message_id": 100})
	assert.Equal(t, true, out["found"])
}

func TestSendResultAndDeliveryOverTheWire(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	req, err := structpb.NewStruct(map[string]any{"prefix": "outbox."})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := e.conn.NewStream(ctx, &MessagingServiceDesc.Streams[0], FullMethod(StreamWatchEvents))
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(req))
	require.NoError(t, stream.CloseSend())

	evt := new(structpb.Struct)
	require.NoError(t, stream.RecvMsg(evt))
	assert.Equal(t, KindStreamReady, evt.AsMap()["kind"])

	out := e.mustCall(t, MethodSend, map[string]any{
		"thread_id":  1,
		"recipients": []any{alice},
		"body":       "on my way",
	})
	sent := out["message"].(map[string]any)
	localID := int64(sent["id"].(float64))
	assert.Negative(t, localID)
	assert.Equal(t, "OUTBOX", sent["type"])
	assert.Equal(t, float64(1), sent["subscription_id"])

	require.NoError(t, stream.RecvMsg(evt))
	got := evt.AsMap()
	assert.Equal(t, bus.KindOutboxSend, got["kind"])
	assert.Equal(t, float64(localID), got["payload"].(map[string]any)["message_id"])

	e.mustCall(t, MethodReportSendResult, map[string]any{
		"message_id":  localID,
		"external_id": 500,
		"thread_id":   1,
		"sent":        true,
	})
	m, err := e.db.GetMessage(context.Background(), 500)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, store.TypeSent, m.Type)

	e.mustCall(t, MethodReportDelivery, map[string]any{"message_id": 500, "delivered": true})
	m, err = e.db.GetMessage(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, store.StatusComplete, m.Status)
}

func TestErrorCodes(t *testing.T) {
	e := newEnv(t)
	e.seed(t)

	tests := []struct {
		name   string
		method string
		in     map[string]any
		want   codes.Code
	}{
		{"empty body", MethodSend, map[string]any{"thread_id": 1, "recipients": []any{alice}}, codes.InvalidArgument},
		{"bad recipient", MethodSend, map[string]any{"recipients": []any{"x"}, "body": "hi"}, codes.InvalidArgument},
		{"missing thread", MethodGetThread, nil, codes.InvalidArgument},
		{"unknown message", MethodResend, map[string]any{"message_id": 12345}, codes.NotFound},
		{"resend inbound", MethodResend, map[string]any{"message_id": 100}, codes.InvalidArgument},
		{"empty query", MethodSearch, nil, codes.InvalidArgument},
		{"schedule without time", MethodSchedule, map[string]any{"thread_id": 1, "recipients": []any{alice}, "body": "x"}, codes.InvalidArgument},
	}
	// Resend of message 100 needs it in the cache.
	e.mustCall(t, MethodGetThread, map[string]any{"thread_id": 1})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.call(t, tt.method, tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.want, grpcstatus.Code(err), "%v", err)
		})
	}
}

func TestScheduleEditCancel(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	at := time.Now().Add(time.Hour).Unix()

	out := e.mustCall(t, MethodSchedule, map[string]any{
		"thread_id":  1,
		"recipients": []any{alice},
		"body":       "later",
		"at":         at,
	})
	msg := out["message"].(map[string]any)
	id := int64(msg["id"].(float64))
	assert.Equal(t, true, msg["scheduled"])
	assert.Equal(t, float64(at), msg["date"])

	_, err := e.call(t, MethodSchedule, map[string]any{
		"thread_id":  1,
		"recipients": []any{alice},
		"body":       "now",
		"at":         time.Now().Unix(),
	})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))

	out = e.mustCall(t, MethodEditScheduled, map[string]any{"message_id": id, "body": "later!", "at": at + 60})
	assert.Equal(t, float64(id), out["message"].(map[string]any)["id"])
	assert.Equal(t, "later!", out["message"].(map[string]any)["body"])

	e.mustCall(t, MethodCancelScheduled, map[string]any{"message_id": id})
	m, err := e.db.GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestDeleteRestoreEmpty(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.mustCall(t, MethodGetThread, map[string]any{"thread_id": 1})

	e.mustCall(t, MethodDelete, map[string]any{"message_ids": []any{100}})
	binned := list(t, e.mustCall(t, MethodListRecycleBin, nil)["messages"])
	require.Len(t, binned, 1)
	assert.Equal(t, float64(100), binned[0]["id"])

	e.mustCall(t, MethodRestore, map[string]any{"message_ids": []any{100}})
	assert.Empty(t, list(t, e.mustCall(t, MethodListRecycleBin, map[string]any{"thread_id": 1})["messages"]))

	e.mustCall(t, MethodDelete, map[string]any{"message_ids": []any{100}})
	out := e.mustCall(t, MethodEmptyRecycleBin, nil)
	assert.Equal(t, float64(1), out["removed"])
	m, err := e.db.GetMessage(context.Background(), 100)
	require.NoError(t, err)
	assert.Nil(t, m)

	_, err = e.call(t, MethodDelete, nil)
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestArchivePinSearch(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.mustCall(t, MethodGetThread, map[string]any{"thread_id": 1})

	e.mustCall(t, MethodArchive, map[string]any{"thread_id": 1})
	assert.Empty(t, list(t, e.mustCall(t, MethodListConversations, nil)["conversations"]))
	archived := list(t, e.mustCall(t, MethodListConversations, map[string]any{"archived": true})["conversations"])
	require.Len(t, archived, 1)

	e.mustCall(t, MethodArchive, map[string]any{"thread_id": 1, "archived": false})
	e.mustCall(t, MethodPin, map[string]any{"thread_id": 1})
	convs := list(t, e.mustCall(t, MethodListConversations, nil)["conversations"])
	require.Len(t, convs, 1)
	assert.Equal(t, true, convs[0]["pinned"])

	_, err := e.call(t, MethodPin, map[string]any{"thread_id": 99})
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	results := list(t, e.mustCall(t, MethodSearch, map[string]any{"query": "hello"})["results"])
	assert.Len(t, results, 2)
}

func TestReportReceived(t *testing.T) {
	e := newEnv(t)
	out := e.mustCall(t, MethodReportReceived, map[string]any{
		"id":        900,
		"thread_id": 7,
		"sender":    "+15550177",
		"body":      "are you there",
		"date":      5000,
	})
	assert.Equal(t, "INBOX", out["message"].(map[string]any)["type"])

	convs := list(t, e.mustCall(t, MethodListConversations, nil)["conversations"])
	require.Len(t, convs, 1)
	assert.Equal(t, float64(7), convs[0]["thread_id"])
	assert.Equal(t, "are you there", convs[0]["snippet"])

	_, err := e.call(t, MethodReportReceived, map[string]any{"id": 901})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err))
}

func TestMarkRead(t *testing.T) {
	e := newEnv(t)
	e.seed(t)
	e.mustCall(t, MethodGetThread, map[string]any{"thread_id": 1})

	e.mustCall(t, MethodMarkRead, map[string]any{"thread_id": 1})
	unread, err := e.db.UnreadMessages(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, unread)
}
