package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/matheus3301/sms/internal/bus"
	"github.com/matheus3301/sms/internal/outbox"
	"github.com/matheus3301/sms/internal/status"
	"github.com/matheus3301/sms/internal/store"
	"github.com/matheus3301/sms/internal/threadview"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// args reads typed request fields. Missing fields read as zero values.
type args struct {
	fields map[string]*structpb.Value
}

func argsOf(s *structpb.Struct) args {
	return args{fields: s.GetFields()}
}

func (a args) has(key string) bool {
	v, ok := a.fields[key]
	if !ok {
		return false
	}
	_, isNull := v.GetKind().(*structpb.Value_NullValue)
	return !isNull
}

func (a args) Int(key string) int64 {
	return valueInt(a.fields[key])
}

func (a args) Str(key string) string {
	return a.fields[key].GetStringValue()
}

func (a args) BoolOr(key string, def bool) bool {
	if !a.has(key) {
		return def
	}
	return a.fields[key].GetBoolValue()
}

func (a args) Strings(key string) []string {
	var out []string
	for _, v := range a.fields[key].GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

func (a args) Ints(key string) []int64 {
	var out []int64
	for _, v := range a.fields[key].GetListValue().GetValues() {
		out = append(out, valueInt(v))
	}
	return out
}

// ID returns a required non-zero id field.
func (a args) ID(key string) (int64, error) {
	id := a.Int(key)
	if id == 0 {
		return 0, grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return id, nil
}

// OptionalID returns nil when the field is absent or zero.
func (a args) OptionalID(key string) *int64 {
	if id := a.Int(key); id != 0 {
		return &id
	}
	return nil
}

// valueInt accepts numbers and decimal strings. Ids travel as strings when a
// client wants to avoid float rounding.
func valueInt(v *structpb.Value) int64 {
	switch k := v.GetKind().(type) {
	case *structpb.Value_NumberValue:
		return int64(k.NumberValue)
	case *structpb.Value_StringValue:
		n, _ := strconv.ParseInt(k.StringValue, 10, 64)
		return n
	}
	return 0
}

// reply encodes out, or maps err to a gRPC status.
func reply(out map[string]any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	s, err := structpb.NewStruct(out)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

// toStatus maps domain errors to gRPC codes. User input errors carry their
// user-facing message.
func toStatus(err error) error {
	var ue *outbox.UserError
	var te *status.TransitionError
	switch {
	case errors.As(err, &ue):
		return grpcstatus.Error(codes.InvalidArgument, ue.Message)
	case errors.As(err, &te):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return grpcstatus.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.Error(codes.DeadlineExceeded, err.Error())
	}
	if s, ok := grpcstatus.FromError(err); ok {
		return s.Err()
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}

func strList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func messageMap(m *store.Message) map[string]any {
	attachments := make([]any, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		attachments = append(attachments, map[string]any{
			"mime_type": a.MimeType,
			"uri":       a.URI,
			"filename":  a.Filename,
			"size":      a.Size,
		})
	}
	return map[string]any{
		"id":              m.ID,
		"thread_id":       m.ThreadID,
		"body":            m.Body,
		"type":            m.Type.String(),
		"status":          m.Status.String(),
		"date":            m.Date,
		"sender":          m.SenderAddress,
		"recipients":      strList(m.Addresses()),
		"subscription_id": m.SubscriptionID,
		"mms":             m.IsMMS,
		"scheduled":       m.IsScheduled,
		"read":            m.Read,
		"stable_id":       m.StableID,
		"attachments":     attachments,
	}
}

func messageList(msgs []store.Message) []any {
	out := make([]any, len(msgs))
	for i := range msgs {
		out[i] = messageMap(&msgs[i])
	}
	return out
}

func conversationMap(c *store.Conversation) map[string]any {
	return map[string]any{
		"thread_id": c.ThreadID,
		"title":     c.Title,
		"phone":     c.PhoneNumber,
		"snippet":   c.Snippet,
		"date":      c.Date,
		"read":      c.Read,
		"archived":  c.Archived,
		"pinned":    c.Pinned,
		"group":     c.IsGroupConversation,
		"company":   c.IsCompany,
		"blocked":   c.IsBlocked,
		"photo_uri": c.PhotoURI,
		"temporary": c.IsTemporary,
	}
}

func conversationList(convs []store.Conversation) []any {
	out := make([]any, len(convs))
	for i := range convs {
		out[i] = conversationMap(&convs[i])
	}
	return out
}

// itemEncoder turns thread view items into reply values.
type itemEncoder struct {
	out []any
}

func (e *itemEncoder) DateSeparator(date int64) {
	e.out = append(e.out, map[string]any{"kind": threadview.KindDateSeparator.String(), "date": date})
}

func (e *itemEncoder) Message(m *store.Message) {
	e.out = append(e.out, map[string]any{"kind": threadview.KindMessage.String(), "message": messageMap(m)})
}

func (e *itemEncoder) Error(messageID int64, body string) {
	e.out = append(e.out, map[string]any{"kind": threadview.KindError.String(), "message_id": messageID, "body": body})
}

func (e *itemEncoder) Sending(messageID int64) {
	e.out = append(e.out, map[string]any{"kind": threadview.KindSending.String(), "message_id": messageID})
}

func (e *itemEncoder) Delivered(delivered bool) {
	e.out = append(e.out, map[string]any{"kind": threadview.KindDelivered.String(), "delivered": delivered})
}

func itemList(items []threadview.Item) []any {
	enc := &itemEncoder{out: make([]any, 0, len(items))}
	for _, it := range items {
		it.Match(enc)
	}
	return enc.out
}

// eventMap renders a bus event for the event stream.
func eventMap(evt bus.Event) map[string]any {
	out := map[string]any{
		"id":    evt.ID,
		"kind":  evt.Kind,
		"ts_ms": evt.Timestamp.UnixMilli(),
	}
	if payload := payloadMap(evt.Payload); payload != nil {
		out["payload"] = payload
	}
	return out
}

func payloadMap(p any) map[string]any {
	switch v := p.(type) {
	case nil:
		return nil
	case bus.ThreadRef:
		return map[string]any{"thread_id": v.ThreadID}
	case bus.ThreadMigrated:
		return map[string]any{"from": v.From, "to": v.To}
	case bus.Snapshot:
		return map[string]any{"conversations": conversationList(v.Conversations), "loading": v.Loading}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case outbox.Outgoing:
		return map[string]any{
			"message_id":      v.MessageID,
			"thread_id":       v.ThreadID,
			"recipients":      strList(v.Recipients),
			"body":            v.Body,
			"subscription_id": v.SubscriptionID,
			"mms":             v.IsMMS,
		}
	case outbox.Result:
		return map[string]any{"message_id": v.MessageID, "external_id": v.ExternalID, "thread_id": v.ThreadID, "sent": v.Sent, "error": v.Error}
	case outbox.Delivery:
		return map[string]any{"message_id": v.MessageID, "delivered": v.Delivered}
	case *store.Message:
		return messageMap(v)
	default:
		return map[string]any{"type": fmt.Sprintf("%T", p)}
	}
}
