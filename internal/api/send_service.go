package api

import (
	"context"
	"time"

	"github.com/matheus3301/sms/internal/outbox"
	"github.com/matheus3301/sms/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func draftOf(a args) outbox.Draft {
	d := outbox.Draft{
		ThreadID:   a.Int("thread_id"),
		Recipients: a.Strings("recipients"),
		Body:       a.Str("body"),
	}
	if a.has("subscription_id") {
		ch := int(a.Int("subscription_id"))
		d.SubscriptionID = &ch
	}
	for _, v := range a.fields["attachments"].GetListValue().GetValues() {
		att := argsOf(v.GetStructValue())
		d.Attachments = append(d.Attachments, store.Attachment{
			MimeType: att.Str("mime_type"),
			URI:      att.Str("uri"),
			Filename: att.Str("filename"),
			Size:     att.Int("size"),
		})
	}
	return d
}

func scheduleTime(a args) (time.Time, error) {
	if !a.has("at") {
		return time.Time{}, grpcstatus.Error(codes.InvalidArgument, "at is required")
	}
	return time.Unix(a.Int("at"), 0), nil
}

func messageReply(m *store.Message, err error) (*structpb.Struct, error) {
	if err != nil {
		return reply(nil, err)
	}
	if m == nil {
		return reply(map[string]any{}, nil)
	}
	return reply(map[string]any{"message": messageMap(m)}, nil)
}

func (s *Service) Send(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	return messageReply(s.outbox.Send(ctx, draftOf(argsOf(in))))
}

func (s *Service) Schedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	at, err := scheduleTime(a)
	if err != nil {
		return nil, err
	}
	return messageReply(s.outbox.Schedule(ctx, draftOf(a), at))
}

func (s *Service) EditScheduled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	id, err := a.ID("message_id")
	if err != nil {
		return nil, err
	}
	at, err := scheduleTime(a)
	if err != nil {
		return nil, err
	}
	return messageReply(s.outbox.EditScheduled(ctx, id, a.Str("body"), at))
}

func (s *Service) CancelScheduled(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := argsOf(in).ID("message_id")
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{}, s.outbox.CancelScheduled(ctx, id))
}

func (s *Service) Resend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	id, err := argsOf(in).ID("message_id")
	if err != nil {
		return nil, err
	}
	return messageReply(s.outbox.Resend(ctx, id))
}

// ReportReceived is how the platform bridge delivers an inbound message.
func (s *Service) ReportReceived(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	id, err := a.ID("id")
	if err != nil {
		return nil, err
	}
	threadID, err := a.ID("thread_id")
	if err != nil {
		return nil, err
	}
	sender := a.Str("sender")
	addrs := a.Strings("addresses")
	if len(addrs) == 0 && sender != "" {
		addrs = []string{sender}
	}
	date := a.Int("date")
	if date == 0 {
		date = time.Now().Unix()
	}
	msg := &store.Message{
		ID:             id,
		ThreadID:       threadID,
		Body:           a.Str("body"),
		Type:           store.TypeInbox,
		Status:         store.StatusNone,
		Date:           date,
		SenderAddress:  sender,
		SubscriptionID: store.UnknownSubscription,
		IsMMS:          a.BoolOr("mms", false),
	}
	for _, addr := range addrs {
		msg.Participants = append(msg.Participants, store.Participant{Address: addr})
	}
	if a.has("subscription_id") {
		msg.SubscriptionID = int(a.Int("subscription_id"))
	}
	if err := s.engine.IngestMessage(ctx, msg); err != nil {
		return reply(nil, err)
	}
	return reply(map[string]any{"message": messageMap(msg)}, nil)
}

// ReportSendResult delivers the outcome of a hand-off.
func (s *Service) ReportSendResult(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	id, err := a.ID("message_id")
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{}, s.outbox.HandleResult(ctx, outbox.Result{
		MessageID:  id,
		ExternalID: a.Int("external_id"),
		ThreadID:   a.Int("thread_id"),
		Sent:       a.BoolOr("sent", false),
		Error:      a.Str("error"),
	}))
}

func (s *Service) ReportDelivery(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	id, err := a.ID("message_id")
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{}, s.outbox.HandleDelivery(ctx, id, a.BoolOr("delivered", false)))
}
