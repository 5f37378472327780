package api

import (
	"context"

	"github.com/matheus3301/sms/internal/store"
	"github.com/matheus3301/sms/internal/threadview"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultSearchLimit = 50

func (s *Service) ListConversations(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var convs []store.Conversation
	var err error
	if argsOf(in).BoolOr("archived", false) {
		convs, err = s.db.ArchivedConversations(ctx)
	} else {
		convs, err = s.db.NonArchivedConversations(ctx)
	}
	if err != nil {
		return reply(nil, err)
	}
	store.SortConversations(convs, s.sort)
	return reply(map[string]any{"conversations": conversationList(convs)}, nil)
}

// GetThread opens the thread's window and returns it assembled for display.
// mark_read marks the unread messages of the window read.
func (s *Service) GetThread(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	threadID, err := a.ID("thread_id")
	if err != nil {
		return nil, err
	}
	w, err := s.pages.Open(ctx, threadID)
	if err != nil {
		return reply(nil, err)
	}
	msgs := w.Messages()
	items := threadview.Assemble(msgs)

	if a.BoolOr("mark_read", false) {
		if err := s.engine.MarkRead(ctx, threadID, threadview.UnreadIDs(msgs)); err != nil {
			return reply(nil, err)
		}
	}

	out := map[string]any{
		"thread_id":   threadID,
		"all_fetched": w.AllFetched(),
		"messages":    messageList(msgs),
		"items":       itemList(items),
		"text":        threadview.Render(items),
	}
	conv, err := s.db.GetConversation(ctx, threadID)
	if err != nil {
		return reply(nil, err)
	}
	if conv != nil {
		out["conversation"] = conversationMap(conv)
	}
	return reply(out, nil)
}

func (s *Service) LoadOlder(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := argsOf(in).ID("thread_id")
	if err != nil {
		return nil, err
	}
	w, err := s.pages.Open(ctx, threadID)
	if err != nil {
		return reply(nil, err)
	}
	n, err := w.LoadMore(ctx)
	if err != nil {
		return reply(nil, err)
	}
	return reply(map[string]any{
		"loaded":      n,
		"total":       len(w.Messages()),
		"all_fetched": w.AllFetched(),
	}, nil)
}

func (s *Service) JumpTo(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	threadID, err := a.ID("thread_id")
	if err != nil {
		return nil, err
	}
	messageID, err := a.ID("message_id")
	if err != nil {
		return nil, err
	}
	w, err := s.pages.Open(ctx, threadID)
	if err != nil {
		return reply(nil, err)
	}
	found, err := w.JumpTo(ctx, messageID)
	if err != nil {
		return reply(nil, err)
	}
	return reply(map[string]any{"found": found, "total": len(w.Messages())}, nil)
}

func (s *Service) MarkRead(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	threadID, err := argsOf(in).ID("thread_id")
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{}, s.engine.MarkThreadRead(ctx, threadID))
}

func (s *Service) Search(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	query := a.Str("query")
	if query == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "query is required")
	}
	limit := int(a.Int("limit"))
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	results, err := s.db.SearchMessages(ctx, query, a.Int("thread_id"), limit)
	if err != nil {
		return reply(nil, err)
	}
	out := make([]any, len(results))
	for i := range results {
		out[i] = map[string]any{
			"message": messageMap(&results[i].Message),
			"snippet": results[i].Snippet,
		}
	}
	return reply(map[string]any{"results": out, "has_more": len(results) == limit}, nil)
}

func (s *Service) Archive(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	threadID, err := a.ID("thread_id")
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{}, s.engine.SetArchived(ctx, threadID, a.BoolOr("archived", true)))
}

func (s *Service) Pin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	threadID, err := a.ID("thread_id")
	if err != nil {
		return nil, err
	}
	return reply(map[string]any{}, s.engine.SetPinned(ctx, threadID, a.BoolOr("pinned", true)))
}
