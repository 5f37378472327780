package api

import (
	"context"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Delete removes messages, or a whole conversation when only thread_id is
// given. With the recycle bin enabled both can be restored.
func (s *Service) Delete(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(in)
	ids := a.Ints("message_ids")
	if len(ids) > 0 {
		return reply(map[string]any{"deleted": len(ids)}, s.bin.Delete(ctx, ids))
	}
	threadID, err := a.ID("thread_id")
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_ids or thread_id is required")
	}
	return reply(map[string]any{}, s.bin.DeleteConversation(ctx, threadID))
}

func (s *Service) Restore(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ids := argsOf(in).Ints("message_ids")
	if len(ids) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_ids is required")
	}
	return reply(map[string]any{"restored": len(ids)}, s.bin.Restore(ctx, ids))
}

func (s *Service) EmptyRecycleBin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	n, err := s.bin.Empty(ctx, argsOf(in).OptionalID("thread_id"))
	if err != nil {
		return reply(nil, err)
	}
	return reply(map[string]any{"removed": n}, nil)
}

func (s *Service) ListRecycleBin(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	msgs, err := s.bin.List(ctx, argsOf(in).OptionalID("thread_id"))
	if err != nil {
		return reply(nil, err)
	}
	return reply(map[string]any{"messages": messageList(msgs)}, nil)
}
