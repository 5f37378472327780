// Package api serves the daemon's control surface over gRPC. Requests and
// replies are protobuf Struct messages, so the service needs no generated
// code; the method table below plays the role of the generated descriptor.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sms.v1.Messaging"

// Method names.
const (
	MethodStatus            = "Status"
	MethodRefresh           = "Refresh"
	MethodListConversations = "ListConversations"
	MethodGetThread         = "GetThread"
	MethodLoadOlder         = "LoadOlder"
	MethodJumpTo            = "JumpTo"
	MethodMarkRead          = "MarkRead"
	MethodSend              = "Send"
	MethodSchedule          = "Schedule"
	MethodEditScheduled     = "EditScheduled"
	MethodCancelScheduled   = "CancelScheduled"
	MethodResend            = "Resend"
	MethodDelete            = "Delete"
	MethodRestore           = "Restore"
	MethodEmptyRecycleBin   = "EmptyRecycleBin"
	MethodListRecycleBin    = "ListRecycleBin"
	MethodSearch            = "Search"
	MethodArchive           = "Archive"
	MethodPin               = "Pin"
	MethodReportReceived    = "ReportReceived"
	MethodReportSendResult  = "ReportSendResult"
	MethodReportDelivery    = "ReportDelivery"
	StreamWatchEvents       = "WatchEvents"
)

// FullMethod returns the path a client invokes for a method name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// MessagingServer is the server API for the Messaging service.
type MessagingServer interface {
	Status(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Refresh(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversations(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetThread(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LoadOlder(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JumpTo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Schedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EditScheduled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelScheduled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Resend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Delete(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Restore(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EmptyRecycleBin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRecycleBin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Search(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Archive(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Pin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportReceived(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportSendResult(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReportDelivery(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(MessagingServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(MessagingServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// MessagingServiceDesc describes the Messaging service to grpc.Server.
var MessagingServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessagingServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodStatus, MessagingServer.Status),
		unary(MethodRefresh, MessagingServer.Refresh),
		unary(MethodListConversations, MessagingServer.ListConversations),
		unary(MethodGetThread, MessagingServer.GetThread),
		unary(MethodLoadOlder, MessagingServer.LoadOlder),
		unary(MethodJumpTo, MessagingServer.JumpTo),
		unary(MethodMarkRead, MessagingServer.MarkRead),
		unary(MethodSend, MessagingServer.Send),
		unary(MethodSchedule, MessagingServer.Schedule),
		unary(MethodEditScheduled, MessagingServer.EditScheduled),
		unary(MethodCancelScheduled, MessagingServer.CancelScheduled),
		unary(MethodResend, MessagingServer.Resend),
		unary(MethodDelete, MessagingServer.Delete),
		unary(MethodRestore, MessagingServer.Restore),
		unary(MethodEmptyRecycleBin, MessagingServer.EmptyRecycleBin),
		unary(MethodListRecycleBin, MessagingServer.ListRecycleBin),
		unary(MethodSearch, MessagingServer.Search),
		unary(MethodArchive, MessagingServer.Archive),
		unary(MethodPin, MessagingServer.Pin),
		unary(MethodReportReceived, MessagingServer.ReportReceived),
		unary(MethodReportSendResult, MessagingServer.ReportSendResult),
		unary(MethodReportDelivery, MessagingServer.ReportDelivery),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamWatchEvents,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(MessagingServer).WatchEvents(in, stream)
			},
		},
	},
	Metadata: "sms/v1/messaging.proto",
}

// RegisterMessagingServer registers srv on s.
func RegisterMessagingServer(s grpc.ServiceRegistrar, srv MessagingServer) {
	s.RegisterService(&MessagingServiceDesc, srv)
}
