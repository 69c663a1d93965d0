package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "lifetrack.v1.Lifetrack"

// LifetrackServer is the server side of the control API.
type LifetrackServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SyncNow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListConversation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListInbox(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListOutbox(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddFriend(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListFriends(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetEndpoint(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetViewer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStream) error
}

type unaryMethod func(LifetrackServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, fn unaryMethod) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(LifetrackServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return fn(srv.(LifetrackServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(LifetrackServer).WatchEvents(in, stream)
}

// ServiceDesc describes the control API to grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LifetrackServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", LifetrackServer.GetStatus),
		unary("SyncNow", LifetrackServer.SyncNow),
		unary("SendMessage", LifetrackServer.SendMessage),
		unary("MarkRead", LifetrackServer.MarkRead),
		unary("ListConversation", LifetrackServer.ListConversation),
		unary("ListInbox", LifetrackServer.ListInbox),
		unary("ListOutbox", LifetrackServer.ListOutbox),
		unary("AddFriend", LifetrackServer.AddFriend),
		unary("ListFriends", LifetrackServer.ListFriends),
		unary("SetEndpoint", LifetrackServer.SetEndpoint),
		unary("SetViewer", LifetrackServer.SetViewer),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

var _ LifetrackServer = (*Service)(nil)
