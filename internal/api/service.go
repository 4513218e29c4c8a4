// Package api exposes the cache daemon over gRPC on the profile's Unix
// socket. The service is described by hand; every message is a
// google.protobuf.Struct holding the JSON shape of a type in messages.go.
package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bluebubbles.v1.Cache"

// Method names.
const (
	MethodGetStatus      = "GetStatus"
	MethodListChats      = "ListChats"
	MethodSelectChat     = "SelectChat"
	MethodListMessages   = "ListMessages"
	MethodSendText       = "SendText"
	MethodReact          = "React"
	MethodEdit           = "Edit"
	MethodMarkRead       = "MarkRead"
	MethodSetFocused     = "SetFocused"
	MethodSync           = "Sync"
	MethodWipe           = "Wipe"
	MethodResolveContact = "ResolveContact"
	MethodFindChat       = "FindChat"
	MethodGetAttachment  = "GetAttachment"
	MethodWatch          = "Watch"
)

// CacheServer is the server side of the Cache service.
type CacheServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListChats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SelectChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendText(context.Context, *structpb.Struct) (*structpb.Struct, error)
	React(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Edit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkRead(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetFocused(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Sync(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Wipe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindChat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAttachment(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Watch(*structpb.Struct, grpc.ServerStream) error
}

type unaryFunc func(CacheServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CacheServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CacheServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(CacheServer).Watch(in, stream)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// ServiceDesc describes the Cache service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CacheServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetStatus, CacheServer.GetStatus),
		unary(MethodListChats, CacheServer.ListChats),
		unary(MethodSelectChat, CacheServer.SelectChat),
		unary(MethodListMessages, CacheServer.ListMessages),
		unary(MethodSendText, CacheServer.SendText),
		unary(MethodReact, CacheServer.React),
		unary(MethodEdit, CacheServer.Edit),
		unary(MethodMarkRead, CacheServer.MarkRead),
		unary(MethodSetFocused, CacheServer.SetFocused),
		unary(MethodSync, CacheServer.Sync),
		unary(MethodWipe, CacheServer.Wipe),
		unary(MethodResolveContact, CacheServer.ResolveContact),
		unary(MethodFindChat, CacheServer.FindChat),
		unary(MethodGetAttachment, CacheServer.GetAttachment),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    MethodWatch,
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "bluebubbles/v1/cache.proto",
}

// RegisterCacheServer registers srv on s.
func RegisterCacheServer(s grpc.ServiceRegistrar, srv CacheServer) {
	s.RegisterService(&ServiceDesc, srv)
}
