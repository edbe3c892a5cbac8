package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName gRPC 服务全名
const ServiceName = "broker.v1.SessionControl"

const (
	methodCreateSession = "/" + ServiceName + "/CreateSession"
	methodListSessions  = "/" + ServiceName + "/ListSessions"
	methodCloseSession  = "/" + ServiceName + "/CloseSession"
	methodPollPending   = "/" + ServiceName + "/PollPending"
)

// SessionControlServer 会话控制服务，请求与响应均为 google.protobuf.Struct
type SessionControlServer interface {
	CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListSessions(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CloseSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	PollPending(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterSessionControlServer 注册服务实现
func RegisterSessionControlServer(s grpc.ServiceRegistrar, srv SessionControlServer) {
	s.RegisterService(&SessionControlServiceDesc, srv)
}

type unaryCall func(srv SessionControlServer, ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryCall) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SessionControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(SessionControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// SessionControlServiceDesc 手工声明的服务描述，消息类型全部来自 structpb
var SessionControlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SessionControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CreateSession",
			Handler:    unaryHandler(methodCreateSession, SessionControlServer.CreateSession),
		},
		{
			MethodName: "ListSessions",
			Handler:    unaryHandler(methodListSessions, SessionControlServer.ListSessions),
		},
		{
			MethodName: "CloseSession",
			Handler:    unaryHandler(methodCloseSession, SessionControlServer.CloseSession),
		},
		{
			MethodName: "PollPending",
			Handler:    unaryHandler(methodPollPending, SessionControlServer.PollPending),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "broker/v1/session_control.proto",
}

// SessionControlClient 会话控制服务客户端
type SessionControlClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionControlClient 基于已有连接创建客户端
func NewSessionControlClient(cc grpc.ClientConnInterface) *SessionControlClient {
	return &SessionControlClient{cc: cc}
}

func (c *SessionControlClient) invoke(ctx context.Context, method string, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionControlClient) CreateSession(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodCreateSession, req, opts...)
}

func (c *SessionControlClient) ListSessions(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodListSessions, req, opts...)
}

func (c *SessionControlClient) CloseSession(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodCloseSession, req, opts...)
}

func (c *SessionControlClient) PollPending(ctx context.Context, req *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, methodPollPending, req, opts...)
}
