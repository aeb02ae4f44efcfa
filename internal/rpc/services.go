package rpc

import (
	"context"

	"google.golang.org/grpc"
)

const (
	RegistryServiceName = "resize.Registry"
	WorkerServiceName   = "resize.Worker"

	MethodRegister        = "/" + RegistryServiceName + "/Register"
	MethodGetMethodConfig = "/" + RegistryServiceName + "/GetMethodConfig"
	MethodAlive           = "/" + WorkerServiceName + "/Alive"
	MethodExecute         = "/" + WorkerServiceName + "/Execute"
)

// RegistryServer is served by the registry process.
type RegistryServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterReply, error)
	GetMethodConfig(context.Context, *MethodConfigRequest) (*MethodConfigReply, error)
}

// WorkerServer is served by every worker process.
type WorkerServer interface {
	Alive(context.Context, *AliveRequest) (*AliveReply, error)
	Execute(context.Context, *TaskRequest) (*TaskReply, error)
}

// RegisterRegistryServer attaches srv to s.
func RegisterRegistryServer(s grpc.ServiceRegistrar, srv RegistryServer) {
	s.RegisterService(&registryServiceDesc, srv)
}

// RegisterWorkerServer attaches srv to s.
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

// unaryHandler adapts a typed method to grpc.MethodDesc.Handler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var registryServiceDesc = grpc.ServiceDesc{
	ServiceName: RegistryServiceName,
	HandlerType: (*RegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: unaryHandler(MethodRegister, func(srv any, ctx context.Context, req *RegisterRequest) (*RegisterReply, error) {
				return srv.(RegistryServer).Register(ctx, req)
			}),
		},
		{
			MethodName: "GetMethodConfig",
			Handler: unaryHandler(MethodGetMethodConfig, func(srv any, ctx context.Context, req *MethodConfigRequest) (*MethodConfigReply, error) {
				return srv.(RegistryServer).GetMethodConfig(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "registry",
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Alive",
			Handler: unaryHandler(MethodAlive, func(srv any, ctx context.Context, req *AliveRequest) (*AliveReply, error) {
				return srv.(WorkerServer).Alive(ctx, req)
			}),
		},
		{
			MethodName: "Execute",
			Handler: unaryHandler(MethodExecute, func(srv any, ctx context.Context, req *TaskRequest) (*TaskReply, error) {
				return srv.(WorkerServer).Execute(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "worker",
}
