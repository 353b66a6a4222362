package control

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/domain"

	"google.golang.org/grpc"
)

const (
	ServiceName   = "hsu.supervisor.v1.ControlService"
	executeMethod = "/" + ServiceName + "/Execute"
	statusMethod  = "/" + ServiceName + "/Status"
)

// controlServer is what the service descriptor dispatches to
type controlServer interface {
	Execute(msg *domain.ControlMessage, stream grpc.ServerStream) error
	Status(ctx context.Context, msg *domain.ControlMessage) (*domain.StatusDocument, error)
}

var executeStreamDesc = grpc.StreamDesc{
	StreamName:    "Execute",
	ServerStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*controlServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Status",
			Handler:    statusHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Execute",
			Handler:       executeHandler,
			ServerStreams: true,
		},
	},
	Metadata: "hsu/supervisor/v1/control.json",
}

func statusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(domain.ControlMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(controlServer).Status(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: statusMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(controlServer).Status(ctx, req.(*domain.ControlMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func executeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(domain.ControlMessage)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(controlServer).Execute(in, stream)
}
