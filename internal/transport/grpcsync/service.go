// Package grpcsync carries position sync messages between processes over
// gRPC. Requests and receipts travel as google.protobuf.Struct values, so the
// service needs no generated stubs.
package grpcsync

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully-qualified gRPC service name.
	ServiceName = "swarmsync.v1.PositionSync"
	// DeliverMethod is the full method name of the unary Deliver RPC.
	DeliverMethod = "/" + ServiceName + "/Deliver"
)

// PositionSyncServer is the server API for the PositionSync service.
type PositionSyncServer interface {
	// Deliver hands a message to the recipient named in the request and
	// returns its receipt.
	Deliver(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterPositionSyncServer registers srv with s.
func RegisterPositionSyncServer(s grpc.ServiceRegistrar, srv PositionSyncServer) {
	s.RegisterService(&positionSyncServiceDesc, srv)
}

var positionSyncServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PositionSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "swarmsync/v1/position_sync.proto",
}

func deliverHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PositionSyncServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: DeliverMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PositionSyncServer).Deliver(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// PositionSyncClient is the client API for the PositionSync service.
type PositionSyncClient struct {
	cc grpc.ClientConnInterface
}

// NewPositionSyncClient wraps cc.
func NewPositionSyncClient(cc grpc.ClientConnInterface) *PositionSyncClient {
	return &PositionSyncClient{cc: cc}
}

// Deliver invokes the Deliver RPC.
func (c *PositionSyncClient) Deliver(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, DeliverMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
