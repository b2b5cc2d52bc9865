package grpcsync

import (
	"context"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/observability"
	"github.com/signalsfoundry/swarm-sync/model"
)

const requestIDMetadataKey = "x-request-id"

// Deliverer routes a message to a local agent by id. kb.KnowledgeBase
// implements it.
type Deliverer interface {
	Deliver(ctx context.Context, id string, msg model.Message) (core.Receipt, error)
}

// Server implements PositionSyncServer on top of a Deliverer.
type Server struct {
	agents Deliverer
	log    logging.Logger
}

var _ PositionSyncServer = (*Server)(nil)

// NewServer constructs a Server.
func NewServer(agents Deliverer, log logging.Logger) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{agents: agents, log: log}
}

// Deliver implements PositionSyncServer.
func (s *Server) Deliver(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	recipient, msg, err := DecodeDeliverRequest(req)
	if err != nil {
		s.log.Warn(ctx, "rejecting malformed delivery", logging.Err(err))
		return nil, ToStatusError(err)
	}

	receipt, err := s.agents.Deliver(ctx, recipient, msg)
	if err != nil {
		s.log.Warn(ctx, "delivery failed",
			logging.String("recipient_id", recipient),
			logging.String("message_id", msg.Header.MessageID),
			logging.Err(err),
		)
		return nil, ToStatusError(err)
	}

	out, err := EncodeReceipt(receipt)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// NewGRPCServer builds a grpc.Server with the PositionSync service,
// OpenTelemetry stats handling, request ids and, when collector is non-nil,
// Prometheus request metrics.
func NewGRPCServer(agents Deliverer, log logging.Logger, collector *observability.SwarmCollector, opts ...grpc.ServerOption) *grpc.Server {
	interceptors := []grpc.UnaryServerInterceptor{RequestIDUnaryServerInterceptor(log)}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}

	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	RegisterPositionSyncServer(srv, NewServer(agents, log))
	return srv
}

// RequestIDUnaryServerInterceptor ensures a request_id is present on the
// context, sourcing it from inbound metadata if provided, and logs each call.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
				ctx = logging.ContextWithRequestID(ctx, incoming)
			}
		}
		ctx, _ = logging.EnsureRequestID(ctx)

		start := time.Now()
		resp, err := handler(ctx, req)
		base.Debug(ctx, "rpc handled",
			logging.String("method", info.FullMethod),
			logging.String("code", status.Code(err).String()),
			logging.Float64("duration_ms", float64(time.Since(start).Microseconds())/1000),
		)
		return resp, err
	}
}

// RequestIDUnaryClientInterceptor forwards the context's request_id as
// outbound metadata.
func RequestIDUnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if id := logging.RequestIDFromContext(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
