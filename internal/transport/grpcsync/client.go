package grpcsync

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/model"
)

// DefaultTimeout bounds a single remote delivery when the caller's context
// has no deadline.
const DefaultTimeout = 5 * time.Second

// Dial opens a plaintext client connection to target with tracing and
// request-id propagation installed.
func Dial(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	base := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithChainUnaryInterceptor(RequestIDUnaryClientInterceptor()),
	}
	conn, err := grpc.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}
	return conn, nil
}

// RemoteFollower is a follower reached through the PositionSync service. It
// implements core.Receiver, so a leader can broadcast to it like a local
// agent.
type RemoteFollower struct {
	id      string
	client  *PositionSyncClient
	timeout time.Duration
}

var _ core.Receiver = (*RemoteFollower)(nil)

// NewRemoteFollower addresses follower id over cc.
func NewRemoteFollower(id string, cc grpc.ClientConnInterface) *RemoteFollower {
	return &RemoteFollower{id: id, client: NewPositionSyncClient(cc), timeout: DefaultTimeout}
}

// WithTimeout returns a copy of r using d per delivery.
func (r *RemoteFollower) WithTimeout(d time.Duration) *RemoteFollower {
	cp := *r
	cp.timeout = d
	return &cp
}

// ID implements core.Receiver.
func (r *RemoteFollower) ID() string { return r.id }

// Receive implements core.Receiver. Remote protocol errors come back as the
// matching core sentinel.
func (r *RemoteFollower) Receive(ctx context.Context, msg model.Message) (core.Receipt, error) {
	req, err := EncodeDeliverRequest(r.id, msg)
	if err != nil {
		return core.Receipt{}, err
	}

	if _, ok := ctx.Deadline(); !ok && r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	resp, err := r.client.Deliver(ctx, req)
	if err != nil {
		return core.Receipt{}, fmt.Errorf("remote follower %s: %w", r.id, FromStatusError(err))
	}
	return DecodeReceipt(resp)
}
