package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/swarm-sync/model"
)

// Leader is an agent proven to hold the leader role. Broadcasting through
// it needs no runtime role check.
type Leader struct {
	agent *Agent
}

// AsLeader wraps a as a Leader, or fails with ErrRoleViolation.
func AsLeader(a *Agent) (Leader, error) {
	if a == nil {
		return Leader{}, fmt.Errorf("%w: nil agent", ErrInvalidAgent)
	}
	if a.Role() != model.RoleLeader {
		return Leader{}, fmt.Errorf("agent %s (%s): %w", a.ID(), a.Role(), ErrRoleViolation)
	}
	return Leader{agent: a}, nil
}

// Agent returns the underlying agent.
func (l Leader) Agent() *Agent { return l.agent }

// ID returns the leader's id.
func (l Leader) ID() string { return l.agent.ID() }

// Broadcast sends the leader's current position to followers.
func (l Leader) Broadcast(ctx context.Context, followers []Receiver) (BroadcastReport, error) {
	return l.agent.broadcast(ctx, followers)
}

// Follower is an agent proven to hold the follower role.
type Follower struct {
	agent *Agent
}

// AsFollower wraps a as a Follower. A leader is rejected with ErrInvalidAgent.
func AsFollower(a *Agent) (Follower, error) {
	if a == nil {
		return Follower{}, fmt.Errorf("%w: nil agent", ErrInvalidAgent)
	}
	if a.Role() != model.RoleFollower {
		return Follower{}, fmt.Errorf("%w: agent %s is a %s", ErrInvalidAgent, a.ID(), a.Role())
	}
	return Follower{agent: a}, nil
}

// Agent returns the underlying agent.
func (f Follower) Agent() *Agent { return f.agent }

// ID implements Receiver.
func (f Follower) ID() string { return f.agent.ID() }

// Receive implements Receiver.
func (f Follower) Receive(ctx context.Context, msg model.Message) (Receipt, error) {
	return f.agent.Receive(ctx, msg)
}

// Receivers converts followers into the slice Broadcast expects.
func Receivers(followers ...Follower) []Receiver {
	out := make([]Receiver, len(followers))
	for i, f := range followers {
		out[i] = f
	}
	return out
}
