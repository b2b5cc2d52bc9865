package kb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/model"
)

// EventType indicates what kind of change happened in the swarm.
type EventType int

const (
	EventPositionUpdated EventType = iota
	EventBroadcastSent
	EventBroadcastRejected
	EventMessageAccepted
	EventMessageDropped
)

func (t EventType) String() string {
	switch t {
	case EventPositionUpdated:
		return "position_updated"
	case EventBroadcastSent:
		return "broadcast_sent"
	case EventBroadcastRejected:
		return "broadcast_rejected"
	case EventMessageAccepted:
		return "message_accepted"
	case EventMessageDropped:
		return "message_dropped"
	default:
		return "unknown"
	}
}

// Event is emitted to subscribers when something interesting happens.
type Event struct {
	Type     EventType
	AgentID  string
	Position model.GeoPosition
	Message  model.Message
	Receipt  core.Receipt
	Err      error
}

type subscription struct {
	id int
	fn func(Event)
}

// KnowledgeBase is an in-memory, thread-safe registry of the swarm's agents.
// Agents added here report their protocol events to its subscribers.
type KnowledgeBase struct {
	mu sync.RWMutex

	agents   map[string]*core.Agent
	order    []string
	leaderID string

	subs   []subscription
	nextID int
}

// NewKnowledgeBase constructs an empty KB.
func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		agents: make(map[string]*core.Agent),
	}
}

// AddAgent registers a. IDs are unique and the swarm holds at most one leader.
func (kb *KnowledgeBase) AddAgent(a *core.Agent) error {
	if a == nil {
		return fmt.Errorf("%w: nil agent", core.ErrInvalidAgent)
	}

	kb.mu.Lock()
	if _, exists := kb.agents[a.ID()]; exists {
		kb.mu.Unlock()
		return fmt.Errorf("agent %q: %w", a.ID(), core.ErrAgentExists)
	}
	if a.Role() == model.RoleLeader {
		if kb.leaderID != "" {
			kb.mu.Unlock()
			return fmt.Errorf("agent %q (leader is %q): %w", a.ID(), kb.leaderID, core.ErrLeaderExists)
		}
		kb.leaderID = a.ID()
	}
	kb.agents[a.ID()] = a
	kb.order = append(kb.order, a.ID())
	kb.mu.Unlock()

	a.Observe(observer{kb: kb})
	return nil
}

// RemoveAgent drops an agent from the registry. Events it emits afterwards
// are no longer forwarded.
func (kb *KnowledgeBase) RemoveAgent(id string) error {
	kb.mu.Lock()
	defer kb.mu.Unlock()

	if _, ok := kb.agents[id]; !ok {
		return fmt.Errorf("agent %q: %w", id, core.ErrUnknownAgent)
	}
	delete(kb.agents, id)
	for i, oid := range kb.order {
		if oid == id {
			kb.order = append(kb.order[:i], kb.order[i+1:]...)
			break
		}
	}
	if kb.leaderID == id {
		kb.leaderID = ""
	}
	return nil
}

// GetAgent returns the agent with the given ID, or nil if not found.
func (kb *KnowledgeBase) GetAgent(id string) *core.Agent {
	kb.mu.RLock()
	defer kb.mu.RUnlock()
	return kb.agents[id]
}

// ListAgents returns a snapshot of all agents in insertion order.
func (kb *KnowledgeBase) ListAgents() []*core.Agent {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]*core.Agent, 0, len(kb.order))
	for _, id := range kb.order {
		res = append(res, kb.agents[id])
	}
	return res
}

// Leader returns the swarm's leader capability.
func (kb *KnowledgeBase) Leader() (core.Leader, error) {
	kb.mu.RLock()
	id := kb.leaderID
	a := kb.agents[id]
	kb.mu.RUnlock()

	if a == nil {
		return core.Leader{}, fmt.Errorf("leader: %w", core.ErrUnknownAgent)
	}
	return core.AsLeader(a)
}

// Followers returns every follower in insertion order, ready to broadcast to.
func (kb *KnowledgeBase) Followers() []core.Receiver {
	kb.mu.RLock()
	defer kb.mu.RUnlock()

	res := make([]core.Receiver, 0, len(kb.order))
	for _, id := range kb.order {
		if f, err := core.AsFollower(kb.agents[id]); err == nil {
			res = append(res, f)
		}
	}
	return res
}

// Deliver hands msg to the local agent id. Transports use it to route
// inbound messages.
func (kb *KnowledgeBase) Deliver(ctx context.Context, id string, msg model.Message) (core.Receipt, error) {
	a := kb.GetAgent(id)
	if a == nil {
		return core.Receipt{}, fmt.Errorf("deliver to %q: %w", id, core.ErrUnknownAgent)
	}
	return a.Receive(ctx, msg)
}

// Subscribe registers a callback for swarm events. It returns an unsubscribe
// function. Callbacks run on the goroutine that produced the event, outside
// the KB lock.
func (kb *KnowledgeBase) Subscribe(fn func(Event)) (unsubscribe func()) {
	kb.mu.Lock()
	defer kb.mu.Unlock()
	id := kb.nextID
	kb.nextID++
	kb.subs = append(kb.subs, subscription{id: id, fn: fn})

	return func() {
		kb.mu.Lock()
		defer kb.mu.Unlock()
		for i, s := range kb.subs {
			if s.id == id {
				kb.subs = append(kb.subs[:i], kb.subs[i+1:]...)
				return
			}
		}
	}
}

func (kb *KnowledgeBase) publish(e Event) {
	kb.mu.RLock()
	if _, ok := kb.agents[e.AgentID]; !ok {
		kb.mu.RUnlock()
		return
	}
	subs := append([]subscription(nil), kb.subs...)
	kb.mu.RUnlock()

	for _, s := range subs {
		s.fn(e)
	}
}

// observer adapts agent callbacks into KB events.
type observer struct {
	kb *KnowledgeBase
}

func (o observer) PositionChanged(agentID string, pos model.GeoPosition) {
	o.kb.publish(Event{Type: EventPositionUpdated, AgentID: agentID, Position: pos})
}

func (o observer) BroadcastSent(report core.BroadcastReport) {
	o.kb.publish(Event{Type: EventBroadcastSent, AgentID: report.Message.Header.SourceID, Message: report.Message.Clone()})
}

func (o observer) BroadcastRejected(agentID string) {
	o.kb.publish(Event{Type: EventBroadcastRejected, AgentID: agentID})
}

func (o observer) MessageReceived(agentID string, msg model.Message, r core.Receipt, err error) {
	t := EventMessageAccepted
	if errors.Is(err, core.ErrCorruptMessage) {
		t = EventMessageDropped
	}
	o.kb.publish(Event{Type: t, AgentID: agentID, Message: msg.Clone(), Receipt: r, Err: err, Position: r.Position})
}
