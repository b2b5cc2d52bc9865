package kb

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/model"
)

func mustAgent(t *testing.T, id string, role model.Role, pos model.GeoPosition) *core.Agent {
	t.Helper()
	a, err := core.NewAgent(model.AgentDefinition{ID: id, Role: role, Position: pos})
	if err != nil {
		t.Fatalf("NewAgent(%s): %v", id, err)
	}
	return a
}

func TestAddAndGetAgent(t *testing.T) {
	store := NewKnowledgeBase()
	a := mustAgent(t, "A", model.RoleLeader, model.GeoPosition{})
	if err := store.AddAgent(a); err != nil {
		t.Fatalf("AddAgent error: %v", err)
	}
	if got := store.GetAgent("A"); got != a {
		t.Fatalf("GetAgent returned %#v, want leader A", got)
	}
	if got := store.GetAgent("missing"); got != nil {
		t.Fatalf("GetAgent(missing) = %#v, want nil", got)
	}
}

func TestAddAgentDuplicateAndSecondLeader(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddAgent(mustAgent(t, "A", model.RoleLeader, model.GeoPosition{})); err != nil {
		t.Fatalf("first AddAgent error: %v", err)
	}
	if err := store.AddAgent(mustAgent(t, "A", model.RoleFollower, model.GeoPosition{})); !errors.Is(err, core.ErrAgentExists) {
		t.Fatalf("duplicate AddAgent err = %v, want ErrAgentExists", err)
	}
	if err := store.AddAgent(mustAgent(t, "Z", model.RoleLeader, model.GeoPosition{})); !errors.Is(err, core.ErrLeaderExists) {
		t.Fatalf("second leader err = %v, want ErrLeaderExists", err)
	}
}

func TestLeaderAndFollowersKeepInsertionOrder(t *testing.T) {
	store := NewKnowledgeBase()
	for _, a := range []*core.Agent{
		mustAgent(t, "C", model.RoleFollower, model.GeoPosition{}),
		mustAgent(t, "A", model.RoleLeader, model.GeoPosition{}),
		mustAgent(t, "B", model.RoleFollower, model.GeoPosition{}),
	} {
		if err := store.AddAgent(a); err != nil {
			t.Fatalf("AddAgent error: %v", err)
		}
	}

	leader, err := store.Leader()
	if err != nil {
		t.Fatalf("Leader: %v", err)
	}
	if leader.ID() != "A" {
		t.Fatalf("leader = %s, want A", leader.ID())
	}

	followers := store.Followers()
	if len(followers) != 2 || followers[0].ID() != "C" || followers[1].ID() != "B" {
		t.Fatalf("followers = %v, want [C B]", ids(followers))
	}
	if got := len(store.ListAgents()); got != 3 {
		t.Fatalf("ListAgents len=%d, want 3", got)
	}
}

func TestLeaderMissing(t *testing.T) {
	store := NewKnowledgeBase()
	if _, err := store.Leader(); !errors.Is(err, core.ErrUnknownAgent) {
		t.Fatalf("Leader on empty KB err = %v, want ErrUnknownAgent", err)
	}
}

func TestRemoveAgent(t *testing.T) {
	store := NewKnowledgeBase()
	a := mustAgent(t, "A", model.RoleLeader, model.GeoPosition{})
	if err := store.AddAgent(a); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := store.RemoveAgent("A"); err != nil {
		t.Fatalf("RemoveAgent: %v", err)
	}
	if err := store.RemoveAgent("A"); !errors.Is(err, core.ErrUnknownAgent) {
		t.Fatalf("second RemoveAgent err = %v, want ErrUnknownAgent", err)
	}

	events := 0
	store.Subscribe(func(Event) { events++ })
	a.UpdatePosition(1, 1, 1)
	if events != 0 {
		t.Fatalf("removed agent should not publish events, got %d", events)
	}

	// The leader slot is free again.
	if err := store.AddAgent(mustAgent(t, "A2", model.RoleLeader, model.GeoPosition{})); err != nil {
		t.Fatalf("AddAgent new leader: %v", err)
	}
}

func TestSubscribeReceivesProtocolEvents(t *testing.T) {
	store := NewKnowledgeBase()
	leader := mustAgent(t, "A", model.RoleLeader, model.GeoPosition{Latitude: 28.7041, Longitude: 77.1025, Altitude: 100})
	follower := mustAgent(t, "B", model.RoleFollower, model.GeoPosition{Latitude: 28.7040, Longitude: 77.1024, Altitude: 100})
	for _, a := range []*core.Agent{leader, follower} {
		if err := store.AddAgent(a); err != nil {
			t.Fatalf("AddAgent: %v", err)
		}
	}

	var mu sync.Mutex
	var got []EventType
	unsubscribe := store.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	})

	l, err := store.Leader()
	if err != nil {
		t.Fatalf("Leader: %v", err)
	}
	if _, err := l.Broadcast(context.Background(), store.Followers()); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	want := []EventType{EventPositionUpdated, EventMessageAccepted, EventBroadcastSent}
	mu.Lock()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	mu.Unlock()

	unsubscribe()
	leader.UpdatePosition(0.00001, 0, 0)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("unsubscribed callback still invoked: %v", got)
	}
}

func TestDeliverRoutesByID(t *testing.T) {
	store := NewKnowledgeBase()
	follower := mustAgent(t, "B", model.RoleFollower, model.GeoPosition{Latitude: 1, Longitude: 1})
	if err := store.AddAgent(follower); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	msg, err := core.NewPositionUpdate(core.DigestMD5, "A", []string{"B"}, model.GeoPosition{Latitude: 1.0001, Longitude: 1})
	if err != nil {
		t.Fatalf("NewPositionUpdate: %v", err)
	}

	var dropped int
	store.Subscribe(func(e Event) {
		if e.Type == EventMessageDropped {
			dropped++
		}
	})

	if _, err := store.Deliver(context.Background(), "B", msg); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if _, err := store.Deliver(context.Background(), "nobody", msg); !errors.Is(err, core.ErrUnknownAgent) {
		t.Fatalf("Deliver to unknown err = %v, want ErrUnknownAgent", err)
	}

	msg.Checksum = "bad"
	if _, err := store.Deliver(context.Background(), "B", msg); !errors.Is(err, core.ErrCorruptMessage) {
		t.Fatalf("Deliver corrupt err = %v, want ErrCorruptMessage", err)
	}
	if dropped != 1 {
		t.Fatalf("dropped events = %d, want 1", dropped)
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := NewKnowledgeBase()
	if err := store.AddAgent(mustAgent(t, "A", model.RoleLeader, model.GeoPosition{})); err != nil {
		t.Fatalf("AddAgent error: %v", err)
	}

	followers := make([]*core.Agent, 10)
	for i := range followers {
		followers[i] = mustAgent(t, fmt.Sprintf("f-%d", i), model.RoleFollower, model.GeoPosition{})
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.GetAgent("A")
			_ = store.ListAgents()
			_ = store.Followers()
		}()
		go func(a *core.Agent) {
			defer wg.Done()
			if err := store.AddAgent(a); err != nil {
				t.Errorf("AddAgent(%s): %v", a.ID(), err)
			}
		}(followers[i])
	}
	wg.Wait()

	if got := len(store.Followers()); got != 10 {
		t.Fatalf("followers = %d, want 10", got)
	}
}

func ids(rs []core.Receiver) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID()
	}
	return out
}
