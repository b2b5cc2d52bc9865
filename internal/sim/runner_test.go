package sim

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/kb"
	"github.com/signalsfoundry/swarm-sync/model"
	"github.com/signalsfoundry/swarm-sync/timectrl"
)

func TestRunnerDefaultScenario(t *testing.T) {
	r, err := NewRunner(core.DefaultScenario())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}

	results, err := r.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	first, second := results[0], results[1]
	if first.Report.Message.Checksum == second.Report.Message.Checksum {
		t.Fatalf("leader moved between rounds, checksums must differ")
	}
	if first.Move != (core.Move{DLat: 0.00001, DLon: 0.00001}) || !second.Move.IsZero() {
		t.Fatalf("moves = %+v / %+v", first.Move, second.Move)
	}
	if got := second.Report.Message.Payload.Position(); got != (model.GeoPosition{Latitude: 28.7041, Longitude: 77.1025, Altitude: 100}).Add(0.00001, 0.00001, 0) {
		t.Fatalf("second broadcast payload = %+v", got)
	}

	for _, id := range []string{"B", "C"} {
		a := r.KnowledgeBase().GetAgent(id)
		if a == nil {
			t.Fatalf("follower %s missing", id)
		}
		if got := len(a.ReceivedMessages()); got != 2 {
			t.Fatalf("%s received %d messages, want 2", id, got)
		}
	}
	if r.Steps() != 2 {
		t.Fatalf("Steps = %d, want 2", r.Steps())
	}
}

func TestRunnerMetricModeSettlesFollowers(t *testing.T) {
	r, err := NewRunner(core.DefaultScenario(), WithAgentOptions(core.WithCorrectionMode(core.CorrectionMetric)))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if _, err := r.Run(context.Background(), 4); err != nil {
		t.Fatalf("Run: %v", err)
	}

	store := r.KnowledgeBase()
	leader := store.GetAgent("A").Position()
	for _, id := range []string{"B", "C"} {
		d := core.Distance(store.GetAgent(id).Position(), leader)
		if math.Abs(d-core.DesiredDistance) > 1e-6 {
			t.Fatalf("%s distance = %.9f, want %.1f", id, d, core.DesiredDistance)
		}
	}
}

func TestRunnerRejectsInvalidScenario(t *testing.T) {
	s := core.DefaultScenario()
	s.Agents[1].Role = model.RoleLeader
	if _, err := NewRunner(s); !errors.Is(err, core.ErrLeaderExists) {
		t.Fatalf("NewRunner err = %v, want ErrLeaderExists", err)
	}
	if _, err := NewRunner(nil); err == nil {
		t.Fatalf("expected error for nil scenario")
	}
}

type stubReceiver struct {
	id   string
	got  []model.Message
	fail error
}

func (s *stubReceiver) ID() string { return s.id }

func (s *stubReceiver) Receive(_ context.Context, msg model.Message) (core.Receipt, error) {
	s.got = append(s.got, msg)
	return core.Receipt{Action: core.ActionAdjusted}, s.fail
}

func TestRunnerRemoteFollowers(t *testing.T) {
	ok := &stubReceiver{id: "remote-1"}
	broken := &stubReceiver{id: "remote-2", fail: core.ErrCorruptMessage}

	r, err := NewRunner(core.DefaultScenario(), WithRemoteFollowers(ok, broken))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	res, err := r.Step(context.Background())
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	ids := res.Report.Message.Header.DestinationIDs
	want := []string{"B", "C", "remote-1", "remote-2"}
	if len(ids) != len(want) {
		t.Fatalf("destinations = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("destinations = %v, want %v", ids, want)
		}
	}
	if len(ok.got) != 1 || len(broken.got) != 1 {
		t.Fatalf("remote followers not reached")
	}
	if !errors.Is(res.Report.Err(), core.ErrCorruptMessage) {
		t.Fatalf("report err = %v, want remote failure", res.Report.Err())
	}
}

func TestRunnerUsesSharedKnowledgeBase(t *testing.T) {
	store := kb.NewKnowledgeBase()
	var events int
	store.Subscribe(func(e kb.Event) {
		if e.Type == kb.EventBroadcastSent {
			events++
		}
	})

	r, err := NewRunner(core.DefaultScenario(), WithKnowledgeBase(store))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if r.KnowledgeBase() != store {
		t.Fatalf("runner did not use the provided registry")
	}
	if _, err := r.Run(context.Background(), 3); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if events != 3 {
		t.Fatalf("broadcast events = %d, want 3", events)
	}
}

func TestRunnerRunStopsOnCancelledContext(t *testing.T) {
	r, err := NewRunner(core.DefaultScenario())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := r.Run(ctx, 5)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v, want context.Canceled", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %d, want 0", len(results))
	}
}

func TestRunnerRunWithClock(t *testing.T) {
	r, err := NewRunner(core.DefaultScenario())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.RunWithClock(ctx, tc, 3); err != nil {
		t.Fatalf("RunWithClock: %v", err)
	}
	if r.Steps() != 3 {
		t.Fatalf("Steps = %d, want 3", r.Steps())
	}
	if got := len(r.KnowledgeBase().GetAgent("B").ReceivedMessages()); got != 3 {
		t.Fatalf("B received %d messages, want 3", got)
	}
}

func TestRunnerSnapshot(t *testing.T) {
	r, err := NewRunner(core.DefaultScenario())
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	snap := r.Snapshot()
	if len(snap) != 3 || snap[0].ID != "A" || snap[1].ID != "B" || snap[2].ID != "C" {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRunnerStepHookSeesClockRounds(t *testing.T) {
	var (
		mu     sync.Mutex
		rounds []StepResult
	)
	r, err := NewRunner(core.DefaultScenario(), WithStepHook(func(res StepResult) {
		mu.Lock()
		defer mu.Unlock()
		rounds = append(rounds, res)
	}))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := timectrl.NewTimeController(start, time.Second, timectrl.Accelerated)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.RunWithClock(ctx, tc, 3); err != nil {
		t.Fatalf("RunWithClock: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(rounds) != 3 {
		t.Fatalf("hook saw %d rounds, want 3", len(rounds))
	}
	for i, res := range rounds {
		if res.Step != i {
			t.Fatalf("round %d reported step %d", i, res.Step)
		}
		if len(res.Report.Deliveries) != 2 {
			t.Fatalf("round %d deliveries = %d, want 2", i, len(res.Report.Deliveries))
		}
	}
}

func TestRunnerVelocityMotionMovesLeader(t *testing.T) {
	s := core.DefaultScenario()
	s.Agents[0].Velocity = model.Vector{Y: core.MetersPerDegreeLat / 1000} // north, 0.001 deg/s

	r, err := NewRunner(s, WithMotion(core.VelocityMotion{Interval: time.Second}))
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	results, err := r.Run(context.Background(), 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i, res := range results {
		if math.Abs(res.Move.DLat-0.001) > 1e-12 || res.Move.DLon != 0 || res.Move.DAlt != 0 {
			t.Fatalf("round %d move = %+v, want 0.001 deg north", i, res.Move)
		}
	}
	leader, err := r.KnowledgeBase().Leader()
	if err != nil {
		t.Fatalf("Leader: %v", err)
	}
	if got := leader.Agent().Position().Latitude; math.Abs(got-(28.7041+0.002)) > 1e-9 {
		t.Fatalf("leader latitude = %v, want %v", got, 28.7041+0.002)
	}
}
