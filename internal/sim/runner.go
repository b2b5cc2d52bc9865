// internal/sim/runner.go
package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/kb"
	"github.com/signalsfoundry/swarm-sync/model"
	"github.com/signalsfoundry/swarm-sync/timectrl"
)

// StepResult is the outcome of one broadcast round.
type StepResult struct {
	Step   int
	Report core.BroadcastReport
	// Move is the delta applied to the leader after the broadcast.
	Move core.Move
}

// Runner plays a scenario: each round the leader broadcasts to every
// follower and then applies its next move.
type Runner struct {
	mu sync.Mutex

	kb       *kb.KnowledgeBase
	scenario *core.Scenario
	motion   core.MotionModel
	remote   []core.Receiver
	log      logging.Logger

	agentOpts []core.AgentOption
	onStep    func(StepResult)
	step      int
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l logging.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// WithAgentOptions applies opts to every agent the runner builds.
func WithAgentOptions(opts ...core.AgentOption) Option {
	return func(r *Runner) { r.agentOpts = append(r.agentOpts, opts...) }
}

// WithMotion overrides the scenario's motion model.
func WithMotion(m core.MotionModel) Option {
	return func(r *Runner) {
		if m != nil {
			r.motion = m
		}
	}
}

// WithStepHook calls fn with every completed round, from Run and
// RunWithClock alike. fn runs after the runner's lock is released.
func WithStepHook(fn func(StepResult)) Option {
	return func(r *Runner) { r.onStep = fn }
}

// WithRemoteFollowers adds followers living behind a transport. They are
// addressed after the local followers.
func WithRemoteFollowers(rs ...core.Receiver) Option {
	return func(r *Runner) { r.remote = append(r.remote, rs...) }
}

// WithKnowledgeBase builds agents into an existing registry instead of a
// fresh one.
func WithKnowledgeBase(store *kb.KnowledgeBase) Option {
	return func(r *Runner) {
		if store != nil {
			r.kb = store
		}
	}
}

// NewRunner validates s and builds its agents.
func NewRunner(s *core.Scenario, opts ...Option) (*Runner, error) {
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("NewRunner: %w", err)
	}

	r := &Runner{
		kb:       kb.NewKnowledgeBase(),
		scenario: s,
		motion:   s.Motion(),
		log:      logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, def := range s.Agents {
		a, err := core.NewAgent(def, r.agentOpts...)
		if err != nil {
			return nil, fmt.Errorf("NewRunner: %w", err)
		}
		if err := r.kb.AddAgent(a); err != nil {
			return nil, fmt.Errorf("NewRunner: %w", err)
		}
	}
	r.log.Info(context.Background(), "scenario loaded",
		logging.String("scenario", s.Name),
		logging.Int("agents", len(s.Agents)),
		logging.Int("remote_followers", len(r.remote)),
	)
	return r, nil
}

// KnowledgeBase exposes the registry the agents live in.
func (r *Runner) KnowledgeBase() *kb.KnowledgeBase { return r.kb }

// Steps returns how many rounds have completed.
func (r *Runner) Steps() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.step
}

// Step runs one round: broadcast, then move the leader. Delivery failures
// are carried in the report, not returned.
func (r *Runner) Step(ctx context.Context) (StepResult, error) {
	res, err := r.advance(ctx)
	if err == nil && r.onStep != nil {
		r.onStep(res)
	}
	return res, err
}

func (r *Runner) advance(ctx context.Context) (StepResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, _ = logging.EnsureRequestID(ctx)

	leader, err := r.kb.Leader()
	if err != nil {
		return StepResult{}, fmt.Errorf("step %d: %w", r.step, err)
	}
	followers := append(r.kb.Followers(), r.remote...)

	report, err := leader.Broadcast(ctx, followers)
	if err != nil {
		return StepResult{}, fmt.Errorf("step %d: %w", r.step, err)
	}
	if derr := report.Err(); derr != nil {
		r.log.Warn(ctx, "broadcast had failures", logging.Int("step", r.step), logging.Err(derr))
	}

	mv := core.ApplyMotion(leader.Agent(), r.motion, r.step)
	res := StepResult{Step: r.step, Report: report, Move: mv}

	r.log.Info(ctx, "round complete",
		logging.Int("step", r.step),
		logging.String("message_id", report.Message.Header.MessageID),
		logging.Int("deliveries", len(report.Deliveries)),
		logging.Bool("leader_moved", !mv.IsZero()),
	)
	r.step++
	return res, nil
}

// Run executes steps rounds back to back, stopping early if ctx is done.
func (r *Runner) Run(ctx context.Context, steps int) ([]StepResult, error) {
	results := make([]StepResult, 0, steps)
	for i := 0; i < steps; i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := r.Step(ctx)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// RunWithClock runs one round per controller tick until steps rounds have
// completed (steps <= 0 runs until ctx is done). Step errors are joined and
// returned once the clock stops.
func (r *Runner) RunWithClock(ctx context.Context, tc *timectrl.TimeController, steps int) error {
	var (
		mu    sync.Mutex
		errs  []error
		count int
	)
	tc.AddListener(func(now time.Time) {
		mu.Lock()
		defer mu.Unlock()
		if ctx.Err() != nil || (steps > 0 && count >= steps) {
			tc.Stop()
			return
		}
		if _, err := r.Step(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tick %s: %w", now.Format(time.RFC3339Nano), err))
		}
		count++
		if steps > 0 && count >= steps {
			tc.Stop()
		}
	})

	done := tc.Start(0)
	select {
	case <-done:
	case <-ctx.Done():
		tc.Stop()
		<-done
	}

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

// Snapshot returns every local agent's current state in registry order.
func (r *Runner) Snapshot() []model.AgentDefinition {
	agents := r.kb.ListAgents()
	out := make([]model.AgentDefinition, len(agents))
	for i, a := range agents {
		out[i] = a.Definition()
	}
	return out
}
