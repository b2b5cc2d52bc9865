package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/model"
)

const tracerName = "github.com/signalsfoundry/swarm-sync/core"

// Receiver is anything a leader can deliver a position message to: a local
// agent, or a remote follower behind a transport.
type Receiver interface {
	ID() string
	Receive(ctx context.Context, msg model.Message) (Receipt, error)
}

// Publisher gets every broadcast message once, before per-follower delivery.
type Publisher interface {
	Publish(ctx context.Context, msg model.Message) error
}

// Observer is notified of protocol events. Implementations must be safe for
// concurrent use and must not call back into the agent.
type Observer interface {
	PositionChanged(agentID string, pos model.GeoPosition)
	BroadcastSent(report BroadcastReport)
	BroadcastRejected(agentID string)
	MessageReceived(agentID string, msg model.Message, receipt Receipt, err error)
}

// Action records what an agent did with an accepted message.
type Action int

const (
	ActionNone      Action = iota // dropped, or failed before acting
	ActionAdjusted                // follower moved toward its standoff
	ActionHeld                    // follower already at the standoff
	ActionIgnored                 // position update received by a leader
	ActionUnhandled               // unknown message kind
)

func (a Action) String() string {
	switch a {
	case ActionAdjusted:
		return "adjusted"
	case ActionHeld:
		return "held"
	case ActionIgnored:
		return "ignored"
	case ActionUnhandled:
		return "unhandled"
	default:
		return "none"
	}
}

// ParseAction is the inverse of Action.String. Unrecognised names map to
// ActionNone.
func ParseAction(s string) Action {
	switch s {
	case "adjusted":
		return ActionAdjusted
	case "held":
		return ActionHeld
	case "ignored":
		return ActionIgnored
	case "unhandled":
		return ActionUnhandled
	default:
		return ActionNone
	}
}

// Receipt describes the result of one Receive call.
type Receipt struct {
	Action         Action
	DistanceBefore float64
	DistanceAfter  float64
	// Position is the receiver's position after handling the message.
	Position model.GeoPosition
}

// Delivery is the per-recipient outcome of a broadcast.
type Delivery struct {
	RecipientID string
	Receipt     Receipt
	Err         error
}

// BroadcastReport is the result of a successful broadcast call. Individual
// deliveries may still have failed.
type BroadcastReport struct {
	Message    model.Message
	Deliveries []Delivery
	PublishErr error
}

// Err joins every delivery and publish error, or returns nil.
func (r BroadcastReport) Err() error {
	errs := make([]error, 0, len(r.Deliveries)+1)
	if r.PublishErr != nil {
		errs = append(errs, r.PublishErr)
	}
	for _, d := range r.Deliveries {
		if d.Err != nil {
			errs = append(errs, fmt.Errorf("deliver to %s: %w", d.RecipientID, d.Err))
		}
	}
	return errors.Join(errs...)
}

// Agent is one member of the swarm. It exclusively owns its mutable state;
// other agents only ever see copies of its position inside messages.
type Agent struct {
	mu       sync.RWMutex
	def      model.AgentDefinition
	received []model.Message

	log        logging.Logger
	digest     Digest
	mode       CorrectionMode
	standoff   float64
	concurrent bool
	publishers []Publisher
	tracer     trace.Tracer

	obsMu     sync.RWMutex
	observers []Observer
}

// AgentOption customises Agent construction.
type AgentOption func(*Agent)

// WithLogger sets the agent's logger. The logger is annotated with the
// agent id and role.
func WithLogger(l logging.Logger) AgentOption {
	return func(a *Agent) {
		if l != nil {
			a.log = l
		}
	}
}

// WithDigest selects the checksum digest used to frame and verify messages.
func WithDigest(d Digest) AgentOption {
	return func(a *Agent) { a.digest = d }
}

// WithCorrectionMode selects the follower correction algorithm.
func WithCorrectionMode(m CorrectionMode) AgentOption {
	return func(a *Agent) { a.mode = m }
}

// WithStandoff overrides DesiredDistance. Non-positive values keep the
// default.
func WithStandoff(meters float64) AgentOption {
	return func(a *Agent) {
		if meters > 0 {
			a.standoff = meters
		}
	}
}

// WithConcurrentDelivery makes broadcasts deliver to all followers in
// parallel instead of in list order.
func WithConcurrentDelivery(enabled bool) AgentOption {
	return func(a *Agent) { a.concurrent = enabled }
}

// WithPublisher adds a sink that receives every broadcast message.
func WithPublisher(p Publisher) AgentOption {
	return func(a *Agent) {
		if p != nil {
			a.publishers = append(a.publishers, p)
		}
	}
}

// WithObserver attaches an observer at construction.
func WithObserver(o Observer) AgentOption {
	return func(a *Agent) {
		if o != nil {
			a.observers = append(a.observers, o)
		}
	}
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) AgentOption {
	return func(a *Agent) {
		if tp != nil {
			a.tracer = tp.Tracer(tracerName)
		}
	}
}

// NewAgent validates def and constructs an agent.
func NewAgent(def model.AgentDefinition, opts ...AgentOption) (*Agent, error) {
	if def.ID == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidAgent)
	}
	if def.Role != model.RoleLeader && def.Role != model.RoleFollower {
		return nil, fmt.Errorf("%w: agent %s has role %s", ErrInvalidAgent, def.ID, def.Role)
	}

	a := &Agent{
		def:      def,
		log:      logging.Noop(),
		digest:   DigestMD5,
		mode:     CorrectionMixedUnits,
		standoff: DesiredDistance,
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With(logging.String("agent_id", def.ID), logging.String("role", def.Role.String()))
	return a, nil
}

// ID returns the agent's immutable identity.
func (a *Agent) ID() string { return a.def.ID }

// Role returns the role fixed at construction.
func (a *Agent) Role() model.Role { return a.def.Role }

// Mass returns the agent's mass.
func (a *Agent) Mass() float64 { return a.def.Mass }

// Acceleration is reserved; no operation mutates it.
func (a *Agent) Acceleration() model.Vector { return a.def.Acceleration }

// Velocity returns the agent's velocity vector.
func (a *Agent) Velocity() model.Vector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.def.Velocity
}

// Position returns the current position.
func (a *Agent) Position() model.GeoPosition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.def.Position
}

// Altitude returns the current altitude in metres.
func (a *Agent) Altitude() float64 {
	return a.Position().Altitude
}

// Definition returns a snapshot of the agent's full state.
func (a *Agent) Definition() model.AgentDefinition {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.def
}

// ReceivedMessages returns a copy of the received-message log in arrival order.
func (a *Agent) ReceivedMessages() []model.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.Message, len(a.received))
	for i, m := range a.received {
		out[i] = m.Clone()
	}
	return out
}

// Observe registers an additional observer.
func (a *Agent) Observe(o Observer) {
	if o == nil {
		return
	}
	a.obsMu.Lock()
	defer a.obsMu.Unlock()
	a.observers = append(a.observers, o)
}

// UpdatePosition adds the deltas to the current position. Coordinates are
// not range-checked.
func (a *Agent) UpdatePosition(dLat, dLon, dAlt float64) {
	a.mu.Lock()
	a.def.Position = a.def.Position.Add(dLat, dLon, dAlt)
	pos := a.def.Position
	a.mu.Unlock()

	a.log.Info(context.Background(), "agent moved",
		logging.Float64("latitude", pos.Latitude),
		logging.Float64("longitude", pos.Longitude),
		logging.Float64("altitude", pos.Altitude),
	)
	a.notify(func(o Observer) { o.PositionChanged(a.def.ID, pos) })
}

// Broadcast frames the agent's current position and delivers it to every
// follower. It fails with ErrRoleViolation, delivering nothing, unless the
// agent is a leader. Use AsLeader to check the role once up front.
func (a *Agent) Broadcast(ctx context.Context, followers []Receiver) (BroadcastReport, error) {
	if a.def.Role != model.RoleLeader {
		a.log.Warn(ctx, "non-leader cannot send position updates")
		a.notify(func(o Observer) { o.BroadcastRejected(a.def.ID) })
		return BroadcastReport{}, fmt.Errorf("agent %s (%s): %w", a.def.ID, a.def.Role, ErrRoleViolation)
	}
	return a.broadcast(ctx, followers)
}

func (a *Agent) broadcast(ctx context.Context, followers []Receiver) (BroadcastReport, error) {
	ids := make([]string, 0, len(followers))
	for _, f := range followers {
		ids = append(ids, f.ID())
	}

	ctx, span := a.tracer.Start(ctx, "swarm.broadcast", trace.WithAttributes(
		attribute.String("swarm.source_id", a.def.ID),
		attribute.Int("swarm.recipients", len(ids)),
	))
	defer span.End()

	msg, err := NewPositionUpdate(a.digest, a.def.ID, ids, a.Position())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return BroadcastReport{}, fmt.Errorf("agent %s: frame position update: %w", a.def.ID, err)
	}
	span.SetAttributes(attribute.String("swarm.message_id", msg.Header.MessageID))

	report := BroadcastReport{Message: msg, Deliveries: make([]Delivery, len(followers))}

	var publishErrs []error
	for _, p := range a.publishers {
		if err := p.Publish(ctx, msg); err != nil {
			a.log.Warn(ctx, "publish position update failed", logging.Err(err))
			publishErrs = append(publishErrs, err)
		}
	}
	report.PublishErr = errors.Join(publishErrs...)

	deliver := func(i int, f Receiver) {
		a.log.Debug(ctx, "sending position update", logging.String("recipient_id", f.ID()))
		receipt, err := f.Receive(ctx, msg)
		report.Deliveries[i] = Delivery{RecipientID: f.ID(), Receipt: receipt, Err: err}
	}

	if a.concurrent {
		var wg sync.WaitGroup
		for i, f := range followers {
			wg.Add(1)
			go func(i int, f Receiver) {
				defer wg.Done()
				deliver(i, f)
			}(i, f)
		}
		wg.Wait()
	} else {
		for i, f := range followers {
			deliver(i, f)
		}
	}

	if err := report.Err(); err != nil {
		span.RecordError(err)
	}
	a.log.Info(ctx, "position update broadcast",
		logging.String("message_id", msg.Header.MessageID),
		logging.Int("recipients", len(followers)),
		logging.String("checksum", msg.Checksum),
	)
	a.notify(func(o Observer) { o.BroadcastSent(report) })
	return report, nil
}

// Receive verifies msg and, if intact, logs it and dispatches on its kind.
// A corrupt message is dropped with ErrCorruptMessage and is not logged.
func (a *Agent) Receive(ctx context.Context, msg model.Message) (Receipt, error) {
	ctx, span := a.tracer.Start(ctx, "swarm.receive", trace.WithAttributes(
		attribute.String("swarm.agent_id", a.def.ID),
		attribute.String("swarm.source_id", msg.Header.SourceID),
		attribute.String("swarm.message_type", msg.Header.MessageType.String()),
	))
	defer span.End()

	receipt, err := a.receive(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("swarm.action", receipt.Action.String()))
	a.notify(func(o Observer) { o.MessageReceived(a.def.ID, msg, receipt, err) })
	return receipt, err
}

func (a *Agent) receive(ctx context.Context, msg model.Message) (Receipt, error) {
	if !VerifyChecksumWith(a.digest, msg) {
		a.log.Warn(ctx, "received corrupted message",
			logging.String("source_id", msg.Header.SourceID),
			logging.String("message_id", msg.Header.MessageID),
		)
		return Receipt{Position: a.Position()}, fmt.Errorf("agent %s: message %q from %s: %w",
			a.def.ID, msg.Header.MessageID, msg.Header.SourceID, ErrCorruptMessage)
	}

	a.mu.Lock()
	a.received = append(a.received, msg.Clone())
	a.mu.Unlock()

	a.log.Debug(ctx, "received message",
		logging.String("source_id", msg.Header.SourceID),
		logging.String("message_type", msg.Header.MessageType.String()),
	)
	return a.dispatch(ctx, msg)
}

func (a *Agent) dispatch(ctx context.Context, msg model.Message) (Receipt, error) {
	switch msg.Header.MessageType {
	case model.KindPositionUpdate:
		if a.def.Role != model.RoleFollower {
			return Receipt{Action: ActionIgnored, Position: a.Position()}, nil
		}
		return a.adjustPosition(ctx, msg.Payload.Position())
	default:
		a.log.Info(ctx, "ignoring message of unhandled kind", logging.String("source_id", msg.Header.SourceID))
		return Receipt{Action: ActionUnhandled, Position: a.Position()}, nil
	}
}

func (a *Agent) adjustPosition(ctx context.Context, leader model.GeoPosition) (Receipt, error) {
	a.mu.Lock()
	before := a.def.Position
	corr, err := Correct(before, leader, a.standoff, a.mode)
	if err == nil {
		a.def.Position = corr.Position
	}
	pos := a.def.Position
	a.mu.Unlock()

	if err != nil {
		a.log.Warn(ctx, "cannot adjust position", logging.Err(err))
		return Receipt{DistanceBefore: corr.DistanceBefore, Position: pos},
			fmt.Errorf("agent %s: %w", a.def.ID, err)
	}

	a.log.Info(ctx, "current distance to leader",
		logging.Float64("distance_m", corr.DistanceBefore),
		logging.Float64("great_circle_m", GreatCircleDistance(before, leader)),
	)
	if corr.Held {
		a.log.Info(ctx, "at desired distance from leader")
		return Receipt{Action: ActionHeld, DistanceBefore: corr.DistanceBefore, DistanceAfter: corr.DistanceBefore, Position: pos}, nil
	}

	after := Distance(pos, leader)
	a.log.Info(ctx, "adjusted position",
		logging.Float64("latitude", pos.Latitude),
		logging.Float64("longitude", pos.Longitude),
		logging.Float64("altitude", pos.Altitude),
		logging.Float64("distance_after_m", after),
	)
	a.notify(func(o Observer) { o.PositionChanged(a.def.ID, pos) })
	return Receipt{Action: ActionAdjusted, DistanceBefore: corr.DistanceBefore, DistanceAfter: after, Position: pos}, nil
}

func (a *Agent) notify(fn func(Observer)) {
	a.obsMu.RLock()
	obs := append([]Observer(nil), a.observers...)
	a.obsMu.RUnlock()
	for _, o := range obs {
		fn(o)
	}
}

// NewPositionUpdate frames a Position Update from source to destinations.
// The checksum is computed once; every recipient gets the same value.
func NewPositionUpdate(d Digest, source string, destinations []string, pos model.GeoPosition) (model.Message, error) {
	payload := model.NewPositionPayload(pos)
	sum, err := ChecksumWith(d, payload)
	if err != nil {
		return model.Message{}, err
	}
	return model.Message{
		Header: model.Header{
			MessageType:    model.KindPositionUpdate,
			SourceID:       source,
			DestinationIDs: append([]string(nil), destinations...),
			MessageID:      uuid.NewString(),
		},
		Payload:  payload,
		Checksum: sum,
	}, nil
}
