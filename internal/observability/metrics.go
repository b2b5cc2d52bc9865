package observability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/model"
)

// Receive outcome labels beyond the core.Action names.
const (
	OutcomeCorrupt    = "corrupt"
	OutcomeDegenerate = "degenerate"
	OutcomeError      = "error"
)

// SwarmCollector bundles Prometheus metrics for the position sync protocol
// and its transports. It implements core.Observer.
type SwarmCollector struct {
	gatherer prometheus.Gatherer

	Broadcasts       prometheus.Counter
	RoleViolations   prometheus.Counter
	MessagesReceived *prometheus.CounterVec
	PositionChanges  *prometheus.CounterVec
	FollowerDistance *prometheus.GaugeVec
	Adjustments      prometheus.Histogram

	TransportRequests  *prometheus.CounterVec
	TransportDurations *prometheus.HistogramVec
}

var _ core.Observer = (*SwarmCollector)(nil)

// NewSwarmCollector registers swarm metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewSwarmCollector(reg prometheus.Registerer) (*SwarmCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	broadcasts, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarm_broadcasts_total",
		Help: "Total number of position updates broadcast by the leader.",
	}), "swarm_broadcasts_total")
	if err != nil {
		return nil, err
	}
	violations, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "swarm_role_violations_total",
		Help: "Broadcast attempts rejected because the caller is not a leader.",
	}), "swarm_role_violations_total")
	if err != nil {
		return nil, err
	}
	received, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_messages_received_total",
		Help: "Messages handled by agents, labeled by outcome.",
	}, []string{"outcome"}), "swarm_messages_received_total")
	if err != nil {
		return nil, err
	}
	moves, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_position_changes_total",
		Help: "Position changes per agent, from scripted moves or corrections.",
	}, []string{"agent"}), "swarm_position_changes_total")
	if err != nil {
		return nil, err
	}
	distance, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "swarm_follower_distance_meters",
		Help: "Follower distance to the leader after the last handled position update.",
	}, []string{"agent"}), "swarm_follower_distance_meters")
	if err != nil {
		return nil, err
	}
	adjustments, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "swarm_adjustment_meters",
		Help:    "Absolute change in follower distance caused by one correction.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 50, 100, 1000, 1e5, 1e7},
	}), "swarm_adjustment_meters")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "swarm_transport_requests_total",
		Help: "Handled transport RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "swarm_transport_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swarm_transport_request_duration_seconds",
		Help:    "Transport RPC latency in seconds.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"service", "method"}), "swarm_transport_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &SwarmCollector{
		gatherer:           gatherer,
		Broadcasts:         broadcasts,
		RoleViolations:     violations,
		MessagesReceived:   received,
		PositionChanges:    moves,
		FollowerDistance:   distance,
		Adjustments:        adjustments,
		TransportRequests:  requests,
		TransportDurations: durations,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SwarmCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *SwarmCollector) Handler() http.Handler {
	gatherer := c.Gatherer()
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// PositionChanged implements core.Observer.
func (c *SwarmCollector) PositionChanged(agentID string, _ model.GeoPosition) {
	if c == nil || c.PositionChanges == nil {
		return
	}
	c.PositionChanges.WithLabelValues(agentID).Inc()
}

// BroadcastSent implements core.Observer.
func (c *SwarmCollector) BroadcastSent(core.BroadcastReport) {
	if c == nil || c.Broadcasts == nil {
		return
	}
	c.Broadcasts.Inc()
}

// BroadcastRejected implements core.Observer.
func (c *SwarmCollector) BroadcastRejected(string) {
	if c == nil || c.RoleViolations == nil {
		return
	}
	c.RoleViolations.Inc()
}

// MessageReceived implements core.Observer.
func (c *SwarmCollector) MessageReceived(agentID string, _ model.Message, r core.Receipt, err error) {
	if c == nil {
		return
	}
	if c.MessagesReceived != nil {
		c.MessagesReceived.WithLabelValues(ReceiveOutcome(r, err)).Inc()
	}
	if err != nil {
		return
	}
	switch r.Action {
	case core.ActionAdjusted:
		if c.Adjustments != nil {
			c.Adjustments.Observe(math.Abs(r.DistanceBefore - r.DistanceAfter))
		}
		fallthrough
	case core.ActionHeld:
		if c.FollowerDistance != nil {
			c.FollowerDistance.WithLabelValues(agentID).Set(r.DistanceAfter)
		}
	}
}

// ReceiveOutcome maps a receive result onto the outcome label.
func ReceiveOutcome(r core.Receipt, err error) string {
	switch {
	case err == nil:
		return r.Action.String()
	case errors.Is(err, core.ErrCorruptMessage):
		return OutcomeCorrupt
	case errors.Is(err, core.ErrDegenerateVector):
		return OutcomeDegenerate
	default:
		return OutcomeError
	}
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *SwarmCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		c.RecordTransport(service, method, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

// RecordTransport counts one transport operation and its duration. Non-gRPC
// transports pass their own service/method/code labels.
func (c *SwarmCollector) RecordTransport(service, method, code string, d time.Duration) {
	if c == nil {
		return
	}
	if c.TransportRequests != nil {
		c.TransportRequests.WithLabelValues(service, method, code).Inc()
	}
	if c.TransportDurations != nil {
		c.TransportDurations.WithLabelValues(service, method).Observe(d.Seconds())
	}
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components, returning "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
