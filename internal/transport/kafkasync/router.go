package kafkasync

import (
	"context"
	"errors"
	"time"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/observability"
	"github.com/signalsfoundry/swarm-sync/model"
)

// Deliverer routes a message to a local agent by id. kb.KnowledgeBase
// implements it.
type Deliverer interface {
	Deliver(ctx context.Context, id string, msg model.Message) (core.Receipt, error)
}

// Router hands consumed records to the local agents named in their
// destination list. Ids not hosted locally are skipped.
type Router struct {
	agents    Deliverer
	log       logging.Logger
	collector *observability.SwarmCollector
}

// NewRouter constructs a Router.
func NewRouter(agents Deliverer, log logging.Logger, collector *observability.SwarmCollector) *Router {
	if log == nil {
		log = logging.Noop()
	}
	return &Router{agents: agents, log: log, collector: collector}
}

// Handle decodes one record and delivers it. Only deliveries to local
// agents are returned; a decode failure returns an error and no deliveries.
func (r *Router) Handle(ctx context.Context, rec ConsumerMessage) ([]core.Delivery, error) {
	start := time.Now()
	msg, err := DecodeMessage(rec.Value)
	if err != nil {
		r.collector.RecordTransport(transportService, "Consume", "InvalidArgument", time.Since(start))
		return nil, err
	}

	ctx, _ = logging.EnsureRequestID(ctx)
	var out []core.Delivery
	for _, id := range msg.Header.DestinationIDs {
		receipt, err := r.agents.Deliver(ctx, id, msg)
		if errors.Is(err, core.ErrUnknownAgent) {
			continue
		}
		if err != nil {
			r.log.Warn(ctx, "routed delivery failed",
				logging.String("recipient_id", id),
				logging.String("message_id", msg.Header.MessageID),
				logging.Err(err),
			)
		}
		out = append(out, core.Delivery{RecipientID: id, Receipt: receipt, Err: err})
	}
	r.collector.RecordTransport(transportService, "Consume", "OK", time.Since(start))
	return out, nil
}

// Run starts c and routes its records until the channel closes or ctx is
// done. Undecodable records are logged and skipped.
func (r *Router) Run(ctx context.Context, c Consumer) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	msgs := c.Messages()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case rec, ok := <-msgs:
			if !ok {
				return nil
			}
			deliveries, err := r.Handle(ctx, rec)
			if err != nil {
				r.log.Warn(ctx, "skipping undecodable record",
					logging.String("topic", rec.Topic),
					logging.String("key", string(rec.Key)),
					logging.Err(err),
				)
				continue
			}
			r.log.Debug(ctx, "record routed",
				logging.String("key", string(rec.Key)),
				logging.Int("local_deliveries", len(deliveries)),
			)
		}
	}
}
