// Package kafkasync fans position updates out over a Kafka topic. The
// leader publishes each broadcast once; every process hosting followers
// consumes the topic and routes messages to its local agents.
package kafkasync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/signalsfoundry/swarm-sync/core"
	"github.com/signalsfoundry/swarm-sync/internal/logging"
	"github.com/signalsfoundry/swarm-sync/internal/observability"
	"github.com/signalsfoundry/swarm-sync/model"
)

// Record headers set on every published message.
const (
	HeaderMessageID   = "message-id"
	HeaderMessageType = "message-type"
)

const transportService = "kafka"

// Writer is the subset of *kafka.Writer the Publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes broadcast messages to a topic. It implements
// core.Publisher. Delivery is at-most-once: failed writes are reported, not
// retried.
type Publisher struct {
	w         Writer
	log       logging.Logger
	collector *observability.SwarmCollector
}

var _ core.Publisher = (*Publisher)(nil)

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the publisher's logger.
func WithPublisherLogger(l logging.Logger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// WithPublisherMetrics records each write in collector.
func WithPublisherMetrics(c *observability.SwarmCollector) PublisherOption {
	return func(p *Publisher) { p.collector = c }
}

// NewPublisher wraps w.
func NewPublisher(w Writer, opts ...PublisherOption) *Publisher {
	p := &Publisher{w: w, log: logging.Noop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewKafkaWriter builds a kafka-go writer for topic. Messages with the same
// key (the leader id) land on the same partition and stay ordered.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
	}
}

// Publish implements core.Publisher.
func (p *Publisher) Publish(ctx context.Context, msg model.Message) error {
	value, err := EncodeMessage(msg)
	if err != nil {
		return err
	}

	start := time.Now()
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Header.SourceID),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(msg.Header.MessageID)},
			{Key: HeaderMessageType, Value: []byte(msg.Header.MessageType.String())},
		},
	})

	code := "OK"
	if err != nil {
		code = "Error"
	}
	p.collector.RecordTransport(transportService, "Publish", code, time.Since(start))

	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Header.MessageID, err)
	}
	p.log.Debug(ctx, "published position update",
		logging.String("message_id", msg.Header.MessageID),
		logging.Int("bytes", len(value)),
	)
	return nil
}

// Close closes the underlying writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// EncodeMessage renders msg as its JSON wire form.
func EncodeMessage(msg model.Message) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return b, nil
}

// DecodeMessage parses the JSON wire form.
func DecodeMessage(b []byte) (model.Message, error) {
	var msg model.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return model.Message{}, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
