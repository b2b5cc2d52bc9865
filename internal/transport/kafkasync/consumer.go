package kafkasync

import (
	"context"
	"sync"

	"github.com/segmentio/kafka-go"

	"github.com/signalsfoundry/swarm-sync/internal/logging"
)

// ConsumerMessage is one record read from the position topic.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// Consumer yields raw records for the Router.
type Consumer interface {
	Start(ctx context.Context) error
	Messages() <-chan ConsumerMessage
	Close() error
}

// KafkaConsumer implements Consumer using segmentio/kafka-go.
type KafkaConsumer struct {
	brokers []string
	groupID string
	topic   string
	log     logging.Logger

	mu       sync.Mutex
	reader   *kafka.Reader
	messages chan ConsumerMessage
	done     chan struct{}
}

// NewKafkaConsumer creates a consumer for topic in consumer group groupID.
func NewKafkaConsumer(brokers []string, groupID, topic string, log logging.Logger) *KafkaConsumer {
	if log == nil {
		log = logging.Noop()
	}
	return &KafkaConsumer{
		brokers:  brokers,
		groupID:  groupID,
		topic:    topic,
		log:      log,
		messages: make(chan ConsumerMessage, 100),
		done:     make(chan struct{}),
	}
}

// Start begins consuming. Reading stops when ctx is done or Close is called.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  c.brokers,
		Topic:    c.topic,
		GroupID:  c.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.reader = reader
	c.mu.Unlock()

	go func() {
		defer close(c.messages)
		for {
			msg, err := reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || isClosed(c.done) {
					return
				}
				c.log.Warn(ctx, "kafka read error", logging.String("topic", c.topic), logging.Err(err))
				continue
			}
			select {
			case c.messages <- ConsumerMessage{Topic: msg.Topic, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}()
	return nil
}

// Messages returns the channel of consumed records. It is closed once
// reading stops.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops the reader.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if isClosed(c.done) {
		return nil
	}
	close(c.done)
	if c.reader != nil {
		return c.reader.Close()
	}
	return nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ChannelConsumer is an in-process Consumer backed by a Go channel.
type ChannelConsumer struct {
	ch   chan ConsumerMessage
	once sync.Once
}

// NewChannelConsumer creates an in-process consumer.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{ch: make(chan ConsumerMessage, 100)}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Close closes the channel.
func (c *ChannelConsumer) Close() error {
	c.once.Do(func() { close(c.ch) })
	return nil
}

// Send pushes a record into the consumer.
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}
