package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Client is the capability both execution models implement: the blocking
// SimpleClient and the event-driven EventClient. Application code depends on
// this contract only.
type Client interface {
	// Connection management
	Connect() error
	Close() error
	IsReady() bool

	// Queue and consumer operations
	EnsureQueue(queueName string, onReady func()) error
	RegisterConsumer(queueName string, consumer Consumer) error
	RegisterJSONConsumer(queueName string, handler JSONConsumer) error

	// Publisher operations
	Publish(queueName string, body []byte) error
	PublishJSON(queueName string, event any) error

	// DrainQueue pops every currently available message, acknowledging each,
	// until the queue reports empty. A finite drain, not a subscription.
	DrainQueue(queueName string) ([][]byte, error)
	JSONDrainQueue(queueName string) ([]map[string]any, error)
}

// Publisher is the publishing slice of Client, for collaborators that only
// ever send.
type Publisher interface {
	Publish(queueName string, body []byte) error
	PublishJSON(queueName string, event any) error
}

type inboundDelivery struct {
	delivery amqp.Delivery
	consume  Consumer
}

// SimpleClient is the blocking implementation of Client: every operation runs
// on the calling goroutine and returns only after the broker round trip
// completes. The underlying channel misbehaves under concurrent multiplexing,
// so one mutex serializes every broker operation performed through the client;
// this is a fragility workaround that must stay, not an optimization.
//
// Broker heartbeats are expected to be disabled for this model (Heartbeat 0 in
// the Config); the default dialer compensates with aggressive TCP keep-alive.
type SimpleClient struct {
	cfg      Config
	logger   Logger
	observer Observer
	dial     Dialer

	mu      sync.Mutex
	conn    brokerConnection
	channel brokerChannel

	queues    *queueRegistry
	consumers *consumerRegistry

	inbound     chan inboundDelivery
	consumeStop chan struct{}
}

var _ Client = (*SimpleClient)(nil)

// NewSimpleClient creates a blocking queue client. Connect must be called
// before the first operation, though any operation that finds the connection
// gone re-establishes it on its own.
func NewSimpleClient(cfg Config, opts ...ClientOption) *SimpleClient {
	options := defaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if cfg.Scheme == "" {
		cfg.Scheme = "amqp"
	}

	return &SimpleClient{
		cfg:       cfg,
		logger:    options.logger,
		observer:  options.observer,
		dial:      options.dialer,
		queues:    newQueueRegistry(),
		consumers: newConsumerRegistry(),
		inbound:   make(chan inboundDelivery),
	}
}

// Connect establishes the connection and opens the channel used for all
// subsequent operations. Failures surface to the caller; the blocking model
// never retries in the background.
func (c *SimpleClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connect()
}

func (c *SimpleClient) connect() error {
	start := time.Now()

	conn, err := c.dial(c.cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to the broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return fmt.Errorf("failed to open a channel: %w", err)
	}

	c.conn = conn
	c.channel = ch

	c.logger.Info().Str("elapsed", time.Since(start).String()).Msg("queue client connected")

	return nil
}

// reconnect discards the current connection and channel wholesale, dials again
// and replays every saved consumer registration onto the new channel.
func (c *SimpleClient) reconnect() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.channel = nil
	c.queues.reset()

	if err := c.connect(); err != nil {
		return err
	}

	c.observer.Reconnected()
	c.replayConsumers()

	return nil
}

func (c *SimpleClient) replayConsumers() {
	c.consumers.each(func(queueName string, wrapped Consumer) {
		c.logger.Info().Str("queue", queueName).Msg("replaying saved consumer registration")

		if err := c.ensureQueue(queueName, func() error { return c.subscribe(queueName, wrapped) }); err != nil {
			c.logger.Error().Err(err).Str("queue", queueName).Msg("failed to replay consumer registration")
		}
	})
}

// Close closes the connection to the broker. Consumer registrations survive
// and are replayed if the client reconnects later.
func (c *SimpleClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.channel = nil
	c.queues.reset()

	return err
}

// IsReady reports whether a usable channel currently exists.
func (c *SimpleClient) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.channel != nil && c.conn != nil && !c.conn.IsClosed()
}

// EnsureQueue declares queueName as a durable queue unless it is already known
// to exist on the current channel, then invokes onReady. A dead connection is
// re-established first.
func (c *SimpleClient) EnsureQueue(queueName string, onReady func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ensureQueue(queueName, func() error {
		onReady()

		return nil
	})
}

func (c *SimpleClient) ensureQueue(queueName string, onReady func() error) error {
	if c.conn == nil || c.conn.IsClosed() {
		if err := c.connect(); err != nil {
			return err
		}
	}

	if !c.queues.has(queueName) {
		if _, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", queueName, err)
		}

		c.queues.mark(queueName)
	}

	return onReady()
}

// Publish sends body to queueName as a persistent message. On a transport
// error it reconnects and retries exactly once; a second failure propagates.
func (c *SimpleClient) Publish(queueName string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.publish(queueName, body)
	if err == nil || !isTransportError(err) {
		return err
	}

	c.logger.Warn().Err(err).Str("queue", queueName).Msg("publish failed, reconnecting and retrying once")

	if err := c.reconnect(); err != nil {
		return err
	}

	return c.publish(queueName, body)
}

func (c *SimpleClient) publish(queueName string, body []byte) error {
	return c.ensureQueue(queueName, func() error {
		err := c.channel.Publish("", queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("failed to publish to queue %q: %w", queueName, err)
		}

		c.observer.MessagePublished(queueName)

		return nil
	})
}

// PublishJSON serializes event and delegates to Publish. Serialization errors
// are not retried, they propagate as-is.
func (c *SimpleClient) PublishJSON(queueName string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return c.Publish(queueName, body)
}

// RegisterConsumer adds (queueName, consumer) to the durable registry and
// submits a consume request on the current channel. Registering the identical
// callback for the same queue twice is a no-op.
func (c *SimpleClient) RegisterConsumer(queueName string, consumer Consumer) error {
	return c.register(queueName, callbackKey(consumer), consumer)
}

// RegisterJSONConsumer is RegisterConsumer for handlers that want the decoded
// event rather than the raw delivery.
func (c *SimpleClient) RegisterJSONConsumer(queueName string, handler JSONConsumer) error {
	return c.register(queueName, callbackKey(handler), func(d amqp.Delivery) error {
		var event map[string]any
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("failed to decode event body: %w", err)
		}

		return handler(event)
	})
}

func (c *SimpleClient) register(queueName string, key uintptr, consumer Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	wrapped := c.wrapConsumer(queueName, consumer)
	if !c.consumers.add(queueName, key, wrapped) {
		return nil
	}

	return c.ensureQueue(queueName, func() error { return c.subscribe(queueName, wrapped) })
}

// wrapConsumer settles the delivery with the broker before the caller sees the
// outcome: ack after a successful callback, nack before a callback error is
// allowed to propagate to the consuming loop.
func (c *SimpleClient) wrapConsumer(queueName string, consumer Consumer) Consumer {
	return func(d amqp.Delivery) error {
		if err := consumer(d); err != nil {
			if nackErr := d.Nack(false, false); nackErr != nil {
				c.logger.Error().Err(nackErr).Str("queue", queueName).Msg("failed to nack delivery")
			}

			c.observer.MessageConsumed(queueName, false)

			return err
		}

		if err := d.Ack(false); err != nil {
			c.observer.MessageConsumed(queueName, false)

			return fmt.Errorf("failed to ack delivery: %w", err)
		}

		c.observer.MessageConsumed(queueName, true)

		return nil
	}
}

func (c *SimpleClient) subscribe(queueName string, wrapped Consumer) error {
	tag := newConsumerTag(queueName)

	deliveries, err := c.channel.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from queue %q: %w", queueName, err)
	}

	c.logger.Debug().Str("queue", queueName).Str("consumer_tag", tag).Msg("consumer registered")

	go c.forward(deliveries, wrapped)

	return nil
}

// forward pumps one subscription's deliveries into the shared inbound channel.
// The goroutine exits when the subscription's channel dies, which happens on
// every reconnect; replay starts a fresh one.
func (c *SimpleClient) forward(deliveries <-chan amqp.Delivery, wrapped Consumer) {
	for d := range deliveries {
		c.inbound <- inboundDelivery{delivery: d, consume: wrapped}
	}
}

// StartConsuming blocks the calling goroutine processing deliveries for every
// registered consumer, one at a time, until StopConsuming is called or a
// consumer callback fails. The callback error is returned after the delivery
// has been nacked.
func (c *SimpleClient) StartConsuming() error {
	c.mu.Lock()
	stop := make(chan struct{})
	c.consumeStop = stop
	c.mu.Unlock()

	for {
		select {
		case <-stop:
			return nil
		case in := <-c.inbound:
			if err := in.consume(in.delivery); err != nil {
				return err
			}
		}
	}
}

// StopConsuming makes StartConsuming return once the in-flight delivery, if
// any, completes. It is the only supported way to end the consuming loop.
func (c *SimpleClient) StopConsuming() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.consumeStop != nil {
		close(c.consumeStop)
		c.consumeStop = nil
	}
}

// DrainQueue synchronously pops and acknowledges every message currently
// available on queueName until the broker reports it empty.
func (c *SimpleClient) DrainQueue(queueName string) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var messages [][]byte

	err := c.ensureQueue(queueName, func() error {
		for {
			d, ok, err := c.channel.Get(queueName, false)
			if err != nil {
				return fmt.Errorf("failed to get message from queue %q: %w", queueName, err)
			}

			if !ok {
				return nil
			}

			if err := d.Ack(false); err != nil {
				return fmt.Errorf("failed to ack drained message: %w", err)
			}

			messages = append(messages, d.Body)
		}
	})

	return messages, err
}

// JSONDrainQueue drains queueName and decodes every body as a JSON event.
func (c *SimpleClient) JSONDrainQueue(queueName string) ([]map[string]any, error) {
	raw, err := c.DrainQueue(queueName)
	if err != nil {
		return nil, err
	}

	events := make([]map[string]any, 0, len(raw))

	for _, body := range raw {
		var event map[string]any
		if err := json.Unmarshal(body, &event); err != nil {
			return nil, fmt.Errorf("failed to decode drained event: %w", err)
		}

		events = append(events, event)
	}

	return events, nil
}
