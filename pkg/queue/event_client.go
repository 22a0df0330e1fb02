package queue

import (
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Health is a point-in-time snapshot of an EventClient's connection state.
type Health struct {
	Ready        bool
	Terminal     bool
	FailureCount int
	LastErr      error
}

// EventClient is the event-driven implementation of Client. All broker state
// lives on a single loop goroutine; public methods hand the loop a task and
// return immediately, so callers are never blocked by a broker outage.
//
// Connection failures never surface to callers. The client retries on a fixed
// interval forever, escalating its log severity once the failure streak grows
// long, and operations issued while disconnected are buffered and run in
// submission order as soon as a channel opens again. The one exception is a
// terminal broker rejection (bad credentials, unknown vhost), which stops the
// retry loop; Health exposes that state.
type EventClient struct {
	cfg           Config
	logger        Logger
	observer      Observer
	dial          Dialer
	retryInterval time.Duration

	tasks chan func()
	done  chan struct{}

	// Everything below is owned by the loop goroutine and must only be
	// touched from inside a scheduled task.
	conn         brokerConnection
	channel      brokerChannel
	queues       *queueRegistry
	consumers    *consumerRegistry
	onOpen       []func()
	ready        bool
	connecting   bool
	hasConnected bool
	closed       bool
	terminal     bool
	failureCount int
	lastErr      error
}

var _ Client = (*EventClient)(nil)

// NewEventClient creates an event-driven queue client and starts its loop
// goroutine. Call Connect to begin dialing; Close stops the loop.
func NewEventClient(cfg Config, opts ...ClientOption) *EventClient {
	options := defaultClientOptions()
	for _, opt := range opts {
		opt(&options)
	}

	if cfg.Scheme == "" {
		cfg.Scheme = "amqp"
	}

	c := &EventClient{
		cfg:           cfg,
		logger:        options.logger,
		observer:      options.observer,
		dial:          options.dialer,
		retryInterval: options.retryInterval,
		tasks:         make(chan func()),
		done:          make(chan struct{}),
		queues:        newQueueRegistry(),
		consumers:     newConsumerRegistry(),
	}

	go c.run()

	return c
}

func (c *EventClient) run() {
	for {
		select {
		case task := <-c.tasks:
			task()
		case <-c.done:
			return
		}
	}
}

// schedule hands a task to the loop goroutine. It reports false once the
// client is closed.
func (c *EventClient) schedule(task func()) bool {
	select {
	case c.tasks <- task:
		return true
	case <-c.done:
		return false
	}
}

func (c *EventClient) scheduleAfter(delay time.Duration, task func()) {
	time.AfterFunc(delay, func() { c.schedule(task) })
}

// Connect asks the loop to start dialing. It returns before the connection is
// established; buffer operations through EnsureQueue and Publish in the
// meantime.
func (c *EventClient) Connect() error {
	if !c.schedule(c.startConnect) {
		return ErrClientClosed
	}

	return nil
}

func (c *EventClient) startConnect() {
	if c.closed || c.terminal || c.connecting {
		return
	}

	if c.conn != nil && !c.conn.IsClosed() {
		return
	}

	c.connecting = true
	start := time.Now()

	// Dialing blocks, so it happens off the loop; the outcome is posted back
	// as a task.
	go func() {
		conn, err := c.dial(c.cfg)
		if err != nil {
			c.schedule(func() { c.onConnectError(err) })

			return
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			c.schedule(func() { c.onConnectError(err) })

			return
		}

		if !c.schedule(func() { c.onConnected(conn, ch, time.Since(start)) }) {
			_ = conn.Close()
		}
	}()
}

func (c *EventClient) onConnected(conn brokerConnection, ch brokerChannel, elapsed time.Duration) {
	c.connecting = false

	if c.closed {
		_ = conn.Close()

		return
	}

	c.conn = conn
	c.channel = ch
	c.ready = true
	c.failureCount = 0
	c.lastErr = nil

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	go c.watchClose(closeCh)

	c.logger.Info().Str("elapsed", elapsed.String()).Msg("queue client connected")

	if c.hasConnected {
		c.observer.Reconnected()
	}
	c.hasConnected = true

	c.drainOnOpen()
	c.replayConsumers()
}

func (c *EventClient) watchClose(closeCh chan *amqp.Error) {
	reason := <-closeCh
	c.schedule(func() { c.onConnectionClosed(reason) })
}

func (c *EventClient) onConnectionClosed(reason *amqp.Error) {
	if c.closed {
		return
	}

	c.ready = false
	c.conn = nil
	c.channel = nil
	c.queues.reset()
	c.failureCount = 1

	evt := c.logger.Warn()
	if reason != nil {
		c.lastErr = reason
		evt = evt.Err(reason)
	}
	evt.Msg("connection to the broker lost, reconnecting")

	c.scheduleAfter(c.retryInterval, c.startConnect)
}

func (c *EventClient) onConnectError(err error) {
	c.connecting = false

	if c.closed {
		return
	}

	c.failureCount++
	c.lastErr = err

	if isTerminalError(err) {
		c.terminal = true
		c.logger.Error().Err(err).Msg("broker rejected the connection, giving up")

		return
	}

	evt := c.logger.Warn()
	if c.failureCount > connectionFailuresBeforeEscalation {
		evt = c.logger.Error()
	}
	evt.Err(err).Int("failures", c.failureCount).Msg("failed to connect to the broker, retrying")

	c.scheduleAfter(c.retryInterval, c.startConnect)
}

// drainOnOpen runs the operations buffered while disconnected, in the order
// they were submitted.
func (c *EventClient) drainOnOpen() {
	pending := c.onOpen
	c.onOpen = nil

	for _, task := range pending {
		task()
	}
}

func (c *EventClient) replayConsumers() {
	c.consumers.each(func(queueName string, wrapped Consumer) {
		c.logger.Info().Str("queue", queueName).Msg("replaying saved consumer registration")
		c.subscribeConsumer(queueName, wrapped)
	})
}

// subscribeConsumer declares queueName, then issues a consume request with a
// fresh tag. Failures are not buffered: a failed declare takes the channel
// down, and the reconnect's replay retries the registration from the registry.
func (c *EventClient) subscribeConsumer(queueName string, wrapped Consumer) {
	if !c.queues.has(queueName) {
		if _, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			c.logger.Warn().Err(err).Str("queue", queueName).Msg("failed to declare queue, consumer replays after reconnect")

			return
		}

		c.queues.mark(queueName)
	}

	c.subscribe(queueName, wrapped)
}

// Close shuts the connection and stops the loop goroutine. Any Close after the
// first is a no-op.
func (c *EventClient) Close() error {
	errCh := make(chan error, 1)

	ok := c.schedule(func() {
		if c.closed {
			errCh <- nil

			return
		}

		c.closed = true
		c.ready = false

		var err error
		if c.conn != nil {
			err = c.conn.Close()
		}
		c.conn = nil
		c.channel = nil

		errCh <- err
		close(c.done)
	})
	if !ok {
		return nil
	}

	select {
	case err := <-errCh:
		return err
	case <-c.done:
		return nil
	}
}

// IsReady reports whether a usable channel currently exists.
func (c *EventClient) IsReady() bool {
	readyCh := make(chan bool, 1)
	if !c.schedule(func() { readyCh <- c.ready }) {
		return false
	}

	select {
	case ready := <-readyCh:
		return ready
	case <-c.done:
		return false
	}
}

// Health reports the connection state, including the failure streak and
// whether the client has given up after a terminal broker rejection.
func (c *EventClient) Health() Health {
	healthCh := make(chan Health, 1)
	ok := c.schedule(func() {
		healthCh <- Health{
			Ready:        c.ready,
			Terminal:     c.terminal,
			FailureCount: c.failureCount,
			LastErr:      c.lastErr,
		}
	})
	if !ok {
		return Health{LastErr: ErrClientClosed}
	}

	select {
	case h := <-healthCh:
		return h
	case <-c.done:
		return Health{LastErr: ErrClientClosed}
	}
}

// EnsureQueue declares queueName as a durable queue, then invokes onReady on
// the loop goroutine. While disconnected the whole operation is buffered and
// replayed once a channel opens.
func (c *EventClient) EnsureQueue(queueName string, onReady func()) error {
	if !c.schedule(func() { c.ensureQueue(queueName, onReady) }) {
		return ErrClientClosed
	}

	return nil
}

func (c *EventClient) ensureQueue(queueName string, onReady func()) {
	if !c.ready {
		c.onOpen = append(c.onOpen, func() { c.ensureQueue(queueName, onReady) })

		return
	}

	if !c.queues.has(queueName) {
		if _, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			// A failed declare usually takes the channel down with it; the
			// close notification drives the reconnect that replays this.
			c.logger.Warn().Err(err).Str("queue", queueName).Msg("failed to declare queue, retrying after reconnect")
			c.onOpen = append(c.onOpen, func() { c.ensureQueue(queueName, onReady) })

			return
		}

		c.queues.mark(queueName)
	}

	onReady()
}

// Publish sends body to queueName as a persistent message. It returns as soon
// as the send is scheduled; a transport failure re-buffers the publish for the
// next connection instead of surfacing.
func (c *EventClient) Publish(queueName string, body []byte) error {
	if !c.schedule(func() { c.publish(queueName, body) }) {
		return ErrClientClosed
	}

	return nil
}

func (c *EventClient) publish(queueName string, body []byte) {
	c.ensureQueue(queueName, func() {
		err := c.channel.Publish("", queueName, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("queue", queueName).Msg("publish failed, will retry after reconnect")
			c.onOpen = append(c.onOpen, func() { c.publish(queueName, body) })

			return
		}

		c.observer.MessagePublished(queueName)
	})
}

// PublishJSON serializes event on the calling goroutine, so encoding errors
// surface immediately, then delegates to Publish.
func (c *EventClient) PublishJSON(queueName string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return c.Publish(queueName, body)
}

// RegisterConsumer adds (queueName, consumer) to the durable registry and
// submits a consume request. Callbacks run on the loop goroutine; a callback
// error is logged, the delivery nacked, and consumption continues. Registering
// the identical callback for the same queue twice is a no-op.
func (c *EventClient) RegisterConsumer(queueName string, consumer Consumer) error {
	return c.register(queueName, callbackKey(consumer), consumer)
}

// RegisterJSONConsumer is RegisterConsumer for handlers that want the decoded
// event rather than the raw delivery.
func (c *EventClient) RegisterJSONConsumer(queueName string, handler JSONConsumer) error {
	return c.register(queueName, callbackKey(handler), func(d amqp.Delivery) error {
		var event map[string]any
		if err := json.Unmarshal(d.Body, &event); err != nil {
			return fmt.Errorf("failed to decode event body: %w", err)
		}

		return handler(event)
	})
}

func (c *EventClient) register(queueName string, key uintptr, consumer Consumer) error {
	wrapped := c.wrapConsumer(queueName, consumer)

	ok := c.schedule(func() {
		if !c.consumers.add(queueName, key, wrapped) {
			return
		}

		// While disconnected the registry entry alone is enough: replay
		// issues the consume request once a channel opens. Buffering a
		// subscription here as well would consume the same pair twice.
		if !c.ready {
			return
		}

		c.subscribeConsumer(queueName, wrapped)
	})
	if !ok {
		return ErrClientClosed
	}

	return nil
}

// wrapConsumer settles the delivery with the broker around the callback:
// ack on success, nack on failure. Unlike the blocking client, a callback
// error here never stops consumption.
func (c *EventClient) wrapConsumer(queueName string, consumer Consumer) Consumer {
	return func(d amqp.Delivery) error {
		if err := consumer(d); err != nil {
			c.logger.Error().Err(err).Str("queue", queueName).Msg("consumer callback failed")

			if nackErr := d.Nack(false, false); nackErr != nil {
				c.logger.Error().Err(nackErr).Str("queue", queueName).Msg("failed to nack delivery")
			}

			c.observer.MessageConsumed(queueName, false)

			return nil
		}

		if err := d.Ack(false); err != nil {
			c.logger.Error().Err(err).Str("queue", queueName).Msg("failed to ack delivery")
			c.observer.MessageConsumed(queueName, false)

			return nil
		}

		c.observer.MessageConsumed(queueName, true)

		return nil
	}
}

func (c *EventClient) subscribe(queueName string, wrapped Consumer) {
	tag := newConsumerTag(queueName)

	deliveries, err := c.channel.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		c.logger.Error().Err(err).Str("queue", queueName).Msg("failed to consume from queue")

		return
	}

	c.logger.Debug().Str("queue", queueName).Str("consumer_tag", tag).Msg("consumer registered")

	go c.pump(deliveries, wrapped)
}

// pump moves one subscription's deliveries onto the loop goroutine, where the
// wrapped callback runs. The goroutine exits when the subscription's channel
// dies, which happens on every reconnect; replay starts a fresh one.
func (c *EventClient) pump(deliveries <-chan amqp.Delivery, wrapped Consumer) {
	for d := range deliveries {
		delivery := d
		if !c.schedule(func() { _ = wrapped(delivery) }) {
			return
		}
	}
}

// DrainQueue synchronously pops and acknowledges every message currently
// available on queueName. It does not wait for a connection: while
// disconnected it fails fast with ErrNotConnected.
func (c *EventClient) DrainQueue(queueName string) ([][]byte, error) {
	type drainResult struct {
		messages [][]byte
		err      error
	}

	resCh := make(chan drainResult, 1)

	ok := c.schedule(func() {
		if !c.ready {
			resCh <- drainResult{err: ErrNotConnected}

			return
		}

		if !c.queues.has(queueName) {
			if _, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
				resCh <- drainResult{err: fmt.Errorf("failed to declare queue %q: %w", queueName, err)}

				return
			}

			c.queues.mark(queueName)
		}

		var messages [][]byte
		for {
			d, ok, err := c.channel.Get(queueName, false)
			if err != nil {
				resCh <- drainResult{err: fmt.Errorf("failed to get message from queue %q: %w", queueName, err)}

				return
			}

			if !ok {
				resCh <- drainResult{messages: messages}

				return
			}

			if err := d.Ack(false); err != nil {
				resCh <- drainResult{err: fmt.Errorf("failed to ack drained message: %w", err)}

				return
			}

			messages = append(messages, d.Body)
		}
	})
	if !ok {
		return nil, ErrClientClosed
	}

	select {
	case res := <-resCh:
		return res.messages, res.err
	case <-c.done:
		return nil, ErrClientClosed
	}
}

// JSONDrainQueue drains queueName and decodes every body as a JSON event.
func (c *EventClient) JSONDrainQueue(queueName string) ([]map[string]any, error) {
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
