package queue

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-memory stand-in for RabbitMQ. Queues hold raw bodies,
// dial attempts and errors can be scripted, and every channel opened through
// it shares the broker's state so reconnections see the same queues.
type fakeBroker struct {
	mu sync.Mutex

	queues   map[string][][]byte
	conns    []*fakeConn
	dials    int
	nextTag  uint64
	ack      *fakeAcknowledger
	dialErrs []error
	failDial error
	pubErrs  []error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues: make(map[string][][]byte),
		ack:    &fakeAcknowledger{},
	}
}

func (b *fakeBroker) dialer() Dialer {
	return func(Config) (brokerConnection, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		b.dials++

		if len(b.dialErrs) > 0 {
			err := b.dialErrs[0]
			b.dialErrs = b.dialErrs[1:]

			return nil, err
		}

		if b.failDial != nil {
			return nil, b.failDial
		}

		conn := &fakeConn{broker: b}
		b.conns = append(b.conns, conn)

		return conn, nil
	}
}

func (b *fakeBroker) seed(queue string, bodies ...[]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[queue] = append(b.queues[queue], bodies...)
}

func (b *fakeBroker) messages(queue string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([][]byte, len(b.queues[queue]))
	copy(out, b.queues[queue])

	return out
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.dials
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conns) == 0 {
		return nil
	}

	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) consumeCalls() []consumeCall {
	b.mu.Lock()
	defer b.mu.Unlock()

	var calls []consumeCall
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			calls = append(calls, ch.consumes...)
		}
	}

	return calls
}

func (b *fakeBroker) declareCount(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			for _, name := range ch.declares {
				if name == queue {
					n++
				}
			}
		}
	}

	return n
}

type fakeConn struct {
	broker   *fakeBroker
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConn) Channel() (brokerChannel, error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	ch := &fakeChannel{broker: c.broker, conn: c, consumers: make(map[string]chan amqp.Delivery)}
	c.channels = append(c.channels, ch)

	return ch, nil
}

func (c *fakeConn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	return c.closed
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	c.notify = append(c.notify, receiver)

	return receiver
}

func (c *fakeConn) Close() error {
	c.shutdown(nil)

	return nil
}

// forceClose simulates the broker dropping the connection with the given
// reason, firing the close notifications the way a real connection does.
func (c *fakeConn) forceClose(reason *amqp.Error) {
	c.shutdown(reason)
}

func (c *fakeConn) shutdown(reason *amqp.Error) {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	for _, receiver := range c.notify {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}

	for _, ch := range c.channels {
		for _, deliveries := range ch.consumers {
			close(deliveries)
		}
		ch.consumers = nil
	}
}

type consumeCall struct {
	queue string
	tag   string
}

type fakeChannel struct {
	broker    *fakeBroker
	conn      *fakeConn
	declares  []string
	consumes  []consumeCall
	consumers map[string]chan amqp.Delivery
}

func (ch *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	ch.declares = append(ch.declares, name)

	if _, ok := ch.broker.queues[name]; !ok {
		ch.broker.queues[name] = nil
	}

	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if len(ch.broker.pubErrs) > 0 {
		err := ch.broker.pubErrs[0]
		ch.broker.pubErrs = ch.broker.pubErrs[1:]

		return err
	}

	ch.broker.queues[key] = append(ch.broker.queues[key], msg.Body)

	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	deliveries := make(chan amqp.Delivery, 16)
	ch.consumes = append(ch.consumes, consumeCall{queue: queue, tag: consumer})
	ch.consumers[consumer] = deliveries

	return deliveries, nil
}

func (ch *fakeChannel) Get(queue string, _ bool) (amqp.Delivery, bool, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	pending := ch.broker.queues[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}

	body := pending[0]
	ch.broker.queues[queue] = pending[1:]
	ch.broker.nextTag++

	return amqp.Delivery{Acknowledger: ch.broker.ack, DeliveryTag: ch.broker.nextTag, Body: body}, true, nil
}

func (ch *fakeChannel) Close() error {
	return nil
}

// deliver pushes body to the most recent subscription on queue, simulating
// the broker handing a message to a consumer.
func (ch *fakeChannel) deliver(queue string, body []byte) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	for i := len(ch.consumes) - 1; i >= 0; i-- {
		if ch.consumes[i].queue != queue {
			continue
		}

		deliveries, ok := ch.consumers[ch.consumes[i].tag]
		if !ok {
			continue
		}

		ch.broker.nextTag++
		deliveries <- amqp.Delivery{Acknowledger: ch.broker.ack, DeliveryTag: ch.broker.nextTag, Body: body}

		return
	}
}

// recordingObserver captures client activity notifications for assertions.
type recordingObserver struct {
	mu         sync.Mutex
	publishes      []string
	consumed       []string
	acked          []bool
	reconnectCount int
}

func (o *recordingObserver) MessagePublished(queueName string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.publishes = append(o.publishes, queueName)
}

func (o *recordingObserver) MessageConsumed(queueName string, acked bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.consumed = append(o.consumed, queueName)
	o.acked = append(o.acked, acked)
}

func (o *recordingObserver) Reconnected() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.reconnectCount++
}

func (o *recordingObserver) published() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]string, len(o.publishes))
	copy(out, o.publishes)

	return out
}

func (o *recordingObserver) reconnects() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.reconnectCount
}

func (o *recordingObserver) consumedOutcomes() []bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]bool, len(o.acked))
	copy(out, o.acked)

	return out
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []uint64
}

func (a *fakeAcknowledger) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.acks = append(a.acks, tag)

	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, _, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nacks = append(a.nacks, tag)

	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, _ bool) error {
	return a.Nack(tag, false, false)
}

func (a *fakeAcknowledger) ackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.acks)
}

func (a *fakeAcknowledger) nackCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.nacks)
}
