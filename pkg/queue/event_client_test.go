package queue

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEventClient(t *testing.T, broker *fakeBroker, opts ...ClientOption) *EventClient {
	t.Helper()

	opts = append([]ClientOption{
		WithDialer(broker.dialer()),
		WithRetryInterval(time.Millisecond),
	}, opts...)

	client := NewEventClient(testConfig(), opts...)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestEventClient_ConnectBecomesReady(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	client := newTestEventClient(t, broker)

	assert.False(t, client.IsReady())

	require.NoError(t, client.Connect())

	assert.Eventually(t, client.IsReady, time.Second, time.Millisecond)
	assert.Equal(t, 1, broker.dialCount())
}

func TestEventClient_BufferedOperationsRunInOrder(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	gate := make(chan struct{})
	inner := broker.dialer()

	client := newTestEventClient(t, broker, WithDialer(func(cfg Config) (brokerConnection, error) {
		<-gate

		return inner(cfg)
	}))

	require.NoError(t, client.Connect())

	var mu sync.Mutex
	var order []string
	record := func(step string) func() {
		return func() {
			mu.Lock()
			order = append(order, step)
			mu.Unlock()
		}
	}

	require.NoError(t, client.EnsureQueue("first", record("first")))
	require.NoError(t, client.EnsureQueue("second", record("second")))
	require.NoError(t, client.Publish("events", []byte("buffered")))

	mu.Lock()
	assert.Empty(t, order)
	mu.Unlock()

	close(gate)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return len(order) == 2 && len(broker.messages("events")) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()
}

func TestEventClient_EnsureQueueDeclaresOnce(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	client := newTestEventClient(t, broker)
	require.NoError(t, client.Connect())

	var calls int32
	var mu sync.Mutex
	onReady := func() {
		mu.Lock()
		calls++
		mu.Unlock()
	}

	require.NoError(t, client.EnsureQueue("events", onReady))
	require.NoError(t, client.EnsureQueue("events", onReady))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return calls == 2
	}, time.Second, time.Millisecond)

	assert.Equal(t, 1, broker.declareCount("events"))
}

func TestEventClient_RetriesUntilBrokerReturns(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	broker.dialErrs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	client := newTestEventClient(t, broker)
	require.NoError(t, client.Connect())

	assert.Eventually(t, client.IsReady, time.Second, time.Millisecond)
	assert.Equal(t, 3, broker.dialCount())

	health := client.Health()
	assert.True(t, health.Ready)
	assert.Zero(t, health.FailureCount)
	assert.NoError(t, health.LastErr)
}

func TestEventClient_HealthReportsFailureStreak(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	broker.failDial = errors.New("connection refused")

	client := newTestEventClient(t, broker)
	require.NoError(t, client.Connect())

	assert.Eventually(t, func() bool {
		return client.Health().FailureCount >= 3
	}, time.Second, time.Millisecond)

	health := client.Health()
	assert.False(t, health.Ready)
	assert.False(t, health.Terminal)
	assert.Error(t, health.LastErr)
}

func TestEventClient_TerminalRejectionStopsRetrying(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	broker.failDial = amqp.ErrCredentials

	client := newTestEventClient(t, broker)
	require.NoError(t, client.Connect())

	assert.Eventually(t, func() bool {
		return client.Health().Terminal
	}, time.Second, time.Millisecond)

	dials := broker.dialCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, dials, broker.dialCount())
	assert.Equal(t, 1, dials)
}

func TestEventClient_ReconnectsAfterConnectionLoss(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	observer := &recordingObserver{}

	client := newTestEventClient(t, broker, WithObserver(observer))
	require.NoError(t, client.Connect())

	require.NoError(t, client.RegisterConsumer("events", func(amqp.Delivery) error { return nil }))

	assert.Eventually(t, func() bool {
		return len(broker.consumeCalls()) == 1
	}, time.Second, time.Millisecond)

	broker.lastConn().forceClose(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})

	assert.Eventually(t, func() bool {
		return len(broker.consumeCalls()) == 2 && client.IsReady()
	}, time.Second, time.Millisecond)

	calls := broker.consumeCalls()
	assert.True(t, strings.HasPrefix(calls[0].tag, "events_"))
	assert.True(t, strings.HasPrefix(calls[1].tag, "events_"))
	assert.NotEqual(t, calls[0].tag, calls[1].tag)

	assert.Equal(t, 2, broker.dialCount())
	assert.Equal(t, 1, observer.reconnects())
	assert.Zero(t, client.Health().FailureCount)
}

func TestEventClient_RegisterConsumerDeduplicates(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	client := newTestEventClient(t, broker)
	require.NoError(t, client.Connect())

	consumer := func(amqp.Delivery) error { return nil }

	require.NoError(t, client.RegisterConsumer("events", consumer))
	require.NoError(t, client.RegisterConsumer("events", consumer))

	assert.Eventually(t, func() bool {
		return client.consumers.len() == 1 && len(broker.consumeCalls()) == 1
	}, time.Second, time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, broker.consumeCalls(), 1)
}

func TestEventClient_RegisterWhileDisconnectedSubscribesOnce(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	gate := make(chan struct{})
	inner := broker.dialer()

	client := newTestEventClient(t, broker, WithDialer(func(cfg Config) (brokerConnection, error) {
		<-gate

		return inner(cfg)
	}))

	require.NoError(t, client.Connect())
	require.NoError(t, client.RegisterConsumer("events", func(amqp.Delivery) error { return nil }))

	close(gate)

	assert.Eventually(t, func() bool {
		return client.IsReady() && len(broker.consumeCalls()) >= 1
	}, time.Second, time.Millisecond)

	// Replay alone performs the subscription; the registration made while
	// disconnected must not leave a second consume request behind.
	time.Sleep(10 * time.Millisecond)

	calls := broker.consumeCalls()
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0].tag, "events_"))
}

func TestEventClient_ReconnectDrainsBufferBeforeReplay(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	gate := make(chan struct{})
	inner := broker.dialer()

	var mu sync.Mutex
	dials := 0

	client := newTestEventClient(t, broker, WithDialer(func(cfg Config) (brokerConnection, error) {
		mu.Lock()
		dials++
		waitForGate := dials > 1
		mu.Unlock()

		if waitForGate {
			<-gate
		}

		return inner(cfg)
	}))

	require.NoError(t, client.Connect())
	require.NoError(t, client.RegisterConsumer("events", func(amqp.Delivery) error { return nil }))

	assert.Eventually(t, func() bool {
		return len(broker.consumeCalls()) == 1
	}, time.Second, time.Millisecond)

	broker.lastConn().forceClose(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker restart"})

	assert.Eventually(t, func() bool {
		return !client.IsReady()
	}, time.Second, time.Millisecond)

	// Buffered while the reconnect dial is held at the gate.
	consumesAtReady := -1
	require.NoError(t, client.EnsureQueue("digests", func() {
		consumesAtReady = len(broker.consumeCalls())
	}))

	close(gate)

	assert.Eventually(t, func() bool {
		return len(broker.consumeCalls()) == 2 && client.IsReady()
	}, time.Second, time.Millisecond)

	// The buffered operation ran before the replay issued its consume
	// request, so it observed only the pre-disconnect subscription.
	assert.Equal(t, 1, consumesAtReady)
}

func TestEventClient_ConsumerErrorDoesNotStopConsumption(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	observer := &recordingObserver{}

	client := newTestEventClient(t, broker, WithObserver(observer))
	require.NoError(t, client.Connect())

	processed := make(chan string, 2)
	require.NoError(t, client.RegisterConsumer("events", func(d amqp.Delivery) error {
		processed <- string(d.Body)

		if string(d.Body) == "bad" {
			return errors.New("handler blew up")
		}

		return nil
	}))

	assert.Eventually(t, func() bool {
		return len(broker.consumeCalls()) == 1
	}, time.Second, time.Millisecond)

	ch := broker.lastChannel()
	ch.deliver("events", []byte("bad"))
	ch.deliver("events", []byte("good"))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case body := <-processed:
			got = append(got, body)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	assert.Equal(t, []string{"bad", "good"}, got)

	assert.Eventually(t, func() bool {
		return broker.ack.nackCount() == 1 && broker.ack.ackCount() == 1
	}, time.Second, time.Millisecond)

	assert.Equal(t, []bool{false, true}, observer.consumedOutcomes())
}

func TestEventClient_DrainQueue(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	broker.seed("digests", []byte("one"), []byte("two"))

	client := newTestEventClient(t, broker)
	require.NoError(t, client.Connect())
	assert.Eventually(t, client.IsReady, time.Second, time.Millisecond)

	messages, err := client.DrainQueue("digests")
	require.NoError(t, err)

	assert.Equal(t, [][]byte{[]byte("one"), []byte("two")}, messages)
	assert.Equal(t, 2, broker.ack.ackCount())
}

func TestEventClient_DrainQueueFailsFastWhenDisconnected(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	gate := make(chan struct{})
	t.Cleanup(func() { close(gate) })

	inner := broker.dialer()
	client := newTestEventClient(t, broker, WithDialer(func(cfg Config) (brokerConnection, error) {
		<-gate

		return inner(cfg)
	}))

	require.NoError(t, client.Connect())

	_, err := client.DrainQueue("digests")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestEventClient_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	broker := newFakeBroker()
	client := newTestEventClient(t, broker)
	require.NoError(t, client.Connect())
	assert.Eventually(t, client.IsReady, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	assert.False(t, client.IsReady())
	assert.ErrorIs(t, client.Connect(), ErrClientClosed)
	assert.ErrorIs(t, client.Publish("events", []byte("payload")), ErrClientClosed)
	assert.ErrorIs(t, client.EnsureQueue("events", func() {}), ErrClientClosed)

	_, err := client.DrainQueue("events")
	assert.ErrorIs(t, err, ErrClientClosed)
}
