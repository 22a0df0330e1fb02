package queue

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer processes one delivered message. The delivery carries the raw body
// together with the protocol metadata (delivery tag, properties, headers).
// A non-nil error marks the delivery as failed; how the failure propagates
// depends on the execution model, see the client documentation.
type Consumer func(d amqp.Delivery) error

// JSONConsumer processes one structured event decoded from a JSON message body.
type JSONConsumer func(event map[string]any) error

// queueRegistry tracks the queue names already declared on the current
// channel. Declarations do not outlive a channel, so the set is reset
// unconditionally on every disconnect.
type queueRegistry struct {
	mu       sync.Mutex
	declared map[string]struct{}
}

func newQueueRegistry() *queueRegistry {
	return &queueRegistry{declared: make(map[string]struct{})}
}

func (r *queueRegistry) has(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.declared[name]

	return ok
}

func (r *queueRegistry) mark(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.declared[name] = struct{}{}
}

func (r *queueRegistry) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.declared = make(map[string]struct{})
}

// consumerRegistry is the durable, connection-independent record of every
// (queue, consumer) registration. It survives reconnection and is replayed
// onto each new channel.
type consumerRegistry struct {
	mu      sync.Mutex
	entries map[string][]consumerEntry
}

type consumerEntry struct {
	// key identifies the originally registered callback so that registering
	// the identical callback twice is a no-op (set semantics).
	key     uintptr
	wrapped Consumer
}

func newConsumerRegistry() *consumerRegistry {
	return &consumerRegistry{entries: make(map[string][]consumerEntry)}
}

// add records (queueName, wrapped) under the identity key and reports whether
// the pair was newly added.
func (r *consumerRegistry) add(queueName string, key uintptr, wrapped Consumer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries[queueName] {
		if e.key == key {
			return false
		}
	}

	r.entries[queueName] = append(r.entries[queueName], consumerEntry{key: key, wrapped: wrapped})

	return true
}

// each visits every registered (queue, consumer) pair.
func (r *consumerRegistry) each(visit func(queueName string, wrapped Consumer)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for queueName, entries := range r.entries {
		for _, e := range entries {
			visit(queueName, e.wrapped)
		}
	}
}

func (r *consumerRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, entries := range r.entries {
		n += len(entries)
	}

	return n
}

// callbackKey derives the set-semantics identity of a callback.
func callbackKey(fn any) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// newConsumerTag generates a unique consumer tag for one subscription. The
// random suffix avoids collisions across repeated registration and
// reconnection cycles against the same queue.
func newConsumerTag(queueName string) string {
	return fmt.Sprintf("%s_%s", queueName, uuid.NewString()[:8])
}
