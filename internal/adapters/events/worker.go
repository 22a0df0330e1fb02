package events

import (
	"encoding/json"
	"fmt"

	"github.com/dlhauer/zulip/internal/infrastructure"
	"github.com/dlhauer/zulip/pkg/queue"
)

// Handler processes one decoded event. A non-nil error sends the event
// through the bounded retry cycle.
type Handler func(event map[string]any) error

// Worker dispatches queue events to per-type handlers. Failed events are
// re-enqueued with a bumped retry counter; events that keep failing are
// logged in full and dropped, so one poisoned event cannot wedge the queue.
type Worker struct {
	queueName string
	publisher queue.Publisher
	logger    infrastructure.Logger
	handlers  map[string]Handler
}

func NewWorker(queueName string, publisher queue.Publisher, logger infrastructure.Logger) *Worker {
	return &Worker{
		queueName: queueName,
		publisher: publisher,
		logger:    logger,
		handlers:  make(map[string]Handler),
	}
}

// Register binds a handler to an event type. The last registration for a type
// wins.
func (w *Worker) Register(eventType string, handler Handler) {
	w.handlers[eventType] = handler
}

// HandleEvent is the consumer callback plugged into the queue client.
func (w *Worker) HandleEvent(event map[string]any) error {
	eventType, _ := event["type"].(string)

	handler, ok := w.handlers[eventType]
	if !ok {
		// Unknown types are acknowledged, re-delivery would not help.
		w.logger.Warn().
			Str("queue", w.queueName).
			Str("event_type", eventType).
			Msg("no handler registered for event type, dropping event")

		return nil
	}

	err := handler(event)
	if err == nil {
		return nil
	}

	w.logger.Error().
		Err(err).
		Str("queue", w.queueName).
		Str("event_type", eventType).
		Msg("event processing failed, scheduling retry")

	if retryErr := queue.RetryEvent(w.publisher, w.queueName, event, w.recordPermanentFailure); retryErr != nil {
		// Could not re-enqueue; surface the error so the delivery is nacked
		// and the broker keeps the original message.
		return fmt.Errorf("failed to re-enqueue event: %w", retryErr)
	}

	return nil
}

// recordPermanentFailure dumps an event that exhausted its retries. The full
// payload goes to the log so the event can be replayed by hand.
func (w *Worker) recordPermanentFailure(event map[string]any) {
	payload, err := json.Marshal(event)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", event))
	}

	w.logger.Error().
		Str("queue", w.queueName).
		Str("event", string(payload)).
		Msg("event failed too many times, dropping")
}
