package queue

import (
	"time"
)

const (
	// connectionRetryInterval is the fixed pause between losing the broker (or
	// failing a connect attempt) and trying again. Broker restarts normally
	// complete within a few of these, so there is no exponential growth.
	connectionRetryInterval = 2 * time.Second

	// connectionFailuresBeforeEscalation is how many consecutive failures stay
	// at warning level before the log severity escalates. A broker restart on
	// an unloaded host takes about six seconds, causing four or so failures;
	// this leaves headroom above that.
	connectionFailuresBeforeEscalation = 10
)

type clientOptions struct {
	logger        Logger
	observer      Observer
	dialer        Dialer
	retryInterval time.Duration
}

type ClientOption func(*clientOptions)

// WithLogger returns a ClientOption which sets the logger used by the client.
func WithLogger(l Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithObserver returns a ClientOption which sets the activity observer, e.g.
// for metrics emission.
func WithObserver(obs Observer) ClientOption {
	return func(o *clientOptions) {
		o.observer = obs
	}
}

// WithDialer returns a ClientOption which replaces the broker dialer.
func WithDialer(d Dialer) ClientOption {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithRetryInterval returns a ClientOption which sets the delay between
// reconnection attempts.
func WithRetryInterval(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.retryInterval = d
	}
}

func defaultClientOptions() clientOptions {
	return clientOptions{
		logger:        nopLogger{},
		observer:      nopObserver{},
		dialer:        defaultDialer,
		retryInterval: connectionRetryInterval,
	}
}

// Observer receives client activity notifications. The canonical
// implementation feeds Prometheus counters.
type Observer interface {
	MessagePublished(queueName string)
	MessageConsumed(queueName string, acked bool)
	Reconnected()
}

type nopObserver struct{}

func (nopObserver) MessagePublished(string)     {}
func (nopObserver) MessageConsumed(string, bool) {}
func (nopObserver) Reconnected()                {}
