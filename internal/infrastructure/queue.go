package infrastructure

import (
	"github.com/dlhauer/zulip/internal/config"
	"github.com/dlhauer/zulip/pkg/queue"
)

// Queue is an alias to the queue.Client interface for the layers above.
type Queue = queue.Client

func queueConfig(cfg config.QueueConfig) queue.Config {
	return queue.Config{
		Scheme:    "amqp",
		Username:  cfg.Username,
		Password:  cfg.Password,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Vhost:     cfg.Vhost,
		Heartbeat: cfg.Heartbeat,
	}
}

// NewBlockingQueueClient builds the synchronous client used by worker
// processes, wired to the service logger and metrics.
func NewBlockingQueueClient(cfg config.QueueConfig, logger Logger, metrics *Metrics) *queue.SimpleClient {
	return queue.NewSimpleClient(queueConfig(cfg),
		queue.WithLogger(logger.QueueLogger()),
		queue.WithObserver(metrics),
	)
}

// NewEventQueueClient builds the non-blocking client used by request-serving
// processes, which must not stall on a broker outage.
func NewEventQueueClient(cfg config.QueueConfig, logger Logger, metrics *Metrics) *queue.EventClient {
	return queue.NewEventClient(queueConfig(cfg),
		queue.WithLogger(logger.QueueLogger()),
		queue.WithObserver(metrics),
		queue.WithRetryInterval(cfg.RetryInterval),
	)
}
