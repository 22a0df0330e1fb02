package runtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dlhauer/zulip/internal/adapters/events"
	"github.com/dlhauer/zulip/internal/config"
	"github.com/dlhauer/zulip/internal/infrastructure"
	"github.com/dlhauer/zulip/pkg/queue"
)

// SubscriberCtx hosts the blocking worker process: one queue client, one JSON
// event worker per queue, a consume loop that runs until SIGINT/SIGTERM.
type SubscriberCtx struct {
	cfg     *config.ServiceConfig
	logger  infrastructure.Logger
	metrics *infrastructure.Metrics
	queue   *queue.SimpleClient

	shutdownChannel chan os.Signal
	ctx             context.Context
	cancelFunc      context.CancelFunc
}

func NewSubscriber(opt ...SubscriberOption) *SubscriberCtx {
	if len(opt) != 0 {
		sCtx := SubscriberCtx{}

		for i := range opt {
			opt[i](&sCtx)
		}

		return &sCtx
	}

	return &SubscriberCtx{
		shutdownChannel: make(chan os.Signal, 1),
	}
}

func (c *SubscriberCtx) Run() {
	c.build()
	c.start()
	c.wait()
	c.shutdown()
}

func (c *SubscriberCtx) build() {
	c.ctx, c.cancelFunc = context.WithCancel(context.Background())

	cfg, err := config.Init()
	if err != nil {
		panic(fmt.Errorf("failed to load configuration: %w", err))
	}
	c.cfg = cfg

	c.logger = infrastructure.NewLogger(cfg.Logging, cfg.AppConfig.ServiceName)
	c.metrics = infrastructure.NewMetrics()

	c.queue = infrastructure.NewBlockingQueueClient(cfg.Queue, c.logger, c.metrics)

	if err := c.queue.Connect(); err != nil {
		c.logger.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
	}

	for _, queueName := range cfg.Worker.Queues {
		worker := events.NewWorker(queueName, c.queue, c.logger)
		worker.Register("webhook_message", c.handleWebhookMessage(queueName))

		if err := c.queue.RegisterJSONConsumer(queueName, worker.HandleEvent); err != nil {
			c.logger.Fatal().Err(err).Str("queue", queueName).Msg("failed to register consumer")
		}
	}
}

// handleWebhookMessage hands a converted webhook event to the message
// pipeline. Delivery here is a structured log record; downstream transports
// plug in by registering a different handler.
func (c *SubscriberCtx) handleWebhookMessage(queueName string) events.Handler {
	return func(event map[string]any) error {
		topic, _ := event["topic"].(string)
		client, _ := event["client"].(string)
		content, _ := event["content"].(string)

		if content == "" {
			return fmt.Errorf("webhook event without content on queue %s", queueName)
		}

		c.logger.Info().
			Str("queue", queueName).
			Str("client", client).
			Str("topic", topic).
			Int("content_length", len(content)).
			Msg("delivered webhook message")

		return nil
	}
}

func (c *SubscriberCtx) start() {
	c.logger.Info().
		Strs("queues", c.cfg.Worker.Queues).
		Msg("starting event worker service")

	go func() {
		for {
			err := c.queue.StartConsuming()
			if err == nil {
				// StopConsuming was called.
				return
			}

			select {
			case <-c.ctx.Done():
				return
			default:
			}

			c.logger.Error().Err(err).Msg("consumer callback failed, resuming consumption")
		}
	}()
}

func (c *SubscriberCtx) wait() {
	signal.Notify(c.shutdownChannel, syscall.SIGINT, syscall.SIGTERM)
	<-c.shutdownChannel
}

func (c *SubscriberCtx) shutdown() {
	c.logger.Info().Msg("received shutdown signal")
	defer c.cleanup()

	c.cancelFunc()
	c.queue.StopConsuming()
	c.logger.Info().Msg("event worker service stopped")
}

func (c *SubscriberCtx) cleanup() {
	c.logger.Info().Msg("cleaning up resources...")

	if c.queue != nil {
		if err := c.queue.Close(); err != nil {
			c.logger.Error().Err(err).Msg("failed to close queue connection")
		}
	}

	c.logger.Info().Msg("cleanup completed")
}
