package runtime

import (
	"context"
	"fmt"

	"github.com/dlhauer/zulip/internal/config"
	"github.com/dlhauer/zulip/internal/infrastructure"
)

type (
	DependencyOption func(*Dependencies) error
)

func defaultOptions(ctx context.Context) []DependencyOption {
	return []DependencyOption{
		WithConfigLoader(ctx),
		WithMetrics(),
	}
}

func WithConfigLoader(_ context.Context) DependencyOption {
	return func(d *Dependencies) error {
		d.configLoader = config.NewLoader(d.cfg)

		return nil
	}
}

func WithMetrics() DependencyOption {
	return func(d *Dependencies) error {
		d.Infra.Metrics = infrastructure.NewMetrics()

		return nil
	}
}

// WithEventQueue wires the event-driven broker client. Connect only schedules
// the first connection attempt; the client keeps retrying in the background,
// so a broker outage at boot does not prevent startup.
func WithEventQueue() DependencyOption {
	return func(d *Dependencies) error {
		queueClient := infrastructure.NewEventQueueClient(d.cfg.Queue, d.logger, d.Infra.Metrics)

		if err := queueClient.Connect(); err != nil {
			return fmt.Errorf("failed to start queue connection: %w", err)
		}

		d.Infra.QueueClient = queueClient

		return nil
	}
}

func WithHTTPServer() DependencyOption {
	return func(d *Dependencies) error {
		if d.Infra.QueueClient == nil {
			if err := WithEventQueue()(d); err != nil {
				return err
			}
		}

		d.Infra.HTTPServer = initHTTPServer(d.cfg, d.logger, d.Infra.Metrics, d.Infra.QueueClient)

		return nil
	}
}
