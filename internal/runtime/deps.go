package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/dlhauer/zulip/internal/adapters"
	"github.com/dlhauer/zulip/internal/adapters/middleware"
	"github.com/dlhauer/zulip/internal/adapters/webhooks"
	"github.com/dlhauer/zulip/internal/config"
	"github.com/dlhauer/zulip/internal/infrastructure"
	"github.com/dlhauer/zulip/pkg/queue"
)

type (
	InfrastructureDeps struct {
		HTTPServer  *http.Server
		QueueClient *queue.EventClient
		Metrics     *infrastructure.Metrics
	}

	Dependencies struct {
		cfg          *config.ServiceConfig
		configLoader *config.Loader

		logger infrastructure.Logger

		Infra InfrastructureDeps
	}
)

func initializeDependencies(ctx context.Context, opts ...DependencyOption) (*Dependencies, error) {
	cfg, err := config.Init()
	if err != nil {
		return nil, fmt.Errorf("unable to load service configuration: %w", err)
	}

	appLogger := infrastructure.NewLogger(cfg.Logging, cfg.AppConfig.ServiceName)

	appLogger.Info().Msg("initializing dependencies...")

	deps := &Dependencies{
		cfg:    cfg,
		logger: appLogger,
	}

	// Start with default options and append any additional options.
	options := append(defaultOptions(ctx), opts...)

	for _, opt := range options {
		if err := opt(deps); err != nil {
			return nil, fmt.Errorf("failed to apply dependency option: %w", err)
		}
	}

	deps.logger.Info().Msg("dependencies initialized successfully")

	return deps, nil
}

func initHTTPServer(
	cfg *config.ServiceConfig,
	logger infrastructure.Logger,
	metrics *infrastructure.Metrics,
	queueClient *queue.EventClient,
) *http.Server {
	logger.Info().Msg("creating HTTP server...")

	router := chi.NewRouter()

	router.Use(initMiddlewares(cfg, logger, metrics)...)

	slackIncoming := webhooks.NewSlackIncomingHandler(
		queueClient,
		cfg.Queue.EventsQueue,
		cfg.Webhook,
		logger,
	)

	healthChecker := adapters.NewHealthChecker(
		cfg.AppConfig.ServiceName,
		cfg.AppConfig.ServiceVersion,
		queueClient,
		logger,
	)

	router.Post("/api/v1/external/slack_incoming", slackIncoming.ServeHTTP)
	router.Get("/health", healthChecker.ServeHTTP)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.HTTPServer.Host, fmt.Sprintf("%d", cfg.HTTPServer.Port)),
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	logger.Info().Str("addr", server.Addr).Msg("HTTP server created")

	return server
}

func initMiddlewares(
	cfg *config.ServiceConfig,
	logger infrastructure.Logger,
	metrics *infrastructure.Metrics,
) []func(http.Handler) http.Handler {
	middlewares := []func(http.Handler) http.Handler{
		chimiddleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		chimiddleware.Timeout(cfg.HTTPServer.WriteTimeout),
		middleware.APIVersion(cfg.AppConfig.APIVersion),
		middleware.NewMetricsMiddleware(metrics).Middleware,
	}

	if cfg.Logging.AccessLog.Enabled {
		healthFilter := middleware.NewHealthCheckFilter(cfg.Logging.AccessLog.LogHealthChecks)
		accessLogger := middleware.NewAccessLogger(logger.Logger, cfg.Logging.AccessLog)

		middlewares = append(middlewares, healthFilter.Middleware, accessLogger.Middleware)
		logger.Info().
			Bool("log_health_checks", cfg.Logging.AccessLog.LogHealthChecks).
			Msg("structured access logging enabled")
	}

	return middlewares
}
