package config

import (
	"time"
)

// Compile time variables are set by -ldflags.
var (
	ServiceVersion string
	CommitSHA      string
	APIVersion     string
)

type (
	ServiceConfig struct {
		AppConfig  AppConfig        `json:"app_config"`
		Logging    LoggingConfig    `json:"logging"`
		HTTPServer HTTPServerConfig `json:"http_server"`
		Queue      QueueConfig      `json:"queue"`
		Webhook    WebhookConfig    `json:"webhook"`
		Worker     WorkerConfig     `json:"worker"`
	}

	AppConfig struct {
		ServiceName    string `envconfig:"APP_SERVICE_NAME" default:"svc-queue-events" json:"service_name"`
		ServiceVersion string `envconfig:"APP_SERVICE_VERSION" default:"0.0.0" json:"service_version"`
		CommitSHA      string `envconfig:"APP_COMMIT_SHA" default:"unknown" json:"commit_sha"`
		APIVersion     string `envconfig:"APP_API_VERSION" default:"v1" json:"api_version"`
		Env            string `envconfig:"APP_ENVIRONMENT" default:"unknown" json:"env"`
	}

	LoggingConfig struct {
		Level     string          `envconfig:"LOGGING_LEVEL" default:"info" json:"level"`
		Format    string          `envconfig:"LOGGING_FORMAT" default:"json" json:"format"`
		AccessLog AccessLogConfig `json:"access_log"`
	}

	AccessLogConfig struct {
		Enabled            bool `envconfig:"ACCESS_LOG_ENABLED" default:"true" json:"enabled"`
		LogHealthChecks    bool `envconfig:"ACCESS_LOG_HEALTH_CHECKS" default:"false" json:"log_health_checks"`
		IncludeQueryParams bool `envconfig:"ACCESS_LOG_INCLUDE_QUERY_PARAMS" default:"false" json:"include_query_params"`
	}

	HTTPServerConfig struct {
		Port            int           `envconfig:"HTTP_SERVER_PORT" default:"8088" json:"port"`
		Host            string        `envconfig:"HTTP_SERVER_HOST" default:"0.0.0.0" json:"host"`
		ReadTimeout     time.Duration `envconfig:"HTTP_SERVER_READ_TIMEOUT" default:"30s" json:"read_timeout"`
		WriteTimeout    time.Duration `envconfig:"HTTP_SERVER_WRITE_TIMEOUT" default:"30s" json:"write_timeout"`
		IdleTimeout     time.Duration `envconfig:"HTTP_SERVER_IDLE_TIMEOUT" default:"120s" json:"idle_timeout"`
		ShutdownTimeout time.Duration `envconfig:"HTTP_SERVER_SHUTDOWN_TIMEOUT" default:"30s" json:"shutdown_timeout"`
	}

	QueueConfig struct {
		Host     string `envconfig:"RABBITMQ_HOST" default:"localhost" json:"host"`
		Port     int    `envconfig:"RABBITMQ_PORT" default:"5672" json:"port"`
		Username string `envconfig:"RABBITMQ_USERNAME" default:"zulip" json:"username"`
		Password string `envconfig:"RABBITMQ_PASSWORD" default:"" json:"password,omitempty"`
		Vhost    string `envconfig:"RABBITMQ_VHOST" default:"/" json:"vhost"`

		// Heartbeat 0 disables broker heartbeats; the queue client falls back
		// to TCP keep-alive. The blocking worker runs with heartbeats off
		// because long synchronous callbacks would miss the heartbeat deadline.
		Heartbeat time.Duration `envconfig:"RABBITMQ_HEARTBEAT" default:"0s" json:"heartbeat"`

		EventsQueue   string        `envconfig:"RABBITMQ_EVENTS_QUEUE" default:"webhook_events" json:"events_queue"`
		RetryInterval time.Duration `envconfig:"RABBITMQ_RETRY_INTERVAL" default:"2s" json:"retry_interval"`
	}

	CircuitBreakerConfig struct {
		MaxRequests uint32        `envconfig:"MAX_REQUESTS" default:"3" json:"max_requests"`
		Interval    time.Duration `envconfig:"INTERVAL" default:"10s" json:"interval"`
		Timeout     time.Duration `envconfig:"TIMEOUT" default:"60s" json:"timeout"`
	}

	WebhookConfig struct {
		CircuitBreaker CircuitBreakerConfig `envconfig:"WEBHOOK_CIRCUIT_BREAKER" json:"circuit_breaker"`
	}

	WorkerConfig struct {
		// Queues is the list of queues one worker process consumes from.
		Queues []string `envconfig:"WORKER_QUEUES" default:"webhook_events" json:"queues"`
	}
)
