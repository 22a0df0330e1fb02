package adapters

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/dlhauer/zulip/internal/infrastructure"
	"github.com/dlhauer/zulip/pkg/queue"
)

// QueueHealthReporter exposes the broker connection state.
type QueueHealthReporter interface {
	Health() queue.Health
}

// HealthChecker reports service liveness plus the state of the broker
// connection. The endpoint returns 503 while the connection is down so load
// balancers can stop routing webhook traffic to this instance.
type HealthChecker struct {
	serviceName string
	version     string
	startedAt   time.Time
	reporter    QueueHealthReporter
	logger      infrastructure.Logger
}

type queueHealthResponse struct {
	Ready               bool   `json:"ready"`
	Terminal            bool   `json:"terminal"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastError           string `json:"last_error,omitempty"`
}

type healthResponse struct {
	Status  string              `json:"status"`
	Service string              `json:"service"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Queue   queueHealthResponse `json:"queue"`
}

func NewHealthChecker(serviceName, version string, reporter QueueHealthReporter, logger infrastructure.Logger) *HealthChecker {
	return &HealthChecker{
		serviceName: serviceName,
		version:     version,
		startedAt:   time.Now(),
		reporter:    reporter,
		logger:      logger,
	}
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	health := h.reporter.Health()

	response := healthResponse{
		Status:  "ok",
		Service: h.serviceName,
		Version: h.version,
		Uptime:  time.Since(h.startedAt).Round(time.Second).String(),
		Queue: queueHealthResponse{
			Ready:               health.Ready,
			Terminal:            health.Terminal,
			ConsecutiveFailures: health.FailureCount,
		},
	}

	if health.LastErr != nil {
		response.Queue.LastError = health.LastErr.Error()
	}

	status := http.StatusOK

	if !health.Ready {
		response.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error().Err(err).Msg("failed to write health response")
	}
}
