package queue

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config is used to establish a connection with a RabbitMQ server.
type Config struct {
	Scheme   string
	Username string
	Password string
	Host     string
	Port     int
	Vhost    string

	// Heartbeat is the broker-level heartbeat interval negotiated at connect
	// time. Zero disables broker heartbeats entirely; the transport then falls
	// back to TCP keep-alive probing, tuned in the default dialer.
	Heartbeat time.Duration
}

func getURL(cfg Config) string {
	uri := amqp.URI{
		Scheme:   cfg.Scheme,
		Username: cfg.Username,
		Password: cfg.Password,
		Host:     cfg.Host,
		Port:     cfg.Port,
		Vhost:    cfg.Vhost,
	}

	return uri.String()
}
