package queue

import (
	"io"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// brokerChannel is the slice of the AMQP channel surface the clients use. It
// exists mainly to be able to substitute the broker in tests.
type brokerChannel interface {
	io.Closer

	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

// brokerConnection is the slice of the AMQP connection surface the clients use.
type brokerConnection interface {
	io.Closer

	Channel() (brokerChannel, error)
	IsClosed() bool
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
}

// Dialer establishes a connection to the broker for the given configuration.
type Dialer func(cfg Config) (brokerConnection, error)

const (
	dialTimeout = 30 * time.Second

	// When broker heartbeats are disabled, TCP keep-alive is the only thing
	// preventing intermediate network infrastructure from silently dropping an
	// idle connection (some overlay networks kill connections idle for ~15
	// minutes). The first probe has to fire well below that window.
	tcpKeepAlivePeriod = 5 * time.Minute
)

// amqpConnection adapts *amqp.Connection to the brokerConnection interface.
type amqpConnection struct {
	*amqp.Connection
}

func (c amqpConnection) Channel() (brokerChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

func defaultDialer(cfg Config) (brokerConnection, error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	if cfg.Heartbeat == 0 {
		dialer.KeepAlive = tcpKeepAlivePeriod
	}

	conn, err := amqp.DialConfig(getURL(cfg), amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		},
	})
	if err != nil {
		return nil, err
	}

	return amqpConnection{Connection: conn}, nil
}
