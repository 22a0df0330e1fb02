package queue

import (
	"errors"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotConnected is returned when an operation requires a live channel and
	// none exists.
	ErrNotConnected = errors.New("not connected to the broker")

	// ErrClientClosed is returned for operations issued after Close.
	ErrClientClosed = errors.New("queue client is closed")
)

// isTransportError reports whether err represents a connection-level failure,
// the class that warrants discarding the connection and dialing again. Channel
// or operation level errors (bad arguments, missing queue) are excluded.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrClosed) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ConnectionForced, amqp.FrameError, amqp.ChannelError, amqp.UnexpectedFrame, amqp.InternalError:
			return true
		}

		return !amqpErr.Recover
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// isTerminalError reports whether err signals a misconfiguration no amount of
// retrying can fix: rejected credentials, SASL negotiation failure, or a vhost
// the broker refuses. The event-driven client stops its retry loop on these
// and surfaces the condition through its health status.
func isTerminalError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, amqp.ErrCredentials) || errors.Is(err, amqp.ErrSASL) || errors.Is(err, amqp.ErrVhost) {
		return true
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp.AccessRefused || amqpErr.Code == amqp.NotAllowed
	}

	return false
}
