// Package queue provides a RabbitMQ client with two execution models sharing
// one contract: a blocking SimpleClient for synchronous producers and workers,
// and an event-driven EventClient that survives broker outages by buffering
// operations and reconnecting on a fixed interval. Both declare durable
// queues idempotently, keep consumer registrations across reconnects and
// settle every delivery with an ack or nack.
package queue
