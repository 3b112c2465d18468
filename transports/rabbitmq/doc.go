// Package rabbitmq feeds the bridge from a RabbitMQ queue.
//
// An Ingress is a producer-side worker: it consumes deliveries, turns
// each into an application message for its tie, and publishes the
// outcome back to the delivery's reply queue once the consumer side has
// produced it. A ConnectionManager keeps the broker connection alive
// across drops.
package rabbitmq
