// Package rabbitmq connects the broker-agnostic messaging types to RabbitMQ.
//
// This package includes:
//   - ConnectionManager: owns the AMQP connection and reconnects with exponential backoff
//   - ConfirmWriter: drains an outbound envelope stream on a confirm-mode channel and
//     reports acks, nacks and returns back by correlation id
//   - Consumer: subscribes to queues with manual acknowledgment and hands each
//     delivery to a DeliveryHandler
package rabbitmq
