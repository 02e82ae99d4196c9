// Package messaging implements at-least-once delivery on top of a RabbitMQ style broker.
//
// This package includes:
//   - ConfirmPublisher: emits envelopes onto a bounded outbound stream and waits for
//     the broker's publisher confirm, returning Accepted, Rejected, TimedOut or EmitFailed
//   - CorrelationRegistry: single-resolution bookkeeping of in-flight confirmations
//   - AcknowledgeConsumer: runs a Processor per delivery and acks, rejects or parks it
//   - ParkingLotSink: last resort store for deliveries that exhausted their retries
//   - RedeliveryRecord: typed view over the broker's x-death header
//
// Publish failures are values, never panics or unhandled errors:
//
//	result := publisher.Send(ctx, body, map[string]interface{}{"tenant": "acme"})
//	if !result.OK() {
//		log.Printf("publish %s: %s", result.Outcome, result.Reason)
//	}
//
// Consumption is driven by a single-method Processor:
//
//	consumer, err := messaging.NewAcknowledgeConsumer[Order](
//		messaging.ProcessorFunc[Order](handleOrder),
//		serialization.NewJSONCodec[Order](),
//		messaging.WithMaxRetries(3),
//		messaging.WithParkingLot(sink),
//	)
//	// pass consumer.Handle to the broker consumer
package messaging
