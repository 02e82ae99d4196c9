// Package contracts defines the values exchanged between the confirm publisher,
// the acknowledge consumer and the broker transport.
//
// This package includes:
//   - Envelope: an outbound message annotated with its correlation id
//   - Confirmation and ReturnInfo: the broker's verdict on a published envelope
//   - InvalidMessageError: the permanent "will never succeed" failure classification
//   - the reserved header keys shared by publisher and consumer
package contracts
