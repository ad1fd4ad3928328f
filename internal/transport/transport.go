// Package transport defines the outbound message gateway consumed by the queue.
package transport

import "context"

// DeliveryState is the provider-reported state of a previously sent message.
type DeliveryState string

// Delivery states as reported by a status query.
const (
	StateDelivered   DeliveryState = "delivered"
	StateFailed      DeliveryState = "failed"
	StateUndelivered DeliveryState = "undelivered"
	StateInTransit   DeliveryState = "in_transit"
	StateUnknown     DeliveryState = "unknown"
)

// OutboundMessage is a single message handed to the gateway for delivery.
type OutboundMessage struct {
	Recipient string
	Body      string
	MediaURLs []string
}

// Gateway is the external channel that performs actual outbound delivery
// and reports per-message status.
type Gateway interface {
	// Send submits the message and returns the provider's message id.
	Send(ctx context.Context, msg OutboundMessage) (providerMessageID string, err error)

	// GetStatus queries the live delivery state of a previously sent message.
	GetStatus(ctx context.Context, providerMessageID string) (DeliveryState, error)
}
