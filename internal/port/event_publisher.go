package port

import "context"

type EventPublisher interface {
	// Publish sends body to the events exchange under routingKey. A nil error
	// means the broker accepted the message.
	Publish(ctx context.Context, routingKey, messageID string, body []byte) error
}
