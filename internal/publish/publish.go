// Package publish hands serialized events to the topic-based message bus.
package publish

import "context"

// RoutingKeyPrefix is prepended to the event type to form the routing key.
const RoutingKeyPrefix = "evt."

// RoutingKey derives the routing key for an event type.
func RoutingKey(eventType string) string {
	return RoutingKeyPrefix + eventType
}

// Message is one payload bound for the exchange.
type Message struct {
	EventID    string
	RoutingKey string
	Payload    []byte
	Persistent bool
	Headers    map[string]string
}

// Publisher publishes messages to a durable topic exchange.
type Publisher interface {
	// Publish returns nil once the bus has accepted the message.
	Publish(ctx context.Context, msg Message) error

	// Close performs graceful shutdown.
	Close() error
}
