package domain

import "time"

// OutboxMessage is an event recorded in the same transaction as the order
// change that produced it, waiting to be relayed to the bus. ID is assigned
// by the store and orders messages by insertion.
type OutboxMessage struct {
	ID          uint64
	MessageID   string
	AggregateID string
	RoutingKey  string
	Payload     []byte
	Attempts    int
	LastError   string
	CreatedAt   time.Time
	SentAt      *time.Time
}

// ProcessedEvent records an event whose effects were committed to the ledger.
type ProcessedEvent struct {
	EventID     string
	OrderID     string
	RoutingKey  string
	ProcessedAt time.Time
}
