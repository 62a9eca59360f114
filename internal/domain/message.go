package domain

import "time"

// IncomingMessage is a single actionable event from the relay subscription.
// ID is relay-assigned and may be empty on degraded connections.
type IncomingMessage struct {
	ID         string
	Topic      string
	Text       string
	ReceivedAt time.Time
}

// ProcessedRecord is the durable ledger row written the instant a message is
// accepted for processing, before any execution begins. Never mutated;
// removed only by the TTL sweep.
type ProcessedRecord struct {
	DedupeKey   string
	MessageID   string
	Topic       string
	RequestID   string
	ProcessedAt time.Time
	MessageHash string
}
