// Package event defines the core data types flowing through the pipeline:
// log records emitted by functions, and the identifiers used to tie
// invocations, batches, and queue messages together.
package event

import (
	"time"

	"github.com/google/uuid"
)

// InvocationID identifies a single function invocation. One log stream is
// created per invocation. UUIDv7 so IDs sort by creation time.
type InvocationID uuid.UUID

func NewInvocationID() InvocationID {
	return InvocationID(uuid.Must(uuid.NewV7()))
}

func (id InvocationID) String() string {
	return uuid.UUID(id).String()
}

// BatchID identifies a sealed batch written to the durable store. The ID is
// embedded in the object key, so concurrent forwarders can never collide.
type BatchID uuid.UUID

func NewBatchID() BatchID {
	return BatchID(uuid.Must(uuid.NewV7()))
}

func (id BatchID) String() string {
	return uuid.UUID(id).String()
}

// Record is a single structured log event. Immutable once emitted: the
// aggregator, forwarder, and store only ever copy it.
type Record struct {
	// Timestamp is when the record was emitted, assigned by the log stream
	// at append time (mutex-serialized, so monotonic within a stream).
	Timestamp time.Time `json:"ts"`

	// Source identifies the emitter, typically the function name.
	Source string `json:"source"`

	// Stream is the log stream the record was appended to, one per invocation.
	Stream string `json:"stream"`

	// Message is the record payload: arbitrary text or JSON.
	Message string `json:"message"`
}
