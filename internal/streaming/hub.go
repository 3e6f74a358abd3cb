// Package streaming publishes flow execution events to in-process subscribers.
package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a flow invocation runs.
type StreamEvent struct {
	InvocationID string    `json:"invocation_id"`
	Flow         string    `json:"flow"`
	EventType    string    `json:"event_type"`
	State        string    `json:"state,omitempty"`
	Round        int       `json:"round,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	Time         time.Time `json:"time"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	InvocationID string   `json:"invocation_id,omitempty"`
	Flow         string   `json:"flow,omitempty"`
	EventTypes   []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time execution events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
