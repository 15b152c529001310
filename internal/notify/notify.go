// Package notify is the push-notification ingestion collaborator: a
// NotificationSource interface plus one concrete pull-based implementation
// adapted from the teacher's internal/pubsub.Listener.
package notify

import "context"

// Handler receives one decoded raw event.
type Handler func(RawEvent)

// RawEvent is the wire-shape this package hands to model.Normalise: either
// a decoded map (the common case for a pull-subscription payload) or,
// exceptionally, a typed native event the transport could build directly.
type RawEvent struct {
	ID         string
	Kind       string
	EventID    string
	DeviceName string
	Generic    map[string]any
}

// Source is the NotificationSource interface the Capture Engine depends
// on.
type Source interface {
	Listen(ctx context.Context, handler Handler) error
}
