// Package channels delivers notifications to the outside world.
//
// A Sink is a one-way, ordered connection to a messaging platform: the
// Telegram Bot API, a signed HTTP webhook, or a plain writer for dry runs.
// Sinks do not retry; retry and reconnect policy belongs to the caller.
//
//	sink, err := channels.New(channels.Config{Type: "telegram", Telegram: tg})
//	if err := sink.Connect(ctx); err != nil { ... }
//	err = sink.Deliver(ctx, n)
package channels

import (
	"context"
	"time"
)

// Notification is a rendered outbound message.
type Notification struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"` // "new" or "update"
	Identity string    `json:"identity"`
	Title    string    `json:"title"`
	Link     string    `json:"link"`
	HTML     string    `json:"html"` // Telegram HTML subset, newlines are line breaks
	Update   int       `json:"update,omitempty"`
	Created  time.Time `json:"created"`
}

// Status describes the current state of a sink connection.
type Status struct {
	Connected    bool      `json:"connected"`
	Platform     string    `json:"platform"`
	Account      string    `json:"account,omitempty"` // bot username, webhook host
	LastDelivery time.Time `json:"last_delivery"`
	Error        string    `json:"error,omitempty"`
}

// Sink is an outbound connection to a messaging platform.
type Sink interface {
	// Platform returns "telegram", "webhook" or "stdout".
	Platform() string

	// Connect (re-)establishes the connection. It is called lazily before
	// the first delivery and again after a failed one.
	Connect(ctx context.Context) error

	// Deliver sends one notification. A nil error means the platform
	// accepted it.
	Deliver(ctx context.Context, n Notification) error

	// Status returns the current connection status.
	Status() Status

	// Close releases resources.
	Close() error
}
