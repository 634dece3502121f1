// Package transport defines the messaging-gateway boundary. The reminder
// engine only ever sees these types; the concrete chat platform lives in a
// subpackage adapter.
package transport

import "context"

// Message is an incoming user message from the chat platform.
type Message struct {
	ID       int
	ChatID   int64
	FromID   int64
	Username string
	Text     string
}

// Gateway delivers a text to a recipient. Implementations must honor ctx
// cancellation; the dispatcher bounds every call with a timeout.
type Gateway interface {
	Send(ctx context.Context, recipient int64, text string) error
}

// Adapter is a full chat transport: a Gateway plus a long-poll intake of
// user messages.
type Adapter interface {
	Gateway

	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error
}
