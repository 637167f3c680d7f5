package ai

import "context"

// StreamProvider is an optional interface. Providers may implement streaming chat.
//
// The chunk channel yields text tokens in arrival order and is closed when the
// stream ends. The error channel receives at most one terminal error; a stream
// that reached its done signal closes it without sending.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
