package ai

import "context"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is the wire shape of one conversation entry sent to a model backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider answers a conversation with a single complete reply.
type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}
