package chat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Kind tells a renderer how to interpret a message's content.
type Kind string

const (
	KindChat             Kind = "chat"
	KindFlashcards       Kind = "flashcards"
	KindDocumentQuestion Kind = "document-question"

	// older stored chats tagged document answers as "pdf"
	legacyKindPDF = "pdf"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(KindChat):
		return KindChat, nil
	case string(KindFlashcards):
		return KindFlashcards, nil
	case string(KindDocumentQuestion), legacyKindPDF:
		return KindDocumentQuestion, nil
	default:
		return "", errors.Errorf("unknown message kind %q", s)
	}
}

// UnmarshalJSON reads stored kinds leniently: a tag this build does not know
// renders as plain chat instead of failing the whole document.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseKind(s)
	if err != nil {
		parsed = KindChat
	}
	*k = parsed
	return nil
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Kind    Kind   `json:"type"`
}

type Thread struct {
	ID      int64     `json:"id"`
	History []Message `json:"history"`
}

// Title is what a thread list shows: the first message, or "New chat".
func (t Thread) Title() string {
	if len(t.History) == 0 || strings.TrimSpace(t.History[0].Content) == "" {
		return "New chat"
	}
	title := strings.TrimSpace(t.History[0].Content)
	if r := []rune(title); len(r) > 60 {
		title = string(r[:60]) + "…"
	}
	return title
}

func (t Thread) clone() Thread {
	out := Thread{ID: t.ID, History: make([]Message, len(t.History))}
	copy(out.History, t.History)
	return out
}

// Snapshot is a detached copy of the session state.
type Snapshot struct {
	Threads  []Thread `json:"threads"`
	ActiveID *int64   `json:"active_id"`
}
