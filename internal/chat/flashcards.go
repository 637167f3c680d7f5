package chat

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ErrNoFlashcards means the content holds no bracketed JSON array at all.
var ErrNoFlashcards = errors.New("no flashcard array found in response")

type Flashcard struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// FlashcardPrompt wraps study text in the instruction sent to the model for a
// flashcards turn.
func FlashcardPrompt(text string) string {
	return "Create concise Q&A flashcards from the following text.\n" +
		"Return only JSON in this format:\n" +
		"[\n  { \"question\": \"Question text\", \"answer\": \"Answer text\" }\n]\n" +
		"Text:\n" + text
}

// ExtractFlashcards parses the text between the first '[' and the last ']'
// (inclusive) as an array of question/answer cards. Every card must carry both
// fields and the array must not be empty.
func ExtractFlashcards(content string) ([]Flashcard, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < start {
		return nil, ErrNoFlashcards
	}

	var raw []struct {
		Question *string `json:"question"`
		Answer   *string `json:"answer"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, errors.Wrap(err, "parse flashcards")
	}
	if len(raw) == 0 {
		return nil, errors.New("flashcard array is empty")
	}

	cards := make([]Flashcard, 0, len(raw))
	for i, r := range raw {
		if r.Question == nil || r.Answer == nil ||
			strings.TrimSpace(*r.Question) == "" || strings.TrimSpace(*r.Answer) == "" {
			return nil, errors.Errorf("flashcard %d is missing a question or an answer", i+1)
		}
		cards = append(cards, Flashcard{Question: *r.Question, Answer: *r.Answer})
	}
	return cards, nil
}

// FlashcardView is what a renderer shows for a flashcards message: the cards,
// or the raw text together with the reason they could not be extracted.
type FlashcardView struct {
	Cards []Flashcard `json:"cards,omitempty"`
	Raw   string      `json:"raw,omitempty"`
	Error string      `json:"error,omitempty"`
}

func RenderFlashcards(content string) FlashcardView {
	cards, err := ExtractFlashcards(content)
	if err != nil {
		return FlashcardView{Raw: content, Error: err.Error()}
	}
	return FlashcardView{Cards: cards}
}
