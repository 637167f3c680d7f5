package chat

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/studychat/internal/ai"
)

const documentFailurePrefix = "Sorry, I couldn't process the document: "

// Progress is emitted after every token folded into a turn. Content is the
// full text so far, never just the delta.
type Progress struct {
	ThreadID int64  `json:"thread_id"`
	Index    int    `json:"index"`
	Delta    string `json:"delta"`
	Content  string `json:"content"`
}

// TurnResult describes how a turn ended.
type TurnResult struct {
	ThreadID    int64  `json:"thread_id"`
	UserIndex   int    `json:"user_index"`
	Index       int    `json:"index"`
	Content     string `json:"content"`
	Tokens      int    `json:"tokens"`
	Interrupted bool   `json:"interrupted"`
}

// accumulator is the in-progress text of one assistant response, addressed by
// thread id and message index rather than by "the last message".
type accumulator struct {
	threadID int64
	index    int
	b        strings.Builder
	tokens   int
}

func (a *accumulator) fold(token string) string {
	a.b.WriteString(token)
	a.tokens++
	return a.b.String()
}

func (a *accumulator) String() string { return a.b.String() }

// Turn is a user submission whose user/placeholder pair is already in the
// thread. Run or Stream must be called exactly once to fill the placeholder
// and release the thread.
type Turn struct {
	store    *Store
	acc      *accumulator
	kind     Kind
	messages []ai.Message
	once     sync.Once
}

func (t *Turn) ThreadID() int64 { return t.acc.threadID }
func (t *Turn) Index() int      { return t.acc.index }
func (t *Turn) Kind() Kind      { return t.kind }

// Begin validates a submission and appends the user message and an empty
// assistant placeholder in one state transition.
func (s *Store) Begin(threadID int64, text string, kind Kind) (*Turn, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPrompt
	}
	if kind == "" {
		kind = KindChat
	}
	if s.streamer == nil {
		return nil, errors.New("no streaming model backend configured")
	}
	outgoing := text
	if kind == KindFlashcards {
		outgoing = FlashcardPrompt(text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	userIdx, err := s.appendPairLocked(threadID, text, kind)
	if err != nil {
		return nil, err
	}
	_, th := s.findLocked(threadID)

	prior := th.History[:userIdx]
	if s.contextWindow > 0 && len(prior) > s.contextWindow {
		prior = prior[len(prior)-s.contextWindow:]
	}
	msgs := make([]ai.Message, 0, len(prior)+1)
	for _, m := range prior {
		msgs = append(msgs, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	msgs = append(msgs, ai.Message{Role: ai.RoleUser, Content: outgoing})

	return &Turn{
		store:    s,
		acc:      &accumulator{threadID: threadID, index: userIdx + 1},
		kind:     kind,
		messages: msgs,
	}, nil
}

func (s *Store) appendPairLocked(threadID int64, text string, kind Kind) (int, error) {
	_, th := s.findLocked(threadID)
	if th == nil {
		return 0, ErrThreadNotFound
	}
	if s.busy[threadID] {
		return 0, ErrTurnInFlight
	}
	s.busy[threadID] = true

	userIdx := len(th.History)
	th.History = append(th.History,
		Message{Role: RoleUser, Content: text, Kind: kind},
		Message{Role: RoleAssistant, Content: "", Kind: kind},
	)
	s.draft = ""
	s.persistLocked()
	return userIdx, nil
}

// setContent replaces one message's content. A thread that has been deleted
// meanwhile makes this a no-op.
func (s *Store) setContent(threadID int64, index int, content string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, th := s.findLocked(threadID)
	if th == nil || index >= len(th.History) || th.History[index].Role != RoleAssistant {
		return false
	}
	th.History[index].Content = content
	s.persistLocked()
	return true
}

func (s *Store) release(threadID int64) {
	s.mu.Lock()
	delete(s.busy, threadID)
	s.mu.Unlock()
}

// Run streams the model response into the placeholder, calling onProgress (if
// set) after each fold. A transport failure keeps the partial text, marked with
// the store's interrupt marker when one is configured, and is returned as err.
func (t *Turn) Run(ctx context.Context, onProgress func(Progress)) (TurnResult, error) {
	res := TurnResult{ThreadID: t.acc.threadID, UserIndex: t.acc.index - 1, Index: t.acc.index}
	ran := false
	var err error
	t.once.Do(func() {
		ran = true
		res, err = t.run(ctx, onProgress, res)
	})
	if !ran {
		return res, errors.New("turn already ran")
	}
	return res, err
}

func (t *Turn) run(ctx context.Context, onProgress func(Progress), res TurnResult) (TurnResult, error) {
	s := t.store
	defer s.release(t.acc.threadID)

	chunks, errs := s.streamer.StreamChat(ctx, t.messages)
	for token := range chunks {
		content := t.acc.fold(token)
		visible := s.setContent(t.acc.threadID, t.acc.index, content)
		if onProgress != nil && visible {
			onProgress(Progress{ThreadID: t.acc.threadID, Index: t.acc.index, Delta: token, Content: content})
		}
	}

	res.Content = t.acc.String()
	res.Tokens = t.acc.tokens

	if err := <-errs; err != nil {
		res.Interrupted = true
		if s.interruptMarker != "" {
			res.Content += s.interruptMarker
			s.setContent(t.acc.threadID, t.acc.index, res.Content)
		}
		log.Warn().Err(err).
			Int64("thread_id", t.acc.threadID).
			Int("index", t.acc.index).
			Int("tokens", t.acc.tokens).
			Msg("stream ended before completion")
		return res, errors.Wrap(err, "stream response")
	}
	return res, nil
}

// Stream is Run in the channel style used by transports. Progress snapshots
// are best effort: a reader that falls behind skips intermediate snapshots,
// which is safe because each one carries the full content. The final result
// and a terminal error (if any) are always delivered. All channels are closed
// when the turn ends.
func (t *Turn) Stream(ctx context.Context) (progress <-chan Progress, result <-chan TurnResult, errs <-chan error) {
	outProgress := make(chan Progress, 16)
	outResult := make(chan TurnResult, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outErrs)
		defer close(outResult)
		defer close(outProgress)

		res, err := t.Run(ctx, func(p Progress) {
			select {
			case outProgress <- p:
			default:
			}
		})
		outResult <- res
		if err != nil {
			outErrs <- err
		}
	}()

	return outProgress, outResult, outErrs
}

// Submit appends the user/placeholder pair and streams the reply to completion.
func (s *Store) Submit(ctx context.Context, threadID int64, text string, kind Kind) (TurnResult, error) {
	turn, err := s.Begin(threadID, text, kind)
	if err != nil {
		return TurnResult{}, err
	}
	return turn.Run(ctx, nil)
}

// SubmitStream is Begin followed by Turn.Stream. Validation errors are
// returned before any channel is created.
func (s *Store) SubmitStream(ctx context.Context, threadID int64, text string, kind Kind) (<-chan Progress, <-chan TurnResult, <-chan error, error) {
	turn, err := s.Begin(threadID, text, kind)
	if err != nil {
		return nil, nil, nil, err
	}
	progress, result, errs := turn.Stream(ctx)
	return progress, result, errs, nil
}

// SubmitDocumentQuestion pairs the question with a placeholder like Submit,
// then replaces the placeholder wholesale with the single answer, or with an
// explanation when the document could not be processed.
func (s *Store) SubmitDocumentQuestion(ctx context.Context, threadID int64, name string, data []byte, question string) (TurnResult, error) {
	if len(data) == 0 {
		return TurnResult{}, ErrMissingDocument
	}
	if strings.TrimSpace(question) == "" {
		return TurnResult{}, ErrEmptyPrompt
	}
	if s.docs == nil {
		return TurnResult{}, ErrNoDocumentAsker
	}

	s.mu.Lock()
	userIdx, err := s.appendPairLocked(threadID, question, KindDocumentQuestion)
	s.mu.Unlock()
	if err != nil {
		return TurnResult{}, err
	}
	defer s.release(threadID)

	res := TurnResult{ThreadID: threadID, UserIndex: userIdx, Index: userIdx + 1}
	answer, askErr := s.docs.AskDocument(ctx, name, data, question)
	if askErr != nil {
		log.Warn().Err(askErr).Int64("thread_id", threadID).Str("document", name).Msg("document question failed")
		res.Content = documentFailurePrefix + askErr.Error()
		res.Interrupted = true
	} else {
		res.Content = answer
	}
	s.setContent(threadID, res.Index, res.Content)
	return res, askErr
}
