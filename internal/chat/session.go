// Package chat holds the session state of a study chat client: the set of
// conversation threads, which one is active, their durable persistence, and
// the turn lifecycle that folds streamed model output into a thread.
package chat

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/studychat/internal/ai"
	"github.com/suPer8Hu/studychat/internal/store/blob"
)

// StorageKey is the blob key holding the JSON array of threads.
const StorageKey = "ai-chats"

var (
	ErrThreadNotFound  = errors.New("chat thread not found")
	ErrEmptyPrompt     = errors.New("prompt is empty")
	ErrMissingDocument = errors.New("document is required")
	ErrTurnInFlight    = errors.New("a response is still streaming for this thread")
	ErrNoDocumentAsker = errors.New("document questions are not configured")
)

// DocumentAsker answers a question about an uploaded document in one call.
type DocumentAsker interface {
	AskDocument(ctx context.Context, name string, data []byte, question string) (string, error)
}

// Store is the single owner of all threads and messages. Every mutation runs
// under one mutex and ends with a full re-persist, so observers only ever see
// whole state transitions.
type Store struct {
	mu        sync.Mutex
	threads   []*Thread
	activeID  int64
	hasActive bool
	draft     string
	lastID    int64
	busy      map[int64]bool

	blobs    blob.Store
	streamer ai.StreamProvider
	docs     DocumentAsker

	contextWindow   int
	interruptMarker string
	persistTimeout  time.Duration
	now             func() time.Time
}

type Option func(*Store)

// WithContextWindow limits how many prior messages are sent with a turn.
// Zero or less sends the whole history.
func WithContextWindow(n int) Option {
	return func(s *Store) { s.contextWindow = n }
}

// WithInterruptMarker sets text appended to a response whose stream failed
// before completing. Empty leaves partial content untouched.
func WithInterruptMarker(marker string) Option {
	return func(s *Store) { s.interruptMarker = marker }
}

func WithDocumentAsker(d DocumentAsker) Option {
	return func(s *Store) { s.docs = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open rehydrates session state from blobs. Missing or malformed stored data
// yields a single fresh thread instead of an error.
func Open(ctx context.Context, blobs blob.Store, streamer ai.StreamProvider, opts ...Option) *Store {
	s := &Store{
		busy:           make(map[int64]bool),
		blobs:          blobs,
		streamer:       streamer,
		persistTimeout: 5 * time.Second,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	threads := s.load(ctx)
	for i := range threads {
		t := threads[i]
		s.threads = append(s.threads, &t)
		if t.ID > s.lastID {
			s.lastID = t.ID
		}
	}
	if len(s.threads) == 0 {
		s.createThreadLocked()
		return s
	}
	s.activeID, s.hasActive = s.threads[0].ID, true
	return s
}

func (s *Store) load(ctx context.Context) []Thread {
	if s.blobs == nil {
		return nil
	}
	raw, err := s.blobs.Get(ctx, StorageKey)
	if err != nil {
		if !errors.Is(err, blob.ErrNotFound) {
			log.Warn().Err(err).Str("key", StorageKey).Msg("load session state failed, starting fresh")
		}
		return nil
	}
	threads, err := decodeThreads(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", StorageKey).Msg("stored session state is malformed, starting fresh")
		return nil
	}
	return threads
}

// decodeThreads parses the persisted array, dropping duplicate ids.
func decodeThreads(raw []byte) ([]Thread, error) {
	var threads []Thread
	if err := json.Unmarshal(raw, &threads); err != nil {
		return nil, errors.Wrap(err, "decode threads")
	}
	seen := make(map[int64]bool, len(threads))
	out := threads[:0]
	for _, t := range threads {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if t.History == nil {
			t.History = []Message{}
		}
		for i := range t.History {
			if t.History[i].Kind == "" {
				t.History[i].Kind = KindChat
			}
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) encodeLocked() ([]byte, error) {
	threads := make([]Thread, len(s.threads))
	for i, t := range s.threads {
		threads[i] = *t
	}
	return json.Marshal(threads)
}

// persistLocked writes the whole state. Failures are logged; in-memory state
// stays authoritative for the rest of the session.
func (s *Store) persistLocked() {
	if s.blobs == nil {
		return
	}
	b, err := s.encodeLocked()
	if err != nil {
		log.Error().Err(err).Msg("encode session state")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.persistTimeout)
	defer cancel()
	if err := s.blobs.Put(ctx, StorageKey, b); err != nil {
		log.Warn().Err(err).Str("key", StorageKey).Int("bytes", len(b)).Msg("persist session state failed")
	}
}

func (s *Store) nextIDLocked() int64 {
	id := s.now().UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

func (s *Store) findLocked(id int64) (int, *Thread) {
	for i, t := range s.threads {
		if t.ID == id {
			return i, t
		}
	}
	return -1, nil
}

func (s *Store) createThreadLocked() Thread {
	t := &Thread{ID: s.nextIDLocked(), History: []Message{}}
	s.threads = append([]*Thread{t}, s.threads...)
	s.activeID, s.hasActive = t.ID, true
	s.draft = ""
	s.persistLocked()
	return t.clone()
}

// CreateThread starts an empty thread at the front of the list and makes it active.
func (s *Store) CreateThread() Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createThreadLocked()
}

// DeleteThread removes a thread. Deleting the active thread activates the first
// remaining one, or none. Unknown ids are ignored.
func (s *Store) DeleteThread(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, _ := s.findLocked(id)
	if idx < 0 {
		return
	}
	s.threads = append(s.threads[:idx], s.threads[idx+1:]...)
	if s.hasActive && s.activeID == id {
		if len(s.threads) > 0 {
			s.activeID = s.threads[0].ID
		} else {
			s.activeID, s.hasActive = 0, false
		}
	}
	s.persistLocked()
}

func (s *Store) Activate(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, t := s.findLocked(id); t == nil {
		return ErrThreadNotFound
	}
	s.activeID, s.hasActive = id, true
	return nil
}

// ActiveThreadID reports the active thread; ok is false only when there are no threads.
func (s *Store) ActiveThreadID() (id int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID, s.hasActive
}

func (s *Store) Thread(id int64) (Thread, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, t := s.findLocked(id)
	if t == nil {
		return Thread{}, false
	}
	return t.clone(), true
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{Threads: make([]Thread, len(s.threads))}
	for i, t := range s.threads {
		snap.Threads[i] = t.clone()
	}
	if s.hasActive {
		id := s.activeID
		snap.ActiveID = &id
	}
	return snap
}

func (s *Store) SetDraft(text string) {
	s.mu.Lock()
	s.draft = text
	s.mu.Unlock()
}

func (s *Store) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// Busy reports whether a turn for the thread is still outstanding.
func (s *Store) Busy(threadID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy[threadID]
}
