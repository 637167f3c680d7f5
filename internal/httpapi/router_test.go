package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/studychat/internal/ai"
	"github.com/suPer8Hu/studychat/internal/chat"
	"github.com/suPer8Hu/studychat/internal/config"
	"github.com/suPer8Hu/studychat/internal/docqa"
	"github.com/suPer8Hu/studychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/studychat/internal/store/blob"
)

type tokenStream struct {
	tokens []string
	gate   chan struct{}
}

func (f *tokenStream) StreamChat(ctx context.Context, _ []ai.Message) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, tok := range f.tokens {
			if f.gate != nil {
				<-f.gate
			}
			chunks <- tok
		}
	}()
	return chunks, errs
}

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePublisher) PublishJob(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, jobID)
	return nil
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type testServer struct {
	router *gin.Engine
	chats  *chat.Store
	jobs   *docqa.Repo
	rabbit *fakePublisher
	cfg    config.Config
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "readpdf.sh")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o700))
	return path
}

func newTestServer(t *testing.T, stream ai.StreamProvider, script string) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.FromViper(config.New())
	cfg.DocQATempDir = t.TempDir()
	cfg.DocQAUploadDir = t.TempDir()
	runner := docqa.Runner{Command: "sh", Script: script}

	gdb, err := gorm.Open(gormsqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	jobs := docqa.NewRepo(gdb)
	require.NoError(t, jobs.Migrate(context.Background()))

	chats := chat.Open(context.Background(), blob.NewMemory(), stream,
		chat.WithDocumentAsker(docqa.NewLocal(runner, cfg.DocQATempDir)))
	rabbit := &fakePublisher{}
	h := handlers.NewHandler(cfg, chats, runner, jobs, rabbit)

	return &testServer{router: NewRouter(h), chats: chats, jobs: jobs, rabbit: rabbit, cfg: cfg}
}

func (s *testServer) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func pdfForm(t *testing.T, fileName, contentType string, data []byte, question string) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if fileName != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="pdf"; filename=%q`, fileName))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	if question != "" {
		require.NoError(t, mw.WriteField("question", question))
	}
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func postForm(t *testing.T, url string, body *bytes.Buffer, contentType string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, url, body)
	req.Header.Set("Content-Type", contentType)
	return req
}

const echoScript = `read q
printf 'answer to %s from %s\n' "$q" "$(cat "$1")"
`

func TestPing(t *testing.T) {
	s := newTestServer(t, &tokenStream{}, "")
	w := s.do(t, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestThreadLifecycle(t *testing.T) {
	s := newTestServer(t, &tokenStream{}, "")

	var created struct {
		Thread struct {
			ID    int64  `json:"id"`
			Title string `json:"title"`
		} `json:"thread"`
	}
	w := s.do(t, httptest.NewRequest(http.MethodPost, "/chats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &created)
	assert.Equal(t, "New chat", created.Thread.Title)

	var list struct {
		Threads  []struct{ ID int64 } `json:"threads"`
		ActiveID *int64               `json:"active_id"`
	}
	decode(t, s.do(t, httptest.NewRequest(http.MethodGet, "/chats", nil)), &list)
	require.Len(t, list.Threads, 2)
	assert.Equal(t, created.Thread.ID, *list.ActiveID)

	older := list.Threads[1].ID
	w = s.do(t, httptest.NewRequest(http.MethodPost, fmt.Sprintf("/chats/%d/activate", older), nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/chats/%d", older), nil))
	var deleted struct {
		ActiveID *int64 `json:"active_id"`
	}
	decode(t, w, &deleted)
	require.NotNil(t, deleted.ActiveID)
	assert.Equal(t, created.Thread.ID, *deleted.ActiveID)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/chats/999/activate", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 40401, decode(t, w, nil).Code)

	w = s.do(t, httptest.NewRequest(http.MethodPost, "/chats/abc/activate", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSendMessageStream(t *testing.T) {
	s := newTestServer(t, &tokenStream{tokens: []string{"A", "B", "C"}}, "")
	id, _ := s.chats.ActiveThreadID()

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/chats/%d/messages/stream", id), strings.NewReader(`{"message":"hello"}`))
	req.Header.Set("Content-Type", "application/json")
	w := s.do(t, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: start\n")
	assert.Contains(t, body, "event: done\n")
	assert.Contains(t, body, `"content":"ABC"`)
	assert.NotContains(t, body, "event: error")

	th, _ := s.chats.Thread(id)
	require.Len(t, th.History, 2)
	assert.Equal(t, "ABC", th.History[1].Content)
}

func TestSendMessageStream_Rejections(t *testing.T) {
	stream := &tokenStream{tokens: []string{"x"}, gate: make(chan struct{})}
	s := newTestServer(t, stream, "")
	id, _ := s.chats.ActiveThreadID()

	post := func(path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return s.do(t, req)
	}
	path := fmt.Sprintf("/chats/%d/messages/stream", id)

	assert.Equal(t, http.StatusBadRequest, post(path, `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(path, `{"message":"   "}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(path, `{"message":"q","kind":"video"}`).Code)
	assert.Equal(t, http.StatusNotFound, post("/chats/1/messages/stream", `{"message":"q"}`).Code)

	turn, err := s.chats.Begin(id, "first", chat.KindChat)
	require.NoError(t, err)
	w := post(path, `{"message":"second"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, 40901, decode(t, w, nil).Code)

	go func() { stream.gate <- struct{}{} }()
	_, err = turn.Run(context.Background(), nil)
	require.NoError(t, err)
}

func TestGetFlashcards(t *testing.T) {
	s := newTestServer(t, &tokenStream{tokens: []string{`Sure [{"question":"Q1",`, `"answer":"A1"}] done`}}, "")
	id, _ := s.chats.ActiveThreadID()
	_, err := s.chats.Submit(context.Background(), id, "cells", chat.KindFlashcards)
	require.NoError(t, err)

	var view chat.FlashcardView
	w := s.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/chats/%d/messages/1/flashcards", id), nil))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &view)
	assert.Equal(t, []chat.Flashcard{{Question: "Q1", Answer: "A1"}}, view.Cards)

	w = s.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/chats/%d/messages/0/flashcards", id), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAskPDF(t *testing.T) {
	s := newTestServer(t, &tokenStream{}, writeScript(t, echoScript))

	body, ct := pdfForm(t, "bio.pdf", "application/pdf", []byte("cells"), "what?")
	w := s.do(t, postForm(t, "/api/pdf", body, ct))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"answer":"answer to what? from cells"}`, w.Body.String())

	entries, err := os.ReadDir(s.cfg.DocQATempDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file removed")
}

func TestAskPDF_Errors(t *testing.T) {
	t.Run("missing question", func(t *testing.T) {
		s := newTestServer(t, &tokenStream{}, writeScript(t, echoScript))
		body, ct := pdfForm(t, "bio.pdf", "application/pdf", []byte("x"), "")
		w := s.do(t, postForm(t, "/api/pdf", body, ct))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"PDF file and question are required"}`, w.Body.String())
	})

	t.Run("missing file", func(t *testing.T) {
		s := newTestServer(t, &tokenStream{}, writeScript(t, echoScript))
		body, ct := pdfForm(t, "", "", nil, "what?")
		w := s.do(t, postForm(t, "/api/pdf", body, ct))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("not a pdf", func(t *testing.T) {
		s := newTestServer(t, &tokenStream{}, writeScript(t, echoScript))
		body, ct := pdfForm(t, "notes.txt", "text/plain", []byte("x"), "what?")
		w := s.do(t, postForm(t, "/api/pdf", body, ct))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"File must be a PDF"}`, w.Body.String())
	})

	t.Run("process fails", func(t *testing.T) {
		s := newTestServer(t, &tokenStream{}, writeScript(t, "echo 'bad xref' >&2\nexit 1\n"))
		body, ct := pdfForm(t, "bio.pdf", "application/pdf", []byte("x"), "what?")
		w := s.do(t, postForm(t, "/api/pdf", body, ct))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.JSONEq(t, `{"error":"Processing failed: bad xref"}`, w.Body.String())
	})

	t.Run("process cannot start", func(t *testing.T) {
		s := newTestServer(t, &tokenStream{}, "")
		body, ct := pdfForm(t, "bio.pdf", "application/pdf", []byte("x"), "what?")
		req := postForm(t, "/api/pdf", body, ct)
		h := handlers.NewHandler(s.cfg, s.chats, docqa.Runner{Command: filepath.Join(t.TempDir(), "no-python")}, nil, nil)
		w := httptest.NewRecorder()
		NewRouter(h).ServeHTTP(w, req)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "Failed to start PDF processing")
	})
}

func TestAskChatDocument(t *testing.T) {
	s := newTestServer(t, &tokenStream{}, writeScript(t, echoScript))
	id, _ := s.chats.ActiveThreadID()

	body, ct := pdfForm(t, "bio.pdf", "application/pdf", []byte("mitochondria"), "topic?")
	w := s.do(t, postForm(t, fmt.Sprintf("/chats/%d/documents", id), body, ct))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	th, _ := s.chats.Thread(id)
	require.Len(t, th.History, 2)
	assert.Equal(t, chat.Message{Role: chat.RoleUser, Content: "topic?", Kind: chat.KindDocumentQuestion}, th.History[0])
	assert.Equal(t, "answer to topic? from mitochondria", th.History[1].Content)
}

func TestPDFJobs(t *testing.T) {
	s := newTestServer(t, &tokenStream{}, writeScript(t, echoScript))

	submit := func(key string) (string, bool) {
		body, ct := pdfForm(t, "bio.pdf", "application/pdf", []byte("cells"), "what?")
		req := postForm(t, "/api/pdf/jobs", body, ct)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := s.do(t, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var out struct {
			JobID   string `json:"job_id"`
			Created bool   `json:"created"`
		}
		decode(t, w, &out)
		return out.JobID, out.Created
	}

	first, created := submit("k1")
	assert.True(t, created)
	again, created := submit("k1")
	assert.False(t, created)
	assert.Equal(t, first, again)
	assert.Equal(t, []string{first}, s.rabbit.ids)

	entries, err := os.ReadDir(s.cfg.DocQAUploadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "duplicate upload is discarded")

	proc := &docqa.Processor{Repo: s.jobs, Asker: docqa.Runner{Command: "sh", Script: writeScript(t, echoScript)}}
	require.NoError(t, proc.Handle(context.Background(), first))

	var out struct {
		Job struct {
			Status string  `json:"status"`
			Answer *string `json:"answer"`
		} `json:"job"`
	}
	w := s.do(t, httptest.NewRequest(http.MethodGet, "/api/pdf/jobs/"+first, nil))
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &out)
	assert.Equal(t, "succeeded", out.Job.Status)
	require.NotNil(t, out.Job.Answer)
	assert.Equal(t, "answer to what? from cells", *out.Job.Answer)

	w = s.do(t, httptest.NewRequest(http.MethodGet, "/api/pdf/jobs/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
