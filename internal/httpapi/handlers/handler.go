package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/suPer8Hu/studychat/internal/chat"
	"github.com/suPer8Hu/studychat/internal/common"
	"github.com/suPer8Hu/studychat/internal/config"
	"github.com/suPer8Hu/studychat/internal/docqa"
)

// JobPublisher enqueues a document-question job id for the worker.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	Cfg    config.Config
	Chats  *chat.Store
	Runner docqa.Runner

	// Async document jobs; both nil disables the /api/pdf/jobs routes.
	Jobs   *docqa.Repo
	Rabbit JobPublisher

	now func() time.Time
}

func NewHandler(cfg config.Config, chats *chat.Store, runner docqa.Runner, jobs *docqa.Repo, rabbit JobPublisher) *Handler {
	return &Handler{Cfg: cfg, Chats: chats, Runner: runner, Jobs: jobs, Rabbit: rabbit, now: time.Now}
}

func (h *Handler) Ping(c *gin.Context) {
	common.OK(c, gin.H{"pong": true})
}

// failChat maps session store errors onto the response envelope.
func failChat(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrThreadNotFound):
		common.Fail(c, http.StatusNotFound, 40401, "chat not found")
	case errors.Is(err, chat.ErrEmptyPrompt):
		common.Fail(c, http.StatusBadRequest, 40001, "message required")
	case errors.Is(err, chat.ErrMissingDocument):
		common.Fail(c, http.StatusBadRequest, 40001, "pdf file required")
	case errors.Is(err, chat.ErrTurnInFlight):
		common.Fail(c, http.StatusConflict, 40901, "a response is still streaming for this chat")
	case errors.Is(err, chat.ErrNoDocumentAsker):
		common.Fail(c, http.StatusServiceUnavailable, 50301, "document questions disabled")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
