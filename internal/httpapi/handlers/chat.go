package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/suPer8Hu/studychat/internal/chat"
	"github.com/suPer8Hu/studychat/internal/common"
	"github.com/suPer8Hu/studychat/internal/httpapi/middleware"
)

const heartbeatInterval = 15 * time.Second

type threadView struct {
	ID      int64          `json:"id"`
	Title   string         `json:"title"`
	History []chat.Message `json:"history"`
	Busy    bool           `json:"busy"`
}

func (h *Handler) view(t chat.Thread) threadView {
	return threadView{ID: t.ID, Title: t.Title(), History: t.History, Busy: h.Chats.Busy(t.ID)}
}

func threadID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid chat id")
		return 0, false
	}
	return id, true
}

func (h *Handler) ListChats(c *gin.Context) {
	snap := h.Chats.Snapshot()
	threads := make([]threadView, 0, len(snap.Threads))
	for _, t := range snap.Threads {
		threads = append(threads, h.view(t))
	}
	common.OK(c, gin.H{"threads": threads, "active_id": snap.ActiveID})
}

func (h *Handler) CreateChat(c *gin.Context) {
	t := h.Chats.CreateThread()
	common.OK(c, gin.H{"thread": h.view(t)})
}

func (h *Handler) DeleteChat(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	h.Chats.DeleteThread(id)
	active, has := h.Chats.ActiveThreadID()
	var activeID *int64
	if has {
		activeID = &active
	}
	common.OK(c, gin.H{"active_id": activeID})
}

func (h *Handler) ActivateChat(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	if err := h.Chats.Activate(id); err != nil {
		failChat(c, err)
		return
	}
	common.OK(c, gin.H{"active_id": id})
}

type sendMessageReq struct {
	Message string `json:"message" binding:"required"`
	Kind    string `json:"kind"`
}

// SendMessageStream appends the user message and placeholder, then streams the
// reply as server-sent events. The turn is detached from the request: a client
// that goes away stops receiving events but the reply is still completed and
// persisted.
func (h *Handler) SendMessageStream(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid json")
		return
	}
	kind, err := chat.ParseKind(req.Kind)
	if err != nil || kind == chat.KindDocumentQuestion {
		common.Fail(c, http.StatusBadRequest, 40001, "kind must be chat or flashcards")
		return
	}

	turn, err := h.Chats.Begin(id, req.Message, kind)
	if err != nil {
		failChat(c, err)
		return
	}
	progress, result, errs := turn.Stream(context.WithoutCancel(c.Request.Context()))

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		// the turn still runs to completion in the background
		common.Fail(c, http.StatusInternalServerError, 50001, "streaming unsupported")
		return
	}

	// SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no") // helpful if behind nginx
	c.Status(http.StatusOK)

	writeJSON := func(event string, payload any) {
		b, err := json.Marshal(payload)
		if err != nil {
			fmt.Fprintf(c.Writer, "event: error\ndata: {\"message\":\"json marshal failed\"}\n\n")
			flusher.Flush()
			return
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", event, b)
		flusher.Flush()
	}

	writeJSON("start", gin.H{
		"type":      "start",
		"thread_id": turn.ThreadID(),
		"index":     turn.Index(),
		"kind":      turn.Kind(),
	})

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	ctx := c.Request.Context()

	for {
		select {
		case p, ok := <-progress:
			if !ok {
				res := <-result
				if err := <-errs; err != nil {
					writeJSON("error", gin.H{
						"type":    "error",
						"message": err.Error(),
						"result":  res,
					})
					return
				}
				writeJSON("done", gin.H{"type": "done", "result": res})
				return
			}
			writeJSON("chunk", gin.H{
				"type":    "chunk",
				"delta":   p.Delta,
				"content": p.Content,
			})

		case <-ticker.C:
			writeJSON("ping", gin.H{
				"type": "ping",
				"ts":   time.Now().Unix(),
			})

		case <-ctx.Done():
			log.Info().
				Str("request_id", middleware.RequestIDFrom(c)).
				Int64("thread_id", turn.ThreadID()).
				Msg("client left mid-stream, reply continues in background")
			return
		}
	}
}

func (h *Handler) GetFlashcards(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid message index")
		return
	}
	t, found := h.Chats.Thread(id)
	if !found {
		failChat(c, chat.ErrThreadNotFound)
		return
	}
	if index < 0 || index >= len(t.History) || t.History[index].Role != chat.RoleAssistant {
		common.Fail(c, http.StatusNotFound, 40402, "assistant message not found")
		return
	}
	common.OK(c, chat.RenderFlashcards(t.History[index].Content))
}
