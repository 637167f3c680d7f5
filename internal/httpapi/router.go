package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/studychat/internal/common"
	"github.com/suPer8Hu/studychat/internal/httpapi/handlers"
	"github.com/suPer8Hu/studychat/internal/httpapi/middleware"
)

func NewRouter(h *handlers.Handler) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.MaxMultipartMemory = 32 << 20
	r.Use(gin.Logger())
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.GET("/ping", h.Ping)

	// chat threads
	r.GET("/chats", h.ListChats)
	r.POST("/chats", h.CreateChat)
	r.DELETE("/chats/:id", h.DeleteChat)
	r.POST("/chats/:id/activate", h.ActivateChat)
	r.POST("/chats/:id/messages/stream", h.SendMessageStream)
	r.POST("/chats/:id/documents", h.AskChatDocument)
	r.GET("/chats/:id/messages/:index/flashcards", h.GetFlashcards)

	// document questions
	r.POST("/api/pdf", h.AskPDF)
	r.POST("/api/pdf/jobs", h.CreatePDFJob)
	r.GET("/api/pdf/jobs/:job_id", h.GetPDFJob)
	return r
}
