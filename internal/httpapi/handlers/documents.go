package handlers

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/suPer8Hu/studychat/internal/common"
	"github.com/suPer8Hu/studychat/internal/docqa"
	"github.com/suPer8Hu/studychat/internal/httpapi/middleware"
)

const maxDocumentBytes = 64 << 20

var (
	errUploadMissing = errors.New("PDF file and question are required")
	errNotPDF        = errors.New("File must be a PDF")
	errTooLarge      = errors.New("PDF file is too large")
)

type upload struct {
	name     string
	data     []byte
	question string
}

// readUpload reads the multipart "pdf" file and "question" field.
func readUpload(c *gin.Context) (upload, error) {
	question := c.PostForm("question")
	fh, err := c.FormFile("pdf")
	if err != nil || fh == nil || question == "" {
		return upload{}, errUploadMissing
	}
	if !isPDF(fh) {
		return upload{}, errNotPDF
	}
	if fh.Size > maxDocumentBytes {
		return upload{}, errTooLarge
	}
	f, err := fh.Open()
	if err != nil {
		return upload{}, errors.Wrap(err, "open upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxDocumentBytes+1))
	if err != nil {
		return upload{}, errors.Wrap(err, "read upload")
	}
	return upload{name: fh.Filename, data: data, question: question}, nil
}

func isPDF(fh *multipart.FileHeader) bool {
	ct := strings.ToLower(strings.TrimSpace(fh.Header.Get("Content-Type")))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return ct == docqa.PDFContentType
}

func isUploadInputErr(err error) bool {
	return errors.Is(err, errUploadMissing) || errors.Is(err, errNotPDF) || errors.Is(err, errTooLarge)
}

// AskPDF is the document-question endpoint consumed by docqa.Client. It keeps
// a flat {answer} / {error} body rather than the API envelope.
func (h *Handler) AskPDF(c *gin.Context) {
	up, err := readUpload(c)
	if err != nil {
		if isUploadInputErr(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error().Err(err).Str("request_id", middleware.RequestIDFrom(c)).Msg("read pdf upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	log.Info().Str("request_id", middleware.RequestIDFrom(c)).Str("file", up.name).Int("bytes", len(up.data)).Msg("pdf question received")

	path, err := docqa.SaveUpload(h.Cfg.DocQATempDir, up.name, up.data, h.now())
	if err != nil {
		log.Error().Err(err).Msg("save pdf upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("remove temp pdf")
		}
	}()

	res, err := h.Runner.Run(c.Request.Context(), path, up.question)
	if err != nil {
		log.Error().Err(err).Msg("start pdf processing")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start PDF processing. Make sure Python is installed."})
		return
	}
	answer, err := res.Answer()
	if err != nil {
		log.Warn().Int("exit_code", res.ExitCode).Str("stderr", res.Stderr).Msg("pdf processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

// AskChatDocument runs a document-question turn in a chat thread.
func (h *Handler) AskChatDocument(c *gin.Context) {
	id, ok := threadID(c)
	if !ok {
		return
	}
	up, err := readUpload(c)
	if err != nil {
		if isUploadInputErr(err) {
			common.Fail(c, http.StatusBadRequest, 40001, err.Error())
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	res, err := h.Chats.SubmitDocumentQuestion(context.WithoutCancel(c.Request.Context()), id, up.name, up.data, up.question)
	if err != nil && res.Index == 0 {
		failChat(c, err)
		return
	}
	// a processing failure is already part of the thread
	common.OK(c, gin.H{"result": res})
}

// CreatePDFJob stores the upload and queues it for the worker. A repeated
// Idempotency-Key returns the original job without queueing again.
func (h *Handler) CreatePDFJob(c *gin.Context) {
	if h.Jobs == nil || h.Rabbit == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "document jobs disabled")
		return
	}
	rid := middleware.RequestIDFrom(c)

	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		common.Fail(c, http.StatusBadRequest, 40001, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	up, err := readUpload(c)
	if err != nil {
		if isUploadInputErr(err) {
			common.Fail(c, http.StatusBadRequest, 40001, err.Error())
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	jobID, err := common.NewULID()
	if err != nil {
		log.Error().Err(err).Str("request_id", rid).Msg("new job id")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}
	path, err := docqa.SaveUpload(h.Cfg.DocQAUploadDir, jobID+"_"+filepath.Base(up.name), up.data, h.now())
	if err != nil {
		log.Error().Err(err).Str("request_id", rid).Msg("store job upload")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	j, created, err := h.Jobs.CreateJobOrGetExisting(c.Request.Context(), &docqa.Job{
		ID:             jobID,
		DocumentName:   up.name,
		DocumentPath:   path,
		Question:       up.question,
		IdempotencyKey: idempoKeyPtr,
		Status:         docqa.JobQueued,
	})
	if err != nil || !created {
		_ = os.Remove(path)
	}
	if err != nil {
		log.Error().Err(err).Str("request_id", rid).Str("job_id", jobID).Msg("create job")
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	// Enqueue only when a new job was created
	if created {
		if err := h.Rabbit.PublishJob(c.Request.Context(), j.ID); err != nil {
			log.Error().Err(err).Str("request_id", rid).Str("job_id", j.ID).Msg("publish job")
			_ = h.Jobs.MarkJobFailed(c.Request.Context(), j.ID, "enqueue failed")
			_ = os.Remove(path)
			common.Fail(c, http.StatusInternalServerError, 50002, "enqueue failed")
			return
		}
	}

	common.OK(c, gin.H{"job_id": j.ID, "created": created})
}

func (h *Handler) GetPDFJob(c *gin.Context) {
	if h.Jobs == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "document jobs disabled")
		return
	}
	j, err := h.Jobs.GetJobByID(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40403, "job not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
		return
	}

	common.OK(c, gin.H{
		"job": gin.H{
			"id":            j.ID,
			"document_name": j.DocumentName,
			"question":      j.Question,
			"status":        j.Status,
			"answer":        j.Answer,
			"error":         j.Error,
			"created_at":    j.CreatedAt,
			"updated_at":    j.UpdatedAt,
		},
	})
}
