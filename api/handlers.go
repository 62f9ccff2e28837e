package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pdfqa/pdfqa/pkg/domain"
)

// pdfMagic is the required file header; anything else is rejected before a
// byte hits disk.
var pdfMagic = []byte("%PDF-")

// errJSON writes the uniform error body {kind, detail} with the status the
// kind maps to.
func errJSON(c *gin.Context, err error) {
	kind := domain.KindOf(err)
	c.JSON(domain.HTTPStatus(kind), gin.H{"kind": kind, "detail": err.Error()})
}

func badRequest(c *gin.Context, status int, detail string) {
	c.JSON(status, gin.H{"kind": domain.KindBadInput, "detail": detail})
}

func (s *Server) handleHealth(c *gin.Context) {
	backend := "down"
	if s.backend.Healthy() {
		backend = "up"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "pdf-qa-proxy",
		"version": s.cfg.Version,
		"backend": backend,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleUpload(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, http.StatusBadRequest, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	maxBytes := s.cfg.MaxUploadMB << 20
	if header.Size > maxBytes {
		badRequest(c, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file exceeds the %d MB upload limit", s.cfg.MaxUploadMB))
		return
	}
	if !strings.EqualFold(filepath.Ext(header.Filename), ".pdf") {
		badRequest(c, http.StatusBadRequest, "only PDF files are accepted")
		return
	}

	magic := make([]byte, len(pdfMagic))
	if _, err := io.ReadFull(file, magic); err != nil || !bytes.Equal(magic, pdfMagic) {
		badRequest(c, http.StatusBadRequest, "file is not a valid PDF")
		return
	}
	content := io.MultiReader(bytes.NewReader(magic), io.LimitReader(file, maxBytes))

	upload, err := s.store.Save(c.Request.Context(), header.Filename, content)
	if err != nil {
		errJSON(c, err)
		return
	}

	ctx, cancel := s.callCtx(c)
	defer cancel()
	payload, err := s.backend.CallTool(ctx, "index_pdf", map[string]any{"pdf_path": upload.Path})
	if err != nil {
		// The handle is only valid once indexing succeeded; roll the upload
		// back so a retry starts clean.
		if _, rerr := s.store.Remove(context.Background(), upload.PDFID); rerr != nil {
			s.logger.Warn("rollback of failed upload failed", "pdf_id", upload.PDFID, "error", rerr)
		}
		errJSON(c, err)
		return
	}

	var stats struct {
		NumPages  int `json:"num_pages"`
		NumChunks int `json:"num_chunks"`
	}
	if err := json.Unmarshal(payload, &stats); err != nil {
		errJSON(c, fmt.Errorf("%w: decode index result: %v", domain.ErrInternal, err))
		return
	}
	if err := s.store.Ledger().SetIndexStats(c.Request.Context(), upload.PDFID, stats.NumPages, stats.NumChunks); err != nil {
		s.logger.Warn("failed to record index stats", "pdf_id", upload.PDFID, "error", err)
	}

	c.JSON(http.StatusOK, gin.H{
		"pdf_id":     upload.PDFID,
		"filename":   upload.Filename,
		"num_pages":  stats.NumPages,
		"num_chunks": stats.NumChunks,
		"message":    "PDF uploaded and indexed successfully",
	})
}

func (s *Server) handleAsk(c *gin.Context) {
	pdfID := c.Param("pdf_id")
	var body struct {
		Question string `json:"question"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, http.StatusBadRequest, "request body must be JSON with a question field")
		return
	}
	if strings.TrimSpace(body.Question) == "" {
		badRequest(c, http.StatusUnprocessableEntity, "question must not be empty")
		return
	}

	upload, err := s.store.Ledger().Get(c.Request.Context(), pdfID)
	if err != nil {
		errJSON(c, err)
		return
	}

	start := time.Now()
	ctx, cancel := s.callCtx(c)
	defer cancel()
	payload, err := s.backend.CallTool(ctx, "answer_question_rag", map[string]any{
		"pdf_path": upload.Path,
		"question": body.Question,
		"top_k":    s.cfg.TopK,
	})
	if err != nil {
		errJSON(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pdf_id":          pdfID,
		"answers":         []json.RawMessage{payload},
		"processing_time": time.Since(start).Seconds(),
	})
}

func (s *Server) handleAskMultiple(c *gin.Context) {
	pdfID := c.Param("pdf_id")
	var body struct {
		Questions []string `json:"questions"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, http.StatusBadRequest, "request body must be JSON with a questions field")
		return
	}
	nonEmpty := 0
	for _, q := range body.Questions {
		if strings.TrimSpace(q) != "" {
			nonEmpty++
		}
	}
	if nonEmpty == 0 {
		badRequest(c, http.StatusUnprocessableEntity, "questions must contain at least one non-empty entry")
		return
	}

	upload, err := s.store.Ledger().Get(c.Request.Context(), pdfID)
	if err != nil {
		errJSON(c, err)
		return
	}

	start := time.Now()
	ctx, cancel := s.callCtx(c)
	defer cancel()
	payload, err := s.backend.CallTool(ctx, "answer_multiple_questions_rag", map[string]any{
		"pdf_path":  upload.Path,
		"questions": body.Questions,
		"top_k":     s.cfg.TopK,
	})
	if err != nil {
		errJSON(c, err)
		return
	}

	var result struct {
		Answers json.RawMessage `json:"answers"`
	}
	if err := json.Unmarshal(payload, &result); err != nil {
		errJSON(c, fmt.Errorf("%w: decode answers: %v", domain.ErrInternal, err))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pdf_id":          pdfID,
		"answers":         result.Answers,
		"processing_time": time.Since(start).Seconds(),
	})
}

func (s *Server) handleListPDFs(c *gin.Context) {
	uploads, err := s.store.Ledger().List(c.Request.Context())
	if err != nil {
		errJSON(c, err)
		return
	}
	out := make([]gin.H, 0, len(uploads))
	for _, u := range uploads {
		out = append(out, gin.H{
			"pdf_id":      u.PDFID,
			"filename":    u.Filename,
			"uploaded_at": u.UploadedAt,
			"num_pages":   u.NumPages,
			"num_chunks":  u.NumChunks,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleDeletePDF(c *gin.Context) {
	pdfID := c.Param("pdf_id")
	upload, err := s.store.Ledger().Get(c.Request.Context(), pdfID)
	if err != nil {
		errJSON(c, err)
		return
	}

	shared, err := s.store.Ledger().FingerprintShared(c.Request.Context(), upload.Fingerprint, pdfID)
	if err != nil {
		errJSON(c, err)
		return
	}
	if !shared {
		ctx, cancel := s.callCtx(c)
		defer cancel()
		if _, err := s.backend.CallTool(ctx, "delete_document_index", map[string]any{"pdf_path": upload.Path}); err != nil {
			// Handle deletion still proceeds; the janitor sweeps any cache
			// directory left behind.
			s.logger.Warn("index deletion failed", "pdf_id", pdfID, "error", err)
		}
	}

	if _, err := s.store.Remove(c.Request.Context(), pdfID); err != nil {
		errJSON(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": pdfID})
}
