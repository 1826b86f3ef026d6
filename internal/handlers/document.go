package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/docsense/docsense-backend/internal/logger"
	"github.com/docsense/docsense-backend/internal/services"
)

// maxUploadBytes caps a single file; multi-file batches are processed with
// bounded parallelism.
const (
	maxUploadBytes    = 32 << 20
	uploadParallelism = 4
)

type DocumentHandler struct {
	log        *logger.Logger
	rag        services.RAGService
	extraction services.ExtractionService
}

func NewDocumentHandler(log *logger.Logger, rag services.RAGService, extraction services.ExtractionService) *DocumentHandler {
	return &DocumentHandler{
		log:        log.With("handler", "DocumentHandler"),
		rag:        rag,
		extraction: extraction,
	}
}

type uploadFileResponse struct {
	Filename string                   `json:"filename"`
	Outcome  *services.ProcessOutcome `json:"outcome,omitempty"`
	Error    *APIError                `json:"error,omitempty"`
}

// POST /api/documents/upload
// Multipart upload; accepts one or more files under the "files" field (a
// single "file" field is also accepted). Each file is extracted and processed
// independently; one bad file does not fail the batch.
func (h *DocumentHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", fmt.Errorf("multipart form required: %w", err))
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["file"]
	}
	if len(files) == 0 {
		RespondError(c, http.StatusBadRequest, "invalid_request", errors.New("no files provided"))
		return
	}

	ctx := c.Request.Context()
	responses := make([]uploadFileResponse, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(uploadParallelism)
	for i, fh := range files {
		g.Go(func() error {
			responses[i] = h.processOne(gctx, fh)
			return nil
		})
	}
	_ = g.Wait()

	// single-file uploads surface a terminal generation failure as the
	// request status; batches always return 200 with per-file errors
	if len(responses) == 1 && responses[0].Error != nil {
		RespondError(c, http.StatusBadGateway, responses[0].Error.Code, errors.New(responses[0].Error.Message))
		return
	}
	RespondOK(c, gin.H{"files": responses})
}

func (h *DocumentHandler) processOne(ctx context.Context, fh *multipart.FileHeader) uploadFileResponse {
	resp := uploadFileResponse{Filename: fh.Filename}

	data, err := readMultipartFile(fh)
	if err != nil {
		resp.Error = &APIError{Message: err.Error(), Code: "invalid_request"}
		return resp
	}
	mimeType := fh.Header.Get("Content-Type")

	// extraction failures are non-fatal; the orchestrator degrades
	text, err := h.extraction.Extract(ctx, fh.Filename, mimeType, data)
	if err != nil {
		h.log.Warn("Extraction failed, processing with empty text", "filename", fh.Filename, "error", err)
		text = ""
	}

	outcome, err := h.rag.Process(ctx, services.ProcessInput{
		FileBytes:     data,
		Filename:      fh.Filename,
		MimeType:      mimeType,
		ExtractedText: text,
	})
	if err != nil {
		code := "internal_error"
		if errors.Is(err, services.ErrGenerationFailed) {
			code = "generation_failed"
		}
		resp.Error = &APIError{Message: err.Error(), Code: code}
		return resp
	}
	resp.Outcome = outcome
	return resp
}

// GET /api/rag/status
func (h *DocumentHandler) Status(c *gin.Context) {
	status, err := h.rag.Status(c.Request.Context())
	if err != nil {
		RespondError(c, http.StatusServiceUnavailable, "storage_unavailable", err)
		return
	}
	RespondOK(c, status)
}

type searchRequest struct {
	Query     string  `json:"query" binding:"required"`
	Threshold float64 `json:"threshold"`
	Limit     int     `json:"limit"`
}

// POST /api/rag/search
// Direct similarity lookup, independent of the generate-or-reuse decision.
func (h *DocumentHandler) Search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	results, err := h.rag.Search(c.Request.Context(), req.Query, req.Threshold, req.Limit)
	if err != nil {
		if errors.Is(err, services.ErrEmbeddingUnavailable) || errors.Is(err, services.ErrStorageUnavailable) {
			RespondError(c, http.StatusServiceUnavailable, "search_unavailable", err)
			return
		}
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	RespondOK(c, gin.H{"results": results})
}

func readMultipartFile(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > maxUploadBytes {
		return nil, fmt.Errorf("file %q exceeds %d byte limit", fh.Filename, maxUploadBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(io.LimitReader(f, maxUploadBytes+1))
}
