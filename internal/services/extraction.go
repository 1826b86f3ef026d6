package services

import (
	"context"

	"github.com/docsense/docsense-backend/internal/logger"
)

// nativeTextFloor: below this many characters a "successful" native PDF
// extraction is treated as a scan.
const nativeTextFloor = 32

// ExtractionService turns an uploaded file into normalized text. Never fatal
// to the request: when nothing can be extracted it returns empty text and the
// orchestrator degrades to whatever the generator can do with the raw file.
type ExtractionService interface {
	Extract(ctx context.Context, filename string, mimeType string, data []byte) (string, error)
}

type extractionService struct {
	log    *logger.Logger
	vision VisionProviderService // nil when OCR is not configured
}

func NewExtractionService(log *logger.Logger, vision VisionProviderService) ExtractionService {
	return &extractionService{
		log:    log.With("service", "ExtractionService"),
		vision: vision,
	}
}

func (s *extractionService) Extract(ctx context.Context, filename string, mimeType string, data []byte) (string, error) {
	if IsImage(mimeType, data) {
		if s.vision == nil {
			s.log.Debug("Image upload without OCR configured, extraction skipped", "filename", filename)
			return "", nil
		}
		text, err := s.vision.OCRImageBytes(ctx, data)
		if err != nil {
			s.log.Warn("Image OCR failed, continuing without text", "filename", filename, "error", err)
			return "", nil
		}
		return text, nil
	}

	text, err := ExtractText(filename, mimeType, data)
	if err != nil {
		s.log.Warn("Native extraction failed", "filename", filename, "mime_type", mimeType, "error", err)
		return "", nil
	}
	if len(text) < nativeTextFloor && isPDF(data) {
		// likely a scanned PDF; no page renderer here, so the orchestrator
		// degrades to generation with whatever text we got
		s.log.Debug("PDF produced little native text, likely scanned", "filename", filename, "chars", len(text))
	}
	return text, nil
}
