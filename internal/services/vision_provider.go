package services

import (
	"context"
	"fmt"
	"os"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/docsense/docsense-backend/internal/logger"
)

// VisionProviderService is the OCR fallback for images and scanned documents.
// It is optional: when Google credentials are not configured the service is
// absent and extraction degrades to empty text.
type VisionProviderService interface {
	// OCRImageBytes runs DOCUMENT_TEXT_DETECTION on raw image bytes and
	// returns the full detected text.
	OCRImageBytes(ctx context.Context, img []byte) (string, error)

	Close() error
}

type visionProviderService struct {
	log          *logger.Logger
	visionClient *vision.ImageAnnotatorClient
}

func NewVisionProviderService(ctx context.Context, log *logger.Logger) (VisionProviderService, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	slog := log.With("service", "VisionProviderService")

	var opts []option.ClientOption
	if creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON")); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	} else if path := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	} else {
		return nil, fmt.Errorf("no google credentials configured")
	}

	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}

	return &visionProviderService{
		log:          slog,
		visionClient: client,
	}, nil
}

func (s *visionProviderService) OCRImageBytes(ctx context.Context, img []byte) (string, error) {
	if len(img) == 0 {
		return "", fmt.Errorf("image bytes required")
	}

	req := &visionpb.AnnotateImageRequest{
		Image: &visionpb.Image{Content: img},
		Features: []*visionpb.Feature{
			{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION},
		},
	}
	resp, err := s.visionClient.BatchAnnotateImages(ctx, &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{req},
	})
	if err != nil {
		return "", fmt.Errorf("vision annotate: %w", err)
	}
	if len(resp.Responses) == 0 {
		return "", fmt.Errorf("vision returned no responses")
	}
	r := resp.Responses[0]
	if r.Error != nil {
		return "", fmt.Errorf("vision annotate: %s", r.Error.GetMessage())
	}
	if r.FullTextAnnotation == nil {
		return "", nil
	}
	return CollapseWhitespace(r.FullTextAnnotation.GetText()), nil
}

func (s *visionProviderService) Close() error {
	if s.visionClient != nil {
		return s.visionClient.Close()
	}
	return nil
}
