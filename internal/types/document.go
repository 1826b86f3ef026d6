package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Document is the unit of persisted knowledge: one uploaded file, its extracted
// text, the generated summary, and the embedding used for similarity reuse.
// Records are immutable after insert. When a new upload reuses the result of a
// similar stored document, the provenance lives on the NEW record
// (MatchedDocumentID/MatchedScore); the matched record is never mutated.
type Document struct {
	ID            uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ContentHash   string         `gorm:"column:content_hash;uniqueIndex;not null" json:"content_hash"`
	ExtractedText string         `gorm:"column:extracted_text" json:"extracted_text"`
	Result        string         `gorm:"column:result;not null" json:"result"`
	Embedding     datatypes.JSON `gorm:"column:embedding" json:"embedding,omitempty"`

	MatchedDocumentID *uuid.UUID `gorm:"type:uuid;column:matched_document_id" json:"matched_document_id,omitempty"`
	MatchedScore      *float64   `gorm:"column:matched_score" json:"matched_score,omitempty"`

	SourceFilename string    `gorm:"column:source_filename" json:"source_filename"`
	MimeType       string    `gorm:"column:mime_type" json:"mime_type"`
	SizeBytes      int64     `gorm:"column:size_bytes" json:"size_bytes"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

func (Document) TableName() string { return "document" }

// EmbeddingVector decodes the stored JSON embedding column. A record without an
// embedding (degraded ingestion) returns (nil, nil) and is skipped by search.
func (d *Document) EmbeddingVector() ([]float32, error) {
	if len(d.Embedding) == 0 {
		return nil, nil
	}
	var vec []float32
	if err := json.Unmarshal(d.Embedding, &vec); err != nil {
		return nil, fmt.Errorf("decode embedding for document %s: %w", d.ID, err)
	}
	return vec, nil
}

// SetEmbeddingVector encodes vec into the JSON column. dim > 0 enforces the
// store's fixed dimensionality; a mismatch is a hard error, never coerced.
func (d *Document) SetEmbeddingVector(vec []float32, dim int) error {
	if len(vec) == 0 {
		d.Embedding = nil
		return nil
	}
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("embedding dimension mismatch: expected=%d got=%d", dim, len(vec))
	}
	raw, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	d.Embedding = datatypes.JSON(raw)
	return nil
}
