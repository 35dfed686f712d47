package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpanType categorizes what an evidence span was extracted as.
type SpanType string

const (
	SpanTypeSentence  SpanType = "sentence"
	SpanTypeParagraph SpanType = "paragraph"
	SpanTypeHeading   SpanType = "heading"
	SpanTypeQuote     SpanType = "quote"
)

// EvidenceSpan is a half-open [StartChar, EndChar) window into an
// ArtifactText's body. Immutable after creation.
type EvidenceSpan struct {
	ID             uuid.UUID `json:"id"`
	OrgID          uuid.UUID `json:"org_id"`
	ArtifactID     uuid.UUID `json:"artifact_id"`
	ArtifactTextID uuid.UUID `json:"artifact_text_id"`
	StartChar      int       `json:"start_char"`
	EndChar        int       `json:"end_char"`
	SpanType       SpanType  `json:"span_type"`
	SectionPath    string    `json:"section_path,omitempty"`
	ExtractedBy    string    `json:"extracted_by"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// Validate checks the span-bounds invariant from the data model:
// 0 <= start_char <= end_char <= textLen.
func (s EvidenceSpan) Validate(textLen int) error {
	if s.StartChar < 0 {
		return fmt.Errorf("model: span start_char %d is negative", s.StartChar)
	}
	if s.StartChar > s.EndChar {
		return fmt.Errorf("model: span start_char %d exceeds end_char %d", s.StartChar, s.EndChar)
	}
	if s.EndChar > textLen {
		return fmt.Errorf("model: span end_char %d exceeds text length %d", s.EndChar, textLen)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("model: span confidence %f out of range [0,1]", s.Confidence)
	}
	return nil
}

// EvidenceEmbedding is one vector per (span, model_name, model_version)
// triple. A reindex with the same triple replaces the prior row.
type EvidenceEmbedding struct {
	EvidenceSpanID uuid.UUID `json:"evidence_span_id"`
	OrgID          uuid.UUID `json:"org_id"`
	ModelName      string    `json:"model_name"`
	ModelVersion   string    `json:"model_version"`
	Embedding      []float32 `json:"embedding"`
	CreatedAt      time.Time `json:"created_at"`
}

// HydratedSpan is a span returned to a retrieval caller: its text slice plus
// enough metadata to cite it.
type HydratedSpan struct {
	ID         uuid.UUID `json:"id"`
	ArtifactID uuid.UUID `json:"artifact_id"`
	Text       string    `json:"text"`
	StartChar  int       `json:"start_char"`
	EndChar    int       `json:"end_char"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}
