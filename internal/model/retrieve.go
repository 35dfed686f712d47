package model

import "github.com/google/uuid"

// RetrievalMode mirrors the caller's intent; it does not change pipeline
// mechanics today but is validated and threaded through for downstream
// answerer policies (e.g. "projection" queries may be logged differently).
type RetrievalMode string

const (
	ModeRecall      RetrievalMode = "recall"
	ModeReflection  RetrievalMode = "reflection"
	ModeProjection  RetrievalMode = "projection"
)

// RetrieveRequest is the body of POST /v1/retrieve.
type RetrieveRequest struct {
	OrgID       uuid.UUID     `json:"org_id"`
	PrincipalID uuid.UUID     `json:"principal_id"`
	Mode        RetrievalMode `json:"mode"`
	QueryText   string        `json:"query_text"`
	Scopes      []string      `json:"scopes,omitempty"`
}

// RetrieveResponse is the body of a successful POST /v1/retrieve.
type RetrieveResponse struct {
	OrgID   uuid.UUID      `json:"org_id"`
	Query   string         `json:"query"`
	TopK    int            `json:"top_k"`
	Results []HydratedSpan `json:"results"`
	Debug   DebugEnvelope  `json:"debug"`
}

// DebugEnvelope carries stage-by-stage counts for observability, per the
// spec's requirement that debug information is best-effort and never
// reveals policy-blocked spans.
type DebugEnvelope struct {
	SeedSpans           int     `json:"seed_spans"`
	SeedNodes           int     `json:"seed_nodes"`
	ExpandedNodesCount  int     `json:"expanded_nodes_count"`
	CandidateSpansCount int     `json:"candidate_spans_count"`
	AllowedSpansCount   int     `json:"allowed_spans_count"`
	Returned            int     `json:"returned"`
	MMREnabled           bool    `json:"mmr_enabled"`
	MMRLambda            float64 `json:"mmr_lambda"`
	MMRPool              int     `json:"mmr_pool"`
}

// IsValid reports whether m is one of the three recognized retrieval modes.
func (m RetrievalMode) IsValid() bool {
	switch m {
	case ModeRecall, ModeReflection, ModeProjection:
		return true
	default:
		return false
	}
}
