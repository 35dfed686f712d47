package model

import (
	"time"

	"github.com/google/uuid"
)

// NodeType enumerates the typed entities the graph deriver extracts.
type NodeType string

const (
	NodeDecision   NodeType = "decision"
	NodeAssumption NodeType = "assumption"
	NodeOutcome    NodeType = "outcome"
	NodePriority   NodeType = "priority"
	NodeRisk       NodeType = "risk"
	NodePerson     NodeType = "person"
	NodeTopic      NodeType = "topic"
	NodeArtifact   NodeType = "artifact"
	NodeEvent      NodeType = "event"
)

// EdgeType enumerates the typed relations the graph deriver extracts.
type EdgeType string

const (
	EdgeDecidedBy  EdgeType = "decided_by"
	EdgeDependsOn  EdgeType = "depends_on"
	EdgeEvidencedBy EdgeType = "evidenced_by"
	EdgeRelates    EdgeType = "relates"
	EdgeRelatesTo  EdgeType = "relates_to"
	EdgeAffects    EdgeType = "affects"
	EdgeContradicts EdgeType = "contradicts"
)

// GraphNode is a typed entity keyed by (org, node_type, key), where key is a
// stable hash of the text that identifies the node (the title for decisions,
// outcomes and risks; the assumption text; the owner name). Upsert-merged:
// Title is overwritten on re-derivation, Metadata is shallow-merged (top-level
// keys of the incoming map replace existing ones).
type GraphNode struct {
	ID            uuid.UUID      `json:"id"`
	OrgID         uuid.UUID      `json:"org_id"`
	NodeType      NodeType       `json:"node_type"`
	Key           string         `json:"key"`
	Title         string         `json:"title"`
	CanonicalText string         `json:"canonical_text,omitempty"`
	Metadata      map[string]any `json:"metadata"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// GraphEdge is a directed relation keyed by (org, src, dst, edge_type).
// Upsert-merged: Weight is overwritten, Metadata is shallow-merged.
type GraphEdge struct {
	ID        uuid.UUID      `json:"id"`
	OrgID     uuid.UUID      `json:"org_id"`
	SrcNodeID uuid.UUID      `json:"src_node_id"`
	DstNodeID uuid.UUID      `json:"dst_node_id"`
	EdgeType  EdgeType       `json:"edge_type"`
	Weight    float64        `json:"weight"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// EdgeEvidenceType enumerates why an edge_evidence link exists.
type EdgeEvidenceType string

const (
	EvidenceDecisionRef     EdgeEvidenceType = "decision_ref"
	EvidenceKeywordMatch    EdgeEvidenceType = "keyword_match"
	EvidenceDerivedFromEvent EdgeEvidenceType = "derived_from_event"
)

// EdgeEvidence links a GraphEdge to the EvidenceSpan(s) that justify it.
type EdgeEvidence struct {
	EdgeID         uuid.UUID        `json:"edge_id"`
	EvidenceSpanID uuid.UUID        `json:"evidence_span_id"`
	Confidence     float64          `json:"confidence"`
	EvidenceType   EdgeEvidenceType `json:"evidence_type"`
	CreatedBy      string           `json:"created_by"`
	CreatedAt      time.Time        `json:"created_at"`
}

// SpanNode denormalizes span->node membership for fast seed->node lookup.
// Optional cache: when the table is absent/empty for a tenant, retrieval
// falls back to joining EdgeEvidence through GraphEdge.
type SpanNode struct {
	OrgID          uuid.UUID `json:"org_id"`
	EvidenceSpanID uuid.UUID `json:"evidence_span_id"`
	NodeID         uuid.UUID `json:"node_id"`
	CreatedAt      time.Time `json:"created_at"`
}
