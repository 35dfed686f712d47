package model

import (
	"time"

	"github.com/google/uuid"
)

// EventKind enumerates the payload shapes the graph deriver understands.
// Any other value is derived into a generic "event" node.
type EventKind string

const (
	EventKindDecision EventKind = "decision"
	EventKindOutcome  EventKind = "outcome"
	EventKindRisk     EventKind = "risk"
)

// Event is an append-only row in the per-tenant event log. Primary ordering
// key is OccurredAt, not insertion order. Written exactly once per
// (org_id, idempotency_key); a duplicate ingest only updates IngestedAt.
type Event struct {
	ID             uuid.UUID      `json:"event_id"`
	OrgID          uuid.UUID      `json:"org_id"`
	EventType      string         `json:"event_type"`
	OccurredAt     time.Time      `json:"occurred_at"`
	Actor          string         `json:"actor"`
	ArtifactID     *uuid.UUID     `json:"artifact_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	IngestedAt     time.Time      `json:"ingested_at"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
}

// Kind extracts the deriver-relevant "kind" discriminator from the payload.
// Missing or non-string values derive as a generic event node.
func (e Event) Kind() EventKind {
	v, ok := e.Payload["kind"]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return EventKind(s)
}

// DecisionPayload is the shape of Event.Payload when Kind() == EventKindDecision.
type DecisionPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority"`
	Owner       string   `json:"owner,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// OutcomePayload is the shape of Event.Payload when Kind() == EventKindOutcome.
type OutcomePayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DecisionRef string `json:"decision_ref,omitempty"`
}

// RiskPayload is the shape of Event.Payload when Kind() == EventKindRisk.
type RiskPayload struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Severity    string `json:"severity,omitempty"`
	RelatesTo   string `json:"relates_to,omitempty"`
}
