// Package model defines the domain types shared across the memory engine:
// artifacts and their text, evidence spans and embeddings, the provenance
// graph, access control, and the event log the deriver consumes.
package model

import (
	"time"

	"github.com/google/uuid"
)

// PIIClass classifies an artifact's personally-identifiable-information risk.
type PIIClass string

const (
	PIINone       PIIClass = "none"
	PIILow        PIIClass = "low"
	PIIHigh       PIIClass = "high"
	PIIRestricted PIIClass = "restricted"
)

// Artifact is an ingested document: a tenant-scoped record of where it came
// from, when, and under what access policy. Owns at most one ArtifactText
// and many EvidenceSpans.
type Artifact struct {
	ID           uuid.UUID `json:"id"`
	OrgID        uuid.UUID `json:"org_id"`
	SourceSystem string    `json:"source_system"`
	SourceURI    string    `json:"source_uri"`
	CapturedAt   time.Time `json:"captured_at"`
	OccurredAt   time.Time `json:"occurred_at"`
	Author       string    `json:"author"`
	ContentType  string    `json:"content_type"`
	StorageURI   string    `json:"storage_uri"`
	ContentHash  string    `json:"content_hash"`
	ByteSize     int64     `json:"byte_size"`
	ACLID        uuid.UUID `json:"acl_id"`
	PIIClass     PIIClass  `json:"pii_class"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactText is the normalized UTF-8 body of an artifact plus the derived
// full-text index over it. Immutable after creation.
type ArtifactText struct {
	ID            uuid.UUID `json:"id"`
	OrgID         uuid.UUID `json:"org_id"`
	ArtifactID    uuid.UUID `json:"artifact_id"`
	TextUTF8      string    `json:"text_utf8"`
	Language      string    `json:"language"`
	NormalizerVer string    `json:"normalizer_version"`
	ContentHash   string    `json:"content_hash"`
	CreatedAt     time.Time `json:"created_at"`
}
