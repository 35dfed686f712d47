package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldnotes/memoryengine/internal/model"
)

// UpsertArtifact inserts or updates an artifact. ContentHash plus OrgID is
// the natural key applications use to avoid re-ingesting identical content.
func (s *Store) UpsertArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	if err := requireOrg(a.OrgID); err != nil {
		return model.Artifact{}, err
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifact (artifact_id, org_id, source_system, source_uri, captured_at, occurred_at,
		 author, content_type, storage_uri, content_hash, byte_size, acl_id, pii_class, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		 ON CONFLICT (artifact_id) DO UPDATE SET
		   source_uri = EXCLUDED.source_uri,
		   storage_uri = EXCLUDED.storage_uri,
		   acl_id = EXCLUDED.acl_id,
		   pii_class = EXCLUDED.pii_class`,
		a.ID, a.OrgID, a.SourceSystem, a.SourceURI, a.CapturedAt, a.OccurredAt,
		a.Author, a.ContentType, a.StorageURI, a.ContentHash, a.ByteSize, a.ACLID, string(a.PIIClass), a.CreatedAt,
	)
	if err != nil {
		return model.Artifact{}, fmt.Errorf("store: upsert artifact: %w", err)
	}
	return a, nil
}

// UpsertArtifactText inserts or updates the normalized full text of an
// artifact. fts_en is maintained by a generated column / trigger defined in
// the migration, not computed here.
func (s *Store) UpsertArtifactText(ctx context.Context, t model.ArtifactText) (model.ArtifactText, error) {
	if err := requireOrg(t.OrgID); err != nil {
		return model.ArtifactText{}, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO artifact_text (artifact_text_id, org_id, artifact_id, text_utf8, language, normalizer_ver, content_hash, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (artifact_text_id) DO UPDATE SET
		   text_utf8 = EXCLUDED.text_utf8,
		   normalizer_ver = EXCLUDED.normalizer_ver`,
		t.ID, t.OrgID, t.ArtifactID, t.TextUTF8, t.Language, t.NormalizerVer, t.ContentHash, t.CreatedAt,
	)
	if err != nil {
		return model.ArtifactText{}, fmt.Errorf("store: upsert artifact text: %w", err)
	}
	return t, nil
}

// InsertEvidenceSpan inserts an evidence span anchored to an artifact's
// normalized text by half-open character offsets [StartChar, EndChar).
func (s *Store) InsertEvidenceSpan(ctx context.Context, sp model.EvidenceSpan) (model.EvidenceSpan, error) {
	if err := requireOrg(sp.OrgID); err != nil {
		return model.EvidenceSpan{}, err
	}
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO evidence_span (evidence_span_id, org_id, artifact_id, artifact_text_id, start_char, end_char,
		 span_type, section_path, extracted_by, confidence, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sp.ID, sp.OrgID, sp.ArtifactID, sp.ArtifactTextID, sp.StartChar, sp.EndChar,
		string(sp.SpanType), sp.SectionPath, sp.ExtractedBy, sp.Confidence, sp.CreatedAt,
	)
	if err != nil {
		return model.EvidenceSpan{}, fmt.Errorf("store: insert evidence span: %w", err)
	}
	return sp, nil
}

// UpsertEvidenceEmbedding inserts or replaces the vector embedding for an
// evidence span under a given model name/version, and enqueues a span_outbox
// row in the same transaction so the optional Qdrant mirror (if enabled)
// picks up the change regardless of which vector backend is currently
// serving seed queries. A span may carry embeddings from more than one model
// generation; the pair (evidence_span_id, model_name, model_version) is
// unique.
func (s *Store) UpsertEvidenceEmbedding(ctx context.Context, e model.EvidenceEmbedding) error {
	if err := requireOrg(e.OrgID); err != nil {
		return err
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: upsert evidence embedding: begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	if _, err := tx.Exec(ctx,
		`INSERT INTO evidence_embedding (evidence_span_id, org_id, model_name, model_version, embedding, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (evidence_span_id, model_name, model_version) DO UPDATE SET
		   embedding = EXCLUDED.embedding`,
		e.EvidenceSpanID, e.OrgID, e.ModelName, e.ModelVersion, pgvectorOf(e.Embedding), e.CreatedAt,
	); err != nil {
		return fmt.Errorf("store: upsert evidence embedding: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO span_outbox (org_id, span_id, operation) VALUES ($1,$2,'upsert')`,
		e.OrgID, e.EvidenceSpanID,
	); err != nil {
		return fmt.Errorf("store: enqueue span outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: upsert evidence embedding: commit: %w", err)
	}
	return nil
}

// SpansMissingEmbedding returns up to limit evidence span IDs for an org that
// have no row in evidence_embedding for modelName/modelVersion, used by the
// startup embedding-backfill pass.
func (s *Store) SpansMissingEmbedding(ctx context.Context, orgID uuid.UUID, modelName, modelVersion string, limit int) ([]uuid.UUID, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT es.evidence_span_id
		 FROM evidence_span es
		 LEFT JOIN evidence_embedding ee ON ee.evidence_span_id = es.evidence_span_id
		   AND ee.model_name = $2 AND ee.model_version = $3
		 WHERE es.org_id = $1 AND ee.evidence_span_id IS NULL
		 ORDER BY es.created_at
		 LIMIT $4`,
		orgID, modelName, modelVersion, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: spans missing embedding: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan span id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SpanText returns the text of an evidence span by slicing its artifact's
// normalized text at [StartChar, EndChar).
func (s *Store) SpanText(ctx context.Context, spanID uuid.UUID) (string, error) {
	var text string
	err := s.pool.QueryRow(ctx,
		`SELECT SUBSTRING(at.text_utf8 FROM es.start_char + 1 FOR es.end_char - es.start_char)
		 FROM evidence_span es
		 JOIN artifact_text at ON es.artifact_text_id = at.artifact_text_id
		 WHERE es.evidence_span_id = $1`,
		spanID,
	).Scan(&text)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: span text: %w", err)
	}
	return text, nil
}

// InsertEvent appends an event to the per-tenant log. A duplicate
// (org_id, idempotency_key) updates only ingested_at and returns the
// existing row's ID, making ingestion safe to retry.
func (s *Store) InsertEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := requireOrg(e.OrgID); err != nil {
		return model.Event{}, err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.IngestedAt.IsZero() {
		e.IngestedAt = time.Now().UTC()
	}

	var idempotencyKey any
	if e.IdempotencyKey != "" {
		idempotencyKey = e.IdempotencyKey
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO event (event_id, org_id, event_type, occurred_at, actor, artifact_id, payload,
		 idempotency_key, trace_id, ingested_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (org_id, idempotency_key) WHERE idempotency_key IS NOT NULL
		 DO UPDATE SET ingested_at = EXCLUDED.ingested_at
		 RETURNING event_id, ingested_at`,
		e.ID, e.OrgID, e.EventType, e.OccurredAt, e.Actor, e.ArtifactID, e.Payload,
		idempotencyKey, e.TraceID, e.IngestedAt,
	)
	if err := row.Scan(&e.ID, &e.IngestedAt); err != nil {
		return model.Event{}, fmt.Errorf("store: insert event: %w", err)
	}

	// Best-effort wake-up for a deriver listening on notifyChannel; the
	// deriver's own poll loop is the source of truth, so a missed or
	// delayed notification only costs latency, never correctness.
	if _, err := s.pool.Exec(ctx, "SELECT pg_notify('event_ingested', $1)", e.OrgID.String()); err != nil {
		s.logger.Warn("store: notify event_ingested failed", "error", err)
	}

	return e, nil
}
