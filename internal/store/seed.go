package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SeedSpan is a span surfaced by the initial vector/lexical seed pass,
// before graph expansion or policy filtering.
type SeedSpan struct {
	ID        uuid.UUID
	CreatedAt time.Time
	VecSim    float64
	Lex       float64
}

// SeedSpansVector runs the vector similarity search half of the seed pass.
// Callers that also need the lexical half should run it concurrently (e.g.
// via errgroup) and merge with MergeSeedSpans, per spec §4.2 step 1 and §5's
// independent-Store-call parallelism.
func (s *Store) SeedSpansVector(ctx context.Context, orgID uuid.UUID, queryEmbedding []float32, seedK int) ([]SeedSpan, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	vecRows, err := s.pool.Query(ctx,
		`SELECT ee.evidence_span_id, es.created_at, 1 - (ee.embedding <=> $1::vector) AS vec_sim
		 FROM evidence_embedding ee
		 JOIN evidence_span es ON ee.evidence_span_id = es.evidence_span_id
		 WHERE es.org_id = $2
		 ORDER BY ee.embedding <=> $1::vector
		 LIMIT $3`,
		pgvectorOf(queryEmbedding), orgID, seedK,
	)
	if err != nil {
		return nil, fmt.Errorf("store: seed spans (vector): %w", err)
	}
	defer vecRows.Close()

	var out []SeedSpan
	for vecRows.Next() {
		var sp SeedSpan
		if err := vecRows.Scan(&sp.ID, &sp.CreatedAt, &sp.VecSim); err != nil {
			return nil, fmt.Errorf("store: scan vector seed: %w", err)
		}
		out = append(out, sp)
	}
	if err := vecRows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate vector seed: %w", err)
	}
	return out, nil
}

// SeedSpansLexical runs the lexical (full-text) search half of the seed
// pass. lexLimit follows spec §4.2 step 1: seedK/4, floored at 10.
func (s *Store) SeedSpansLexical(ctx context.Context, orgID uuid.UUID, queryText string, seedK int) ([]SeedSpan, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	lexLimit := seedK / 4
	if lexLimit < 10 {
		lexLimit = 10
	}
	lexRows, err := s.pool.Query(ctx,
		`SELECT es.evidence_span_id, es.created_at, ts_rank(at.fts_en, websearch_to_tsquery('english', $1)) AS lex_rank
		 FROM evidence_span es
		 JOIN artifact_text at ON es.artifact_text_id = at.artifact_text_id
		 WHERE es.org_id = $2
		   AND at.fts_en @@ websearch_to_tsquery('english', $1)
		 ORDER BY lex_rank DESC
		 LIMIT $3`,
		queryText, orgID, lexLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: seed spans (lexical): %w", err)
	}
	defer lexRows.Close()

	var out []SeedSpan
	for lexRows.Next() {
		var sp SeedSpan
		if err := lexRows.Scan(&sp.ID, &sp.CreatedAt, &sp.Lex); err != nil {
			return nil, fmt.Errorf("store: scan lexical seed: %w", err)
		}
		out = append(out, sp)
	}
	if err := lexRows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate lexical seed: %w", err)
	}
	return out, nil
}

// MergeSeedSpans combines the vector and lexical seed results by span ID,
// per spec §4.2 step 1. A span found by only one search carries a zero
// score for the other signal; normalization later on runs over whichever
// spans actually reached the candidate set, so a zero here is not a
// penalty relative to spans absent from the set entirely.
func MergeSeedSpans(vec, lex []SeedSpan) []SeedSpan {
	byID := make(map[uuid.UUID]*SeedSpan, len(vec)+len(lex))
	for _, sp := range vec {
		cp := sp
		byID[sp.ID] = &cp
	}
	for _, sp := range lex {
		if existing, ok := byID[sp.ID]; ok {
			if sp.Lex > existing.Lex {
				existing.Lex = sp.Lex
			}
			continue
		}
		cp := sp
		byID[sp.ID] = &cp
	}
	out := make([]SeedSpan, 0, len(byID))
	for _, sp := range byID {
		out = append(out, *sp)
	}
	return out
}

// SeedSpans runs the vector and lexical seed searches sequentially and
// merges them. Convenience wrapper for callers that don't need the
// concurrent form; see SeedSpansVector/SeedSpansLexical for that.
func (s *Store) SeedSpans(ctx context.Context, orgID uuid.UUID, queryText string, queryEmbedding []float32, seedK int) ([]SeedSpan, error) {
	vec, err := s.SeedSpansVector(ctx, orgID, queryEmbedding, seedK)
	if err != nil {
		return nil, err
	}
	lex, err := s.SeedSpansLexical(ctx, orgID, queryText, seedK)
	if err != nil {
		return nil, err
	}
	return MergeSeedSpans(vec, lex), nil
}

// SeedNodesFromSpans resolves the graph nodes a set of spans already anchor,
// preferring the direct span_node mirror table and falling back to
// edge_evidence -> graph_edge when a span has no span_node row yet (e.g. it
// predates the deriver processing the event that would have populated it).
func (s *Store) SeedNodesFromSpans(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) ([]uuid.UUID, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT node_id FROM span_node WHERE org_id = $1 AND evidence_span_id = ANY($2)`,
		orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: seed nodes from span_node: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan span_node: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate span_node: %w", err)
	}
	if len(ids) > 0 {
		return ids, nil
	}

	fallbackRows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ge.src_node_id AS node_id
		 FROM edge_evidence ee
		 JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		 WHERE ge.org_id = $1 AND ee.evidence_span_id = ANY($2)
		 UNION
		 SELECT DISTINCT ge.dst_node_id AS node_id
		 FROM edge_evidence ee
		 JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		 WHERE ge.org_id = $1 AND ee.evidence_span_id = ANY($2)`,
		orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: seed nodes from edge_evidence: %w", err)
	}
	defer fallbackRows.Close()
	for fallbackRows.Next() {
		var id uuid.UUID
		if err := fallbackRows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan edge_evidence fallback: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, fallbackRows.Err()
}
