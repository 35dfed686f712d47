package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SpanFeatures holds the raw, pre-normalization signals scoring combines
// into a final relevance score, per spec §4.2 step 5.
type SpanFeatures struct {
	VecSim      float64
	Lex         float64
	EdgeSupport float64
	CreatedAt   time.Time
}

// SpanVecFeatures fetches vec_sim and created_at for each candidate span
// that has a stored embedding. Spans without one are simply absent from
// the result; the caller fills in vec_sim=0 for them.
func (s *Store) SpanVecFeatures(ctx context.Context, orgID uuid.UUID, queryEmbedding []float32, spanIDs []uuid.UUID) (map[uuid.UUID]SpanFeatures, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	feats := map[uuid.UUID]SpanFeatures{}
	if len(spanIDs) == 0 {
		return feats, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT ee.evidence_span_id, es.created_at, 1 - (ee.embedding <=> $1::vector) AS vec_sim
		 FROM evidence_embedding ee
		 JOIN evidence_span es ON ee.evidence_span_id = es.evidence_span_id
		 WHERE es.org_id = $2 AND es.evidence_span_id = ANY($3)`,
		pgvectorOf(queryEmbedding), orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: span features (vector): %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var f SpanFeatures
		if err := rows.Scan(&id, &f.CreatedAt, &f.VecSim); err != nil {
			return nil, fmt.Errorf("store: scan span feature (vector): %w", err)
		}
		feats[id] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate span features (vector): %w", err)
	}
	return feats, nil
}

// SpanLexFeatures fetches the lexical rank for each candidate span that
// matches the query's full-text search tsquery. Non-matching spans are
// absent from the result and score 0.0, per spec §4.2 step 5.
func (s *Store) SpanLexFeatures(ctx context.Context, orgID uuid.UUID, queryText string, spanIDs []uuid.UUID) (map[uuid.UUID]float64, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	out := map[uuid.UUID]float64{}
	if len(spanIDs) == 0 {
		return out, nil
	}
	lexRows, err := s.pool.Query(ctx,
		`SELECT es.evidence_span_id, ts_rank(at.fts_en, websearch_to_tsquery('english', $1)) AS lex_rank
		 FROM evidence_span es
		 JOIN artifact_text at ON es.artifact_text_id = at.artifact_text_id
		 WHERE es.org_id = $2 AND es.evidence_span_id = ANY($3)
		   AND at.fts_en @@ websearch_to_tsquery('english', $1)`,
		queryText, orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: span features (lexical): %w", err)
	}
	defer lexRows.Close()
	for lexRows.Next() {
		var id uuid.UUID
		var lex float64
		if err := lexRows.Scan(&id, &lex); err != nil {
			return nil, fmt.Errorf("store: scan span feature (lexical): %w", err)
		}
		out[id] = lex
	}
	if err := lexRows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate span features (lexical): %w", err)
	}
	return out, nil
}

// SpanEdgeSupport sums confidence*weight over every edge_evidence row
// touching an expanded node, scaled by the larger of the two endpoint node
// types' bonus multiplier — a span that evidences two high-value edges
// scores higher than one that evidences a single edge of the same type.
func (s *Store) SpanEdgeSupport(ctx context.Context, orgID uuid.UUID, spanIDs, expandedNodeIDs []uuid.UUID, bonusMap map[string]float64) (map[uuid.UUID]float64, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	out := map[uuid.UUID]float64{}
	if len(spanIDs) == 0 || len(expandedNodeIDs) == 0 {
		return out, nil
	}
	edgeRows, err := s.pool.Query(ctx,
		`SELECT ee.evidence_span_id, ns.node_type, nd.node_type,
		        (COALESCE(ee.confidence, 0.5) * COALESCE(ge.weight, 1.0))
		 FROM edge_evidence ee
		 JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		 JOIN graph_node ns ON ns.node_id = ge.src_node_id
		 JOIN graph_node nd ON nd.node_id = ge.dst_node_id
		 WHERE ge.org_id = $1 AND ee.evidence_span_id = ANY($2)
		   AND (ge.src_node_id = ANY($3) OR ge.dst_node_id = ANY($3))`,
		orgID, spanIDs, expandedNodeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: span features (edge support): %w", err)
	}
	defer edgeRows.Close()
	for edgeRows.Next() {
		var id uuid.UUID
		var srcType, dstType string
		var strength float64
		if err := edgeRows.Scan(&id, &srcType, &dstType, &strength); err != nil {
			return nil, fmt.Errorf("store: scan span feature (edge support): %w", err)
		}
		mult := bonusMap[srcType]
		if v := bonusMap[dstType]; v > mult {
			mult = v
		}
		if mult == 0 {
			mult = 1.0
		}
		out[id] += strength * mult
	}
	if err := edgeRows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate span features (edge support): %w", err)
	}
	return out, nil
}

// SpanCreatedAt fetches created_at for every span in spanIDs, regardless
// of whether it has an embedding — recency scoring needs a timestamp even
// for spans that contribute vec_sim=0.
func (s *Store) SpanCreatedAt(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) (map[uuid.UUID]time.Time, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	out := map[uuid.UUID]time.Time{}
	if len(spanIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT evidence_span_id, created_at FROM evidence_span WHERE org_id = $1 AND evidence_span_id = ANY($2)`,
		orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: span created_at: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan span created_at: %w", err)
		}
		out[id] = createdAt
	}
	return out, rows.Err()
}

// SpanFeatures fetches vec_sim, lexical rank, graph edge-support, and
// creation time for every candidate span. Every id in spanIDs gets an
// entry even when it has no embedding or no full-text match — missing
// signals default to zero, per spec §4.2 step 5's edge case for spans
// lacking an embedding. Convenience wrapper; see SpanVecFeatures /
// SpanLexFeatures / SpanEdgeSupport for the form callers can run
// concurrently.
func (s *Store) SpanFeatures(ctx context.Context, orgID uuid.UUID, queryText string, queryEmbedding []float32, spanIDs, expandedNodeIDs []uuid.UUID, bonusMap map[string]float64) (map[uuid.UUID]SpanFeatures, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return map[uuid.UUID]SpanFeatures{}, nil
	}

	vecFeats, err := s.SpanVecFeatures(ctx, orgID, queryEmbedding, spanIDs)
	if err != nil {
		return nil, err
	}
	lex, err := s.SpanLexFeatures(ctx, orgID, queryText, spanIDs)
	if err != nil {
		return nil, err
	}
	edgeSupport, err := s.SpanEdgeSupport(ctx, orgID, spanIDs, expandedNodeIDs, bonusMap)
	if err != nil {
		return nil, err
	}
	createdAt, err := s.SpanCreatedAt(ctx, orgID, spanIDs)
	if err != nil {
		return nil, err
	}

	feats := make(map[uuid.UUID]SpanFeatures, len(spanIDs))
	for _, id := range spanIDs {
		f := vecFeats[id]
		f.Lex = lex[id]
		f.EdgeSupport = edgeSupport[id]
		if f.CreatedAt.IsZero() {
			f.CreatedAt = createdAt[id]
		}
		feats[id] = f
	}
	return feats, nil
}
