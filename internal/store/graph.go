package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldnotes/memoryengine/internal/model"
)

// UpsertNode inserts a node or merges into an existing one keyed by
// (org_id, node_type, key). Metadata merges shallowly via JSONB `||`, so a
// later derivation can add fields without clobbering earlier ones; Title
// always takes the incoming value, CanonicalText only when non-empty.
func (s *Store) UpsertNode(ctx context.Context, n model.GraphNode) (model.GraphNode, error) {
	if err := requireOrg(n.OrgID); err != nil {
		return model.GraphNode{}, err
	}
	if n.Metadata == nil {
		n.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return model.GraphNode{}, fmt.Errorf("store: marshal node metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO graph_node (org_id, node_type, key, title, canonical_text, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,NULLIF($5,''),$6,now(),now())
		 ON CONFLICT (org_id, node_type, key) DO UPDATE SET
		   title = EXCLUDED.title,
		   canonical_text = COALESCE(EXCLUDED.canonical_text, graph_node.canonical_text),
		   metadata = graph_node.metadata || EXCLUDED.metadata,
		   updated_at = now()
		 RETURNING node_id, created_at, updated_at`,
		n.OrgID, string(n.NodeType), n.Key, n.Title, n.CanonicalText, meta,
	)
	if err := row.Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return model.GraphNode{}, fmt.Errorf("store: upsert node: %w", err)
	}
	return n, nil
}

// UpsertEdge inserts an edge or merges into an existing one keyed by
// (org_id, src_node_id, dst_node_id, edge_type).
func (s *Store) UpsertEdge(ctx context.Context, e model.GraphEdge) (model.GraphEdge, error) {
	if err := requireOrg(e.OrgID); err != nil {
		return model.GraphEdge{}, err
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	if e.Weight == 0 {
		e.Weight = 1.0
	}
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return model.GraphEdge{}, fmt.Errorf("store: marshal edge metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO graph_edge (org_id, src_node_id, dst_node_id, edge_type, weight, metadata, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		 ON CONFLICT (org_id, src_node_id, dst_node_id, edge_type) DO UPDATE SET
		   weight = EXCLUDED.weight,
		   metadata = graph_edge.metadata || EXCLUDED.metadata,
		   updated_at = now()
		 RETURNING edge_id, created_at, updated_at`,
		e.OrgID, e.SrcNodeID, e.DstNodeID, string(e.EdgeType), e.Weight, meta,
	)
	if err := row.Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return model.GraphEdge{}, fmt.Errorf("store: upsert edge: %w", err)
	}
	return e, nil
}

// FindNodeByKeyOrTitle looks up a node by exact key match first, falling
// back to a case-insensitive substring match on title. Used when an event
// payload references another node by a human-entered string (e.g. an
// outcome's decision_ref) rather than its stable hash key.
func (s *Store) FindNodeByKeyOrTitle(ctx context.Context, orgID uuid.UUID, nodeType model.NodeType, ref string) (uuid.UUID, error) {
	if err := requireOrg(orgID); err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	var query string
	var args []any
	if nodeType != "" {
		query = `SELECT node_id FROM graph_node
		         WHERE org_id = $1 AND node_type = $2 AND (key = $3 OR title ILIKE '%' || $3 || '%')
		         ORDER BY created_at DESC LIMIT 1`
		args = []any{orgID, string(nodeType), ref}
	} else {
		query = `SELECT node_id FROM graph_node
		         WHERE org_id = $1 AND (key = $2 OR title ILIKE '%' || $2 || '%')
		         ORDER BY created_at DESC LIMIT 1`
		args = []any{orgID, ref}
	}
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return uuid.Nil, ErrNotFound
	}
	return id, nil
}

// AttachEdgeEvidence links an edge to every evidence span belonging to the
// triggering event's artifact, and — if present — mirrors those links into
// span_node for both endpoints so retrieval's seed-from-span step can find
// this node directly without traversing edge_evidence.
func (s *Store) AttachEdgeEvidence(ctx context.Context, edgeID, artifactID uuid.UUID, confidence float64, evidenceType, createdBy string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin attach edge evidence: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO edge_evidence (edge_id, evidence_span_id, confidence, evidence_type, created_by)
		 SELECT $1, es.evidence_span_id, $3, $4, $5
		 FROM evidence_span es
		 WHERE es.artifact_id = $2
		 ON CONFLICT (edge_id, evidence_span_id) DO NOTHING`,
		edgeID, artifactID, confidence, evidenceType, createdBy,
	); err != nil {
		return fmt.Errorf("store: insert edge evidence: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO span_node (org_id, evidence_span_id, node_id)
		 SELECT ge.org_id, es.evidence_span_id, ge.src_node_id
		 FROM edge_evidence ee
		 JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		 JOIN evidence_span es ON es.evidence_span_id = ee.evidence_span_id
		 WHERE ee.edge_id = $1
		 ON CONFLICT (org_id, evidence_span_id, node_id) DO NOTHING`,
		edgeID,
	); err != nil {
		return fmt.Errorf("store: link span_node (src): %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO span_node (org_id, evidence_span_id, node_id)
		 SELECT ge.org_id, es.evidence_span_id, ge.dst_node_id
		 FROM edge_evidence ee
		 JOIN graph_edge ge ON ge.edge_id = ee.edge_id
		 JOIN evidence_span es ON es.evidence_span_id = ee.evidence_span_id
		 WHERE ee.edge_id = $1
		 ON CONFLICT (org_id, evidence_span_id, node_id) DO NOTHING`,
		edgeID,
	); err != nil {
		return fmt.Errorf("store: link span_node (dst): %w", err)
	}

	return tx.Commit(ctx)
}
