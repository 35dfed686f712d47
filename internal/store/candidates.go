package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ExpandNodes performs a breadth-first expansion from seedNodeIDs up to
// hopDepth hops, following edges in both directions. Each hop queries
// outgoing and incoming neighbors of the current frontier separately, each
// capped at hopFanout rows, per spec §4.2 step 3 — this bounds per-hop
// blow-up independently of how skewed the graph's in/out degree is.
func (s *Store) ExpandNodes(ctx context.Context, orgID uuid.UUID, seedNodeIDs []uuid.UUID, hopDepth, hopFanout int) ([]uuid.UUID, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	if len(seedNodeIDs) == 0 {
		return nil, nil
	}

	visited := map[uuid.UUID]bool{}
	for _, id := range seedNodeIDs {
		visited[id] = true
	}
	frontier := append([]uuid.UUID(nil), seedNodeIDs...)

	for hop := 0; hop < hopDepth; hop++ {
		if len(frontier) == 0 {
			break
		}

		outRows, err := s.pool.Query(ctx,
			`SELECT DISTINCT dst_node_id FROM graph_edge
			 WHERE org_id = $1 AND src_node_id = ANY($2)
			 ORDER BY dst_node_id LIMIT $3`,
			orgID, frontier, hopFanout,
		)
		if err != nil {
			return nil, fmt.Errorf("store: expand nodes (outgoing): %w", err)
		}
		var next []uuid.UUID
		for outRows.Next() {
			var id uuid.UUID
			if err := outRows.Scan(&id); err != nil {
				outRows.Close()
				return nil, fmt.Errorf("store: scan outgoing neighbor: %w", err)
			}
			next = append(next, id)
		}
		outRows.Close()
		if err := outRows.Err(); err != nil {
			return nil, fmt.Errorf("store: iterate outgoing neighbors: %w", err)
		}

		inRows, err := s.pool.Query(ctx,
			`SELECT DISTINCT src_node_id FROM graph_edge
			 WHERE org_id = $1 AND dst_node_id = ANY($2)
			 ORDER BY src_node_id LIMIT $3`,
			orgID, frontier, hopFanout,
		)
		if err != nil {
			return nil, fmt.Errorf("store: expand nodes (incoming): %w", err)
		}
		for inRows.Next() {
			var id uuid.UUID
			if err := inRows.Scan(&id); err != nil {
				inRows.Close()
				return nil, fmt.Errorf("store: scan incoming neighbor: %w", err)
			}
			next = append(next, id)
		}
		inRows.Close()
		if err := inRows.Err(); err != nil {
			return nil, fmt.Errorf("store: iterate incoming neighbors: %w", err)
		}

		var newFrontier []uuid.UUID
		for _, id := range next {
			if !visited[id] {
				visited[id] = true
				newFrontier = append(newFrontier, id)
			}
		}
		frontier = newFrontier
	}

	out := make([]uuid.UUID, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out, nil
}

// CandidateSpans collects the union of the original seed spans and every
// span that evidences an edge touching an expanded node, per spec §4.2
// step 4.
func (s *Store) CandidateSpans(ctx context.Context, orgID uuid.UUID, seedSpanIDs, nodeIDs []uuid.UUID) ([]uuid.UUID, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	ids := map[uuid.UUID]bool{}
	for _, id := range seedSpanIDs {
		ids[id] = true
	}
	if len(nodeIDs) == 0 {
		return dedupeUUIDs(ids), nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ee.evidence_span_id
		 FROM graph_edge ge
		 JOIN edge_evidence ee ON ee.edge_id = ge.edge_id
		 WHERE ge.org_id = $1 AND (ge.src_node_id = ANY($2) OR ge.dst_node_id = ANY($2))
		 LIMIT 5000`,
		orgID, nodeIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: candidate spans: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan candidate span: %w", err)
		}
		ids[id] = true
	}
	return dedupeUUIDs(ids), rows.Err()
}

func dedupeUUIDs(m map[uuid.UUID]bool) []uuid.UUID {
	out := make([]uuid.UUID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
