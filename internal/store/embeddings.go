package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// SpanEmbeddings fetches the stored embedding vectors for a set of spans,
// used by MMR diversification to compute pairwise cosine similarity
// without re-querying pgvector for every candidate pair.
func (s *Store) SpanEmbeddings(ctx context.Context, spanIDs []uuid.UUID) (map[uuid.UUID][]float32, error) {
	if len(spanIDs) == 0 {
		return map[uuid.UUID][]float32{}, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT evidence_span_id, embedding FROM evidence_embedding WHERE evidence_span_id = ANY($1)`,
		spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: span embeddings: %w", err)
	}
	defer rows.Close()

	out := map[uuid.UUID][]float32{}
	for rows.Next() {
		var id uuid.UUID
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("store: scan span embedding: %w", err)
		}
		out[id] = vec.Slice()
	}
	return out, rows.Err()
}
