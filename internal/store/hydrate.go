package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/fieldnotes/memoryengine/internal/model"
)

// HydrateSpans fetches the citable text and metadata for the final
// selected span IDs, preserving the caller's ordering (the ranking order
// established upstream) rather than the database's natural row order.
func (s *Store) HydrateSpans(ctx context.Context, orgID uuid.UUID, spanIDs []uuid.UUID) ([]model.HydratedSpan, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT es.evidence_span_id, es.artifact_id, es.start_char, es.end_char,
		        SUBSTRING(at.text_utf8 FROM es.start_char + 1 FOR es.end_char - es.start_char) AS text,
		        es.created_at, es.confidence
		 FROM evidence_span es
		 JOIN artifact_text at ON es.artifact_text_id = at.artifact_text_id
		 WHERE es.org_id = $1 AND es.evidence_span_id = ANY($2)`,
		orgID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: hydrate spans: %w", err)
	}
	defer rows.Close()

	byID := map[uuid.UUID]model.HydratedSpan{}
	for rows.Next() {
		var h model.HydratedSpan
		if err := rows.Scan(&h.ID, &h.ArtifactID, &h.StartChar, &h.EndChar, &h.Text, &h.CreatedAt, &h.Confidence); err != nil {
			return nil, fmt.Errorf("store: scan hydrated span: %w", err)
		}
		byID[h.ID] = h
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate hydrated spans: %w", err)
	}

	ordered := make([]model.HydratedSpan, 0, len(spanIDs))
	for _, id := range spanIDs {
		if h, ok := byID[id]; ok {
			ordered = append(ordered, h)
		}
	}
	return ordered, nil
}
