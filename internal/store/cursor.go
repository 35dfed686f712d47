package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fieldnotes/memoryengine/internal/model"
)

// ClaimNextEvent locks the oldest unprocessed event for orgID using
// FOR UPDATE SKIP LOCKED, so multiple deriver instances can poll the same
// tenant without double-processing or blocking on each other. The
// transaction must be committed (marking the event processed) or rolled
// back (releasing the lock for a future attempt) by the caller — see
// fn, which runs with the claim held and decides the outcome.
//
// Returns (false, nil) when there is no unprocessed event.
func (s *Store) ClaimNextEvent(ctx context.Context, orgID uuid.UUID, fn func(tx pgx.Tx, e model.Event) error) (bool, error) {
	if err := requireOrg(orgID); err != nil {
		return false, err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("store: begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var e model.Event
	row := tx.QueryRow(ctx,
		`SELECT event_id, org_id, event_type, occurred_at, actor, artifact_id, payload,
		        coalesce(idempotency_key, ''), coalesce(trace_id, ''), ingested_at
		 FROM event
		 WHERE org_id = $1 AND processed_at IS NULL
		 ORDER BY occurred_at ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT 1`,
		orgID,
	)
	if err := row.Scan(&e.ID, &e.OrgID, &e.EventType, &e.OccurredAt, &e.Actor, &e.ArtifactID,
		&e.Payload, &e.IdempotencyKey, &e.TraceID, &e.IngestedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: claim next event: %w", err)
	}

	if err := fn(tx, e); err != nil {
		return false, err
	}

	if _, err := tx.Exec(ctx, `UPDATE event SET processed_at = now() WHERE event_id = $1`, e.ID); err != nil {
		return false, fmt.Errorf("store: mark event processed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("store: commit claim: %w", err)
	}
	return true, nil
}

// ListOrgIDs returns every tenant with at least one event, so the deriver's
// polling loop can iterate tenants without a separate organizations table.
func (s *Store) ListOrgIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `SELECT DISTINCT org_id FROM event`)
	if err != nil {
		return nil, fmt.Errorf("store: list org ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan org id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
