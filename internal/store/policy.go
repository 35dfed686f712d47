package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PolicyFilter returns the subset of spanIDs the principal may see, via
// either a direct principal grant on the artifact's ACL or a grant on a
// role the principal currently holds. Role membership is resolved fresh
// from principal_role on every call — see internal/auth's note on why
// roles are never trusted from a cached token. Spans whose artifact has no
// matching acl_allow row are silently excluded: the filter fails closed,
// never open.
func (s *Store) PolicyFilter(ctx context.Context, orgID, principalID uuid.UUID, spanIDs []uuid.UUID) ([]uuid.UUID, error) {
	if err := requireOrg(orgID); err != nil {
		return nil, err
	}
	if len(spanIDs) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT es.evidence_span_id
		 FROM evidence_span es
		 JOIN artifact a ON a.artifact_id = es.artifact_id
		 JOIN acl ON acl.acl_id = a.acl_id AND acl.org_id = es.org_id
		 LEFT JOIN acl_allow aa_p ON aa_p.org_id = es.org_id AND aa_p.acl_id = a.acl_id
		   AND aa_p.allow_type = 'principal' AND aa_p.principal_id = $2
		 LEFT JOIN principal_role pr ON pr.org_id = es.org_id AND pr.principal_id = $2
		 LEFT JOIN acl_allow aa_r ON aa_r.org_id = es.org_id AND aa_r.acl_id = a.acl_id
		   AND aa_r.allow_type = 'role' AND aa_r.role_id = pr.role_id
		 WHERE es.org_id = $1 AND es.evidence_span_id = ANY($3)
		   AND (aa_p.acl_id IS NOT NULL OR aa_r.acl_id IS NOT NULL)`,
		orgID, principalID, spanIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("store: policy filter: %w", err)
	}
	defer rows.Close()

	var allowed []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan policy filter: %w", err)
		}
		allowed = append(allowed, id)
	}
	return allowed, rows.Err()
}
