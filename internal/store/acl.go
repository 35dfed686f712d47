package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertACL inserts an ACL group, returning its ID. ACLs are named and
// referenced by artifacts via artifact.acl_id; name uniqueness is scoped
// per org.
func (s *Store) UpsertACL(ctx context.Context, orgID uuid.UUID, name string) (uuid.UUID, error) {
	if err := requireOrg(orgID); err != nil {
		return uuid.UUID{}, err
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO acl (acl_id, org_id, name, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (org_id, name) DO UPDATE SET name = EXCLUDED.name
		 RETURNING acl_id`,
		uuid.New(), orgID, name, time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: upsert acl: %w", err)
	}
	return id, nil
}

// GrantPrincipal allows principalID direct access to an ACL group.
func (s *Store) GrantPrincipal(ctx context.Context, orgID, aclID, principalID uuid.UUID) error {
	if err := requireOrg(orgID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO acl_allow (acl_allow_id, org_id, acl_id, allow_type, principal_id, created_at)
		 VALUES ($1, $2, $3, 'principal', $4, $5)
		 ON CONFLICT DO NOTHING`,
		uuid.New(), orgID, aclID, principalID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: grant principal: %w", err)
	}
	return nil
}

// GrantRole allows any principal holding roleID access to an ACL group.
func (s *Store) GrantRole(ctx context.Context, orgID, aclID, roleID uuid.UUID) error {
	if err := requireOrg(orgID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO acl_allow (acl_allow_id, org_id, acl_id, allow_type, role_id, created_at)
		 VALUES ($1, $2, $3, 'role', $4, $5)
		 ON CONFLICT DO NOTHING`,
		uuid.New(), orgID, aclID, roleID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: grant role: %w", err)
	}
	return nil
}

// AssignRole records that principalID holds roleID within orgID.
func (s *Store) AssignRole(ctx context.Context, orgID, principalID, roleID uuid.UUID) error {
	if err := requireOrg(orgID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO principal_role (org_id, principal_id, role_id, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		orgID, principalID, roleID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("store: assign role: %w", err)
	}
	return nil
}
