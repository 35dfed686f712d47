package model

import (
	"time"

	"github.com/google/uuid"
)

// AllowType enumerates how an acl_allow row grants access: directly to a
// principal, or to a role a principal may hold.
type AllowType string

const (
	AllowPrincipal AllowType = "principal"
	AllowRole      AllowType = "role"
)

// ACL is a named per-tenant policy. Every Artifact references exactly one.
type ACL struct {
	ID        uuid.UUID `json:"id"`
	OrgID     uuid.UUID `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ACLAllow grants an ACL to either a principal directly or to a role.
// Exactly one of PrincipalID / RoleID is set, matching AllowType.
type ACLAllow struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       uuid.UUID  `json:"org_id"`
	ACLID       uuid.UUID  `json:"acl_id"`
	AllowType   AllowType  `json:"allow_type"`
	PrincipalID *uuid.UUID `json:"principal_id,omitempty"`
	RoleID      *uuid.UUID `json:"role_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PrincipalRole records that a principal holds a named role within a tenant.
type PrincipalRole struct {
	OrgID       uuid.UUID `json:"org_id"`
	PrincipalID uuid.UUID `json:"principal_id"`
	RoleID      uuid.UUID `json:"role_id"`
	CreatedAt   time.Time `json:"created_at"`
}
