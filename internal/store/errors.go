package store

import (
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrPolicyDenied is returned when a principal has no ACL path to the
// requested resource. Callers must not leak this distinction to end users
// beyond "not found" — see the policy package's fail-closed contract.
var ErrPolicyDenied = errors.New("store: policy denied")

// ErrMissingOrg is returned by every org-scoped query method when called
// with the zero UUID, so a caller bug can never silently cross tenants.
var ErrMissingOrg = errors.New("store: org_id is required")

func requireOrg(orgID uuid.UUID) error {
	if orgID == uuid.Nil {
		return ErrMissingOrg
	}
	return nil
}
