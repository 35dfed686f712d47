package ctxutil

import "github.com/google/uuid"

// AuditMeta carries the request metadata middleware attaches to structured
// log lines for every handled request.
type AuditMeta struct {
	RequestID  string
	OrgID      uuid.UUID
	Principal  string
	HTTPMethod string
	Endpoint   string
}
