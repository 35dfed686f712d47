// Package deriver runs the graph derivation daemon: it claims unprocessed
// events from the per-tenant log and extracts typed nodes and edges from
// their payloads, attaching each edge to the evidence spans that justify
// it.
package deriver

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// stableKey derives a deterministic node key from an org and a canonical
// text so re-deriving the same fact always resolves to the same node,
// without a lookup round-trip.
func stableKey(orgID uuid.UUID, text string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", orgID, text)))
	return hex.EncodeToString(sum[:])[:24]
}
