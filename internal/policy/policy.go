// Package policy applies row-level access control to candidate spans
// ahead of scoring, wrapping store.PolicyFilter with an optional
// short-TTL cache.
package policy

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/fieldnotes/memoryengine/internal/store"
)

// Store is the subset of *store.Store the policy filter depends on.
type Store interface {
	PolicyFilter(ctx context.Context, orgID, principalID uuid.UUID, spanIDs []uuid.UUID) ([]uuid.UUID, error)
}

var _ Store = (*store.Store)(nil)

// Filter intersects candidateSpanIDs with the spans the principal can
// reach, either directly or through a role grant. A nil cache disables
// caching and always hits the store. Fail-closed: any store error is
// propagated rather than defaulting to "allow."
func Filter(ctx context.Context, s Store, cache *Cache, orgID, principalID uuid.UUID, candidateSpanIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(candidateSpanIDs) == 0 {
		return nil, nil
	}

	var key string
	if cache != nil {
		key = cacheKey(orgID, principalID, candidateSpanIDs)
		if allowed, ok := cache.get(key); ok {
			return allowed, nil
		}
	}

	var allowed []uuid.UUID
	err := store.WithRetry(ctx, 1, 25*time.Millisecond, func() error {
		var err error
		allowed, err = s.PolicyFilter(ctx, orgID, principalID, candidateSpanIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.set(key, allowed)
	}
	return allowed, nil
}

// cacheKey hashes the sorted candidate span IDs so the cache key doesn't
// grow unbounded with candidate-set size and is stable across requests
// that see the same candidate set in a different query order.
func cacheKey(orgID, principalID uuid.UUID, spanIDs []uuid.UUID) string {
	sorted := make([]uuid.UUID, len(spanIDs))
	copy(sorted, spanIDs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].String() < sorted[j].String() })

	h := sha256.New()
	for _, id := range sorted {
		h.Write(id[:])
	}
	return fmt.Sprintf("%s:%s:%x", orgID, principalID, h.Sum(nil))
}
