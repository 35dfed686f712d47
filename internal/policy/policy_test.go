package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetSet(t *testing.T) {
	c := NewCache(time.Second)
	defer c.Close()

	got, ok := c.get("org:principal:hash")
	assert.False(t, ok)
	assert.Nil(t, got)

	allowed := []uuid.UUID{uuid.New(), uuid.New()}
	c.set("org:principal:hash", allowed)

	got, ok = c.get("org:principal:hash")
	require.True(t, ok)
	assert.Equal(t, allowed, got)
}

func TestCache_Expiry(t *testing.T) {
	c := NewCache(50 * time.Millisecond)
	defer c.Close()

	c.set("key", []uuid.UUID{uuid.New()})

	_, ok := c.get("key")
	require.True(t, ok)

	time.Sleep(60 * time.Millisecond)

	_, ok = c.get("key")
	assert.False(t, ok, "entry should have expired")
}

func TestCache_EvictExpired(t *testing.T) {
	c := NewCache(10 * time.Millisecond)
	defer c.Close()

	c.set("key1", []uuid.UUID{uuid.New()})
	c.set("key2", []uuid.UUID{uuid.New()})

	time.Sleep(20 * time.Millisecond)
	c.evictExpired()

	c.mu.RLock()
	assert.Empty(t, c.entries, "evictExpired should have removed all expired entries")
	c.mu.RUnlock()
}

func TestCache_DifferentKeysIndependent(t *testing.T) {
	c := NewCache(time.Second)
	defer c.Close()

	a := []uuid.UUID{uuid.New()}
	b := []uuid.UUID{uuid.New(), uuid.New()}
	c.set("org1:principal1:h1", a)
	c.set("org2:principal2:h2", b)

	got1, ok := c.get("org1:principal1:h1")
	require.True(t, ok)
	assert.Equal(t, a, got1)

	got2, ok := c.get("org2:principal2:h2")
	require.True(t, ok)
	assert.Equal(t, b, got2)
}

type fakeStore struct {
	allowed []uuid.UUID
	err     error
	calls   int
}

func (f *fakeStore) PolicyFilter(_ context.Context, _, _ uuid.UUID, _ []uuid.UUID) ([]uuid.UUID, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.allowed, nil
}

func TestFilter_NoCacheAlwaysCallsThrough(t *testing.T) {
	orgID, principalID := uuid.New(), uuid.New()
	want := []uuid.UUID{uuid.New()}
	fs := &fakeStore{allowed: want}

	candidates := []uuid.UUID{uuid.New(), uuid.New()}

	got, err := Filter(context.Background(), fs, nil, orgID, principalID, candidates)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, fs.calls)

	_, err = Filter(context.Background(), fs, nil, orgID, principalID, candidates)
	require.NoError(t, err)
	assert.Equal(t, 2, fs.calls, "nil cache should hit the store every time")
}

func TestFilter_CacheHitAvoidsSecondStoreCall(t *testing.T) {
	orgID, principalID := uuid.New(), uuid.New()
	want := []uuid.UUID{uuid.New()}
	fs := &fakeStore{allowed: want}
	cache := NewCache(time.Minute)
	defer cache.Close()

	candidates := []uuid.UUID{uuid.New(), uuid.New()}

	got, err := Filter(context.Background(), fs, cache, orgID, principalID, candidates)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, fs.calls)

	got, err = Filter(context.Background(), fs, cache, orgID, principalID, candidates)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, 1, fs.calls, "second call with identical candidates should hit the cache")
}

func TestFilter_CacheKeyVariesWithCandidateSet(t *testing.T) {
	orgID, principalID := uuid.New(), uuid.New()
	fs := &fakeStore{allowed: []uuid.UUID{uuid.New()}}
	cache := NewCache(time.Minute)
	defer cache.Close()

	_, err := Filter(context.Background(), fs, cache, orgID, principalID, []uuid.UUID{uuid.New()})
	require.NoError(t, err)
	_, err = Filter(context.Background(), fs, cache, orgID, principalID, []uuid.UUID{uuid.New()})
	require.NoError(t, err)

	assert.Equal(t, 2, fs.calls, "distinct candidate sets must not collide in the cache")
}

func TestFilter_CacheKeyOrderInsensitive(t *testing.T) {
	orgID, principalID := uuid.New(), uuid.New()
	a, b := uuid.New(), uuid.New()
	fs := &fakeStore{allowed: []uuid.UUID{a}}
	cache := NewCache(time.Minute)
	defer cache.Close()

	_, err := Filter(context.Background(), fs, cache, orgID, principalID, []uuid.UUID{a, b})
	require.NoError(t, err)
	_, err = Filter(context.Background(), fs, cache, orgID, principalID, []uuid.UUID{b, a})
	require.NoError(t, err)

	assert.Equal(t, 1, fs.calls, "candidate order should not affect the cache key")
}

func TestFilter_EmptyCandidatesShortCircuits(t *testing.T) {
	fs := &fakeStore{allowed: []uuid.UUID{uuid.New()}}

	got, err := Filter(context.Background(), fs, nil, uuid.New(), uuid.New(), nil)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, 0, fs.calls, "should not call the store for an empty candidate set")
}

func TestFilter_StoreErrorPropagatesFailClosed(t *testing.T) {
	wantErr := errors.New("acl join failed")
	fs := &fakeStore{err: wantErr}

	_, err := Filter(context.Background(), fs, nil, uuid.New(), uuid.New(), []uuid.UUID{uuid.New()})
	require.ErrorIs(t, err, wantErr)
}
