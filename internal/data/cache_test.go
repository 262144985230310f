package data

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRecord is a test struct for serialization
type testRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func setupTestCache(t *testing.T) (CacheClient, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return NewCacheClient(rdb), mr
}

func TestCacheSetGet(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	ctx := context.Background()

	in := testRecord{ID: "123", Status: "queued", Count: 7}
	require.NoError(t, cache.Set(ctx, "job:123", in, time.Minute))

	var out testRecord
	require.NoError(t, cache.Get(ctx, "job:123", &out))
	assert.Equal(t, in, out)

	// TTL is applied.
	assert.Greater(t, mr.TTL("job:123"), time.Duration(0))
}

func TestCacheGet_NotFound(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()

	var out testRecord
	err := cache.Get(context.Background(), "missing", &out)
	assert.ErrorIs(t, err, ErrCacheNotFound)
}

func TestCacheGet_CorruptValue(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()

	require.NoError(t, mr.Set("job:bad", "{not json"))

	var out testRecord
	err := cache.Get(context.Background(), "job:bad", &out)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheNotFound)
}

func TestCacheDelete(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "job:123", testRecord{ID: "123"}, time.Minute))
	require.NoError(t, cache.Delete(ctx, "job:123"))

	var out testRecord
	assert.ErrorIs(t, cache.Get(ctx, "job:123", &out), ErrCacheNotFound)

	// Deleting a missing key is not an error.
	assert.NoError(t, cache.Delete(ctx, "job:123"))
}

func TestCacheKeys(t *testing.T) {
	cache, mr := setupTestCache(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "job:1", testRecord{}, time.Minute))
	require.NoError(t, cache.Set(ctx, "job:2", testRecord{}, time.Minute))
	require.NoError(t, cache.Set(ctx, "other:1", testRecord{}, time.Minute))

	keys, err := cache.Keys(ctx, "job:*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job:1", "job:2"}, keys)
}

func TestCachePing(t *testing.T) {
	cache, mr := setupTestCache(t)

	assert.NoError(t, cache.Ping(context.Background()))

	mr.Close()
	assert.Error(t, cache.Ping(context.Background()))
}

func TestCache_NilClient(t *testing.T) {
	cache := NewCacheClient(nil)
	ctx := context.Background()

	var out testRecord
	assert.Error(t, cache.Get(ctx, "k", &out))
	assert.Error(t, cache.Set(ctx, "k", out, time.Minute))
	assert.Error(t, cache.Delete(ctx, "k"))
	_, err := cache.Keys(ctx, "*")
	assert.Error(t, err)
	assert.Error(t, cache.Ping(ctx))
}
