package cache_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acamarata/grillmaster/internal/cache"
)

type sampleProject struct {
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
}

func newTestCache(t *testing.T) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	log := logrus.New()
	log.SetLevel(logrus.DebugLevel)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return cache.NewFromClient(client, log), mr
}

func TestGet_CacheMiss(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	var dest sampleProject
	assert.False(t, c.Get(context.Background(), "nonexistent:key", &dest))
}

func TestSetAndGet_RoundTrip(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	original := sampleProject{ProjectID: "p1", Title: "Test"}

	require.NoError(t, c.Set(ctx, "test:item", original, 10*time.Minute))

	var retrieved sampleProject
	assert.True(t, c.Get(ctx, "test:item", &retrieved))
	assert.Equal(t, original, retrieved)
}

func TestSet_TTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "ephemeral:key", sampleProject{ProjectID: "e1"}, 5*time.Second))

	var dest sampleProject
	assert.True(t, c.Get(ctx, "ephemeral:key", &dest))

	mr.FastForward(6 * time.Second)
	assert.False(t, c.Get(ctx, "ephemeral:key", &dest))
}

func TestGet_UnmarshalError(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	mr.Set("bad:json", "not-json{{{")

	var dest sampleProject
	assert.False(t, c.Get(context.Background(), "bad:json", &dest))
}

func TestDelete_ExistingKey(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "to:delete", sampleProject{ProjectID: "d1"}, 10*time.Minute))
	require.NoError(t, c.Delete(ctx, "to:delete"))

	var dest sampleProject
	assert.False(t, c.Get(ctx, "to:delete", &dest))
}

func TestInvalidatePrefix(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	require.NoError(t, c.Set(ctx, cache.PrefixProjectList+":page1", sampleProject{ProjectID: "t1"}, 10*time.Minute))
	require.NoError(t, c.Set(ctx, cache.PrefixProjectList+":page2", sampleProject{ProjectID: "t2"}, 10*time.Minute))
	require.NoError(t, c.Set(ctx, cache.PrefixTaskList+":page1", sampleProject{ProjectID: "t3"}, 10*time.Minute))

	require.NoError(t, c.InvalidatePrefix(ctx, cache.PrefixProjectList))

	var dest sampleProject
	assert.False(t, c.Get(ctx, cache.PrefixProjectList+":page1", &dest))
	assert.False(t, c.Get(ctx, cache.PrefixProjectList+":page2", &dest))
	assert.True(t, c.Get(ctx, cache.PrefixTaskList+":page1", &dest))
}

func TestInvalidateAll_ClearsListingsAndDetail(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	projectID := "proj-1"
	require.NoError(t, c.Set(ctx, cache.PrefixProjectList+":all", sampleProject{ProjectID: "x"}, 10*time.Minute))
	require.NoError(t, c.Set(ctx, cache.PrefixTaskList+":all", sampleProject{ProjectID: "y"}, 10*time.Minute))
	require.NoError(t, c.Set(ctx, cache.PrefixProjectDetail+":"+projectID, sampleProject{ProjectID: projectID}, 10*time.Minute))

	c.InvalidateAll(ctx, projectID)

	var dest sampleProject
	assert.False(t, c.Get(ctx, cache.PrefixProjectList+":all", &dest))
	assert.False(t, c.Get(ctx, cache.PrefixTaskList+":all", &dest))
	assert.False(t, c.Get(ctx, cache.PrefixProjectDetail+":"+projectID, &dest))
}

func TestGetOrSet_CacheMiss_LoaderCalled(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	loaderCalls := 0

	var dest []sampleProject
	err := c.GetOrSet(ctx, "test:getorset", &dest, 15*time.Minute, func() (interface{}, error) {
		loaderCalls++
		return []sampleProject{{ProjectID: "a"}, {ProjectID: "b"}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, loaderCalls)
	require.Len(t, dest, 2)

	raw, err := mr.Get("test:getorset")
	require.NoError(t, err)
	var fromRedis []sampleProject
	require.NoError(t, json.Unmarshal([]byte(raw), &fromRedis))
	assert.Len(t, fromRedis, 2)
}

func TestGetOrSet_CacheHit_LoaderNotCalled(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	preloaded := []sampleProject{{ProjectID: "cached"}}
	require.NoError(t, c.Set(ctx, "test:hit", preloaded, 15*time.Minute))

	loaderCalls := 0
	var dest []sampleProject
	err := c.GetOrSet(ctx, "test:hit", &dest, 15*time.Minute, func() (interface{}, error) {
		loaderCalls++
		return []sampleProject{{ProjectID: "fresh"}}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 0, loaderCalls)
	require.Len(t, dest, 1)
	assert.Equal(t, "cached", dest[0].ProjectID)
}

func TestGetOrSet_LoaderError(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	ctx := context.Background()
	var dest []sampleProject
	err := c.GetOrSet(ctx, "test:loadererror", &dest, 15*time.Minute, func() (interface{}, error) {
		return nil, assert.AnError
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.False(t, mr.Exists("test:loadererror"))
}

func TestPing_Healthy(t *testing.T) {
	c, mr := newTestCache(t)
	defer mr.Close()
	defer c.Close()

	assert.NoError(t, c.Ping(context.Background()))
}
