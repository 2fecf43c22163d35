package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*FeedCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewFeedCache(client, 5*time.Minute), mr
}

func TestAddBulkAndPage(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	c.AddBulk(ctx, 1, []Entry{
		{PostID: "p1", Score: 100},
		{PostID: "p2", Score: 300},
		{PostID: "p3", Score: 200},
	})

	entries, ok := c.Page(ctx, 1, 0, 2)
	require.True(t, ok)
	require.Len(t, entries, 2)
	require.Equal(t, "p2", entries[0].PostID)
	require.Equal(t, "p3", entries[1].PostID)

	entries, ok = c.Page(ctx, 1, 2, 2)
	require.True(t, ok)
	require.Len(t, entries, 1)
	require.Equal(t, "p1", entries[0].PostID)

	require.EqualValues(t, 3, c.Count(ctx, 1))
	require.True(t, c.Exists(ctx, 1))

	// TTL backstop is set
	require.Greater(t, mr.TTL("feed:1"), time.Duration(0))
}

func TestPageMiss(t *testing.T) {
	c, _ := setupCache(t)
	_, ok := c.Page(context.Background(), 99, 0, 10)
	require.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	c.AddBulk(ctx, 2, []Entry{{PostID: "p1", Score: 1}})
	require.True(t, c.Exists(ctx, 2))

	c.Invalidate(ctx, 2)
	require.False(t, c.Exists(ctx, 2))
	_, ok := c.Page(ctx, 2, 0, 10)
	require.False(t, ok)
}

func TestReplace(t *testing.T) {
	c, _ := setupCache(t)
	ctx := context.Background()

	c.AddBulk(ctx, 3, []Entry{{PostID: "stale", Score: 999}})
	c.Replace(ctx, 3, []Entry{{PostID: "fresh-a", Score: 2}, {PostID: "fresh-b", Score: 1}})

	entries, ok := c.Page(ctx, 3, 0, 10)
	require.True(t, ok)
	require.Len(t, entries, 2)
	require.Equal(t, "fresh-a", entries[0].PostID)

	// replacing with nothing drops the key entirely
	c.Replace(ctx, 3, nil)
	require.False(t, c.Exists(ctx, 3))
}

func TestBackendDownDegradesToMiss(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewFeedCache(client, time.Minute)
	ctx := context.Background()

	c.AddBulk(ctx, 4, []Entry{{PostID: "p1", Score: 1}})
	mr.Close()

	// reads turn into misses, writes are swallowed
	_, ok := c.Page(ctx, 4, 0, 10)
	require.False(t, ok)
	require.False(t, c.Exists(ctx, 4))
	c.AddBulk(ctx, 4, []Entry{{PostID: "p2", Score: 2}})
	c.Invalidate(ctx, 4)
}
