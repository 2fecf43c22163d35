package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsfeed/pkg/logger"
)

// Entry is one cached timeline member: post id plus its ranking score.
type Entry struct {
	PostID string
	Score  float64
}

// FeedCache keeps a per-viewer ZSET mirroring the most recent feed rows.
// It is a disposable projection: every error degrades to a miss and the
// feed store stays authoritative.
type FeedCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewFeedCache(client *redis.Client, ttl time.Duration) *FeedCache {
	return &FeedCache{client: client, ttl: ttl}
}

func feedKey(userID int64) string { return fmt.Sprintf("feed:%d", userID) }

// AddBulk writes entries into the viewer's timeline and refreshes the TTL.
func (c *FeedCache) AddBulk(ctx context.Context, userID int64, entries []Entry) {
	if c.client == nil || len(entries) == 0 {
		return
	}
	members := make([]redis.Z, len(entries))
	for i, e := range entries {
		members[i] = redis.Z{Score: e.Score, Member: e.PostID}
	}
	key := feedKey(userID)
	pipe := c.client.Pipeline()
	pipe.ZAdd(ctx, key, members...)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("feed cache write failed", zap.Int64("user", userID), zap.Error(err))
	}
}

// Replace drops the old timeline and writes the new one atomically enough
// for a cache: Del and ZAdd ride the same pipeline.
func (c *FeedCache) Replace(ctx context.Context, userID int64, entries []Entry) {
	if c.client == nil {
		return
	}
	key := feedKey(userID)
	members := make([]redis.Z, len(entries))
	for i, e := range entries {
		members[i] = redis.Z{Score: e.Score, Member: e.PostID}
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("feed cache replace failed", zap.Int64("user", userID), zap.Error(err))
	}
}

// Page returns one page of cached post ids, highest score first, and
// whether the cache held the viewer's timeline at all.
func (c *FeedCache) Page(ctx context.Context, userID int64, offset, limit int) ([]Entry, bool) {
	if c.client == nil {
		return nil, false
	}
	key := feedKey(userID)
	exists, err := c.client.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		return nil, false
	}
	zs, err := c.client.ZRevRangeWithScores(ctx, key, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		logger.Warn("feed cache read failed", zap.Int64("user", userID), zap.Error(err))
		return nil, false
	}
	out := make([]Entry, 0, len(zs))
	for _, z := range zs {
		if member, ok := z.Member.(string); ok {
			out = append(out, Entry{PostID: member, Score: z.Score})
		}
	}
	return out, true
}

// Count returns the cached timeline size.
func (c *FeedCache) Count(ctx context.Context, userID int64) int64 {
	if c.client == nil {
		return 0
	}
	n, err := c.client.ZCard(ctx, feedKey(userID)).Result()
	if err != nil {
		return 0
	}
	return n
}

// Invalidate removes the viewer's timeline (delete-on-write).
func (c *FeedCache) Invalidate(ctx context.Context, userID int64) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, feedKey(userID)).Err(); err != nil {
		// TTL bounds the staleness window if this delete is lost
		logger.Warn("feed cache invalidate failed", zap.Int64("user", userID), zap.Error(err))
	}
}

// Exists reports whether the viewer's timeline is cached.
func (c *FeedCache) Exists(ctx context.Context, userID int64) bool {
	if c.client == nil {
		return false
	}
	n, err := c.client.Exists(ctx, feedKey(userID)).Result()
	return err == nil && n > 0
}
