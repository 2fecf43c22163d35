package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/newsfeed/internal/cache"
	"github.com/d60-Lab/newsfeed/internal/client"
	"github.com/d60-Lab/newsfeed/internal/model"
	"github.com/d60-Lab/newsfeed/internal/repository"
)

// fakeGraph is an in-memory Graph collaborator.
type fakeGraph struct {
	mu             sync.Mutex
	followers      map[int64][]int64
	following      map[int64][]int64
	followingCalls int32
	followingDelay time.Duration
	fail           bool
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{followers: map[int64][]int64{}, following: map[int64][]int64{}}
}

func (g *fakeGraph) FollowerCount(ctx context.Context, userID int64) (int, error) {
	if g.fail {
		return 0, fmt.Errorf("graph unavailable")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.followers[userID]), nil
}

func pageOf(ids []int64, page, pageSize int) ([]int64, bool) {
	start := (page - 1) * pageSize
	if start >= len(ids) {
		return nil, false
	}
	end := start + pageSize
	if end > len(ids) {
		end = len(ids)
	}
	return ids[start:end], end < len(ids)
}

func (g *fakeGraph) Followers(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error) {
	if g.fail {
		return nil, false, fmt.Errorf("graph unavailable")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ids, more := pageOf(g.followers[userID], page, pageSize)
	return ids, more, nil
}

func (g *fakeGraph) Following(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error) {
	atomic.AddInt32(&g.followingCalls, 1)
	if g.followingDelay > 0 {
		time.Sleep(g.followingDelay)
	}
	if g.fail {
		return nil, false, fmt.Errorf("graph unavailable")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	ids, more := pageOf(g.following[userID], page, pageSize)
	return ids, more, nil
}

// fakePost is an in-memory Post collaborator.
type fakePost struct {
	mu    sync.Mutex
	posts map[string]*client.PostSummary
}

func newFakePost() *fakePost { return &fakePost{posts: map[string]*client.PostSummary{}} }

func (p *fakePost) add(id string, authorID int64, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts[id] = &client.PostSummary{ID: id, UserID: authorID, CreatedAt: at}
}

func (p *fakePost) GetPost(ctx context.Context, postID string) (*client.PostSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if post, ok := p.posts[postID]; ok {
		return post, nil
	}
	return nil, client.ErrPostNotFound
}

func (p *fakePost) RecentPostsByAuthor(ctx context.Context, authorID int64, limit int) ([]*client.PostSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*client.PostSummary
	for _, post := range p.posts {
		if post.UserID == authorID {
			out = append(out, post)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (p *fakePost) PostsBatch(ctx context.Context, postIDs []string) ([]*client.PostSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*client.PostSummary
	for _, id := range postIDs {
		if post, ok := p.posts[id]; ok {
			out = append(out, post)
		}
	}
	return out, nil
}

// countingNotifier records feed.updated emissions.
type countingNotifier struct{ calls int32 }

func (n *countingNotifier) FeedUpdated(ctx context.Context, userID int64) {
	atomic.AddInt32(&n.calls, 1)
}

type engine struct {
	db       *gorm.DB
	feedRepo repository.FeedRepository
	metaRepo repository.MetadataRepository
	cache    *cache.FeedCache
	graph    *fakeGraph
	post     *fakePost
	notifier *countingNotifier
	fanout   *FanoutService
	feed     *FeedService
}

func newEngine(t *testing.T, threshold, maxItems int) *engine {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.FeedItem{}, &model.FeedMetadata{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	e := &engine{
		db:       db,
		feedRepo: repository.NewFeedRepository(db),
		metaRepo: repository.NewMetadataRepository(db),
		cache:    cache.NewFeedCache(rdb, 5*time.Minute),
		graph:    newFakeGraph(),
		post:     newFakePost(),
		notifier: &countingNotifier{},
	}
	e.fanout = NewFanoutService(e.feedRepo, e.metaRepo, e.cache, e.graph, e.notifier, RecencyScorer,
		threshold, maxItems, 10, 0)
	e.feed = NewFeedService(e.feedRepo, e.metaRepo, e.cache, e.graph, e.post, e.notifier, RecencyScorer,
		maxItems, 20, 100, 100, 10, 10)
	return e
}

func TestFanoutPushesToAllFollowers(t *testing.T) {
	e := newEngine(t, 1000, 500)
	ctx := context.Background()

	followers := make([]int64, 50)
	for i := range followers {
		followers[i] = int64(i + 100)
	}
	e.graph.followers[9] = followers
	e.post.add("post-new", 9, time.Now())

	require.NoError(t, e.fanout.OnPostCreated(ctx, "post-new", 9, time.Now()))

	for _, f := range followers {
		rows, err := e.feedRepo.Page(ctx, f, 0, 1)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.Equal(t, "post-new", rows[0].PostID)
	}
	require.EqualValues(t, 50, atomic.LoadInt32(&e.notifier.calls))
}

func TestCelebrityThresholdBoundary(t *testing.T) {
	ctx := context.Background()

	// exactly at the threshold: celebrity, nothing pushed
	e := newEngine(t, 10, 500)
	ids := make([]int64, 10)
	for i := range ids {
		ids[i] = int64(i + 100)
	}
	e.graph.followers[9] = ids
	require.NoError(t, e.fanout.OnPostCreated(ctx, "celebrity-post", 9, time.Now()))
	cnt, err := e.feedRepo.Count(ctx, 100)
	require.NoError(t, err)
	require.Zero(t, cnt)

	// one below the threshold: push happens
	e2 := newEngine(t, 10, 500)
	e2.graph.followers[9] = ids[:9]
	require.NoError(t, e2.fanout.OnPostCreated(ctx, "normal-post", 9, time.Now()))
	cnt, err = e2.feedRepo.Count(ctx, 100)
	require.NoError(t, err)
	require.EqualValues(t, 1, cnt)
}

func TestFanoutIsIdempotent(t *testing.T) {
	e := newEngine(t, 1000, 500)
	ctx := context.Background()
	e.graph.followers[9] = []int64{100, 101}
	at := time.Now()

	require.NoError(t, e.fanout.OnPostCreated(ctx, "p1", 9, at))
	require.NoError(t, e.fanout.OnPostCreated(ctx, "p1", 9, at))

	for _, f := range []int64{100, 101} {
		cnt, err := e.feedRepo.Count(ctx, f)
		require.NoError(t, err)
		require.EqualValues(t, 1, cnt)
	}
}

func TestFanoutTrimsToCap(t *testing.T) {
	e := newEngine(t, 1000, 5)
	ctx := context.Background()
	e.graph.followers[9] = []int64{100}
	base := time.Now()

	for i := 0; i < 8; i++ {
		require.NoError(t, e.fanout.OnPostCreated(ctx, fmt.Sprintf("p%d", i), 9, base.Add(time.Duration(i)*time.Second)))
	}

	cnt, err := e.feedRepo.Count(ctx, 100)
	require.NoError(t, err)
	require.EqualValues(t, 5, cnt)

	// newest survive
	rows, err := e.feedRepo.Page(ctx, 100, 0, 5)
	require.NoError(t, err)
	require.Equal(t, "p7", rows[0].PostID)
}

func TestFanoutInvalidatesCache(t *testing.T) {
	e := newEngine(t, 1000, 500)
	ctx := context.Background()
	e.graph.followers[9] = []int64{100}

	e.cache.AddBulk(ctx, 100, []cache.Entry{{PostID: "stale", Score: 1}})
	require.True(t, e.cache.Exists(ctx, 100))

	require.NoError(t, e.fanout.OnPostCreated(ctx, "p1", 9, time.Now()))
	require.False(t, e.cache.Exists(ctx, 100))
}

func TestPostDeletedRemovesEverywhere(t *testing.T) {
	e := newEngine(t, 1000, 500)
	ctx := context.Background()
	e.graph.followers[9] = []int64{100, 101}

	require.NoError(t, e.fanout.OnPostCreated(ctx, "doomed", 9, time.Now()))
	require.NoError(t, e.fanout.OnPostDeleted(ctx, "doomed"))

	for _, f := range []int64{100, 101} {
		cnt, err := e.feedRepo.Count(ctx, f)
		require.NoError(t, err)
		require.Zero(t, cnt)
	}
}

func TestPostDeletedBeforeCreatedIsNoop(t *testing.T) {
	e := newEngine(t, 1000, 500)
	require.NoError(t, e.fanout.OnPostDeleted(context.Background(), "never-seen"))
}

func TestFollowAcceptedMarksStale(t *testing.T) {
	e := newEngine(t, 1000, 500)
	ctx := context.Background()

	e.cache.AddBulk(ctx, 100, []cache.Entry{{PostID: "p1", Score: 1}})
	require.NoError(t, e.fanout.OnFollowAccepted(ctx, 100, 9))

	md, err := e.metaRepo.Get(ctx, 100)
	require.NoError(t, err)
	require.NotNil(t, md)
	require.True(t, md.IsStale)
	require.False(t, e.cache.Exists(ctx, 100))
}

func TestFollowRemovedDropsAuthorRows(t *testing.T) {
	e := newEngine(t, 1000, 500)
	ctx := context.Background()
	e.graph.followers[9] = []int64{100}
	e.graph.followers[11] = []int64{100}

	require.NoError(t, e.fanout.OnPostCreated(ctx, "from-9", 9, time.Now()))
	require.NoError(t, e.fanout.OnPostCreated(ctx, "from-11", 11, time.Now()))
	require.NoError(t, e.fanout.OnFollowRemoved(ctx, 100, 9))

	rows, err := e.feedRepo.Page(ctx, 100, 0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "from-11", rows[0].PostID)
}
