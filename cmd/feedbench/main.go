// feedbench drives the fan-out engine end to end with an in-process graph
// and post service: seed one author with N followers, publish POSTS posts,
// then measure dispatch latency and first-page read latency.
package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/newsfeed/internal/cache"
	"github.com/d60-Lab/newsfeed/internal/client"
	"github.com/d60-Lab/newsfeed/internal/repository"
	"github.com/d60-Lab/newsfeed/internal/service"
	"github.com/d60-Lab/newsfeed/pkg/database"
)

func must[T any](v T, err error) T { if err != nil { panic(err) }; return v }

func pct(vs []time.Duration, p float64) time.Duration {
	if len(vs) == 0 { return 0 }
	xs := append([]time.Duration(nil), vs...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(math.Ceil(p*float64(len(xs)))) - 1
	if k < 0 { k = 0 }
	if k >= len(xs) { k = len(xs)-1 }
	return xs[k]
}

type benchGraph struct{ followers []int64 }

func (g *benchGraph) FollowerCount(ctx context.Context, userID int64) (int, error) {
	return len(g.followers), nil
}

func (g *benchGraph) Followers(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error) {
	start := (page - 1) * pageSize
	if start >= len(g.followers) { return nil, false, nil }
	end := start + pageSize
	if end > len(g.followers) { end = len(g.followers) }
	return g.followers[start:end], end < len(g.followers), nil
}

func (g *benchGraph) Following(ctx context.Context, userID int64, page, pageSize int) ([]int64, bool, error) {
	if page > 1 { return nil, false, nil }
	return []int64{1}, false, nil // everyone follows the author
}

type benchPost struct{}

func (benchPost) GetPost(ctx context.Context, postID string) (*client.PostSummary, error) {
	return &client.PostSummary{ID: postID, UserID: 1, CreatedAt: time.Now()}, nil
}
func (benchPost) RecentPostsByAuthor(ctx context.Context, authorID int64, limit int) ([]*client.PostSummary, error) {
	return nil, nil
}
func (benchPost) PostsBatch(ctx context.Context, postIDs []string) ([]*client.PostSummary, error) {
	out := make([]*client.PostSummary, len(postIDs))
	for i, id := range postIDs {
		out[i] = &client.PostSummary{ID: id, UserID: 1, CreatedAt: time.Now()}
	}
	return out, nil
}

func main() {
	ctx := context.Background()

	// params
	N := 5000        // followers of the author
	POSTS := 50      // posts to publish
	THRESHOLD := 100000
	if s := os.Getenv("N"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { N = v } }
	if s := os.Getenv("POSTS"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { POSTS = v } }
	if s := os.Getenv("THRESHOLD"); s != "" { if v, e := strconv.Atoi(s); e == nil && v > 0 { THRESHOLD = v } }

	db := must(gorm.Open(sqlite.Open("file::memory:?cache=shared"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	}))
	if err := database.Migrate(db); err != nil { panic(err) }

	mr := must(miniredis.Run())
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	followers := make([]int64, N)
	for i := range followers { followers[i] = int64(i + 2) }
	graph := &benchGraph{followers: followers}

	feedRepo := repository.NewFeedRepository(db)
	metaRepo := repository.NewMetadataRepository(db)
	feedCache := cache.NewFeedCache(rdb, 5*time.Minute)
	fanout := service.NewFanoutService(feedRepo, metaRepo, feedCache, graph, nil, nil, THRESHOLD, 500, 500, 0)
	feedSvc := service.NewFeedService(feedRepo, metaRepo, feedCache, graph, benchPost{}, nil, nil, 500, 20, 100, 100, 10, 100)

	// publish
	dispatch := make([]time.Duration, 0, POSTS)
	for i := 0; i < POSTS; i++ {
		st := time.Now()
		if err := fanout.OnPostCreated(ctx, fmt.Sprintf("post-%04d", i), 1, time.Now()); err != nil {
			panic(err)
		}
		dispatch = append(dispatch, time.Since(st))
	}

	// read first pages for a sample of followers
	READS := 200
	if READS > N { READS = N }
	reads := make([]time.Duration, 0, READS)
	for i := 0; i < READS; i++ {
		st := time.Now()
		fp := must(feedSvc.GetFeed(ctx, followers[i], 1, 20))
		reads = append(reads, time.Since(st))
		if i == 0 {
			fmt.Printf("first page: items=%d total=%d has_more=%v\n", len(fp.Items), fp.Total, fp.HasMore)
		}
	}

	var dSum, rSum time.Duration
	for _, d := range dispatch { dSum += d }
	for _, d := range reads { rSum += d }
	fmt.Printf("N=%d POSTS=%d THRESHOLD=%d\n", N, POSTS, THRESHOLD)
	fmt.Printf("Dispatch (post -> %d feeds): avg=%v p95=%v p99=%v\n", N, dSum/time.Duration(len(dispatch)), pct(dispatch, 0.95), pct(dispatch, 0.99))
	fmt.Printf("GetFeed first page: avg=%v p95=%v p99=%v\n", rSum/time.Duration(len(reads)), pct(reads, 0.95), pct(reads, 0.99))
}
