package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/d60-Lab/newsfeed/internal/cache"
	"github.com/d60-Lab/newsfeed/internal/client"
	"github.com/d60-Lab/newsfeed/internal/model"
	"github.com/d60-Lab/newsfeed/internal/repository"
	"github.com/d60-Lab/newsfeed/pkg/logger"
)

var (
	ErrInvalidViewer = errors.New("invalid viewer id")
)

// FeedItemView is one feed entry as served to the API layer, optionally
// enriched with the post body from the Post service.
type FeedItemView struct {
	PostID        string              `json:"post_id"`
	AuthorID      int64               `json:"author_id"`
	PostCreatedAt time.Time           `json:"post_created_at"`
	Score         float64             `json:"score"`
	Post          *client.PostSummary `json:"post,omitempty"`
}

// FeedPage is a paginated feed response.
type FeedPage struct {
	Items    []*FeedItemView `json:"items"`
	Total    int64           `json:"total"`
	Page     int             `json:"page"`
	PageSize int             `json:"page_size"`
	HasMore  bool            `json:"has_more"`
}

// FeedStats exposes per-viewer feed bookkeeping.
type FeedStats struct {
	UserID        int64      `json:"user_id"`
	TotalItems    int64      `json:"total_items"`
	LastRebuiltAt *time.Time `json:"last_rebuilt_at,omitempty"`
	IsStale       bool       `json:"is_stale"`
	CacheStatus   string     `json:"cache_status"`
}

// FeedService 读路径：cache -> feed store -> single-flight rebuild
type FeedService struct {
	feedRepo repository.FeedRepository
	metaRepo repository.MetadataRepository
	cache    *cache.FeedCache
	graph    client.GraphClient
	post     client.PostClient
	notifier Notifier
	scorer   Scorer

	maxFeedItems     int
	defaultPageSize  int
	maxPageSize      int
	followeeCap      int
	postsPerFollowee int
	graphPageSize    int

	rebuilds singleflight.Group
}

func NewFeedService(
	feedRepo repository.FeedRepository,
	metaRepo repository.MetadataRepository,
	feedCache *cache.FeedCache,
	graph client.GraphClient,
	post client.PostClient,
	notifier Notifier,
	scorer Scorer,
	maxFeedItems, defaultPageSize, maxPageSize, followeeCap, postsPerFollowee, graphPageSize int,
) *FeedService {
	if scorer == nil {
		scorer = RecencyScorer
	}
	if followeeCap <= 0 {
		followeeCap = 100
	}
	if postsPerFollowee <= 0 {
		postsPerFollowee = 10
	}
	if graphPageSize <= 0 {
		graphPageSize = 100
	}
	return &FeedService{
		feedRepo:         feedRepo,
		metaRepo:         metaRepo,
		cache:            feedCache,
		graph:            graph,
		post:             post,
		notifier:         notifier,
		scorer:           scorer,
		maxFeedItems:     maxFeedItems,
		defaultPageSize:  defaultPageSize,
		maxPageSize:      maxPageSize,
		followeeCap:      followeeCap,
		postsPerFollowee: postsPerFollowee,
		graphPageSize:    graphPageSize,
	}
}

// GetFeed serves one page of the viewer's feed. It always returns some
// ordered feed, degrading to last-known-good store rows when collaborators
// are unreachable; only malformed input errors out.
func (s *FeedService) GetFeed(ctx context.Context, userID int64, page, pageSize int) (*FeedPage, error) {
	if userID <= 0 {
		return nil, ErrInvalidViewer
	}
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.defaultPageSize
	}
	if pageSize > s.maxPageSize {
		pageSize = s.maxPageSize
	}

	md, err := s.metaRepo.Get(ctx, userID)
	if err != nil {
		logger.Warn("metadata read failed", zap.Int64("user", userID), zap.Error(err))
	}

	if md != nil && !md.IsStale {
		if fp, ok := s.tryCachePage(ctx, userID, page, pageSize, md.TotalItems); ok {
			return fp, nil
		}
		return s.pageFromStore(ctx, userID, page, pageSize)
	}

	// stale or never built: rebuild, collapsing concurrent triggers
	if err := s.Rebuild(ctx, userID); err != nil {
		// degrade to whatever the store still holds
		sentry.CaptureException(fmt.Errorf("feed rebuild for user %d: %w", userID, err))
		logger.Error("rebuild failed, serving last-known-good feed",
			zap.Int64("user", userID), zap.Error(err))
	}
	return s.pageFromStore(ctx, userID, page, pageSize)
}

// tryCachePage builds a response purely from the cache tier. Returns false
// on miss, short cache, or when post enrichment fails.
func (s *FeedService) tryCachePage(ctx context.Context, userID int64, page, pageSize int, total int64) (*FeedPage, bool) {
	offset := (page - 1) * pageSize
	entries, ok := s.cache.Page(ctx, userID, offset, pageSize)
	if !ok || len(entries) == 0 {
		return nil, false
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.PostID
	}
	posts, err := s.post.PostsBatch(ctx, ids)
	if err != nil {
		logger.Warn("post enrichment failed on cache path", zap.Int64("user", userID), zap.Error(err))
		return nil, false
	}
	byID := make(map[string]*client.PostSummary, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	items := make([]*FeedItemView, 0, len(entries))
	for _, e := range entries {
		p, found := byID[e.PostID]
		if !found {
			// deleted upstream; the store row goes via post.deleted
			continue
		}
		items = append(items, &FeedItemView{
			PostID:        e.PostID,
			AuthorID:      p.UserID,
			PostCreatedAt: p.CreatedAt,
			Score:         e.Score,
			Post:          p,
		})
	}
	if len(items) == 0 {
		return nil, false
	}
	return &FeedPage{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  int64(offset+len(items)) < total,
	}, true
}

// pageFromStore reads the page from the feed store, re-caches it, and
// best-effort enriches with post bodies.
func (s *FeedService) pageFromStore(ctx context.Context, userID int64, page, pageSize int) (*FeedPage, error) {
	offset := (page - 1) * pageSize
	rows, err := s.feedRepo.Page(ctx, userID, offset, pageSize)
	if err != nil {
		return nil, err
	}
	total, err := s.feedRepo.Count(ctx, userID)
	if err != nil {
		return nil, err
	}

	var byID map[string]*client.PostSummary
	if len(rows) > 0 {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.PostID
		}
		if posts, perr := s.post.PostsBatch(ctx, ids); perr == nil {
			byID = make(map[string]*client.PostSummary, len(posts))
			for _, p := range posts {
				byID[p.ID] = p
			}
		} else {
			logger.Warn("post enrichment failed, serving bare entries",
				zap.Int64("user", userID), zap.Error(perr))
		}
	}

	items := make([]*FeedItemView, 0, len(rows))
	cacheEntries := make([]cache.Entry, 0, len(rows))
	for _, r := range rows {
		v := &FeedItemView{
			PostID:        r.PostID,
			AuthorID:      r.AuthorID,
			PostCreatedAt: r.PostCreatedAt,
			Score:         r.Score,
		}
		if byID != nil {
			v.Post = byID[r.PostID]
		}
		items = append(items, v)
		cacheEntries = append(cacheEntries, cache.Entry{PostID: r.PostID, Score: r.Score})
	}
	s.cache.AddBulk(ctx, userID, cacheEntries)

	return &FeedPage{
		Items:    items,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
		HasMore:  int64(offset+len(items)) < total,
	}, nil
}

// Rebuild recomputes the viewer's feed from the Graph and Post
// collaborators. Concurrent triggers for one viewer collapse into a single
// in-flight run.
func (s *FeedService) Rebuild(ctx context.Context, userID int64) error {
	_, err, _ := s.rebuilds.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		return nil, s.rebuild(ctx, userID)
	})
	return err
}

func (s *FeedService) rebuild(ctx context.Context, userID int64) error {
	following, err := s.listFollowing(ctx, userID)
	if err != nil {
		return err
	}
	if len(following) == 0 {
		if err := s.feedRepo.ReplaceForUser(ctx, userID, nil); err != nil {
			return err
		}
		if err := s.metaRepo.SetRebuilt(ctx, userID, 0); err != nil {
			return err
		}
		s.cache.Replace(ctx, userID, nil)
		return nil
	}

	// partition: followees already push-fanned into the store vs. the
	// rest (celebrities, or simply nothing pushed yet) which we pull
	pushed, err := s.feedRepo.AuthorsWithItems(ctx, userID, following)
	if err != nil {
		return err
	}
	followed := make(map[int64]bool, len(following))
	for _, f := range following {
		followed[f] = true
	}

	merged := make(map[string]*model.FeedItem)

	for _, followeeID := range following {
		if pushed[followeeID] {
			continue
		}
		posts, perr := s.post.RecentPostsByAuthor(ctx, followeeID, s.postsPerFollowee)
		if perr != nil {
			// partial data beats a failed read; skip this followee
			logger.Warn("pull failed for followee",
				zap.Int64("user", userID), zap.Int64("followee", followeeID), zap.Error(perr))
			continue
		}
		for _, p := range posts {
			merged[p.ID] = &model.FeedItem{
				UserID:        userID,
				PostID:        p.ID,
				AuthorID:      p.UserID,
				PostCreatedAt: p.CreatedAt,
				Score:         s.scorer(p.CreatedAt),
			}
		}
	}

	// push-fanned rows win on conflict: they carry the computed score.
	// Rows from no-longer-followed authors are filtered out here.
	existing, err := s.feedRepo.Page(ctx, userID, 0, s.maxFeedItems)
	if err != nil {
		return err
	}
	for _, row := range existing {
		if !followed[row.AuthorID] {
			continue
		}
		merged[row.PostID] = &model.FeedItem{
			ID:            row.ID,
			UserID:        userID,
			PostID:        row.PostID,
			AuthorID:      row.AuthorID,
			PostCreatedAt: row.PostCreatedAt,
			Score:         row.Score,
		}
	}

	items := make([]*model.FeedItem, 0, len(merged))
	for _, it := range merged {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		if !items[i].PostCreatedAt.Equal(items[j].PostCreatedAt) {
			return items[i].PostCreatedAt.After(items[j].PostCreatedAt)
		}
		return items[i].PostID > items[j].PostID
	})
	if len(items) > s.maxFeedItems {
		items = items[:s.maxFeedItems]
	}

	if err := s.feedRepo.ReplaceForUser(ctx, userID, items); err != nil {
		return err
	}
	if err := s.metaRepo.SetRebuilt(ctx, userID, int64(len(items))); err != nil {
		return err
	}

	cacheEntries := make([]cache.Entry, len(items))
	for i, it := range items {
		cacheEntries[i] = cache.Entry{PostID: it.PostID, Score: it.Score}
	}
	s.cache.Replace(ctx, userID, cacheEntries)

	if s.notifier != nil {
		s.notifier.FeedUpdated(ctx, userID)
	}
	logger.Info("rebuilt feed", zap.Int64("user", userID), zap.Int("items", len(items)))
	return nil
}

func (s *FeedService) listFollowing(ctx context.Context, userID int64) ([]int64, error) {
	var out []int64
	page := 1
	for {
		ids, hasMore, err := s.graph.Following(ctx, userID, page, s.graphPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, ids...)
		if len(out) >= s.followeeCap {
			out = out[:s.followeeCap]
			break
		}
		if !hasMore || len(ids) == 0 {
			break
		}
		page++
	}
	return out, nil
}

// RefreshFeed forces a stale mark and an immediate rebuild.
func (s *FeedService) RefreshFeed(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return ErrInvalidViewer
	}
	if err := s.metaRepo.MarkStale(ctx, userID); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, userID)
	return s.Rebuild(ctx, userID)
}

// GetFeedStats reports feed bookkeeping plus the current cache status.
func (s *FeedService) GetFeedStats(ctx context.Context, userID int64) (*FeedStats, error) {
	if userID <= 0 {
		return nil, ErrInvalidViewer
	}
	stats := &FeedStats{UserID: userID, CacheStatus: "miss"}
	md, err := s.metaRepo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if md != nil {
		stats.TotalItems = md.TotalItems
		stats.IsStale = md.IsStale
		if !md.LastRebuiltAt.IsZero() {
			t := md.LastRebuiltAt
			stats.LastRebuiltAt = &t
		}
	}
	if s.cache.Exists(ctx, userID) {
		stats.CacheStatus = "hit"
	}
	return stats, nil
}
