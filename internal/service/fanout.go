package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/newsfeed/internal/cache"
	"github.com/d60-Lab/newsfeed/internal/client"
	"github.com/d60-Lab/newsfeed/internal/model"
	"github.com/d60-Lab/newsfeed/internal/repository"
	"github.com/d60-Lab/newsfeed/pkg/logger"
)

// Notifier emits best-effort feed.updated notifications. Implementations
// swallow failures; feed correctness never depends on them.
type Notifier interface {
	FeedUpdated(ctx context.Context, userID int64)
}

// FanoutService 扇出调度：决定 push（写扩散）还是走读时拉取
type FanoutService struct {
	feedRepo repository.FeedRepository
	metaRepo repository.MetadataRepository
	cache    *cache.FeedCache
	graph    client.GraphClient
	notifier Notifier
	scorer   Scorer

	celebrityThreshold int
	maxFeedItems       int
	pageSize           int
	limiter            *rate.Limiter
}

func NewFanoutService(
	feedRepo repository.FeedRepository,
	metaRepo repository.MetadataRepository,
	feedCache *cache.FeedCache,
	graph client.GraphClient,
	notifier Notifier,
	scorer Scorer,
	celebrityThreshold, maxFeedItems, pageSize int,
	graphPageRate float64,
) *FanoutService {
	if scorer == nil {
		scorer = RecencyScorer
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	if graphPageRate <= 0 {
		graphPageRate = 200
	}
	return &FanoutService{
		feedRepo:           feedRepo,
		metaRepo:           metaRepo,
		cache:              feedCache,
		graph:              graph,
		notifier:           notifier,
		scorer:             scorer,
		celebrityThreshold: celebrityThreshold,
		maxFeedItems:       maxFeedItems,
		pageSize:           pageSize,
		limiter:            rate.NewLimiter(rate.Limit(graphPageRate), 1),
	}
}

// OnPostCreated pushes the post into every follower's feed unless the
// author sits at or above the celebrity threshold, in which case the post
// is served through the read-time pull path only.
func (s *FanoutService) OnPostCreated(ctx context.Context, postID string, authorID int64, postCreatedAt time.Time) error {
	count, err := s.graph.FollowerCount(ctx, authorID)
	if err != nil {
		return err
	}
	if count >= s.celebrityThreshold {
		logger.Info("skipping fan-out on write for celebrity author",
			zap.Int64("author", authorID), zap.Int("followers", count))
		return nil
	}

	score := s.scorer(postCreatedAt)
	page := 1
	pushed := 0
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		followers, hasMore, err := s.graph.Followers(ctx, authorID, page, s.pageSize)
		if err != nil {
			return err
		}
		if len(followers) == 0 {
			break
		}

		items := make([]*model.FeedItem, len(followers))
		for i, followerID := range followers {
			items[i] = &model.FeedItem{
				UserID:        followerID,
				PostID:        postID,
				AuthorID:      authorID,
				PostCreatedAt: postCreatedAt,
				Score:         score,
			}
		}
		if err := s.feedRepo.UpsertBatch(ctx, items); err != nil {
			return err
		}
		for _, followerID := range followers {
			// trim from post-upsert counts; write-then-invalidate
			if _, err := s.feedRepo.Trim(ctx, followerID, s.maxFeedItems); err != nil {
				logger.Warn("trim failed", zap.Int64("user", followerID), zap.Error(err))
			}
			s.cache.Invalidate(ctx, followerID)
			if s.notifier != nil {
				s.notifier.FeedUpdated(ctx, followerID)
			}
		}
		pushed += len(followers)
		if !hasMore {
			break
		}
		page++
	}

	logger.Info("fanned out post",
		zap.String("post", postID), zap.Int64("author", authorID), zap.Int("feeds", pushed))
	return nil
}

// OnPostDeleted removes the post from every feed that holds it. For
// celebrity content this is mostly a no-op: nothing was pushed, and the
// pull path stops returning the post once the Post service drops it.
func (s *FanoutService) OnPostDeleted(ctx context.Context, postID string) error {
	userIDs, err := s.feedRepo.RemoveByPost(ctx, postID)
	if err != nil {
		return err
	}
	for _, userID := range userIDs {
		s.cache.Invalidate(ctx, userID)
		if s.notifier != nil {
			s.notifier.FeedUpdated(ctx, userID)
		}
	}
	logger.Info("removed post from feeds", zap.String("post", postID), zap.Int("feeds", len(userIDs)))
	return nil
}

// OnFollowAccepted marks the follower's feed stale. Historical entries are
// inserted lazily by the next read's rebuild, not here.
func (s *FanoutService) OnFollowAccepted(ctx context.Context, followerID, followeeID int64) error {
	if err := s.metaRepo.MarkStale(ctx, followerID); err != nil {
		return err
	}
	s.cache.Invalidate(ctx, followerID)
	logger.Info("marked feed stale",
		zap.Int64("follower", followerID), zap.Int64("followee", followeeID))
	return nil
}

// OnFollowRemoved drops the unfollowed author's rows from the follower's
// feed. For a celebrity author nothing was pushed; the rebuild's
// currently-followed filter covers that case.
func (s *FanoutService) OnFollowRemoved(ctx context.Context, followerID, followeeID int64) error {
	removed, err := s.feedRepo.RemoveByAuthor(ctx, followerID, followeeID)
	if err != nil {
		return err
	}
	s.cache.Invalidate(ctx, followerID)
	if removed > 0 && s.notifier != nil {
		s.notifier.FeedUpdated(ctx, followerID)
	}
	logger.Info("removed author from feed",
		zap.Int64("follower", followerID), zap.Int64("author", followeeID), zap.Int64("rows", removed))
	return nil
}
