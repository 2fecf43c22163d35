// Package stream connects the feed engine to Redis Streams: one consumer
// group pulling the inbound topics and a best-effort publisher for
// feed.updated notifications.
package stream

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsfeed/internal/model"
	"github.com/d60-Lab/newsfeed/pkg/logger"
)

// Publisher emits events via XADD. Publish failures are logged and
// dropped: feed.updated is a notification side-channel, never load-bearing.
type Publisher struct {
	client *redis.Client
	source string
}

func NewPublisher(client *redis.Client, source string) *Publisher {
	return &Publisher{client: client, source: source}
}

// Publish appends an event to the stream and returns the message id.
func (p *Publisher) Publish(ctx context.Context, stream model.StreamKey, ev *model.Event) (string, error) {
	if err := ev.Validate(); err != nil {
		return "", err
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream.String(),
		Values: ev.Values(),
	}).Result()
}

// FeedUpdated implements service.Notifier.
func (p *Publisher) FeedUpdated(ctx context.Context, userID int64) {
	if p.client == nil {
		return
	}
	ev, err := model.NewEvent(model.EventFeedUpdated, p.source, model.FeedUpdatedPayload{
		UserID:    userID,
		Timestamp: time.Now(),
	})
	if err != nil {
		logger.Warn("feed.updated encode failed", zap.Int64("user", userID), zap.Error(err))
		return
	}
	if _, err := p.Publish(ctx, model.StreamFeedUpdated, ev); err != nil {
		logger.Warn("feed.updated publish failed", zap.Int64("user", userID), zap.Error(err))
	}
}
