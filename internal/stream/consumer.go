package stream

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsfeed/internal/model"
	"github.com/d60-Lab/newsfeed/pkg/logger"
)

// Dispatcher is the fan-out engine the consumer drives. Handlers must be
// idempotent: delivery is at-least-once.
type Dispatcher interface {
	OnPostCreated(ctx context.Context, postID string, authorID int64, postCreatedAt time.Time) error
	OnPostDeleted(ctx context.Context, postID string) error
	OnFollowAccepted(ctx context.Context, followerID, followeeID int64) error
	OnFollowRemoved(ctx context.Context, followerID, followeeID int64) error
}

// Consumer reads the inbound streams through one consumer group and routes
// each message to a worker picked by partition key (author id for content
// events, follower id for relationship events), so ordering holds within a
// key while independent keys proceed concurrently.
type Consumer struct {
	client     *redis.Client
	dispatcher Dispatcher
	group      string
	name       string

	block      time.Duration
	maxRetries int
	backoff    time.Duration
	workers    int

	chans []chan task
	wg    sync.WaitGroup
}

type task struct {
	stream model.StreamKey
	msgID  string
	ev     *model.Event
}

func NewConsumer(client *redis.Client, dispatcher Dispatcher, group, name string, block time.Duration, maxRetries int, backoff time.Duration, workers int) *Consumer {
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if block <= 0 {
		block = 5 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	if workers <= 0 {
		workers = 4
	}
	return &Consumer{
		client:     client,
		dispatcher: dispatcher,
		group:      group,
		name:       name,
		block:      block,
		maxRetries: maxRetries,
		backoff:    backoff,
		workers:    workers,
	}
}

// Start creates the consumer groups and launches the read loop plus the
// worker pool. It returns immediately; cancel ctx to stop, then Wait.
func (c *Consumer) Start(ctx context.Context) error {
	for _, s := range model.InboundStreams() {
		err := c.client.XGroupCreateMkStream(ctx, s.String(), c.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
	}

	c.chans = make([]chan task, c.workers)
	for i := range c.chans {
		c.chans[i] = make(chan task, 256)
		c.wg.Add(1)
		go c.worker(ctx, c.chans[i])
	}

	c.wg.Add(1)
	go c.readLoop(ctx)
	return nil
}

// Wait blocks until the read loop and all workers have drained.
func (c *Consumer) Wait() { c.wg.Wait() }

func (c *Consumer) readLoop(ctx context.Context) {
	defer c.wg.Done()
	defer func() {
		for _, ch := range c.chans {
			close(ch)
		}
	}()

	inbound := model.InboundStreams()
	streams := make([]string, 0, len(inbound)*2)
	for _, s := range inbound {
		streams = append(streams, s.String())
	}
	for range inbound {
		streams = append(streams, ">")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  streams,
			Count:    16,
			Block:    c.block,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			logger.Error("stream read failed", zap.Error(err))
			time.Sleep(c.backoff)
			continue
		}

		for _, sr := range res {
			for _, msg := range sr.Messages {
				c.route(ctx, model.StreamKey(sr.Stream), msg)
			}
		}
	}
}

// route decodes the envelope, derives the partition key, and hands the
// task to a worker. Malformed messages are acked and skipped, never fatal.
func (c *Consumer) route(ctx context.Context, stream model.StreamKey, msg redis.XMessage) {
	ev, err := model.EventFromValues(msg.Values)
	if err != nil {
		logger.Warn("skipping malformed event",
			zap.String("stream", stream.String()), zap.String("id", msg.ID), zap.Error(err))
		c.ack(ctx, stream, msg.ID)
		return
	}

	key, err := partitionKey(stream, ev)
	if err != nil {
		logger.Warn("skipping event with bad payload",
			zap.String("stream", stream.String()), zap.String("id", msg.ID), zap.Error(err))
		c.ack(ctx, stream, msg.ID)
		return
	}

	idx := int(key % int64(len(c.chans)))
	if idx < 0 {
		idx = -idx
	}
	select {
	case c.chans[idx] <- task{stream: stream, msgID: msg.ID, ev: ev}:
	case <-ctx.Done():
	}
}

func partitionKey(stream model.StreamKey, ev *model.Event) (int64, error) {
	switch stream {
	case model.StreamPostCreated, model.StreamPostDeleted:
		var p struct {
			AuthorID int64 `json:"author_id"`
		}
		if err := ev.DecodePayload(&p); err != nil {
			return 0, err
		}
		return p.AuthorID, nil
	case model.StreamFollowAccepted, model.StreamFollowRemoved:
		var p struct {
			FollowerID int64 `json:"follower_id"`
		}
		if err := ev.DecodePayload(&p); err != nil {
			return 0, err
		}
		return p.FollowerID, nil
	}
	return 0, fmt.Errorf("unknown stream %q", stream)
}

func (c *Consumer) worker(ctx context.Context, ch <-chan task) {
	defer c.wg.Done()
	for t := range ch {
		c.process(ctx, t)
	}
}

// process runs the handler with bounded retries; exhausted messages go to
// the dead-letter stream so the partition never wedges.
func (c *Consumer) process(ctx context.Context, t task) {
	var err error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.backoff * time.Duration(attempt)):
			case <-ctx.Done():
				return
			}
		}
		if err = c.dispatch(ctx, t.stream, t.ev); err == nil {
			break
		}
		logger.Warn("event handler failed",
			zap.String("stream", t.stream.String()), zap.String("id", t.msgID),
			zap.Int("attempt", attempt+1), zap.Error(err))
	}

	if err != nil {
		c.deadLetter(ctx, t, err)
	}
	c.ack(ctx, t.stream, t.msgID)
}

func (c *Consumer) dispatch(ctx context.Context, stream model.StreamKey, ev *model.Event) error {
	switch stream {
	case model.StreamPostCreated:
		var p model.PostCreatedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = ev.CreatedAt
		}
		return c.dispatcher.OnPostCreated(ctx, p.PostID, p.AuthorID, createdAt)
	case model.StreamPostDeleted:
		var p model.PostDeletedPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		// an early delete for a post we never fanned out is a no-op
		return c.dispatcher.OnPostDeleted(ctx, p.PostID)
	case model.StreamFollowAccepted:
		var p model.FollowPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.dispatcher.OnFollowAccepted(ctx, p.FollowerID, p.FolloweeID)
	case model.StreamFollowRemoved:
		var p model.FollowPayload
		if err := ev.DecodePayload(&p); err != nil {
			return err
		}
		return c.dispatcher.OnFollowRemoved(ctx, p.FollowerID, p.FolloweeID)
	}
	return fmt.Errorf("unknown stream %q", stream)
}

func (c *Consumer) deadLetter(ctx context.Context, t task, cause error) {
	sentry.CaptureException(fmt.Errorf("dead-lettering %s/%s: %w", t.stream, t.msgID, cause))
	values := t.ev.Values()
	values["origin_stream"] = t.stream.String()
	values["origin_id"] = t.msgID
	values["error"] = cause.Error()
	if err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: model.StreamDeadLetter.String(),
		Values: values,
	}).Err(); err != nil {
		logger.Error("dead-letter write failed", zap.String("id", t.msgID), zap.Error(err))
	}
}

func (c *Consumer) ack(ctx context.Context, stream model.StreamKey, msgID string) {
	if err := c.client.XAck(ctx, stream.String(), c.group, msgID).Err(); err != nil {
		logger.Warn("ack failed", zap.String("stream", stream.String()), zap.String("id", msgID), zap.Error(err))
	}
}
