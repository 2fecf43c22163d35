package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/newsfeed/internal/model"
)

// recordingDispatcher captures every handler invocation.
type recordingDispatcher struct {
	mu       sync.Mutex
	created  []string
	deleted  []string
	accepted [][2]int64
	removed  [][2]int64
	fail     bool
}

func (d *recordingDispatcher) OnPostCreated(ctx context.Context, postID string, authorID int64, at time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return fmt.Errorf("handler boom")
	}
	d.created = append(d.created, postID)
	return nil
}

func (d *recordingDispatcher) OnPostDeleted(ctx context.Context, postID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, postID)
	return nil
}

func (d *recordingDispatcher) OnFollowAccepted(ctx context.Context, followerID, followeeID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepted = append(d.accepted, [2]int64{followerID, followeeID})
	return nil
}

func (d *recordingDispatcher) OnFollowRemoved(ctx context.Context, followerID, followeeID int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, [2]int64{followerID, followeeID})
	return nil
}

func (d *recordingDispatcher) createdCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.created)
}

func setupConsumer(t *testing.T, d Dispatcher) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	c := NewConsumer(rdb, d, "newsfeed-service", "test-consumer", 50*time.Millisecond, 1, 10*time.Millisecond, 2)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() {
		cancel()
		c.Wait()
	})
	return rdb
}

func publish(t *testing.T, rdb *redis.Client, stream model.StreamKey, eventType model.EventType, payload interface{}) {
	t.Helper()
	ev, err := model.NewEvent(eventType, "test", payload)
	require.NoError(t, err)
	require.NoError(t, rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream.String(),
		Values: ev.Values(),
	}).Err())
}

func TestConsumerDispatchesAllTopics(t *testing.T) {
	d := &recordingDispatcher{}
	rdb := setupConsumer(t, d)

	publish(t, rdb, model.StreamPostCreated, model.EventPostCreated,
		model.PostCreatedPayload{PostID: "p1", AuthorID: 9, CreatedAt: time.Now()})
	publish(t, rdb, model.StreamPostDeleted, model.EventPostDeleted,
		model.PostDeletedPayload{PostID: "p0", AuthorID: 9})
	publish(t, rdb, model.StreamFollowAccepted, model.EventFollowAccepted,
		model.FollowPayload{FollowerID: 1, FolloweeID: 2})
	publish(t, rdb, model.StreamFollowRemoved, model.EventFollowRemoved,
		model.FollowPayload{FollowerID: 1, FolloweeID: 3})

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.created) == 1 && len(d.deleted) == 1 && len(d.accepted) == 1 && len(d.removed) == 1
	}, 3*time.Second, 20*time.Millisecond)

	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, []string{"p1"}, d.created)
	require.Equal(t, []string{"p0"}, d.deleted)
	require.Equal(t, [2]int64{1, 2}, d.accepted[0])
	require.Equal(t, [2]int64{1, 3}, d.removed[0])
}

func TestConsumerSkipsMalformedEvents(t *testing.T) {
	d := &recordingDispatcher{}
	rdb := setupConsumer(t, d)
	ctx := context.Background()

	// garbage entry first, then a valid one: the loop must survive
	require.NoError(t, rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: model.StreamPostCreated.String(),
		Values: map[string]interface{}{"noise": "yes"},
	}).Err())
	publish(t, rdb, model.StreamPostCreated, model.EventPostCreated,
		model.PostCreatedPayload{PostID: "after-garbage", AuthorID: 9, CreatedAt: time.Now()})

	require.Eventually(t, func() bool { return d.createdCount() == 1 }, 3*time.Second, 20*time.Millisecond)
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Equal(t, []string{"after-garbage"}, d.created)
}

func TestConsumerDeadLettersAfterRetries(t *testing.T) {
	d := &recordingDispatcher{fail: true}
	rdb := setupConsumer(t, d)
	ctx := context.Background()

	publish(t, rdb, model.StreamPostCreated, model.EventPostCreated,
		model.PostCreatedPayload{PostID: "poison", AuthorID: 9, CreatedAt: time.Now()})

	require.Eventually(t, func() bool {
		n, err := rdb.XLen(ctx, model.StreamDeadLetter.String()).Result()
		return err == nil && n == 1
	}, 3*time.Second, 20*time.Millisecond)

	msgs, err := rdb.XRange(ctx, model.StreamDeadLetter.String(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.StreamPostCreated.String(), msgs[0].Values["origin_stream"])
	require.NotEmpty(t, msgs[0].Values["error"])
}

func TestPublisherFeedUpdated(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	p := NewPublisher(rdb, "newsfeed-service")
	p.FeedUpdated(ctx, 42)

	msgs, err := rdb.XRange(ctx, model.StreamFeedUpdated.String(), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	ev, err := model.EventFromValues(msgs[0].Values)
	require.NoError(t, err)
	require.Equal(t, model.EventFeedUpdated, ev.EventType)

	var payload model.FeedUpdatedPayload
	require.NoError(t, ev.DecodePayload(&payload))
	require.EqualValues(t, 42, payload.UserID)
	require.False(t, payload.Timestamp.IsZero())
}

func TestPublisherFailureIsSwallowed(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	mr.Close()

	// must not panic or error out
	NewPublisher(rdb, "newsfeed-service").FeedUpdated(context.Background(), 42)
}
