package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// StreamKey represents a Redis Stream key.
type StreamKey string

// Streams consumed and produced by this service.
const (
	StreamPostCreated    StreamKey = "events:post.created"
	StreamPostDeleted    StreamKey = "events:post.deleted"
	StreamFollowAccepted StreamKey = "events:follow.accepted"
	StreamFollowRemoved  StreamKey = "events:follow.removed"
	StreamFeedUpdated    StreamKey = "events:feed.updated"
	StreamDeadLetter     StreamKey = "events:newsfeed.dlq"
)

func (s StreamKey) String() string { return string(s) }

// InboundStreams lists every stream the consumer group subscribes to.
func InboundStreams() []StreamKey {
	return []StreamKey{StreamPostCreated, StreamPostDeleted, StreamFollowAccepted, StreamFollowRemoved}
}

// EventType identifies the kind of payload carried by an event.
type EventType string

const (
	EventPostCreated    EventType = "post_created"
	EventPostDeleted    EventType = "post_deleted"
	EventFollowAccepted EventType = "follow_accepted"
	EventFollowRemoved  EventType = "follow_removed"
	EventFeedUpdated    EventType = "feed_updated"
)

// Event is the stream envelope. Payload holds the type-specific JSON.
type Event struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
	Payload   []byte    `json:"payload"`
}

// NewEvent wraps a payload struct in an envelope with a fresh UUID.
func NewEvent(eventType EventType, source string, payload interface{}) (*Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Source:    source,
		CreatedAt: time.Now(),
		Payload:   raw,
	}, nil
}

// Validate checks the envelope fields required for publishing.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.EventType == "" {
		return errors.New("event_type is required")
	}
	if e.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	return nil
}

// Values encodes the envelope as Redis Stream field/value pairs.
func (e *Event) Values() map[string]interface{} {
	return map[string]interface{}{
		"event_id":   e.EventID,
		"event_type": string(e.EventType),
		"source":     e.Source,
		"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		"payload":    string(e.Payload),
	}
}

// EventFromValues decodes a stream entry back into an envelope.
func EventFromValues(values map[string]interface{}) (*Event, error) {
	ev := &Event{}
	if s, ok := values["event_id"].(string); ok {
		ev.EventID = s
	}
	if s, ok := values["event_type"].(string); ok {
		ev.EventType = EventType(s)
	}
	if s, ok := values["source"].(string); ok {
		ev.Source = s
	}
	if s, ok := values["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			ev.CreatedAt = t
		}
	}
	if s, ok := values["payload"].(string); ok {
		ev.Payload = []byte(s)
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// PostCreatedPayload 内容创建事件
type PostCreatedPayload struct {
	PostID    string    `json:"post_id"`
	AuthorID  int64     `json:"author_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PostDeletedPayload 内容删除事件
type PostDeletedPayload struct {
	PostID   string `json:"post_id"`
	AuthorID int64  `json:"author_id"`
}

// FollowPayload 关系变更事件（accepted / removed 共用）
type FollowPayload struct {
	FollowerID int64 `json:"follower_id"`
	FolloweeID int64 `json:"followee_id"`
}

// FeedUpdatedPayload feed 变更通知（尽力而为）
type FeedUpdatedPayload struct {
	UserID    int64     `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// DecodePayload unmarshals the envelope payload into out.
func (e *Event) DecodePayload(out interface{}) error {
	if len(e.Payload) == 0 {
		return errors.New("empty payload")
	}
	return json.Unmarshal(e.Payload, out)
}
