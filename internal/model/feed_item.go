package model

import "time"

// FeedItem 时间线项（按 user_id 切分）
type FeedItem struct {
	ID     string `gorm:"primaryKey;type:varchar(36)"`
	UserID int64  `gorm:"index:idx_feed_user_rank;uniqueIndex:ux_feed_user_post;not null"`
	PostID string `gorm:"type:varchar(36);index:idx_feed_post;uniqueIndex:ux_feed_user_post;not null"`
	// 复合唯一键，避免重复 (user, post)
	// ux_feed_user_post = (user_id, post_id)
	AuthorID      int64     `gorm:"index:idx_feed_author;not null"`
	PostCreatedAt time.Time `gorm:"index:idx_feed_user_rank;not null"`
	Score         float64   `gorm:"index:idx_feed_user_rank"`
	CreatedAt     time.Time
}

func (FeedItem) TableName() string { return "feed_items" }

// FeedMetadata 每个用户一条 rebuild 元数据
type FeedMetadata struct {
	UserID        int64 `gorm:"primaryKey;autoIncrement:false"`
	LastRebuiltAt time.Time
	TotalItems    int64
	IsStale       bool `gorm:"not null;default:false"`
}

func (FeedMetadata) TableName() string { return "feed_metadata" }
