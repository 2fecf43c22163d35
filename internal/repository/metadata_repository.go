package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/newsfeed/internal/model"
)

type MetadataRepository interface {
	Get(ctx context.Context, userID int64) (*model.FeedMetadata, error)
	// SetRebuilt records a completed rebuild and clears the stale flag.
	SetRebuilt(ctx context.Context, userID int64, totalItems int64) error
	MarkStale(ctx context.Context, userID int64) error
}

type metadataRepository struct{ db *gorm.DB }

func NewMetadataRepository(db *gorm.DB) MetadataRepository { return &metadataRepository{db: db} }

// Get returns nil, nil when the viewer has no metadata row yet.
func (r *metadataRepository) Get(ctx context.Context, userID int64) (*model.FeedMetadata, error) {
	var md model.FeedMetadata
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&md).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &md, nil
}

func (r *metadataRepository) SetRebuilt(ctx context.Context, userID int64, totalItems int64) error {
	md := &model.FeedMetadata{
		UserID:        userID,
		LastRebuiltAt: time.Now(),
		TotalItems:    totalItems,
		IsStale:       false,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_rebuilt_at", "total_items", "is_stale"}),
		}).
		Create(md).Error
}

func (r *metadataRepository) MarkStale(ctx context.Context, userID int64) error {
	md := &model.FeedMetadata{UserID: userID, IsStale: true}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"is_stale": true}),
		}).
		Create(md).Error
}
