package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/newsfeed/internal/model"
)

// rankOrder is the retrieval order for every feed read: score first, then
// recency, post_id as the deterministic tiebreak.
const rankOrder = "score DESC, post_created_at DESC, post_id DESC"

type FeedRepository interface {
	// UpsertBatch inserts items, ignoring (user_id, post_id) duplicates.
	UpsertBatch(ctx context.Context, items []*model.FeedItem) error
	// Page returns one page of a viewer's feed in rank order.
	Page(ctx context.Context, userID int64, offset, limit int) ([]*model.FeedItem, error)
	Count(ctx context.Context, userID int64) (int64, error)
	// Trim deletes rows ranked beyond max for the viewer. Count is taken
	// after the preceding upsert, never assumed from pre-upsert state.
	Trim(ctx context.Context, userID int64, max int) (int64, error)
	Remove(ctx context.Context, userID int64, postID string) error
	// RemoveByPost deletes the post from every feed; returns affected viewers.
	RemoveByPost(ctx context.Context, postID string) ([]int64, error)
	// RemoveByAuthor deletes all of one author's rows from a viewer's feed.
	RemoveByAuthor(ctx context.Context, userID, authorID int64) (int64, error)
	// AuthorsWithItems reports which of the given authors have at least one
	// row in the viewer's feed.
	AuthorsWithItems(ctx context.Context, userID int64, authorIDs []int64) (map[int64]bool, error)
	// ReplaceForUser swaps the viewer's feed for the given ranked set, in a
	// transaction. Used by rebuild.
	ReplaceForUser(ctx context.Context, userID int64, items []*model.FeedItem) error
	UpdateScore(ctx context.Context, userID int64, postID string, score float64) error
}

type feedRepository struct{ db *gorm.DB }

func NewFeedRepository(db *gorm.DB) FeedRepository { return &feedRepository{db: db} }

func (r *feedRepository) UpsertBatch(ctx context.Context, items []*model.FeedItem) error {
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
	}
	// 幂等：重复 (user, post) 不报错
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "post_id"}},
			DoNothing: true,
		}).
		CreateInBatches(items, 500).Error
}

func (r *feedRepository) Page(ctx context.Context, userID int64, offset, limit int) ([]*model.FeedItem, error) {
	var res []*model.FeedItem
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order(rankOrder).
		Offset(offset).Limit(limit).
		Find(&res).Error
	return res, err
}

func (r *feedRepository) Count(ctx context.Context, userID int64) (int64, error) {
	var cnt int64
	err := r.db.WithContext(ctx).Model(&model.FeedItem{}).Where("user_id = ?", userID).Count(&cnt).Error
	return cnt, err
}

func (r *feedRepository) Trim(ctx context.Context, userID int64, max int) (int64, error) {
	// select-then-delete keeps this portable between postgres and the
	// sqlite used in tests
	var ids []string
	if err := r.db.WithContext(ctx).
		Model(&model.FeedItem{}).
		Select("id").
		Where("user_id = ?", userID).
		Order(rankOrder).
		Offset(max).Limit(10000).
		Scan(&ids).Error; err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&model.FeedItem{})
	return res.RowsAffected, res.Error
}

func (r *feedRepository) Remove(ctx context.Context, userID int64, postID string) error {
	return r.db.WithContext(ctx).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Delete(&model.FeedItem{}).Error
}

func (r *feedRepository) RemoveByPost(ctx context.Context, postID string) ([]int64, error) {
	var userIDs []int64
	if err := r.db.WithContext(ctx).
		Model(&model.FeedItem{}).
		Select("user_id").
		Where("post_id = ?", postID).
		Scan(&userIDs).Error; err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		return nil, nil
	}
	if err := r.db.WithContext(ctx).Where("post_id = ?", postID).Delete(&model.FeedItem{}).Error; err != nil {
		return nil, err
	}
	return userIDs, nil
}

func (r *feedRepository) RemoveByAuthor(ctx context.Context, userID, authorID int64) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("user_id = ? AND author_id = ?", userID, authorID).
		Delete(&model.FeedItem{})
	return res.RowsAffected, res.Error
}

func (r *feedRepository) AuthorsWithItems(ctx context.Context, userID int64, authorIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(authorIDs))
	if len(authorIDs) == 0 {
		return out, nil
	}
	var present []int64
	err := r.db.WithContext(ctx).
		Model(&model.FeedItem{}).
		Distinct("author_id").
		Where("user_id = ? AND author_id IN ?", userID, authorIDs).
		Pluck("author_id", &present).Error
	if err != nil {
		return nil, err
	}
	for _, id := range present {
		out[id] = true
	}
	return out, nil
}

func (r *feedRepository) ReplaceForUser(ctx context.Context, userID int64, items []*model.FeedItem) error {
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.New().String()
		}
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&model.FeedItem{}).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "post_id"}},
			DoNothing: true,
		}).CreateInBatches(items, 500).Error
	})
}

func (r *feedRepository) UpdateScore(ctx context.Context, userID int64, postID string, score float64) error {
	return r.db.WithContext(ctx).
		Model(&model.FeedItem{}).
		Where("user_id = ? AND post_id = ?", userID, postID).
		Update("score", score).Error
}
