package repository

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
)

// GormEdgeRepository implements EdgeStore using GORM.
type GormEdgeRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormEdgeRepository creates a new GORM-backed edge repository.
func NewGormEdgeRepository(db *gorm.DB, now func() time.Time) *GormEdgeRepository {
	if now == nil {
		now = time.Now
	}
	return &GormEdgeRepository{db: db, now: now}
}

// InsertEdge creates a follow edge. The (follower, following) unique index
// decides races: the losing insert gets ErrDuplicateEdge.
func (r *GormEdgeRepository) InsertEdge(ctx context.Context, followerID, followingID string) (*domain.Edge, error) {
	if followerID == followingID {
		return nil, ErrSelfReference
	}

	model := domain.EdgeModel{
		// ULIDs sort by creation time, which keeps the id tie-break stable.
		ID:          ulid.Make().String(),
		FollowerID:  followerID,
		FollowingID: followingID,
		CreatedAt:   r.now().UTC().Truncate(time.Microsecond),
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, ErrDuplicateEdge
		case isCheckViolation(err):
			return nil, ErrSelfReference
		}
		return nil, err
	}

	edge := model.ToDomain()
	return &edge, nil
}

// DeleteEdge removes a follow edge and returns what was removed.
func (r *GormEdgeRepository) DeleteEdge(ctx context.Context, followerID, followingID string) (*domain.Edge, error) {
	db := r.db.WithContext(ctx)

	var model domain.EdgeModel
	err := db.Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Limit(1).
		Find(&model).Error
	if err != nil {
		return nil, err
	}
	if model.ID == "" {
		return nil, ErrEdgeNotFound
	}

	// A concurrent unfollow may have removed the row since the read above;
	// only the caller whose delete hits the row owns the counter decrement.
	result := db.Where("id = ?", model.ID).Delete(&domain.EdgeModel{})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrEdgeNotFound
	}

	edge := model.ToDomain()
	return &edge, nil
}

// ListByFollowing returns the followers of followingID, newest first.
func (r *GormEdgeRepository) ListByFollowing(ctx context.Context, followingID string, page, pageSize int) ([]domain.Edge, int64, error) {
	return r.list(ctx, "following_id = ?", followingID, page, pageSize)
}

// ListByFollower returns whom followerID follows, newest first.
func (r *GormEdgeRepository) ListByFollower(ctx context.Context, followerID string, page, pageSize int) ([]domain.Edge, int64, error) {
	return r.list(ctx, "follower_id = ?", followerID, page, pageSize)
}

func (r *GormEdgeRepository) list(ctx context.Context, where string, id string, page, pageSize int) ([]domain.Edge, int64, error) {
	page, pageSize = NormalizePage(page, pageSize, MaxPageSize)
	db := r.db.WithContext(ctx)

	var total int64
	if err := db.Model(&domain.EdgeModel{}).Where(where, id).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var models []domain.EdgeModel
	err := db.Where(where, id).
		Order("created_at DESC").
		Order("id DESC").
		Limit(pageSize).
		Offset((page - 1) * pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	edges := make([]domain.Edge, 0, len(models))
	for i := range models {
		edges = append(edges, models[i].ToDomain())
	}
	return edges, total, nil
}

// CountByFollowing counts live edges pointing at followingID.
func (r *GormEdgeRepository) CountByFollowing(ctx context.Context, followingID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.EdgeModel{}).
		Where("following_id = ?", followingID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// CountByFollower counts live edges starting at followerID.
func (r *GormEdgeRepository) CountByFollower(ctx context.Context, followerID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.EdgeModel{}).
		Where("follower_id = ?", followerID).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// IsFollowing checks if followerID follows followingID.
func (r *GormEdgeRepository) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.EdgeModel{}).
		Where("follower_id = ? AND following_id = ?", followerID, followingID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// BatchIsFollowing checks if followerID follows each of the targetIDs.
func (r *GormEdgeRepository) BatchIsFollowing(ctx context.Context, followerID string, targetIDs []string) (map[string]bool, error) {
	result := make(map[string]bool, len(targetIDs))
	for _, id := range targetIDs {
		result[id] = false
	}

	if len(targetIDs) == 0 {
		return result, nil
	}

	var models []domain.EdgeModel
	err := r.db.WithContext(ctx).
		Where("follower_id = ? AND following_id IN ?", followerID, targetIDs).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	for _, m := range models {
		result[m.FollowingID] = true
	}
	return result, nil
}

// Ensure interface is satisfied at compile time.
var _ EdgeStore = (*GormEdgeRepository)(nil)
