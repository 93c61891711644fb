package domain

import (
	"time"
)

// EdgeModel is the GORM model for the follows table.
// One row per live (follower, following) pair; unfollow hard-deletes the row.
type EdgeModel struct {
	ID          string    `gorm:"column:id;type:varchar(26);primaryKey"`
	FollowerID  string    `gorm:"column:follower_id;type:varchar(36);not null;uniqueIndex:uidx_follow_pair,priority:1;index:idx_follows_follower_created,priority:1;check:chk_follows_no_self,follower_id <> following_id"`
	FollowingID string    `gorm:"column:following_id;type:varchar(36);not null;uniqueIndex:uidx_follow_pair,priority:2;index:idx_follows_following_created,priority:1"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index:idx_follows_follower_created,priority:2;index:idx_follows_following_created,priority:2"`
}

func (EdgeModel) TableName() string { return "follows" }

// ToDomain converts EdgeModel to domain Edge.
func (m *EdgeModel) ToDomain() Edge {
	return Edge{
		ID:          m.ID,
		FollowerID:  m.FollowerID,
		FollowingID: m.FollowingID,
		CreatedAt:   m.CreatedAt,
	}
}

// CounterModel is the GORM model for the user_stats table.
type CounterModel struct {
	EntityID       string    `gorm:"column:entity_id;type:varchar(36);primaryKey"`
	FollowersCount int64     `gorm:"column:followers_count;not null;default:0;check:chk_user_stats_followers_nonneg,followers_count >= 0"`
	FollowingCount int64     `gorm:"column:following_count;not null;default:0;check:chk_user_stats_following_nonneg,following_count >= 0"`
	PostsCount     int64     `gorm:"column:posts_count;not null;default:0"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (CounterModel) TableName() string { return "user_stats" }

// ToDomain converts CounterModel to domain Counter.
func (m *CounterModel) ToDomain() *Counter {
	return &Counter{
		EntityID:       m.EntityID,
		FollowersCount: m.FollowersCount,
		FollowingCount: m.FollowingCount,
		PostsCount:     m.PostsCount,
		UpdatedAt:      m.UpdatedAt,
	}
}
