package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
)

// GormCounterRepository implements CounterStore using GORM.
type GormCounterRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormCounterRepository creates a new GORM-backed counter repository.
func NewGormCounterRepository(db *gorm.DB, now func() time.Time) *GormCounterRepository {
	if now == nil {
		now = time.Now
	}
	return &GormCounterRepository{db: db, now: now}
}

// CreateCounterRow inserts a zeroed counter row for entityID.
func (r *GormCounterRepository) CreateCounterRow(ctx context.Context, entityID string) error {
	now := r.now().UTC()
	model := domain.CounterModel{
		EntityID:  entityID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrCounterExists
		}
		return err
	}
	return nil
}

// Get returns the counter row for entityID.
func (r *GormCounterRepository) Get(ctx context.Context, entityID string) (*domain.Counter, error) {
	var model domain.CounterModel
	err := r.db.WithContext(ctx).Where("entity_id = ?", entityID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCounterNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// GetForUpdate reads the counter row with a row lock. SQLite has no row
// locks; its writer lock already serializes the transaction.
func (r *GormCounterRepository) GetForUpdate(ctx context.Context, entityID string) (*domain.Counter, error) {
	q := r.db.WithContext(ctx)
	if q.Dialector.Name() != "sqlite" {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var model domain.CounterModel
	err := q.Where("entity_id = ?", entityID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCounterNotFound
		}
		return nil, err
	}
	return model.ToDomain(), nil
}

// IncrementFollowers adds delta to followers_count.
func (r *GormCounterRepository) IncrementFollowers(ctx context.Context, entityID string, delta int64) error {
	return r.increment(ctx, entityID, FieldFollowers, delta)
}

// IncrementFollowing adds delta to following_count.
func (r *GormCounterRepository) IncrementFollowing(ctx context.Context, entityID string, delta int64) error {
	return r.increment(ctx, entityID, FieldFollowing, delta)
}

// increment issues a single guarded UPDATE so concurrent callers never lose
// an update and the column never goes below zero. When no row matches, a
// follow-up read tells a missing row apart from a rejected decrement.
func (r *GormCounterRepository) increment(ctx context.Context, entityID, field string, delta int64) error {
	db := r.db.WithContext(ctx)

	result := db.Model(&domain.CounterModel{}).
		Where("entity_id = ?", entityID).
		Where(fmt.Sprintf("%s + ? >= 0", field), delta).
		UpdateColumns(map[string]interface{}{
			field:        gorm.Expr(fmt.Sprintf("%s + ?", field), delta),
			"updated_at": r.now().UTC(),
		})
	if result.Error != nil {
		if isCheckViolation(result.Error) {
			return &CounterError{EntityID: entityID, Field: field, Delta: delta, Err: ErrNegativeCounter}
		}
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	var model domain.CounterModel
	err := db.Where("entity_id = ?", entityID).Limit(1).Find(&model).Error
	if err != nil {
		return err
	}
	if model.EntityID == "" {
		return &CounterError{EntityID: entityID, Field: field, Delta: delta, Err: ErrCounterNotFound}
	}

	current := model.FollowersCount
	if field == FieldFollowing {
		current = model.FollowingCount
	}
	return &CounterError{EntityID: entityID, Field: field, Current: current, Delta: delta, Err: ErrNegativeCounter}
}

// SetDegrees overwrites both degree counters for entityID.
func (r *GormCounterRepository) SetDegrees(ctx context.Context, entityID string, followers, following int64) error {
	if followers < 0 || following < 0 {
		return &CounterError{EntityID: entityID, Field: FieldFollowers, Err: ErrNegativeCounter}
	}

	result := r.db.WithContext(ctx).Model(&domain.CounterModel{}).
		Where("entity_id = ?", entityID).
		UpdateColumns(map[string]interface{}{
			FieldFollowers: followers,
			FieldFollowing: following,
			"updated_at":   r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &CounterError{EntityID: entityID, Field: FieldFollowers, Err: ErrCounterNotFound}
	}
	return nil
}

// ListEntityIDs pages through counter rows in entity id order, starting
// strictly after afterID.
func (r *GormCounterRepository) ListEntityIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = MaxPageSize
	}

	var ids []string
	err := r.db.WithContext(ctx).Model(&domain.CounterModel{}).
		Where("entity_id > ?", afterID).
		Order("entity_id ASC").
		Limit(limit).
		Pluck("entity_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// Ensure interface is satisfied at compile time.
var _ CounterStore = (*GormCounterRepository)(nil)
