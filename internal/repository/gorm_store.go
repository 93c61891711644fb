package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/database"
)

// GormStore keeps edges and counters in one SQL database so that a follow
// or unfollow commits as a single transaction.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewGormStore creates a store over db. A nil clock defaults to time.Now.
func NewGormStore(db *gorm.DB, now func() time.Time) *GormStore {
	if now == nil {
		now = time.Now
	}
	return &GormStore{db: db, now: now}
}

// Migrate creates or updates the follows and user_stats tables.
func Migrate(db *gorm.DB) error {
	return database.AutoMigrate(db, &domain.EdgeModel{}, &domain.CounterModel{})
}

func (s *GormStore) Edges() EdgeStore {
	return NewGormEdgeRepository(s.db, s.now)
}

func (s *GormStore) Counters() CounterStore {
	return NewGormCounterRepository(s.db, s.now)
}

// Atomic runs fn inside one database transaction. The stores handed to fn
// are bound to that transaction; any error returned by fn rolls back every
// write made through them.
func (s *GormStore) Atomic(ctx context.Context, fn TxFunc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormEdgeRepository(tx, s.now), NewGormCounterRepository(tx, s.now))
	})
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Ensure interface is satisfied at compile time.
var _ Store = (*GormStore)(nil)
