package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
)

var (
	ErrDuplicateEdge   = errors.New("follow relationship already exists")
	ErrSelfReference   = errors.New("follower and following are the same entity")
	ErrEdgeNotFound    = errors.New("follow relationship not found")
	ErrCounterNotFound = errors.New("counter row not found")
	ErrCounterExists   = errors.New("counter row already exists")
	// ErrNegativeCounter means an update would take a counter below zero.
	ErrNegativeCounter = errors.New("counter would become negative")
	ErrTransient       = errors.New("transient storage failure")
)

// MaxPageSize caps listing page sizes.
const MaxPageSize = 100

// Counter fields addressed by CounterError.
const (
	FieldFollowers = "followers_count"
	FieldFollowing = "following_count"
)

// CounterError carries the entity and field an increment failed on.
type CounterError struct {
	EntityID string
	Field    string
	Current  int64
	Delta    int64
	Err      error
}

func (e *CounterError) Error() string {
	return fmt.Sprintf("%s %s (current=%d delta=%d): %v", e.EntityID, e.Field, e.Current, e.Delta, e.Err)
}

func (e *CounterError) Unwrap() error { return e.Err }

// EdgeStore owns follow edges.
type EdgeStore interface {
	InsertEdge(ctx context.Context, followerID, followingID string) (*domain.Edge, error)
	DeleteEdge(ctx context.Context, followerID, followingID string) (*domain.Edge, error)
	ListByFollowing(ctx context.Context, followingID string, page, pageSize int) ([]domain.Edge, int64, error)
	ListByFollower(ctx context.Context, followerID string, page, pageSize int) ([]domain.Edge, int64, error)
	CountByFollowing(ctx context.Context, followingID string) (int64, error)
	CountByFollower(ctx context.Context, followerID string) (int64, error)
	IsFollowing(ctx context.Context, followerID, followingID string) (bool, error)
	BatchIsFollowing(ctx context.Context, followerID string, targetIDs []string) (map[string]bool, error)
}

// CounterStore owns per-entity aggregate counters.
type CounterStore interface {
	CreateCounterRow(ctx context.Context, entityID string) error
	Get(ctx context.Context, entityID string) (*domain.Counter, error)
	// GetForUpdate reads the row and holds its lock until the transaction ends.
	GetForUpdate(ctx context.Context, entityID string) (*domain.Counter, error)
	// IncrementFollowers and IncrementFollowing apply delta as one storage-side
	// update; they never read-modify-write in Go.
	IncrementFollowers(ctx context.Context, entityID string, delta int64) error
	IncrementFollowing(ctx context.Context, entityID string, delta int64) error
	// SetDegrees overwrites both degree counters; reserved for reconciliation.
	SetDegrees(ctx context.Context, entityID string, followers, following int64) error
	ListEntityIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// TxFunc is the body of an atomic unit.
type TxFunc func(edges EdgeStore, counters CounterStore) error

// Store hands out both stores and runs atomic units spanning them.
type Store interface {
	Edges() EdgeStore
	Counters() CounterStore
	// Atomic runs fn in one transaction: every write in fn commits or none does.
	Atomic(ctx context.Context, fn TxFunc) error
}

// NormalizePage clamps page to >= 1 and pageSize to [1, MaxPageSize],
// substituting defaultSize for non-positive sizes.
func NormalizePage(page, pageSize, defaultSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = defaultSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	if pageSize <= 0 {
		pageSize = 1
	}
	return page, pageSize
}
