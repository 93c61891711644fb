package service

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
)

var (
	ErrSelfFollow           = errors.New("cannot follow yourself")
	ErrInvalidEntityID      = errors.New("entity id is required")
	ErrEntityNotProvisioned = errors.New("entity has no counter row")
	ErrInvariantViolation   = errors.New("relationship counter invariant violated")
	ErrTransientStorage     = errors.New("transient storage failure")
)

// Config tunes the relation service.
type Config struct {
	// TxTimeout bounds a single follow/unfollow transaction. Zero disables it.
	TxTimeout       time.Duration
	DefaultPageSize int
	// Repair rewrites drifted counters during reconciliation instead of
	// reporting an invariant violation.
	Repair bool
}

// RelationService keeps follow edges and their degree counters consistent.
// It is the only component that writes both.
type RelationService interface {
	Follow(ctx context.Context, followerID, followingID string) (domain.Outcome, error)
	Unfollow(ctx context.Context, followerID, followingID string) (domain.Outcome, error)
	GetFollowers(ctx context.Context, entityID string, page, pageSize int) (*domain.EdgePage, error)
	GetFollowing(ctx context.Context, entityID string, page, pageSize int) (*domain.EdgePage, error)
	GetStats(ctx context.Context, entityID string) (*domain.Counter, error)
	RefreshStats(ctx context.Context, entityID string) (*domain.Counter, error)
	IsFollowing(ctx context.Context, followerID, followingID string) (bool, error)
	BatchIsFollowing(ctx context.Context, followerID string, targetIDs []string) (map[string]bool, error)
	ProvisionCounter(ctx context.Context, entityID string) (bool, error)
	Reconcile(ctx context.Context, entityID string) (*domain.Drift, error)
	ReconcileAll(ctx context.Context, batchSize, concurrency int) (*domain.ReconcileReport, error)
}
