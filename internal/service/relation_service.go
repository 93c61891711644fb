package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/wes-io-live/relation-service/internal/audit"
	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relation-service/internal/repository"
	"github.com/weiawesome/wes-io-live/relation-service/internal/store"
	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/pubsub"
)

const defaultPageSize = 20

// relationService implements RelationService.
type relationService struct {
	store     repository.Store
	cache     store.CounterCache
	publisher pubsub.Publisher
	cfg       Config
}

// NewRelationService creates a new RelationService instance.
// cache and publisher may be nil.
func NewRelationService(st repository.Store, cache store.CounterCache, publisher pubsub.Publisher, cfg Config) RelationService {
	if cache == nil {
		cache = store.NoopCounterCache{}
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = defaultPageSize
	}
	return &relationService{
		store:     st,
		cache:     cache,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Follow creates the edge followerID -> followingID and bumps both degree
// counters in one transaction.
func (s *relationService) Follow(ctx context.Context, followerID, followingID string) (domain.Outcome, error) {
	l := pkglog.Ctx(ctx)

	if followerID == "" || followingID == "" {
		return domain.OutcomeError, ErrInvalidEntityID
	}
	if followerID == followingID {
		return domain.OutcomeError, ErrSelfFollow
	}

	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	var edge *domain.Edge
	err := s.store.Atomic(txCtx, func(edges repository.EdgeStore, counters repository.CounterStore) error {
		e, err := edges.InsertEdge(txCtx, followerID, followingID)
		if err != nil {
			return err
		}
		edge = e
		return applyDegrees(txCtx, counters, followerID, followingID, 1)
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEdge) {
			logOutcome(ctx, followerID, followingID, domain.OutcomeAlreadyFollowing)
			return domain.OutcomeAlreadyFollowing, nil
		}
		err = s.classify(txCtx, err)
		l.Error().Err(err).
			Str(pkglog.FieldFollowerID, followerID).
			Str(pkglog.FieldFollowingID, followingID).
			Msg("failed to follow")
		return domain.OutcomeError, err
	}

	audit.Log(ctx, audit.ActionFollow, followerID, followingID, "followed")
	s.afterCommit(ctx, pubsub.EventEdgeCreated, edge)
	logOutcome(ctx, followerID, followingID, domain.OutcomeFollowed)
	return domain.OutcomeFollowed, nil
}

// Unfollow removes the edge followerID -> followingID and decrements both
// degree counters in one transaction.
func (s *relationService) Unfollow(ctx context.Context, followerID, followingID string) (domain.Outcome, error) {
	l := pkglog.Ctx(ctx)

	if followerID == "" || followingID == "" {
		return domain.OutcomeError, ErrInvalidEntityID
	}
	if followerID == followingID {
		// No such edge can exist.
		return domain.OutcomeNotFollowing, nil
	}

	txCtx, cancel := s.txContext(ctx)
	defer cancel()

	var edge *domain.Edge
	err := s.store.Atomic(txCtx, func(edges repository.EdgeStore, counters repository.CounterStore) error {
		e, err := edges.DeleteEdge(txCtx, followerID, followingID)
		if err != nil {
			return err
		}
		edge = e
		return applyDegrees(txCtx, counters, followerID, followingID, -1)
	})
	if err != nil {
		if errors.Is(err, repository.ErrEdgeNotFound) {
			logOutcome(ctx, followerID, followingID, domain.OutcomeNotFollowing)
			return domain.OutcomeNotFollowing, nil
		}
		err = s.classify(txCtx, err)
		l.Error().Err(err).
			Str(pkglog.FieldFollowerID, followerID).
			Str(pkglog.FieldFollowingID, followingID).
			Msg("failed to unfollow")
		return domain.OutcomeError, err
	}

	audit.Log(ctx, audit.ActionUnfollow, followerID, followingID, "unfollowed")
	s.afterCommit(ctx, pubsub.EventEdgeDeleted, edge)
	logOutcome(ctx, followerID, followingID, domain.OutcomeUnfollowed)
	return domain.OutcomeUnfollowed, nil
}

func logOutcome(ctx context.Context, followerID, followingID string, outcome domain.Outcome) {
	l := pkglog.Ctx(ctx)
	l.Debug().
		Str(pkglog.FieldFollowerID, followerID).
		Str(pkglog.FieldFollowingID, followingID).
		Str(pkglog.FieldOutcome, string(outcome)).
		Msg("relation updated")
}

// applyDegrees moves followingCount of followerID and followersCount of
// followingID by delta. Rows are touched in ascending id order so two
// transactions on the same pair of entities never lock in opposite order.
func applyDegrees(ctx context.Context, counters repository.CounterStore, followerID, followingID string, delta int64) error {
	if followerID < followingID {
		if err := counters.IncrementFollowing(ctx, followerID, delta); err != nil {
			return err
		}
		return counters.IncrementFollowers(ctx, followingID, delta)
	}
	if err := counters.IncrementFollowers(ctx, followingID, delta); err != nil {
		return err
	}
	return counters.IncrementFollowing(ctx, followerID, delta)
}

// classify maps a failed atomic unit onto the service error taxonomy.
func (s *relationService) classify(ctx context.Context, err error) error {
	var cerr *repository.CounterError
	switch {
	case errors.Is(err, repository.ErrSelfReference):
		return ErrSelfFollow
	case errors.Is(err, repository.ErrCounterNotFound):
		entityID := ""
		if errors.As(err, &cerr) {
			entityID = cerr.EntityID
		}
		return fmt.Errorf("%w: %s", ErrEntityNotProvisioned, entityID)
	case errors.Is(err, repository.ErrNegativeCounter):
		if errors.As(err, &cerr) {
			l := pkglog.Ctx(ctx)
			l.Error().
				Str(pkglog.FieldEntityID, cerr.EntityID).
				Str(pkglog.FieldCounter, cerr.Field).
				Int64("current", cerr.Current).
				Int64("delta", cerr.Delta).
				Msg("counter would go negative, write refused")
		}
		return fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	case repository.IsTransient(err), ctx.Err() != nil:
		return fmt.Errorf("%w: %v", ErrTransientStorage, err)
	}
	return err
}

func (s *relationService) txContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.TxTimeout > 0 {
		return context.WithTimeout(ctx, s.cfg.TxTimeout)
	}
	return context.WithCancel(ctx)
}

// afterCommit invalidates the cached counters of both entities and publishes
// the edge event. Both are best-effort: the mutation is already durable and
// is never rolled back here.
func (s *relationService) afterCommit(ctx context.Context, eventType string, edge *domain.Edge) {
	ctx = context.WithoutCancel(ctx)
	l := pkglog.Ctx(ctx)

	if err := s.cache.Invalidate(ctx, edge.FollowerID, edge.FollowingID); err != nil {
		l.Warn().Err(err).
			Str(pkglog.FieldFollowerID, edge.FollowerID).
			Str(pkglog.FieldFollowingID, edge.FollowingID).
			Msg("failed to invalidate cached stats")
	}

	if s.publisher == nil {
		return
	}

	occurredAt := edge.CreatedAt
	if eventType == pubsub.EventEdgeDeleted {
		occurredAt = time.Now()
	}
	event, err := pubsub.NewEvent(eventType, edge.ID, pubsub.EdgeEventPayload{
		EdgeID:      edge.ID,
		FollowerID:  edge.FollowerID,
		FollowingID: edge.FollowingID,
		OccurredAt:  occurredAt.UnixMilli(),
	})
	if err != nil {
		l.Error().Err(err).Str(pkglog.FieldEdgeID, edge.ID).Msg("failed to build edge event")
		return
	}
	if err := s.publisher.Publish(ctx, pubsub.EdgeEventsChannel(edge.FollowingID), event); err != nil {
		l.Warn().Err(err).
			Str(pkglog.FieldEdgeID, edge.ID).
			Str("event_type", eventType).
			Msg("failed to publish edge event")
	}
}

// GetFollowers lists the entities following entityID, newest first.
func (s *relationService) GetFollowers(ctx context.Context, entityID string, page, pageSize int) (*domain.EdgePage, error) {
	page, pageSize = repository.NormalizePage(page, pageSize, s.cfg.DefaultPageSize)
	edges, total, err := s.store.Edges().ListByFollowing(ctx, entityID, page, pageSize)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	return domain.NewEdgePage(edges, page, pageSize, total), nil
}

// GetFollowing lists the entities entityID follows, newest first.
func (s *relationService) GetFollowing(ctx context.Context, entityID string, page, pageSize int) (*domain.EdgePage, error) {
	page, pageSize = repository.NormalizePage(page, pageSize, s.cfg.DefaultPageSize)
	edges, total, err := s.store.Edges().ListByFollower(ctx, entityID, page, pageSize)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	return domain.NewEdgePage(edges, page, pageSize, total), nil
}

// GetStats returns the counters for entityID.
// It checks Redis first; on miss it queries the DB, populates Redis, and records a hot key access.
func (s *relationService) GetStats(ctx context.Context, entityID string) (*domain.Counter, error) {
	l := pkglog.Ctx(ctx)

	// Always record access for hot key tracking (best-effort)
	if err := s.cache.RecordAccess(ctx, entityID); err != nil {
		l.Warn().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("failed to record hot key access")
	}

	return s.readThrough(ctx, entityID)
}

// RefreshStats drops the cached counters for entityID and reloads them from
// the database.
func (s *relationService) RefreshStats(ctx context.Context, entityID string) (*domain.Counter, error) {
	if err := s.cache.Invalidate(ctx, entityID); err != nil {
		l := pkglog.Ctx(ctx)
		l.Warn().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("failed to invalidate cached stats")
	}
	return s.readThrough(ctx, entityID)
}

func (s *relationService) readThrough(ctx context.Context, entityID string) (*domain.Counter, error) {
	l := pkglog.Ctx(ctx)

	cached, token, cacheErr := s.cache.GetStats(ctx, entityID)
	if cacheErr != nil {
		l.Warn().Err(cacheErr).Str(pkglog.FieldEntityID, entityID).Msg("redis get stats failed, falling back to db")
	}
	if cached != nil {
		return cached, nil
	}

	counter, err := s.store.Counters().Get(ctx, entityID)
	if err != nil {
		if errors.Is(err, repository.ErrCounterNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotProvisioned, entityID)
		}
		l.Error().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("failed to get stats from db")
		return nil, s.classify(ctx, err)
	}

	// Without a token from a successful read the fill could race an invalidation.
	if cacheErr == nil {
		if _, err := s.cache.FillStats(ctx, counter, token); err != nil {
			l.Warn().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("failed to set stats in redis")
		}
	}
	return counter, nil
}

// IsFollowing reports whether followerID follows followingID.
func (s *relationService) IsFollowing(ctx context.Context, followerID, followingID string) (bool, error) {
	ok, err := s.store.Edges().IsFollowing(ctx, followerID, followingID)
	if err != nil {
		return false, s.classify(ctx, err)
	}
	return ok, nil
}

// BatchIsFollowing checks whether followerID follows each of the given targetIDs.
func (s *relationService) BatchIsFollowing(ctx context.Context, followerID string, targetIDs []string) (map[string]bool, error) {
	result, err := s.store.Edges().BatchIsFollowing(ctx, followerID, targetIDs)
	if err != nil {
		return nil, s.classify(ctx, err)
	}
	return result, nil
}

// ProvisionCounter creates the zeroed counter row for a new entity.
// It reports false when the row already existed.
func (s *relationService) ProvisionCounter(ctx context.Context, entityID string) (bool, error) {
	if entityID == "" {
		return false, ErrInvalidEntityID
	}

	err := s.store.Counters().CreateCounterRow(ctx, entityID)
	if err != nil {
		if errors.Is(err, repository.ErrCounterExists) {
			return false, nil
		}
		l := pkglog.Ctx(ctx)
		l.Error().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("failed to provision counter")
		return false, s.classify(ctx, err)
	}

	audit.Log(ctx, audit.ActionProvision, entityID, entityID, "counter provisioned")
	return true, nil
}

// Reconcile recomputes both degrees of entityID from the edge set and
// compares them with the stored counter. The counter row is locked for the
// duration so no follow or unfollow on this entity interleaves with the count.
func (s *relationService) Reconcile(ctx context.Context, entityID string) (*domain.Drift, error) {
	l := pkglog.Ctx(ctx)

	var drift domain.Drift
	err := s.store.Atomic(ctx, func(edges repository.EdgeStore, counters repository.CounterStore) error {
		counter, err := counters.GetForUpdate(ctx, entityID)
		if err != nil {
			return err
		}
		followers, err := edges.CountByFollowing(ctx, entityID)
		if err != nil {
			return err
		}
		following, err := edges.CountByFollower(ctx, entityID)
		if err != nil {
			return err
		}

		drift = domain.Drift{
			EntityID:        entityID,
			StoredFollowers: counter.FollowersCount,
			ActualFollowers: followers,
			StoredFollowing: counter.FollowingCount,
			ActualFollowing: following,
		}
		if !drift.Detected() || !s.cfg.Repair {
			return nil
		}
		if err := counters.SetDegrees(ctx, entityID, followers, following); err != nil {
			return err
		}
		drift.Repaired = true
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrCounterNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotProvisioned, entityID)
		}
		return nil, s.classify(ctx, err)
	}

	if !drift.Detected() {
		return &drift, nil
	}

	l.Error().
		Str(pkglog.FieldEntityID, entityID).
		Int64("stored_followers", drift.StoredFollowers).
		Int64("actual_followers", drift.ActualFollowers).
		Int64("stored_following", drift.StoredFollowing).
		Int64("actual_following", drift.ActualFollowing).
		Bool("repaired", drift.Repaired).
		Msg("counter drift detected")

	if !drift.Repaired {
		return &drift, fmt.Errorf("%w: %s", ErrInvariantViolation, entityID)
	}

	audit.LogWithDetail(ctx, audit.ActionRepair, "reconciler", entityID,
		fmt.Sprintf("followers %d->%d following %d->%d",
			drift.StoredFollowers, drift.ActualFollowers, drift.StoredFollowing, drift.ActualFollowing),
		"counter repaired")
	if err := s.cache.Invalidate(context.WithoutCancel(ctx), entityID); err != nil {
		l.Warn().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("failed to invalidate cached stats")
	}
	return &drift, nil
}

// ReconcileAll sweeps every counter row in entity id order, reconciling up
// to concurrency rows at a time.
func (s *relationService) ReconcileAll(ctx context.Context, batchSize, concurrency int) (*domain.ReconcileReport, error) {
	l := pkglog.Ctx(ctx)

	if batchSize <= 0 {
		batchSize = repository.MaxPageSize
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	report := &domain.ReconcileReport{Drifted: []domain.Drift{}}
	var mu sync.Mutex

	after := ""
	for {
		ids, err := s.store.Counters().ListEntityIDs(ctx, after, batchSize)
		if err != nil {
			return report, s.classify(ctx, err)
		}
		if len(ids) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, id := range ids {
			g.Go(func() error {
				drift, err := s.Reconcile(gctx, id)

				mu.Lock()
				defer mu.Unlock()
				report.Checked++
				if drift != nil && drift.Detected() {
					report.Drifted = append(report.Drifted, *drift)
				}
				if err != nil && !errors.Is(err, ErrInvariantViolation) {
					report.Failures++
					l.Error().Err(err).Str(pkglog.FieldEntityID, id).Msg("reconcile failed")
				}
				// Per-entity failures are counted, not fatal to the sweep.
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return report, err
		}
		after = ids[len(ids)-1]
	}

	l.Info().
		Int("checked", report.Checked).
		Int("drifted", len(report.Drifted)).
		Int("failures", report.Failures).
		Msg("reconcile sweep complete")
	return report, nil
}

// Ensure interface is satisfied at compile time.
var _ RelationService = (*relationService)(nil)
