package reconciler

import (
	"context"
	"errors"
	"time"

	"github.com/weiawesome/wes-io-live/relation-service/internal/config"
	"github.com/weiawesome/wes-io-live/relation-service/internal/domain"
	"github.com/weiawesome/wes-io-live/relation-service/internal/service"
	"github.com/weiawesome/wes-io-live/relation-service/internal/store"
	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
)

// CounterReconciler is the slice of the relation service the reconciler drives.
type CounterReconciler interface {
	Reconcile(ctx context.Context, entityID string) (*domain.Drift, error)
	RefreshStats(ctx context.Context, entityID string) (*domain.Counter, error)
}

// Reconciler periodically checks the most read counters against the edge
// set and refreshes their cached copies.
type Reconciler struct {
	cache  store.CounterCache
	svc    CounterReconciler
	cfg    config.ReconcilerConfig
	quit   chan struct{}
	doneCh chan struct{}
}

// New creates a new Reconciler.
func New(cache store.CounterCache, svc CounterReconciler, cfg config.ReconcilerConfig) *Reconciler {
	return &Reconciler{
		cache:  cache,
		svc:    svc,
		cfg:    cfg,
		quit:   make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the reconciler in a background goroutine.
func (r *Reconciler) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop signals the reconciler to stop and returns immediately.
// Call Done() to wait for it to exit.
func (r *Reconciler) Stop() {
	close(r.quit)
}

// Done returns a channel that is closed when the reconciler has fully stopped.
func (r *Reconciler) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Reconciler) run(ctx context.Context) {
	defer close(r.doneCh)

	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.quit:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce reconciles the current top-N hot keys and resets their scores.
func (r *Reconciler) RunOnce(ctx context.Context) {
	l := pkglog.L()
	l.Info().Msg("reconciler: starting hot-key reconciliation")

	topN := int64(r.cfg.TopN)
	if topN <= 0 {
		topN = 100
	}

	// 1. Fetch top-N hot keys
	entityIDs, err := r.cache.GetTopHotKeys(ctx, topN)
	if err != nil {
		l.Error().Err(err).Msg("reconciler: failed to get top hot keys")
		return
	}

	if len(entityIDs) == 0 {
		l.Info().Msg("reconciler: no hot keys to reconcile")
		return
	}

	// 2. Check each hot counter against the edges, then refresh its cache entry
	drifted := 0
	for _, entityID := range entityIDs {
		drift, err := r.svc.Reconcile(ctx, entityID)
		if drift != nil && drift.Detected() {
			drifted++
		}
		if err != nil {
			if errors.Is(err, service.ErrEntityNotProvisioned) {
				continue
			}
			if !errors.Is(err, service.ErrInvariantViolation) {
				l.Error().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("reconciler: failed to reconcile counter")
				continue
			}
			// Unrepaired drift is already logged; the cache still gets the stored value.
		}
		if _, err := r.svc.RefreshStats(ctx, entityID); err != nil {
			l.Error().Err(err).Str(pkglog.FieldEntityID, entityID).Msg("reconciler: failed to refresh cached stats")
		}
	}

	// 3. Reset hot key scores for the next cycle
	if err := r.cache.ResetHotKeyScores(ctx); err != nil {
		l.Error().Err(err).Msg("reconciler: failed to reset hot key scores")
	}

	l.Info().
		Int("count", len(entityIDs)).
		Int("drifted", drifted).
		Msg("reconciler: hot-key reconciliation complete")
}
