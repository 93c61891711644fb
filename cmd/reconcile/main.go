// Command reconcile sweeps every counter row once, compares it with the edge
// set and, when reconciler.repair is on, rewrites drifted rows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/weiawesome/wes-io-live/relation-service/internal/config"
	"github.com/weiawesome/wes-io-live/relation-service/internal/repository"
	"github.com/weiawesome/wes-io-live/relation-service/internal/service"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/database"
	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
)

// errDriftLeft marks a sweep that finished with drifted rows still unrepaired
// or rows that could not be checked.
var errDriftLeft = errors.New("counters left inconsistent")

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Error().Err(err).Msg("failed to load config")
		return err
	}

	batchSize := flag.Int("batch-size", cfg.Reconciler.BatchSize, "counter rows per page")
	concurrency := flag.Int("concurrency", cfg.Reconciler.Concurrency, "rows reconciled in parallel")
	repair := flag.Bool("repair", cfg.Reconciler.Repair, "rewrite drifted counters")
	flag.Parse()

	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty,
		ServiceName: "relation-reconcile",
		Output:      os.Stderr,
	})
	logger := pkglog.L()

	db, err := database.New(cfg.Database.Database())
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Error().Err(err).Msg("failed to get underlying sql.DB")
		return err
	}
	defer sqlDB.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := service.NewRelationService(repository.NewGormStore(db, nil), nil, nil, service.Config{
		Repair: *repair,
	})
	return sweep(ctx, logger, svc, *batchSize, *concurrency)
}

func sweep(ctx context.Context, logger zerolog.Logger, svc service.RelationService, batchSize, concurrency int) error {
	report, err := svc.ReconcileAll(ctx, batchSize, concurrency)
	if err != nil {
		logger.Error().Err(err).Msg("reconcile sweep aborted")
		return err
	}

	unrepaired := 0
	for _, d := range report.Drifted {
		if !d.Repaired {
			unrepaired++
		}
	}

	logger.Info().
		Int("checked", report.Checked).
		Int("drifted", len(report.Drifted)).
		Int("unrepaired", unrepaired).
		Int("failures", report.Failures).
		Msg("reconcile finished")

	if unrepaired > 0 || report.Failures > 0 {
		return fmt.Errorf("%w: %d unrepaired, %d failures", errDriftLeft, unrepaired, report.Failures)
	}
	return nil
}
