package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/relation-service/internal/config"
	"github.com/weiawesome/wes-io-live/relation-service/internal/consumer"
	"github.com/weiawesome/wes-io-live/relation-service/internal/handler"
	"github.com/weiawesome/wes-io-live/relation-service/internal/indexer"
	"github.com/weiawesome/wes-io-live/relation-service/internal/reconciler"
	"github.com/weiawesome/wes-io-live/relation-service/internal/repository"
	"github.com/weiawesome/wes-io-live/relation-service/internal/service"
	"github.com/weiawesome/wes-io-live/relation-service/internal/store"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/database"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/jwt"
	pkglog "github.com/weiawesome/wes-io-live/relation-service/pkg/log"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/middleware"
	"github.com/weiawesome/wes-io-live/relation-service/pkg/pubsub"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty || cfg.Log.Level == "debug",
		ServiceName: "relation-service",
	})
	logger := pkglog.L()

	// 3. Init DB (GORM, auto-migrate follows + user_stats)
	db, err := database.New(cfg.Database.Database())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to get underlying sql.DB")
	}
	defer sqlDB.Close()

	if err := repository.Migrate(db); err != nil {
		logger.Fatal().Err(err).Msg("failed to auto-migrate")
	}
	logger.Info().Msg("database migration completed")

	// 4. Init Redis counter cache (optional)
	var cache store.CounterCache = store.NoopCounterCache{}
	if cfg.Redis.Enabled {
		redisCache, err := store.NewRedisCounterCache(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		cache = redisCache
		logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	} else {
		logger.Warn().Msg("redis disabled; stats are served from the database")
	}
	defer cache.Close()

	// 5. Init event bus (optional)
	bus, err := pubsub.NewPubSub(cfg.PubSub)
	switch {
	case errors.Is(err, pubsub.ErrDisabled):
		logger.Warn().Msg("pubsub disabled; edge events will not be published")
	case err != nil:
		logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to create pubsub")
	default:
		defer bus.Close()
		logger.Info().Str("driver", cfg.PubSub.Driver).Msg("pubsub connected")
	}

	// 6. Create store and service
	relStore := repository.NewGormStore(db, nil)
	var publisher pubsub.Publisher
	if bus != nil {
		publisher = bus
	}
	svc := service.NewRelationService(relStore, cache, publisher, service.Config{
		TxTimeout:       cfg.Relation.TxTimeout,
		DefaultPageSize: cfg.Relation.DefaultPageSize,
		Repair:          cfg.Reconciler.Repair,
	})

	// 7. Create auth middleware (shared HS256 key with the auth service)
	tokens, err := jwt.NewManager(cfg.Auth.JWTSecret, 0, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create token validator; set JWT_SECRET")
	}
	authMiddleware := middleware.NewAuthMiddleware(tokens)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 8. Init edge event consumer feeding the search index (optional)
	var edgeConsumer *consumer.PubSubConsumer
	if cfg.Elasticsearch.Enabled && bus != nil {
		esClient, err := elasticsearch.NewClient(elasticsearch.Config{
			Addresses: cfg.Elasticsearch.Addresses,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create elasticsearch client")
		}

		esIndexer := indexer.NewESIndexer(esClient, cfg.Elasticsearch.IndexUsers, svc)
		ec := consumer.NewPubSubConsumer(bus, esIndexer)
		if err := ec.Start(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to start edge event consumer")
		} else {
			edgeConsumer = ec
			logger.Info().Str("index", cfg.Elasticsearch.IndexUsers).Msg("search index consumer started")
		}
	} else {
		logger.Info().Msg("search index consumer disabled")
	}

	// 9. Init reconciler and start
	var rec *reconciler.Reconciler
	if cfg.Reconciler.Enabled {
		rec = reconciler.New(cache, svc, cfg.Reconciler)
		rec.Start(ctx)
		logger.Info().
			Dur("interval", cfg.Reconciler.Interval).
			Int("top_n", cfg.Reconciler.TopN).
			Bool("repair", cfg.Reconciler.Repair).
			Msg("reconciler started")
	}

	// 10. Setup Gin router + HTTP server
	httpHandler := handler.NewHandler(svc, authMiddleware, handler.RetryPolicy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	r.GET("/health", func(c *gin.Context) {
		if err := relStore.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	httpHandler.RegisterRoutes(r)

	// 11. Start server goroutine
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logger.Info().Str("addr", addr).Msg("relation-service starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// 12. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutdown signal received")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		// 1. server.Shutdown: drain HTTP so no new follows start
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP server forced to shutdown")
		}

		// 2. cancel(): stop consumer loop and reconciler ticker
		cancel()

		// 3. edgeConsumer.Close(): wait for in-flight event
		if edgeConsumer != nil {
			if err := edgeConsumer.Close(); err != nil {
				logger.Warn().Err(err).Msg("error closing edge event consumer")
			}
		}

		// 4. reconciler.Stop(): stop ticker; <-reconciler.Done()
		if rec != nil {
			rec.Stop()
			<-rec.Done()
		}
	}()

	select {
	case <-shutdownDone:
		logger.Info().Msg("relation-service stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn().Dur("timeout", shutdownTimeout).Msg("shutdown timed out")
	}
}
