package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/d60-Lab/newsfeed/config"
	"github.com/d60-Lab/newsfeed/internal/api"
	"github.com/d60-Lab/newsfeed/internal/api/handler"
	"github.com/d60-Lab/newsfeed/internal/cache"
	"github.com/d60-Lab/newsfeed/internal/client"
	"github.com/d60-Lab/newsfeed/internal/repository"
	"github.com/d60-Lab/newsfeed/internal/service"
	"github.com/d60-Lab/newsfeed/internal/stream"
	"github.com/d60-Lab/newsfeed/pkg/database"
	"github.com/d60-Lab/newsfeed/pkg/logger"
	"github.com/d60-Lab/newsfeed/pkg/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Server.Mode); err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: cfg.Sentry.DSN}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Init(ctx, "newsfeed", cfg.Tracing.Endpoint)
		if err != nil {
			logger.Warn("tracing init failed", zap.Error(err))
		} else {
			defer shutdown(context.Background())
		}
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		logger.Error("database init failed", zap.Error(err))
		return
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// cache and streams degrade; the feed store stays authoritative
		logger.Warn("redis unreachable at startup", zap.Error(err))
	}

	feedRepo := repository.NewFeedRepository(db)
	metaRepo := repository.NewMetadataRepository(db)
	feedCache := cache.NewFeedCache(rdb, cfg.Feed.CacheTTL)
	graph := client.NewGraphClient(cfg.Clients.GraphURL, cfg.Clients.ServiceToken, cfg.Clients.Timeout)
	post := client.NewPostClient(cfg.Clients.PostURL, cfg.Clients.ServiceToken, cfg.Clients.Timeout)
	publisher := stream.NewPublisher(rdb, "newsfeed-service")

	fanout := service.NewFanoutService(
		feedRepo, metaRepo, feedCache, graph, publisher, service.RecencyScorer,
		cfg.Feed.CelebrityThreshold, cfg.Feed.MaxFeedItems, cfg.Clients.PageSize,
		cfg.Feed.GraphPageRate,
	)
	feedService := service.NewFeedService(
		feedRepo, metaRepo, feedCache, graph, post, publisher, service.RecencyScorer,
		cfg.Feed.MaxFeedItems, cfg.Feed.DefaultPageSize, cfg.Feed.MaxPageSize,
		cfg.Feed.RebuildFolloweeCap, cfg.Feed.RebuildPostsPerFollowee, cfg.Clients.PageSize,
	)

	consumer := stream.NewConsumer(
		rdb, fanout, cfg.Stream.Group, cfg.Stream.Consumer,
		cfg.Stream.BlockTimeout, cfg.Stream.MaxRetries, cfg.Stream.RetryBackoff,
		cfg.Stream.HandlerWorkers,
	)
	if err := consumer.Start(ctx); err != nil {
		logger.Error("consumer start failed", zap.Error(err))
		return
	}

	h := handler.New(feedService)
	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: api.NewRouter(cfg, h, db, rdb),
	}

	go func() {
		logger.Info("newsfeed service listening", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	consumer.Wait()
}
