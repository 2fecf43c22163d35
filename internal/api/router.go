package api

import (
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/d60-Lab/newsfeed/config"
	"github.com/d60-Lab/newsfeed/internal/api/handler"
	"github.com/d60-Lab/newsfeed/internal/api/middleware"
	"github.com/d60-Lab/newsfeed/pkg/response"
)

// NewRouter wires the HTTP surface: health unauthenticated, feed routes
// behind the viewer-resolving auth middleware.
func NewRouter(cfg *config.Config, h *handler.Handler, db *gorm.DB, rdb *redis.Client) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(otelgin.Middleware("newsfeed"))

	r.GET("/health", func(c *gin.Context) {
		status := gin.H{"db": "up", "redis": "up"}
		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status["db"] = "down"
		}
		if rdb == nil || rdb.Ping(c.Request.Context()).Err() != nil {
			status["redis"] = "down"
		}
		response.Success(c, status)
	})

	v1 := r.Group("/api/v1", middleware.Auth(cfg.Server.JWTSecret))
	{
		v1.GET("/feed", h.GetFeed)
		v1.POST("/feed/refresh", h.RefreshFeed)
		v1.GET("/feed/stats", h.GetFeedStats)
	}
	return r
}
