package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/d60-Lab/newsfeed/internal/api/middleware"
	"github.com/d60-Lab/newsfeed/internal/service"
	"github.com/d60-Lab/newsfeed/pkg/response"
)

// Handler bundles the feed endpoints.
type Handler struct {
	feedService *service.FeedService
}

func New(feedService *service.FeedService) *Handler {
	return &Handler{feedService: feedService}
}

func viewerID(c *gin.Context) int64 {
	v, _ := c.Get(middleware.ViewerKey)
	id, _ := v.(int64)
	return id
}

// GetFeed 获取当前用户的 feed（分页）
// @Summary 获取个人时间线
// @Tags feed
// @Produce json
// @Param page query int false "页码" default(1)
// @Param page_size query int false "每页数量" default(20)
// @Success 200 {object} response.Response{data=service.FeedPage}
// @Failure 400 {object} response.Response
// @Router /api/v1/feed [get]
func (h *Handler) GetFeed(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))

	fp, err := h.feedService.GetFeed(c.Request.Context(), viewerID(c), page, pageSize)
	if err != nil {
		if err == service.ErrInvalidViewer {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, fp)
}

// RefreshFeed 强制标脏并重建当前用户的 feed
// @Summary 手动刷新时间线
// @Tags feed
// @Produce json
// @Success 200 {object} response.Response
// @Router /api/v1/feed/refresh [post]
func (h *Handler) RefreshFeed(c *gin.Context) {
	if err := h.feedService.RefreshFeed(c.Request.Context(), viewerID(c)); err != nil {
		if err == service.ErrInvalidViewer {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, gin.H{"refreshed": true})
}

// GetFeedStats 查询 feed 元数据与缓存状态
// @Summary 时间线统计
// @Tags feed
// @Produce json
// @Success 200 {object} response.Response{data=service.FeedStats}
// @Router /api/v1/feed/stats [get]
func (h *Handler) GetFeedStats(c *gin.Context) {
	stats, err := h.feedService.GetFeedStats(c.Request.Context(), viewerID(c))
	if err != nil {
		if err == service.ErrInvalidViewer {
			response.BadRequest(c, err.Error())
			return
		}
		response.InternalError(c, err)
		return
	}
	response.Success(c, stats)
}
