package server

import (
	"context"
	"net/http"
	"time"

	"github.com/camerpulse/camerpulse-sub041/internal/auth"
	"github.com/camerpulse/camerpulse-sub041/internal/chat"
	"github.com/camerpulse/camerpulse-sub041/internal/config"
	"github.com/camerpulse/camerpulse-sub041/internal/metrics"
	"github.com/camerpulse/camerpulse-sub041/internal/mw"
	"github.com/camerpulse/camerpulse-sub041/internal/notify"
	"github.com/camerpulse/camerpulse-sub041/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由需要的运行时组件。Ready 为空时 /readyz 总是返回 ok。
type Deps struct {
	Registry *chat.Registry
	Messages store.MessageStore
	Inbox    notify.Inbox
	Ready    func(ctx context.Context) error
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
// 返回的 Limiter 需要在停服时 Stop。
func SetupRouter(cfg config.Config, deps Deps) (*gin.Engine, *mw.Limiter) {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 按 IP+路由限速；WebSocket 消息另有会话级限速。
	limiter := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	r.Use(limiter.Middleware(mw.ByIPAndRoute))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", func(c *gin.Context) {
		if deps.Ready != nil {
			if err := deps.Ready(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "channels": deps.Registry.Channels()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := NewHandler(deps.Registry, deps.Messages, deps.Inbox)
	api := r.Group("/api/v1")

	// 频道读取与 WebSocket 一样对访客开放。
	api.GET("/channels/:id/messages", h.ListMessages)
	api.GET("/channels/:id/online", h.Online)

	authed := api.Group("/notifications")
	authed.Use(auth.AuthMiddleware(cfg))
	authed.GET("", h.ListNotifications)
	authed.GET("/unread_count", h.UnreadCount)
	authed.POST("/:id/read", h.MarkRead)
	authed.POST("/read_all", h.MarkAllRead)

	internal := api.Group("/internal")
	internal.Use(auth.ServerKeyMiddleware(cfg.ServerKey))
	internal.POST("/notifications", h.SendNotification)

	r.GET("/ws", chat.Serve(deps.Registry, cfg))
	return r, limiter
}
