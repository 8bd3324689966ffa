package server

import (
	"net/http"

	"medconnect/internal/auth"
	"medconnect/internal/config"
	"medconnect/internal/metrics"
	"medconnect/internal/mw"
	"medconnect/internal/service"
	"medconnect/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps 是 SetupRouter 需要的已装配组件。Users 为 nil 时不向用户目录确认身份，
// Limiter 为 nil 时不做 HTTP 限速。
type Deps struct {
	Verifier *auth.Verifier
	Users    auth.UserChecker
	Records  *service.RecordService
	Messages *service.MessageService
	Registry *ws.Registry
	Gateway  *ws.Gateway
	Limiter  *mw.RL
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSAllowedOrigins))
	if d.Limiter != nil {
		r.Use(d.Limiter.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", gin.WrapH(d.Gateway))

	h := NewHandler(d.Records, d.Messages, d.Registry)

	// 需要 Bearer Token 的业务接口。
	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(d.Verifier, d.Users))

	api.GET("/patients/:id/records", h.ListPatientRecords)
	api.POST("/patients/:id/records", h.CreatePatientRecord)
	api.GET("/records/recent", h.RecentRecords)
	api.GET("/records/:id", h.GetRecord)

	api.GET("/messages", h.ListMessages)
	api.GET("/messages/pending", h.PendingMessages)
	api.POST("/messages/pending/ack", h.AckPending)

	api.GET("/users/:id/presence", h.Presence)
	return r
}
