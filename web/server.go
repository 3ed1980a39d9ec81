package web

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server 实盘接口
type Server struct {
	live LiveService
	hub  *Hub
	auth *tokenAuth
	logs LogReader
}

// NewServer 创建接口服务，tokenHash 为空时命令接口不做认证
func NewServer(live LiveService, hub *Hub, tokenHash string) *Server {
	return &Server{live: live, hub: hub, auth: newTokenAuth(tokenHash)}
}

// SetupRoutes 设置路由
func (s *Server) SetupRoutes(r *gin.Engine) {
	// Prometheus metrics 端点（不需要认证，供 Prometheus 抓取）
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	live := r.Group("/live")
	live.Use(I18nMiddleware())
	{
		// 查询接口
		live.GET("/status", s.getStatus)
		live.GET("/positions", s.getPositions)
		live.GET("/orders", s.getOrders)
		live.GET("/reconciliation", s.getReconciliation)
		live.GET("/positions/:symbol/recommendation", s.getRecommendation)
		live.GET("/stream", s.hub.ServeWS)
		live.GET("/logs", s.getLogs)

		// 命令接口
		cmd := live.Group("")
		cmd.Use(authMiddleware(s.auth))
		{
			cmd.POST("/start", s.startSession)
			cmd.POST("/stop", s.stopSession)
			cmd.POST("/square-off", s.squareOff)
			cmd.POST("/orders/place", s.placeOrder)
			cmd.POST("/orders/:id/cancel", s.cancelOrder)
			cmd.POST("/reconcile", s.reconcile)
			cmd.POST("/positions/:symbol/stop-loss", s.applyStopLoss)

			// 行情与技术位输入
			cmd.POST("/ticks", s.ingestTicks)
			cmd.POST("/candles/:symbol", s.ingestCandles)
			cmd.POST("/levels/:symbol", s.ingestLevels)
		}
	}
}
