package web

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"optionsdesk/config"
	"optionsdesk/event"
	"optionsdesk/logger"
)

// WebServer Web服务器
type WebServer struct {
	server *http.Server
	hub    *Hub
	api    *Server
	cfg    *config.Config
	once   sync.Once
}

// NewWebServer 创建Web服务器，web.enabled 关闭时返回 nil
func NewWebServer(cfg *config.Config, live LiveService, bus *event.EventBus) *WebServer {
	if !cfg.Web.Enabled {
		return nil
	}

	// 设置Gin模式
	debug := strings.EqualFold(cfg.System.LogLevel, "debug")
	if debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), GinLoggerMiddleware(debug))

	hub := NewHub(bus)
	api := NewServer(live, hub, cfg.Web.APITokenHash)
	api.SetupRoutes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// 对账和紧急平仓可能要多次调用券商接口
		WriteTimeout: 45 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &WebServer{
		server: server,
		hub:    hub,
		api:    api,
		cfg:    cfg,
	}
}

// SetLogReader 开放运行日志查询
func (ws *WebServer) SetLogReader(r LogReader) {
	if ws != nil {
		ws.api.SetLogReader(r)
	}
}

// Start 启动Web服务器，ctx 取消时自动关闭
func (ws *WebServer) Start(ctx context.Context) error {
	if ws == nil {
		return nil
	}
	ws.hub.Start()

	go func() {
		logger.Info("🌐 Web服务器启动在 http://%s:%d", ws.cfg.Web.Host, ws.cfg.Web.Port)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("❌ Web服务器启动失败: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		ws.Stop()
	}()

	return nil
}

// Stop 停止Web服务器
func (ws *WebServer) Stop() {
	if ws == nil || ws.server == nil {
		return
	}
	ws.once.Do(ws.shutdown)
}

func (ws *WebServer) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 先断开推送连接，Shutdown 不会等待被劫持的 WebSocket 连接
	ws.hub.Stop()
	if err := ws.server.Shutdown(ctx); err != nil {
		logger.Error("❌ Web服务器关闭失败: %v", err)
		return
	}
	logger.Info("✅ Web服务器已关闭")
}
