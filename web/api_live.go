package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"optionsdesk/broker"
	"optionsdesk/indicators"
	"optionsdesk/liveerr"
	"optionsdesk/order"
	"optionsdesk/position"
	"optionsdesk/safety"
	"optionsdesk/session"
)

// LiveService 实盘会话操作（由 session.Manager 实现）
type LiveService interface {
	Start(ctx context.Context, brokerName string, mode broker.Mode, capital float64) (*session.Session, error)
	Stop(ctx context.Context, squareOff bool) (*session.Session, error)
	SquareOff(ctx context.Context) (*session.SquareOffReport, error)
	Current() *session.Session
	Positions() ([]*position.Position, error)
	Allocation() (*position.AllocationStatus, error)
	Orders() ([]*order.Order, error)
	PlaceOrder(ctx context.Context, req *order.PlaceRequest) (*order.Order, error)
	CancelOrder(ctx context.Context, orderID string) (*order.Order, error)
	Reconcile(ctx context.Context) (*safety.Report, error)
	LastReconcile() (*safety.Report, error)
	Recommend(symbol string) (*safety.SLRecommendation, error)
	ApplyStopLoss(ctx context.Context, req *safety.ApplyRequest) (*position.Position, error)
	IngestTicks(ticks []broker.PriceTick) (int, error)
	AddCandles(symbol string, candles []indicators.Candle) error
	SetLevels(symbol string, levels safety.Levels) error
}

// 券商调用较多的操作（对账、紧急平仓）的超时
const commandTimeout = 30 * time.Second

type startRequest struct {
	Broker      string  `json:"broker"`
	SandboxMode *bool   `json:"sandbox_mode"` // 默认 true
	Capital     float64 `json:"capital"`
}

type stopRequest struct {
	SquareOffPositions bool `json:"square_off_positions"`
}

type ticksRequest struct {
	Ticks []broker.PriceTick `json:"ticks"`
}

type candlesRequest struct {
	Candles []indicators.Candle `json:"candles"`
}

// getStatus GET /live/status
func (s *Server) getStatus(c *gin.Context) {
	cur := s.live.Current()
	if cur == nil {
		c.JSON(http.StatusOK, gin.H{"status": session.StatusStopped})
		return
	}
	c.JSON(http.StatusOK, cur)
}

// getPositions GET /live/positions
func (s *Server) getPositions(c *gin.Context) {
	positions, err := s.live.Positions()
	if err != nil {
		respondError(c, err)
		return
	}
	allocation, err := s.live.Allocation()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "allocation": allocation})
}

// getOrders GET /live/orders
func (s *Server) getOrders(c *gin.Context) {
	orders, err := s.live.Orders()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// startSession POST /live/start
func (s *Server) startSession(c *gin.Context) {
	var req startRequest
	if !bindJSON(c, &req) {
		return
	}
	mode := broker.ModeSandbox
	if req.SandboxMode != nil && !*req.SandboxMode {
		mode = broker.ModeLive
	}

	sess, err := s.live.Start(c.Request.Context(), req.Broker, mode, req.Capital)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": T(c, "session.started"), "session": sess})
}

// stopSession POST /live/stop
func (s *Server) stopSession(c *gin.Context) {
	var req stopRequest
	// 请求体可省略
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, liveerr.NewValidation("body", err.Error()))
		return
	}

	sess, err := s.live.Stop(c.Request.Context(), req.SquareOffPositions)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": T(c, "session.stopped"), "session": sess})
}

// squareOff POST /live/square-off
func (s *Server) squareOff(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()

	report, err := s.live.SquareOff(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// placeOrder POST /live/orders/place
func (s *Server) placeOrder(c *gin.Context) {
	var req order.PlaceRequest
	if !bindJSON(c, &req) {
		return
	}
	o, err := s.live.PlaceOrder(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// cancelOrder POST /live/orders/:id/cancel
func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.live.CancelOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": T(c, "order.cancel_requested"), "order": o})
}

// reconcile POST /live/reconcile
func (s *Server) reconcile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()

	report, err := s.live.Reconcile(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// getReconciliation GET /live/reconciliation
func (s *Server) getReconciliation(c *gin.Context) {
	report, err := s.live.LastReconcile()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// getRecommendation GET /live/positions/:symbol/recommendation
func (s *Server) getRecommendation(c *gin.Context) {
	rec, err := s.live.Recommend(c.Param("symbol"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// applyStopLoss POST /live/positions/:symbol/stop-loss
func (s *Server) applyStopLoss(c *gin.Context) {
	var req safety.ApplyRequest
	if !bindJSON(c, &req) {
		return
	}
	req.Symbol = c.Param("symbol")

	p, err := s.live.ApplyStopLoss(c.Request.Context(), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": T(c, "stoploss.applied"), "position": p})
}

// ingestTicks POST /live/ticks
func (s *Server) ingestTicks(c *gin.Context) {
	var req ticksRequest
	if !bindJSON(c, &req) {
		return
	}
	n, err := s.live.IngestTicks(req.Ticks)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": n})
}

// ingestCandles POST /live/candles/:symbol
func (s *Server) ingestCandles(c *gin.Context) {
	var req candlesRequest
	if !bindJSON(c, &req) {
		return
	}
	if err := s.live.AddCandles(c.Param("symbol"), req.Candles); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": len(req.Candles)})
}

// ingestLevels POST /live/levels/:symbol
func (s *Server) ingestLevels(c *gin.Context) {
	var levels safety.Levels
	if !bindJSON(c, &levels) {
		return
	}
	if err := s.live.SetLevels(c.Param("symbol"), levels); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": c.Param("symbol")})
}

// healthz GET /healthz
func (s *Server) healthz(c *gin.Context) {
	status := session.StatusStopped
	if cur := s.live.Current(); cur != nil {
		status = cur.Status
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"session":    status,
		"ui_clients": s.hub.Clients(),
	})
}
