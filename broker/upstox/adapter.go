package upstox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"optionsdesk/broker"
	"optionsdesk/config"
	"optionsdesk/liveerr"
)

func init() {
	broker.Register("upstox", func(name string, bc config.BrokerConfig) (broker.Gateway, error) {
		return NewUpstoxAdapter(name, bc)
	})
}

// UpstoxAdapter Upstox 网关
type UpstoxAdapter struct {
	name         string
	cfg          config.BrokerConfig
	client       *UpstoxClient
	pingInterval time.Duration
}

// NewUpstoxAdapter 创建 Upstox 网关
func NewUpstoxAdapter(name string, bc config.BrokerConfig) (*UpstoxAdapter, error) {
	if bc.AccessToken == "" {
		return nil, fmt.Errorf("upstox 需要配置 access_token")
	}
	if bc.Product == "" {
		bc.Product = "I"
	}
	return &UpstoxAdapter{
		name:         name,
		cfg:          bc,
		client:       NewUpstoxClient(bc.AccessToken, bc.BaseURL, bc.OrderURL),
		pingInterval: 30 * time.Second,
	}, nil
}

func (a *UpstoxAdapter) GetName() string {
	return a.name
}

func (a *UpstoxAdapter) Authenticate(ctx context.Context) error {
	if err := a.client.GetProfile(ctx); err != nil {
		return fmt.Errorf("upstox 令牌校验失败: %w", err)
	}
	return nil
}

func (a *UpstoxAdapter) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderAck, error) {
	id, err := a.client.PlaceOrder(ctx, &PlaceOrderRequest{
		Quantity:        req.Quantity,
		Product:         a.cfg.Product,
		Validity:        "DAY",
		Price:           req.Price,
		Tag:             req.Tag,
		InstrumentToken: a.cfg.BrokerSymbol(req.Symbol),
		OrderType:       string(req.Type),
		TransactionType: string(req.Side),
		TriggerPrice:    req.TriggerPrice,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatus < http.StatusInternalServerError {
			return nil, &liveerr.BrokerRejection{Broker: a.name, Code: apiErr.Code, Reason: apiErr.Message}
		}
		return nil, err
	}
	return &broker.OrderAck{BrokerOrderID: id, ReceivedAt: time.Now()}, nil
}

func (a *UpstoxAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return a.client.CancelOrder(ctx, brokerOrderID)
}

func (a *UpstoxAdapter) GetPositions(ctx context.Context) ([]*broker.PositionSnapshot, error) {
	positions, err := a.client.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*broker.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		if p.Quantity == 0 {
			continue
		}
		out = append(out, a.toPosition(p))
	}
	return out, nil
}

func (a *UpstoxAdapter) GetOrders(ctx context.Context) ([]*broker.OrderSnapshot, error) {
	orders, err := a.client.GetOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*broker.OrderSnapshot, 0, len(orders))
	for _, o := range orders {
		out = append(out, a.toOrder(o))
	}
	return out, nil
}

// Subscribe 先换取授权推送地址，再建立连接
func (a *UpstoxAdapter) Subscribe(ctx context.Context) (<-chan *broker.Event, error) {
	wsURL := a.cfg.StreamURL
	if wsURL == "" {
		var err error
		if wsURL, err = a.client.AuthorizePortfolioStream(ctx); err != nil {
			return nil, fmt.Errorf("upstox 推送授权失败: %w", err)
		}
	}
	return broker.DialStream(ctx, broker.StreamOptions{
		Name:         a.name,
		URL:          wsURL,
		PingInterval: a.pingInterval,
		Decode:       a.decode,
	})
}

// decode 解析组合推送，按 update_type 区分订单和持仓
func (a *UpstoxAdapter) decode(message []byte) ([]*broker.Event, error) {
	var head struct {
		UpdateType string `json:"update_type"`
	}
	if err := json.Unmarshal(message, &head); err != nil {
		return nil, err
	}

	switch head.UpdateType {
	case "order":
		var o Order
		if err := json.Unmarshal(message, &o); err != nil {
			return nil, fmt.Errorf("unmarshal order update error: %w", err)
		}
		return []*broker.Event{{Kind: broker.EventOrderUpdate, Order: a.toOrder(o)}}, nil
	case "position":
		var p Position
		if err := json.Unmarshal(message, &p); err != nil {
			return nil, fmt.Errorf("unmarshal position update error: %w", err)
		}
		pos := a.toPosition(p)
		events := []*broker.Event{{Kind: broker.EventPositionUpdate, Position: pos}}
		if p.LastPrice > 0 {
			events = append(events, &broker.Event{
				Kind: broker.EventPriceTick,
				Tick: &broker.PriceTick{Symbol: pos.Symbol, Price: p.LastPrice, Time: time.Now()},
			})
		}
		return events, nil
	}
	// 心跳等其他消息
	return nil, nil
}

func (a *UpstoxAdapter) symbolOf(instrumentToken, tradingSymbol string) string {
	internal := a.cfg.InternalSymbol(instrumentToken)
	if internal == instrumentToken && tradingSymbol != "" {
		return tradingSymbol
	}
	return internal
}

func (a *UpstoxAdapter) toPosition(p Position) *broker.PositionSnapshot {
	return &broker.PositionSnapshot{
		Symbol:       a.symbolOf(p.InstrumentToken, p.TradingSymbol),
		Quantity:     p.Quantity,
		AveragePrice: p.AveragePrice,
		LastPrice:    p.LastPrice,
	}
}

func (a *UpstoxAdapter) toOrder(o Order) *broker.OrderSnapshot {
	status := fromUpstoxStatus(o.Status, o.FilledQuantity)
	return &broker.OrderSnapshot{
		BrokerOrderID:  o.OrderID,
		Tag:            o.Tag,
		Symbol:         a.symbolOf(o.InstrumentToken, o.TradingSymbol),
		Side:           broker.Side(strings.ToUpper(o.TransactionType)),
		Type:           broker.ParseOrderType(o.OrderType),
		Status:         status,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		AveragePrice:   o.AveragePrice,
		Message:        o.StatusMessage,
		Sequence:       broker.ProgressSequence(status, o.FilledQuantity),
		UpdatedAt:      time.Now(),
	}
}

// fromUpstoxStatus 映射 Upstox 订单状态文本
func fromUpstoxStatus(status string, filled int64) broker.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "complete":
		return broker.StatusFilled
	case "cancelled":
		return broker.StatusCancelled
	case "rejected":
		return broker.StatusRejected
	case "put order req received", "validation pending", "open pending", "after market order req received":
		return broker.StatusPending
	case "open", "trigger pending", "modify pending", "modify validation pending", "modified", "not modified",
		"cancel pending", "not cancelled", "modify after market order req received", "cancelled after market order":
		if filled > 0 {
			return broker.StatusPartiallyFilled
		}
		return broker.StatusOpen
	}
	return broker.StatusPending
}
