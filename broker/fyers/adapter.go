package fyers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"optionsdesk/broker"
	"optionsdesk/config"
	"optionsdesk/liveerr"
)

func init() {
	broker.Register("fyers", func(name string, bc config.BrokerConfig) (broker.Gateway, error) {
		return NewFyersAdapter(name, bc)
	})
}

// Fyers 订单状态码
const (
	statusCancelled = 1
	statusTraded    = 2
	statusTransit   = 4
	statusRejected  = 5
	statusPending   = 6
)

// FyersAdapter Fyers 网关
type FyersAdapter struct {
	name         string
	cfg          config.BrokerConfig
	client       *FyersClient
	streamURL    string
	pingInterval time.Duration
}

// NewFyersAdapter 创建 Fyers 网关
func NewFyersAdapter(name string, bc config.BrokerConfig) (*FyersAdapter, error) {
	if bc.AppID == "" || bc.AccessToken == "" {
		return nil, fmt.Errorf("fyers 需要配置 app_id 和 access_token")
	}
	if bc.Product == "" {
		bc.Product = "INTRADAY"
	}
	streamURL := bc.StreamURL
	if streamURL == "" {
		streamURL = DefaultStreamURL
	}
	return &FyersAdapter{
		name:         name,
		cfg:          bc,
		client:       NewFyersClient(bc.AppID, bc.AccessToken, bc.BaseURL),
		streamURL:    streamURL,
		pingInterval: 30 * time.Second,
	}, nil
}

func (a *FyersAdapter) GetName() string {
	return a.name
}

func (a *FyersAdapter) Authenticate(ctx context.Context) error {
	if err := a.client.GetProfile(ctx); err != nil {
		return fmt.Errorf("fyers 令牌校验失败: %w", err)
	}
	return nil
}

func (a *FyersAdapter) PlaceOrder(ctx context.Context, req *broker.OrderRequest) (*broker.OrderAck, error) {
	orderType, err := toFyersType(req.Type)
	if err != nil {
		return nil, err
	}
	side := 1
	if req.Side == broker.SideSell {
		side = -1
	}

	id, err := a.client.PlaceOrder(ctx, &PlaceOrderRequest{
		Symbol:      a.cfg.BrokerSymbol(req.Symbol),
		Qty:         req.Quantity,
		Type:        orderType,
		Side:        side,
		ProductType: a.cfg.Product,
		LimitPrice:  req.Price,
		StopPrice:   req.TriggerPrice,
		Validity:    "DAY",
		OrderTag:    req.Tag,
	})
	if err != nil {
		return nil, a.classify(err)
	}
	return &broker.OrderAck{BrokerOrderID: id, ReceivedAt: time.Now()}, nil
}

// classify 业务拒绝转为 BrokerRejection，网络错误和 5xx 保持原样（订单可能已存在）
func (a *FyersAdapter) classify(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatus < http.StatusInternalServerError {
		return &liveerr.BrokerRejection{Broker: a.name, Code: fmt.Sprintf("%d", apiErr.Code), Reason: apiErr.Message}
	}
	return err
}

func (a *FyersAdapter) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return a.client.CancelOrder(ctx, brokerOrderID)
}

func (a *FyersAdapter) GetPositions(ctx context.Context) ([]*broker.PositionSnapshot, error) {
	positions, err := a.client.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*broker.PositionSnapshot, 0, len(positions))
	for _, p := range positions {
		if p.NetQty == 0 {
			continue
		}
		out = append(out, a.toPosition(p))
	}
	return out, nil
}

func (a *FyersAdapter) GetOrders(ctx context.Context) ([]*broker.OrderSnapshot, error) {
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

func (a *FyersAdapter) Subscribe(ctx context.Context) (<-chan *broker.Event, error) {
	header := http.Header{}
	header.Set("Authorization", a.client.authHeader())
	return broker.DialStream(ctx, broker.StreamOptions{
		Name:   a.name,
		URL:    a.streamURL,
		Header: header,
		Subscribe: []interface{}{
			map[string]interface{}{"T": "SUB_ORD", "SLIST": []string{"orders", "positions"}, "SUB_T": 1},
		},
		PingInterval: a.pingInterval,
		Decode:       a.decode,
	})
}

// decode 解析订单推送，消息形如 {"s":"ok","orders":{...}} 或 {"s":"ok","positions":{...}}
func (a *FyersAdapter) decode(message []byte) ([]*broker.Event, error) {
	var msg struct {
		S         string          `json:"s"`
		Orders    json.RawMessage `json:"orders"`
		Positions json.RawMessage `json:"positions"`
	}
	if err := json.Unmarshal(message, &msg); err != nil {
		return nil, err
	}

	var events []*broker.Event
	if len(msg.Orders) > 0 && string(msg.Orders) != "null" {
		var o Order
		if err := json.Unmarshal(msg.Orders, &o); err != nil {
			return nil, fmt.Errorf("unmarshal order update error: %w", err)
		}
		events = append(events, &broker.Event{Kind: broker.EventOrderUpdate, Order: a.toOrder(o)})
	}
	if len(msg.Positions) > 0 && string(msg.Positions) != "null" {
		var p Position
		if err := json.Unmarshal(msg.Positions, &p); err != nil {
			return nil, fmt.Errorf("unmarshal position update error: %w", err)
		}
		pos := a.toPosition(p)
		events = append(events, &broker.Event{Kind: broker.EventPositionUpdate, Position: pos})
		if p.LTP > 0 {
			events = append(events, &broker.Event{
				Kind: broker.EventPriceTick,
				Tick: &broker.PriceTick{Symbol: pos.Symbol, Price: p.LTP, Time: time.Now()},
			})
		}
	}
	return events, nil
}

func (a *FyersAdapter) toPosition(p Position) *broker.PositionSnapshot {
	return &broker.PositionSnapshot{
		Symbol:       a.cfg.InternalSymbol(p.Symbol),
		Quantity:     p.NetQty,
		AveragePrice: p.NetAvg,
		LastPrice:    p.LTP,
	}
}

func (a *FyersAdapter) toOrder(o Order) *broker.OrderSnapshot {
	side := broker.SideBuy
	if o.Side == -1 {
		side = broker.SideSell
	}
	status := fromFyersStatus(o.Status, o.FilledQty)
	return &broker.OrderSnapshot{
		BrokerOrderID:  o.ID,
		Tag:            o.OrderTag,
		Symbol:         a.cfg.InternalSymbol(o.Symbol),
		Side:           side,
		Type:           fromFyersType(o.Type),
		Status:         status,
		Quantity:       o.Qty,
		FilledQuantity: o.FilledQty,
		AveragePrice:   o.TradedPrice,
		Message:        o.Message,
		Sequence:       broker.ProgressSequence(status, o.FilledQty),
		UpdatedAt:      time.Now(),
	}
}

func toFyersType(t broker.OrderType) (int, error) {
	switch t {
	case broker.OrderTypeLimit:
		return 1, nil
	case broker.OrderTypeMarket:
		return 2, nil
	case broker.OrderTypeSLM:
		return 3, nil
	case broker.OrderTypeSL:
		return 4, nil
	}
	return 0, liveerr.NewValidation("order_type", fmt.Sprintf("fyers 不支持订单类型 %s", t))
}

func fromFyersType(t int) broker.OrderType {
	switch t {
	case 1:
		return broker.OrderTypeLimit
	case 3:
		return broker.OrderTypeSLM
	case 4:
		return broker.OrderTypeSL
	}
	return broker.OrderTypeMarket
}

func fromFyersStatus(status int, filled int64) broker.OrderStatus {
	switch status {
	case statusCancelled:
		return broker.StatusCancelled
	case statusTraded:
		return broker.StatusFilled
	case statusRejected:
		return broker.StatusRejected
	case statusTransit:
		return broker.StatusPending
	case statusPending:
		if filled > 0 {
			return broker.StatusPartiallyFilled
		}
		return broker.StatusOpen
	}
	return broker.StatusPending
}
