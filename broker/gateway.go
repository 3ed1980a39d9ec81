// Package broker 券商网关抽象
//
// 每个券商一个实现（fyers、upstox），SANDBOX 模式使用进程内模拟撮合。
// 网关只负责协议转换，订单与持仓状态由上层唯一写入路径维护。
package broker

import (
	"context"
	"strings"
	"time"
)

// Side 买卖方向
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign 买入为 +1，卖出为 -1
func (s Side) Sign() int64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// Valid 是否合法
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite 反向
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType 订单类型
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeSL     OrderType = "SL"   // 止损限价
	OrderTypeSLM    OrderType = "SL-M" // 止损市价
)

// Valid 是否合法
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeSL, OrderTypeSLM:
		return true
	}
	return false
}

// NeedsPrice 限价单与止损限价单必须带价格
func (t OrderType) NeedsPrice() bool {
	return t == OrderTypeLimit || t == OrderTypeSL
}

// NeedsTrigger 止损单必须带触发价
func (t OrderType) NeedsTrigger() bool {
	return t == OrderTypeSL || t == OrderTypeSLM
}

// ParseOrderType 解析订单类型（兼容 SLM、STOP 等写法）
func ParseOrderType(s string) OrderType {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "MARKET", "MKT":
		return OrderTypeMarket
	case "LIMIT", "LMT":
		return OrderTypeLimit
	case "SL", "SL-L", "STOPLIMIT":
		return OrderTypeSL
	case "SL-M", "SLM", "STOP":
		return OrderTypeSLM
	}
	return OrderType(strings.ToUpper(s))
}

// OrderStatus 订单状态
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal 是否终态
func (s OrderStatus) IsTerminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// Rank 状态序号，状态只能单调前进
func (s OrderStatus) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusOpen:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusFilled, StatusCancelled, StatusRejected:
		return 3
	}
	return -1
}

// Mode 会话模式
type Mode string

const (
	ModeSandbox Mode = "SANDBOX"
	ModeLive    Mode = "LIVE"
)

// OrderRequest 下单请求
type OrderRequest struct {
	OrderID      string // 内部订单ID
	Tag          string // 券商订单标签，用于找回丢失的确认
	Symbol       string // 内部标的
	Side         Side
	Type         OrderType
	Quantity     int64
	Price        float64
	TriggerPrice float64
}

// OrderAck 券商下单确认
type OrderAck struct {
	BrokerOrderID string
	Message       string
	ReceivedAt    time.Time
}

// OrderSnapshot 券商侧订单状态（推送和查询共用）
// FilledQuantity、AveragePrice 为累计值
type OrderSnapshot struct {
	BrokerOrderID  string      `json:"broker_order_id"`
	Tag            string      `json:"tag,omitempty"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	Type           OrderType   `json:"type"`
	Status         OrderStatus `json:"status"`
	Quantity       int64       `json:"quantity"`
	FilledQuantity int64       `json:"filled_quantity"`
	AveragePrice   float64     `json:"average_price"`
	LastFillPrice  float64     `json:"last_fill_price,omitempty"`
	Message        string      `json:"message,omitempty"`
	Sequence       int64       `json:"sequence"` // 同一 broker_order_id 下单调递增
	UpdatedAt      time.Time   `json:"updated_at"`
}

// PositionSnapshot 券商侧持仓（数量带符号，空头为负）
type PositionSnapshot struct {
	Symbol       string  `json:"symbol"`
	Quantity     int64   `json:"quantity"`
	AveragePrice float64 `json:"average_price"`
	LastPrice    float64 `json:"last_price"`
}

// PriceTick 行情
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// EventKind 推送事件类型
type EventKind string

const (
	EventOrderUpdate    EventKind = "order_update"
	EventPositionUpdate EventKind = "position_update"
	EventPriceTick      EventKind = "price_tick"
)

// Event 券商推送事件
type Event struct {
	Kind       EventKind
	Order      *OrderSnapshot
	Position   *PositionSnapshot
	Tick       *PriceTick
	ReceivedAt time.Time
}

// Gateway 券商网关
type Gateway interface {
	// GetName 券商名
	GetName() string
	// Authenticate 校验令牌有效（会话进入 RUNNING 的前提）
	Authenticate(ctx context.Context) error
	// PlaceOrder 下单，券商拒单返回 *liveerr.BrokerRejection
	PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error)
	// CancelOrder 撤单
	CancelOrder(ctx context.Context, brokerOrderID string) error
	// GetPositions 查询持仓快照
	GetPositions(ctx context.Context) ([]*PositionSnapshot, error)
	// GetOrders 查询当日订单快照
	GetOrders(ctx context.Context) ([]*OrderSnapshot, error)
	// Subscribe 订阅订单/持仓/行情推送，连接断开时关闭通道
	Subscribe(ctx context.Context) (<-chan *Event, error)
}

// PriceSetter 可接收外部行情的网关（模拟撮合使用）
type PriceSetter interface {
	SetPrice(symbol string, price float64)
}

// ProgressSequence 由订单进度推导序号，适用于不提供更新序号的券商推送
// 订单状态单调前进、累计成交只增不减，重复推送得到相同序号，过期推送得到更小序号
func ProgressSequence(status OrderStatus, filled int64) int64 {
	rank := int64(status.Rank())
	if rank < 0 {
		rank = 0
	}
	return rank*1_000_000_000 + filled + 1
}
