// Package order 订单状态机
//
// Service 是订单的唯一修改者。所有状态变更都通过会话的写入协程执行，
// 下单和撤单只在本地登记后立即返回，权威状态由券商推送经同一写入路径送达。
package order

import (
	"fmt"
	"strings"
	"time"

	"optionsdesk/broker"
	"optionsdesk/liveerr"
)

// PlaceRequest 下单请求
type PlaceRequest struct {
	Symbol       string           `json:"symbol"`
	Side         broker.Side      `json:"side"`
	Type         broker.OrderType `json:"order_type"`
	Quantity     int64            `json:"quantity"`
	Price        float64          `json:"price,omitempty"`
	TriggerPrice float64          `json:"trigger_price,omitempty"`
	StopLoss     *float64         `json:"stop_loss,omitempty"` // 成交后带到持仓上
	Target       *float64         `json:"target,omitempty"`
}

// Normalize 统一大小写和写法
func (r *PlaceRequest) Normalize() {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	r.Side = broker.Side(strings.ToUpper(strings.TrimSpace(string(r.Side))))
	r.Type = broker.ParseOrderType(string(r.Type))
}

// Validate 校验下单参数，失败时不会调用券商
func (r *PlaceRequest) Validate() error {
	if r.Symbol == "" {
		return liveerr.NewValidation("symbol", "不能为空")
	}
	if !r.Side.Valid() {
		return liveerr.NewValidation("side", fmt.Sprintf("未知方向 %q", r.Side))
	}
	if !r.Type.Valid() {
		return liveerr.NewValidation("order_type", fmt.Sprintf("未知订单类型 %q", r.Type))
	}
	if r.Quantity <= 0 {
		return liveerr.NewValidation("quantity", "必须大于0")
	}
	if r.Type.NeedsPrice() && r.Price <= 0 {
		return liveerr.NewValidation("price", fmt.Sprintf("%s 订单必须指定价格", r.Type))
	}
	if r.Price < 0 {
		return liveerr.NewValidation("price", "不能为负数")
	}
	if r.Type.NeedsTrigger() && r.TriggerPrice <= 0 {
		return liveerr.NewValidation("trigger_price", fmt.Sprintf("%s 订单必须指定触发价", r.Type))
	}
	if r.StopLoss != nil && *r.StopLoss <= 0 {
		return liveerr.NewValidation("stop_loss", "必须大于0")
	}
	if r.Target != nil && *r.Target <= 0 {
		return liveerr.NewValidation("target", "必须大于0")
	}
	return nil
}

// Order 订单
type Order struct {
	OrderID         string             `json:"order_id"`
	BrokerOrderID   string             `json:"broker_order_id,omitempty"`
	Tag             string             `json:"tag"`
	Symbol          string             `json:"symbol"`
	Side            broker.Side        `json:"side"`
	Type            broker.OrderType   `json:"order_type"`
	Quantity        int64              `json:"quantity"`
	Price           float64            `json:"price,omitempty"`
	TriggerPrice    float64            `json:"trigger_price,omitempty"`
	Status          broker.OrderStatus `json:"status"`
	FilledQuantity  int64              `json:"filled_quantity"`
	AveragePrice    float64            `json:"average_price,omitempty"`
	PlacedAt        time.Time          `json:"placed_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
	Sequence        int64              `json:"sequence"`
	AckTimeout      bool               `json:"ack_timeout"`
	CancelRequested bool               `json:"cancel_requested"`
	RejectReason    string             `json:"reject_reason,omitempty"`
	StopLoss        *float64           `json:"stop_loss,omitempty"`
	Target          *float64           `json:"target,omitempty"`
}

// clone 深拷贝（指针字段独立）
func (o *Order) clone() *Order {
	cp := *o
	if o.StopLoss != nil {
		v := *o.StopLoss
		cp.StopLoss = &v
	}
	if o.Target != nil {
		v := *o.Target
		cp.Target = &v
	}
	return &cp
}

// Request 转换为券商下单请求
func (o *Order) Request() *broker.OrderRequest {
	return &broker.OrderRequest{
		OrderID:      o.OrderID,
		Tag:          o.Tag,
		Symbol:       o.Symbol,
		Side:         o.Side,
		Type:         o.Type,
		Quantity:     o.Quantity,
		Price:        o.Price,
		TriggerPrice: o.TriggerPrice,
	}
}

// Stats 订单计数
type Stats struct {
	Placed          int64 `json:"orders_placed"`
	Filled          int64 `json:"orders_filled"`
	Cancelled       int64 `json:"orders_cancelled"`
	Rejected        int64 `json:"orders_rejected"`
	AckTimeouts     int64 `json:"ack_timeouts"`
	StaleDiscarded  int64 `json:"stale_discarded"`  // 序号过期被丢弃的推送
	TerminalIgnored int64 `json:"terminal_ignored"` // 终态订单收到的推送
	Unknown         int64 `json:"unknown_updates"`  // 找不到对应订单的推送
}

// Discarded 被丢弃的推送总数
func (s Stats) Discarded() int64 {
	return s.StaleDiscarded + s.TerminalIgnored + s.Unknown
}

// UpdateResult 一次推送的处理结果
type UpdateResult string

const (
	UpdateApplied  UpdateResult = "applied"
	UpdateStale    UpdateResult = "stale"
	UpdateTerminal UpdateResult = "terminal"
	UpdateUnknown  UpdateResult = "unknown"
)

// CancelReport 批量撤单结果（部分失败不影响其他订单）
type CancelReport struct {
	Requested  []string          `json:"requested"`   // 已提交券商撤单
	PendingAck []string          `json:"pending_ack"` // 尚未收到下单确认，确认后自动撤单
	Failed     map[string]string `json:"failed"`      // order_id -> 原因
}
