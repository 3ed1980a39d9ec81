package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"optionsdesk/liveerr"
	"optionsdesk/logger"
)

type paperOrder struct {
	req  OrderRequest
	snap OrderSnapshot
}

// PaperGateway SANDBOX 模式的进程内撮合
// 市价单按最新价成交，限价单和止损单在行情穿越时成交
type PaperGateway struct {
	name string

	mu        sync.Mutex
	prices    map[string]float64
	orders    map[string]*paperOrder
	sequence  []string // 下单顺序
	positions map[string]*PositionSnapshot
	sub       chan *Event
	nextID    int64

	rejectNext     string
	ackDelay       time.Duration
	subscribeFails int
}

// NewPaperGateway 创建模拟撮合网关
func NewPaperGateway(name string) *PaperGateway {
	return &PaperGateway{
		name:      name,
		prices:    make(map[string]float64),
		orders:    make(map[string]*paperOrder),
		positions: make(map[string]*PositionSnapshot),
	}
}

func (p *PaperGateway) GetName() string {
	return p.name
}

func (p *PaperGateway) Authenticate(ctx context.Context) error {
	return ctx.Err()
}

// RejectNext 下一笔订单被拒（测试和演练使用）
func (p *PaperGateway) RejectNext(reason string) {
	p.mu.Lock()
	p.rejectNext = reason
	p.mu.Unlock()
}

// SetAckDelay 设置下单确认延迟
func (p *PaperGateway) SetAckDelay(d time.Duration) {
	p.mu.Lock()
	p.ackDelay = d
	p.mu.Unlock()
}

// FailSubscribe 接下来 n 次订阅失败
func (p *PaperGateway) FailSubscribe(n int) {
	p.mu.Lock()
	p.subscribeFails = n
	p.mu.Unlock()
}

// SetPosition 直接设置券商侧持仓（模拟人工在券商端操作）
func (p *PaperGateway) SetPosition(symbol string, quantity int64, avgPrice float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if quantity == 0 {
		delete(p.positions, symbol)
		return
	}
	p.positions[symbol] = &PositionSnapshot{
		Symbol:       symbol,
		Quantity:     quantity,
		AveragePrice: avgPrice,
		LastPrice:    p.prices[symbol],
	}
}

// Disconnect 断开当前推送连接
func (p *PaperGateway) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub != nil {
		close(p.sub)
		p.sub = nil
	}
}

func (p *PaperGateway) PlaceOrder(ctx context.Context, req *OrderRequest) (*OrderAck, error) {
	p.mu.Lock()
	delay := p.ackDelay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	if reason := p.rejectNext; reason != "" {
		p.rejectNext = ""
		p.mu.Unlock()
		return nil, &liveerr.BrokerRejection{Broker: p.name, Reason: reason}
	}

	p.nextID++
	id := fmt.Sprintf("PAPER-%06d", p.nextID)
	po := &paperOrder{
		req: *req,
		snap: OrderSnapshot{
			BrokerOrderID: id,
			Tag:           req.Tag,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Type:          req.Type,
			Status:        StatusOpen,
			Quantity:      req.Quantity,
			Sequence:      1,
			UpdatedAt:     time.Now(),
		},
	}
	p.orders[id] = po
	p.sequence = append(p.sequence, id)

	events := []*Event{p.orderEvent(po)}
	events = append(events, p.tryFill(po)...)
	p.mu.Unlock()

	p.emit(events)
	return &OrderAck{BrokerOrderID: id, Message: "paper order accepted", ReceivedAt: time.Now()}, nil
}

func (p *PaperGateway) CancelOrder(ctx context.Context, brokerOrderID string) error {
	p.mu.Lock()
	po, ok := p.orders[brokerOrderID]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("订单 %s 不存在", brokerOrderID)
	}
	if po.snap.Status.IsTerminal() {
		status := po.snap.Status
		p.mu.Unlock()
		return fmt.Errorf("订单 %s 已是终态 %s，无法撤单", brokerOrderID, status)
	}
	po.snap.Status = StatusCancelled
	po.snap.Sequence++
	po.snap.UpdatedAt = time.Now()
	ev := p.orderEvent(po)
	p.mu.Unlock()

	p.emit([]*Event{ev})
	return nil
}

func (p *PaperGateway) GetPositions(ctx context.Context) ([]*PositionSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PositionSnapshot, 0, len(p.positions))
	for _, pos := range p.positions {
		cp := *pos
		out = append(out, &cp)
	}
	return out, nil
}

func (p *PaperGateway) GetOrders(ctx context.Context) ([]*OrderSnapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*OrderSnapshot, 0, len(p.sequence))
	for _, id := range p.sequence {
		cp := p.orders[id].snap
		out = append(out, &cp)
	}
	return out, nil
}

func (p *PaperGateway) Subscribe(ctx context.Context) (<-chan *Event, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.subscribeFails > 0 {
		p.subscribeFails--
		return nil, fmt.Errorf("%s 模拟推送连接失败", p.name)
	}
	if p.sub != nil {
		close(p.sub)
	}
	ch := make(chan *Event, 1024)
	p.sub = ch

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		if p.sub == ch {
			close(ch)
			p.sub = nil
		}
		p.mu.Unlock()
	}()
	return ch, nil
}

// SetPrice 更新最新价并撮合挂单
func (p *PaperGateway) SetPrice(symbol string, price float64) {
	if price <= 0 {
		return
	}
	p.mu.Lock()
	p.prices[symbol] = price
	if pos, ok := p.positions[symbol]; ok {
		pos.LastPrice = price
	}
	var events []*Event
	for _, id := range p.sequence {
		po := p.orders[id]
		if po.snap.Symbol == symbol && !po.snap.Status.IsTerminal() {
			events = append(events, p.tryFill(po)...)
		}
	}
	p.mu.Unlock()

	p.emit(events)
}

// tryFill 判断是否可成交，调用方持有锁
func (p *PaperGateway) tryFill(po *paperOrder) []*Event {
	last, hasLast := p.prices[po.req.Symbol]
	buy := po.req.Side == SideBuy

	var fillPrice float64
	switch po.req.Type {
	case OrderTypeMarket:
		switch {
		case hasLast:
			fillPrice = last
		case po.req.Price > 0:
			fillPrice = po.req.Price
		default:
			return nil
		}
	case OrderTypeLimit:
		if !hasLast || (buy && last > po.req.Price) || (!buy && last < po.req.Price) {
			return nil
		}
		fillPrice = po.req.Price
	case OrderTypeSL, OrderTypeSLM:
		if !hasLast || (buy && last < po.req.TriggerPrice) || (!buy && last > po.req.TriggerPrice) {
			return nil
		}
		fillPrice = last
		if po.req.Type == OrderTypeSL {
			fillPrice = po.req.Price
		}
	default:
		return nil
	}

	qty := po.snap.Quantity - po.snap.FilledQuantity
	po.snap.FilledQuantity = po.snap.Quantity
	po.snap.AveragePrice = fillPrice
	po.snap.LastFillPrice = fillPrice
	po.snap.Status = StatusFilled
	po.snap.Sequence++
	po.snap.UpdatedAt = time.Now()

	pos := p.applyPosition(po.req.Symbol, po.req.Side.Sign()*qty, fillPrice)
	logger.Debug("[%s] 模拟成交 %s %s %d @ %.2f", p.name, po.snap.BrokerOrderID, po.req.Symbol, qty, fillPrice)

	return []*Event{
		p.orderEvent(po),
		{Kind: EventPositionUpdate, Position: pos, ReceivedAt: time.Now()},
	}
}

// applyPosition 更新券商侧持仓，调用方持有锁
func (p *PaperGateway) applyPosition(symbol string, delta int64, price float64) *PositionSnapshot {
	pos, ok := p.positions[symbol]
	if !ok {
		pos = &PositionSnapshot{Symbol: symbol}
		p.positions[symbol] = pos
	}
	old := pos.Quantity
	next := old + delta
	switch {
	case old == 0 || (old > 0) != (next > 0) && next != 0:
		pos.AveragePrice = price
	case (old > 0) == (delta > 0):
		pos.AveragePrice = (pos.AveragePrice*float64(abs64(old)) + price*float64(abs64(delta))) / float64(abs64(next))
	}
	pos.Quantity = next
	pos.LastPrice = price

	cp := *pos
	if next == 0 {
		delete(p.positions, symbol)
	}
	return &cp
}

func (p *PaperGateway) orderEvent(po *paperOrder) *Event {
	snap := po.snap
	return &Event{Kind: EventOrderUpdate, Order: &snap, ReceivedAt: time.Now()}
}

func (p *PaperGateway) emit(events []*Event) {
	if len(events) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sub == nil {
		return
	}
	for _, ev := range events {
		select {
		case p.sub <- ev:
		default:
			logger.Warn("⚠️ [%s] 模拟推送缓冲区已满，丢弃事件 %s", p.name, ev.Kind)
		}
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
