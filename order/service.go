package order

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"optionsdesk/broker"
	"optionsdesk/liveerr"
	"optionsdesk/logger"
	"optionsdesk/metrics"
	"optionsdesk/position"
	"optionsdesk/utils"
)

// Applier 串行写入路径
// Do 同步执行并等待完成，Post 异步排队；fn 内不得再调用 Do
type Applier interface {
	Do(ctx context.Context, fn func()) error
	Post(fn func()) bool
}

// Observer 订单和持仓变化通知，在写入协程上调用，不得阻塞
type Observer interface {
	OrderChanged(o *Order)
	PositionFilled(o *Order, res *position.FillResult)
}

// Options 订单服务配置
type Options struct {
	Broker        string
	AckTimeout    time.Duration
	CancelTimeout time.Duration
	// Gate 返回非 nil 时拒绝新订单（会话未运行、重连后对账未完成）
	Gate func() error
}

// Service 订单服务
type Service struct {
	broker   string
	exec     *Executor
	writer   Applier
	tracker  *position.Tracker
	observer Observer
	gate     func() error

	ackTimeout    atomic.Int64
	cancelTimeout atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	orders   map[string]*Order // order_id -> 订单
	byBroker map[string]*Order // broker_order_id -> 订单
	byTag    map[string]*Order
	sequence []string // 下单顺序
	stats    Stats

	now func() time.Time
}

// NewService 创建订单服务
func NewService(opts Options, exec *Executor, writer Applier, tracker *position.Tracker, observer Observer) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		broker:   opts.Broker,
		exec:     exec,
		writer:   writer,
		tracker:  tracker,
		observer: observer,
		gate:     opts.Gate,
		ctx:      ctx,
		cancel:   cancel,
		orders:   make(map[string]*Order),
		byBroker: make(map[string]*Order),
		byTag:    make(map[string]*Order),
		now:      time.Now,
	}
	s.SetTimeouts(opts.AckTimeout, opts.CancelTimeout)
	return s
}

// SetTimeouts 更新确认超时和撤单超时（热更新）
func (s *Service) SetTimeouts(ack, cancel time.Duration) {
	if ack <= 0 {
		ack = 10 * time.Second
	}
	if cancel <= 0 {
		cancel = 10 * time.Second
	}
	s.ackTimeout.Store(int64(ack))
	s.cancelTimeout.Store(int64(cancel))
}

// Place 校验并登记订单，异步提交券商，立即返回 PENDING 订单
func (s *Service) Place(ctx context.Context, req *PlaceRequest) (*Order, error) {
	if req == nil {
		return nil, liveerr.NewValidation("", "下单请求为空")
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	id := utils.NewOrderID()
	o := &Order{
		OrderID:      id,
		Tag:          utils.OrderTag(id),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
		TriggerPrice: req.TriggerPrice,
		Status:       broker.StatusPending,
		PlacedAt:     now,
		UpdatedAt:    now,
	}
	if req.StopLoss != nil {
		v := *req.StopLoss
		o.StopLoss = &v
	}
	if req.Target != nil {
		v := *req.Target
		o.Target = &v
	}

	var (
		placed  *Order
		gateErr error
	)
	err := s.writer.Do(ctx, func() {
		if s.gate != nil {
			if gateErr = s.gate(); gateErr != nil {
				return
			}
		}
		s.mu.Lock()
		s.orders[id] = o
		s.byTag[o.Tag] = o
		s.sequence = append(s.sequence, id)
		s.stats.Placed++
		placed = o.clone()
		s.mu.Unlock()
		s.notify(placed)
	})
	if err != nil {
		return nil, err
	}
	if gateErr != nil {
		return nil, gateErr
	}

	logger.Info("📝 [%s] 订单已登记 %s: %s %s %s %d", s.broker, id, req.Type, req.Side, req.Symbol, req.Quantity)

	s.wg.Add(1)
	go s.submit(placed.Request())
	return placed, nil
}

// submit 提交券商，结果经写入路径回写
func (s *Service) submit(req *broker.OrderRequest) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.ackTimeout.Load()))
	ack, err := s.exec.Place(ctx, req)
	cancel()

	if !s.writer.Post(func() { s.applyAck(req.OrderID, ack, err) }) {
		logger.Warn("⚠️ [%s] 写入路径已关闭，订单 %s 的确认结果未回写", s.broker, req.OrderID)
	}
}

// applyAck 处理下单结果，在写入协程上执行
func (s *Service) applyAck(orderID string, ack *broker.OrderAck, err error) {
	s.mu.Lock()
	o, exists := s.orders[orderID]
	if !exists {
		s.mu.Unlock()
		return
	}

	var forward string
	var rej *liveerr.BrokerRejection
	switch {
	case err == nil:
		if o.BrokerOrderID == "" {
			o.BrokerOrderID = ack.BrokerOrderID
			s.byBroker[ack.BrokerOrderID] = o
		}
		o.AckTimeout = false
		if o.Status == broker.StatusPending {
			o.Status = broker.StatusOpen
		}
		if o.CancelRequested && !o.Status.IsTerminal() {
			forward = o.BrokerOrderID
		}

	case errors.As(err, &rej):
		if !o.Status.IsTerminal() {
			o.Status = broker.StatusRejected
			o.RejectReason = rej.Reason
			o.CancelRequested = false
			o.AckTimeout = false
			s.stats.Rejected++
		}

	default:
		// 确认丢失：订单可能已在券商侧存在，保持 PENDING，等待推送或对账按标签找回
		if o.Status == broker.StatusPending && o.BrokerOrderID == "" && !o.AckTimeout {
			o.AckTimeout = true
			s.stats.AckTimeouts++
			metrics.GetPrometheusMetrics().RecordAckTimeout(s.broker)
			warn := &liveerr.AckTimeout{OrderID: orderID, Timeout: time.Duration(s.ackTimeout.Load()).String()}
			logger.Warn("⏱️ [%s] %v (%v)", s.broker, warn, err)
		}
	}
	o.UpdatedAt = s.now()
	cp := o.clone()
	s.mu.Unlock()

	s.notify(cp)

	if forward != "" {
		logger.Info("↪️ [%s] 订单 %s 已确认，转发之前的撤单请求", s.broker, orderID)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.forwardCancel(orderID, forward)
		}()
	}
}

// Cancel 登记撤单请求并立即返回；已知券商订单号时转发券商
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	var (
		cp       *Order
		brokerID string
		already  bool
		markErr  error
	)
	if err := s.writer.Do(ctx, func() {
		cp, brokerID, already, markErr = s.markCancel(orderID)
	}); err != nil {
		return nil, err
	}
	if markErr != nil {
		return nil, markErr
	}

	if brokerID != "" && !already {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.forwardCancel(orderID, brokerID)
		}()
	}
	return cp, nil
}

// markCancel 在写入协程上设置撤单标记
func (s *Service) markCancel(orderID string) (*Order, string, bool, error) {
	s.mu.Lock()
	o, exists := s.orders[orderID]
	if !exists {
		s.mu.Unlock()
		return nil, "", false, &liveerr.NotFoundError{Object: "订单", ID: orderID}
	}
	if o.Status.IsTerminal() {
		state := string(o.Status)
		s.mu.Unlock()
		return nil, "", false, &liveerr.InvalidStateError{Object: "订单", ID: orderID, State: state, Op: "cancel"}
	}
	already := o.CancelRequested
	o.CancelRequested = true
	o.UpdatedAt = s.now()
	cp := o.clone()
	s.mu.Unlock()

	if !already {
		s.notify(cp)
	}
	return cp, cp.BrokerOrderID, already, nil
}

// forwardCancel 调用券商撤单；券商拒绝时清除撤单标记
func (s *Service) forwardCancel(orderID, brokerOrderID string) error {
	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cancelTimeout.Load()))
	defer cancel()

	err := s.exec.Cancel(ctx, orderID, brokerOrderID)
	if err != nil {
		logger.Warn("⚠️ [%s] 订单 %s 撤单失败: %v", s.broker, orderID, err)
		s.writer.Post(func() { s.clearCancelRequest(orderID) })
	}
	return err
}

func (s *Service) clearCancelRequest(orderID string) {
	s.mu.Lock()
	o, exists := s.orders[orderID]
	if !exists || o.Status.IsTerminal() || !o.CancelRequested {
		s.mu.Unlock()
		return
	}
	o.CancelRequested = false
	o.UpdatedAt = s.now()
	cp := o.clone()
	s.mu.Unlock()
	s.notify(cp)
}

// CancelAll 撤销所有未完成订单，逐个处理并报告部分失败
func (s *Service) CancelAll(ctx context.Context) *CancelReport {
	report := &CancelReport{Failed: make(map[string]string)}

	for _, o := range s.Open() {
		var (
			brokerID string
			markErr  error
		)
		if err := s.writer.Do(ctx, func() {
			_, brokerID, _, markErr = s.markCancel(o.OrderID)
		}); err != nil {
			report.Failed[o.OrderID] = err.Error()
			continue
		}
		if markErr != nil {
			// 期间已成交或已撤销
			if liveerr.IsInvalidState(markErr) {
				continue
			}
			report.Failed[o.OrderID] = markErr.Error()
			continue
		}
		if brokerID == "" {
			report.PendingAck = append(report.PendingAck, o.OrderID)
			continue
		}
		if err := s.forwardCancel(o.OrderID, brokerID); err != nil {
			report.Failed[o.OrderID] = err.Error()
			continue
		}
		report.Requested = append(report.Requested, o.OrderID)
	}

	logger.Info("🧹 [%s] 批量撤单: 已提交 %d, 待确认 %d, 失败 %d",
		s.broker, len(report.Requested), len(report.PendingAck), len(report.Failed))
	return report
}

// ApplyUpdate 合并券商订单推送，在写入协程上执行
// 按 broker_order_id 匹配，未确认的订单按标签匹配；序号不大于已存序号的推送被丢弃
func (s *Service) ApplyUpdate(snap *broker.OrderSnapshot) UpdateResult {
	if snap == nil {
		return UpdateUnknown
	}
	pm := metrics.GetPrometheusMetrics()

	s.mu.Lock()
	o := s.lookup(snap)
	if o == nil {
		s.stats.Unknown++
		s.mu.Unlock()
		pm.RecordEventDiscarded(s.broker, string(UpdateUnknown))
		logger.Debug("[%s] 忽略未知订单推送 %s (%s)", s.broker, snap.BrokerOrderID, snap.Status)
		return UpdateUnknown
	}
	if o.Status.IsTerminal() {
		s.stats.TerminalIgnored++
		s.mu.Unlock()
		pm.RecordEventDiscarded(s.broker, string(UpdateTerminal))
		return UpdateTerminal
	}
	if snap.Sequence <= o.Sequence {
		s.stats.StaleDiscarded++
		s.mu.Unlock()
		pm.RecordEventDiscarded(s.broker, string(UpdateStale))
		logger.Debug("[%s] 丢弃过期推送 %s seq=%d (已存 %d)", s.broker, o.OrderID, snap.Sequence, o.Sequence)
		return UpdateStale
	}
	fill := s.merge(o, snap)
	cp := o.clone()
	s.mu.Unlock()

	s.afterMerge(cp, fill)
	return UpdateApplied
}

// ForceSync 按券商快照强制推进订单（对账使用），返回是否发生变化
func (s *Service) ForceSync(snap *broker.OrderSnapshot) (*Order, bool) {
	if snap == nil {
		return nil, false
	}

	s.mu.Lock()
	o := s.lookup(snap)
	if o == nil {
		s.mu.Unlock()
		return nil, false
	}
	if o.Status.IsTerminal() || !drifted(o, snap) {
		cp := o.clone()
		s.mu.Unlock()
		return cp, false
	}

	forced := *snap
	if forced.Sequence <= o.Sequence {
		forced.Sequence = o.Sequence + 1
	}
	fill := s.merge(o, &forced)
	cp := o.clone()
	s.mu.Unlock()

	s.afterMerge(cp, fill)
	return cp, true
}

// drifted 券商状态是否领先于本地
func drifted(o *Order, snap *broker.OrderSnapshot) bool {
	if snap.Status.Rank() > o.Status.Rank() {
		return true
	}
	return snap.FilledQuantity > o.FilledQuantity && o.FilledQuantity < o.Quantity
}

// MarkMissing 确认丢失且券商侧查不到的订单置为 REJECTED（对账使用）
func (s *Service) MarkMissing(orderID, reason string) (*Order, bool) {
	s.mu.Lock()
	o, exists := s.orders[orderID]
	if !exists || o.Status != broker.StatusPending || o.BrokerOrderID != "" {
		s.mu.Unlock()
		return nil, false
	}
	o.Status = broker.StatusRejected
	o.RejectReason = reason
	o.AckTimeout = false
	o.CancelRequested = false
	o.UpdatedAt = s.now()
	s.stats.Rejected++
	cp := o.clone()
	s.mu.Unlock()

	logger.Warn("⚠️ [%s] 订单 %s 在券商侧不存在，置为 REJECTED: %s", s.broker, orderID, reason)
	s.notify(cp)
	return cp, true
}

// lookup 查找推送对应的订单，按标签找到时绑定券商订单号，调用方持有锁
func (s *Service) lookup(snap *broker.OrderSnapshot) *Order {
	if snap.BrokerOrderID != "" {
		if o, ok := s.byBroker[snap.BrokerOrderID]; ok {
			return o
		}
	}
	if snap.Tag == "" {
		return nil
	}
	o, ok := s.byTag[snap.Tag]
	if !ok {
		return nil
	}
	if o.BrokerOrderID == "" && snap.BrokerOrderID != "" {
		o.BrokerOrderID = snap.BrokerOrderID
		s.byBroker[snap.BrokerOrderID] = o
		if o.AckTimeout {
			logger.Info("🔗 [%s] 订单 %s 按标签找回券商订单号 %s", s.broker, o.OrderID, snap.BrokerOrderID)
		}
	} else if o.BrokerOrderID != snap.BrokerOrderID {
		return nil
	}
	return o
}

type fillDelta struct {
	qty   int64
	price float64
	first bool
}

// merge 合并状态和累计成交，调用方持有锁
func (s *Service) merge(o *Order, snap *broker.OrderSnapshot) fillDelta {
	status := snap.Status
	if status.Rank() < o.Status.Rank() {
		// 状态只能前进
		status = o.Status
	}

	filled := snap.FilledQuantity
	if status == broker.StatusFilled && filled == 0 {
		filled = o.Quantity
	}
	if filled > o.Quantity {
		logger.Warn("⚠️ [%s] 订单 %s 券商成交量 %d 超过委托量 %d，按委托量处理", s.broker, o.OrderID, filled, o.Quantity)
		filled = o.Quantity
	}

	var fill fillDelta
	if filled > o.FilledQuantity {
		delta := filled - o.FilledQuantity
		price := deltaPrice(o, snap, filled, delta)
		if price > 0 {
			total := decimal.NewFromFloat(o.AveragePrice).Mul(decimal.NewFromInt(o.FilledQuantity)).
				Add(decimal.NewFromFloat(price).Mul(decimal.NewFromInt(delta)))
			o.AveragePrice = total.Div(decimal.NewFromInt(filled)).InexactFloat64()
		}
		fill = fillDelta{qty: delta, price: price, first: o.FilledQuantity == 0}
		o.FilledQuantity = filled
	}

	switch {
	case o.FilledQuantity == o.Quantity:
		status = broker.StatusFilled
	case o.FilledQuantity > 0 && status.Rank() < broker.StatusPartiallyFilled.Rank():
		status = broker.StatusPartiallyFilled
	}

	prev := o.Status
	o.Status = status
	o.Sequence = snap.Sequence
	o.UpdatedAt = s.now()
	o.AckTimeout = false
	if status == broker.StatusRejected && snap.Message != "" {
		o.RejectReason = snap.Message
	}

	if status.IsTerminal() && !prev.IsTerminal() {
		switch status {
		case broker.StatusFilled:
			s.stats.Filled++
			if o.CancelRequested {
				logger.Info("ℹ️ [%s] 订单 %s 撤单请求期间已全部成交，以券商成交为准", s.broker, o.OrderID)
			}
		case broker.StatusCancelled:
			s.stats.Cancelled++
		case broker.StatusRejected:
			s.stats.Rejected++
		}
		o.CancelRequested = false
	}
	return fill
}

// deltaPrice 本次增量成交价：优先最新成交价，其次由累计均价反推，最后用委托价
func deltaPrice(o *Order, snap *broker.OrderSnapshot, filled, delta int64) float64 {
	if snap.LastFillPrice > 0 {
		return snap.LastFillPrice
	}
	if snap.AveragePrice > 0 {
		total := decimal.NewFromFloat(snap.AveragePrice).Mul(decimal.NewFromInt(filled)).
			Sub(decimal.NewFromFloat(o.AveragePrice).Mul(decimal.NewFromInt(o.FilledQuantity)))
		p := total.Div(decimal.NewFromInt(delta))
		if p.IsPositive() {
			return p.InexactFloat64()
		}
		return snap.AveragePrice
	}
	return o.Price
}

// afterMerge 把成交增量交给持仓跟踪器并通知观察者，在写入协程上执行
func (s *Service) afterMerge(o *Order, fill fillDelta) {
	if fill.qty > 0 {
		metrics.GetPrometheusMetrics().RecordFill(s.broker, o.Symbol, string(o.Side), fill.qty)
		res, err := s.tracker.ApplyFill(o.Symbol, o.Side, fill.qty, fill.price)
		if err != nil {
			logger.Error("❌ [%s] 订单 %s 成交无法计入持仓（等待对账修正）: %v", s.broker, o.OrderID, err)
		} else {
			if fill.first && res.Position != nil && res.Position.Side.Sign() == o.Side.Sign() {
				s.applyBracket(o, res)
			}
			if s.observer != nil {
				s.observer.PositionFilled(o, res)
			}
		}
	}
	s.notify(o)
}

// applyBracket 开仓订单首次成交时把止损止盈带到持仓上
func (s *Service) applyBracket(o *Order, res *position.FillResult) {
	if o.StopLoss != nil {
		if p, err := s.tracker.SetStopLoss(o.Symbol, *o.StopLoss, false); err == nil {
			res.Position = p
		}
	}
	if o.Target != nil {
		if p, err := s.tracker.SetTarget(o.Symbol, *o.Target); err == nil {
			res.Position = p
		}
	}
}

func (s *Service) notify(o *Order) {
	if s.observer != nil {
		s.observer.OrderChanged(o)
	}
}

// Get 查询订单
func (s *Service) Get(orderID string) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, exists := s.orders[orderID]
	if !exists {
		return nil, &liveerr.NotFoundError{Object: "订单", ID: orderID}
	}
	return o.clone(), nil
}

// List 所有订单（按下单顺序）
func (s *Service) List() []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Order, 0, len(s.sequence))
	for _, id := range s.sequence {
		out = append(out, s.orders[id].clone())
	}
	return out
}

// Open 未终结的订单
func (s *Service) Open() []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Order, 0)
	for _, id := range s.sequence {
		if o := s.orders[id]; !o.Status.IsTerminal() {
			out = append(out, o.clone())
		}
	}
	return out
}

// Unacked 确认超时且尚未绑定券商订单号的订单，按下单时间排序
func (s *Service) Unacked() []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Order, 0)
	for _, o := range s.orders {
		if o.AckTimeout && o.BrokerOrderID == "" && o.Status == broker.StatusPending {
			out = append(out, o.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PlacedAt.Before(out[j].PlacedAt) })
	return out
}

// Stats 订单计数
func (s *Service) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Close 停止后台提交并等待完成
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
