package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"optionsdesk/broker"
	"optionsdesk/config"
	"optionsdesk/event"
	"optionsdesk/indicators"
	"optionsdesk/liveerr"
	"optionsdesk/lock"
	"optionsdesk/logger"
	"optionsdesk/order"
	"optionsdesk/position"
	"optionsdesk/safety"
	"optionsdesk/stream"
	"optionsdesk/utils"
)

// GatewayFactory 创建券商网关
type GatewayFactory func(cfg *config.Config, name string, mode broker.Mode) (broker.Gateway, error)

// Manager 会话管理器
type Manager struct {
	lock    lock.DistributedLock
	bus     *event.EventBus
	factory GatewayFactory
	journal safety.ReportStore

	cfgMu sync.RWMutex
	cfg   *config.Config

	mu       sync.RWMutex
	sessions map[string]*runtime // broker -> 最近一次会话（运行中或已冻结）
	current  string              // 最近启动的券商
}

// NewManager 创建会话管理器
func NewManager(cfg *config.Config, distributedLock lock.DistributedLock, bus *event.EventBus) *Manager {
	if distributedLock == nil {
		distributedLock = lock.NewNopLock()
	}
	return &Manager{
		lock:     distributedLock,
		bus:      bus,
		factory:  broker.NewGateway,
		cfg:      cfg,
		sessions: make(map[string]*runtime),
	}
}

// SetGatewayFactory 替换网关构造（测试使用）
func (m *Manager) SetGatewayFactory(f GatewayFactory) {
	m.factory = f
}

// SetJournal 设置对账报告存储
func (m *Manager) SetJournal(store safety.ReportStore) {
	m.journal = store
}

func (m *Manager) config() *config.Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// Start 启动会话
// 同一券商已有运行中的会话（本进程或其他实例）时返回 AlreadyRunningError
func (m *Manager) Start(ctx context.Context, brokerName string, mode broker.Mode, capital float64) (*Session, error) {
	cfg := m.config()
	brokerName = strings.ToLower(strings.TrimSpace(brokerName))
	if brokerName == "" {
		brokerName = cfg.App.DefaultBroker
	}
	if mode == "" {
		mode = broker.ModeSandbox
	}
	if mode != broker.ModeSandbox && mode != broker.ModeLive {
		return nil, liveerr.NewValidation("mode", fmt.Sprintf("未知会话模式 %s", mode))
	}
	if capital < 0 {
		return nil, liveerr.NewValidation("capital", "不能为负数")
	}

	rt := &runtime{
		id:      utils.NewSessionID(),
		broker:  brokerName,
		mode:    mode,
		capital: capital,
		bus:     m.bus,
		status:  StatusStarting,
	}

	m.mu.Lock()
	prev, hasPrev := m.sessions[brokerName]
	if hasPrev {
		if st := prev.getStatus(); st != StatusStopped {
			m.mu.Unlock()
			return nil, &liveerr.AlreadyRunningError{Broker: brokerName, SessionID: prev.id}
		}
	}
	m.sessions[brokerName] = rt
	m.mu.Unlock()

	// 启动失败时恢复之前冻结的会话
	fail := func(err error) (*Session, error) {
		m.mu.Lock()
		if m.sessions[brokerName] == rt {
			if hasPrev {
				m.sessions[brokerName] = prev
			} else {
				delete(m.sessions, brokerName)
			}
		}
		m.mu.Unlock()
		rt.setStatus(StatusStopped)
		return nil, err
	}

	ttl := sessionTTL(cfg)
	acquired, err := m.lock.TryLock(ctx, lock.SessionKey(brokerName), ttl)
	if err != nil {
		return fail(fmt.Errorf("获取会话锁失败: %w", err))
	}
	if !acquired {
		return fail(&liveerr.AlreadyRunningError{Broker: brokerName})
	}
	releaseLock := func() {
		if err := m.lock.Unlock(context.Background(), lock.SessionKey(brokerName)); err != nil {
			logger.Warn("⚠️ [%s] 释放会话锁失败: %v", brokerName, err)
		}
	}

	rt.setStatus(StatusStarting)
	logger.Info("🚀 [%s] 启动会话 %s (%s, 资金 %.2f)", brokerName, rt.id, mode, capital)

	gw, err := m.factory(cfg, brokerName, mode)
	if err != nil {
		releaseLock()
		return fail(err)
	}
	if err := gw.Authenticate(ctx); err != nil {
		releaseLock()
		logger.Error("❌ [%s] 券商认证失败: %v", brokerName, err)
		return fail(fmt.Errorf("%s 认证失败: %w", brokerName, err))
	}

	m.build(rt, gw, cfg)

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.done = make(chan struct{})
	rt.mu.Lock()
	rt.startedAt = time.Now()
	rt.mu.Unlock()

	rt.writer.Start()
	rt.setStatus(StatusRunning)
	rt.dispatcher.Start(runCtx)
	rt.reconciler.Start(runCtx)
	go m.keepAlive(runCtx, rt, ttl)

	m.mu.Lock()
	m.current = brokerName
	m.mu.Unlock()

	logger.Info("✅ [%s] 会话 %s 已运行，等待推送连接和首次对账后接受订单", brokerName, rt.id)
	return rt.view(), nil
}

// build 组装会话组件
func (m *Manager) build(rt *runtime, gw broker.Gateway, cfg *config.Config) {
	lockTTL := sessionTTL(cfg)
	ackTimeout := cfg.AckTimeoutFor(rt.broker)

	rt.gw = gw
	rt.writer = stream.NewWriter(cfg.Stream.BufferSize)
	rt.tracker = position.NewTracker()
	rt.candles = safety.NewCandleBook(cfg.Risk.MaxCandles)
	rt.levels = safety.NewLevelsBook()

	exec := order.NewExecutor(gw, m.lock, cfg.Trading.OrderRate, lockTTL)
	rt.orders = order.NewService(order.Options{
		Broker:        rt.broker,
		AckTimeout:    ackTimeout,
		CancelTimeout: time.Duration(cfg.Trading.CancelTimeout) * time.Second,
		Gate:          rt.gate,
	}, exec, rt.writer, rt.tracker, rt)

	rt.reconciler = safety.NewReconciler(safety.ReconcilerOptions{
		Broker:         rt.broker,
		SessionID:      rt.id,
		Interval:       time.Duration(cfg.Trading.ReconcileInterval) * time.Second,
		PriceTolerance: cfg.Trading.PriceTolerance,
		EscalateAfter:  cfg.Trading.EscalateAfter,
		MissingAfter:   ackTimeout,
		LockTTL:        lockTTL,
	}, gw, rt.writer, rt.orders, rt.tracker, m.lock)
	if m.journal != nil {
		rt.reconciler.SetStorage(m.journal)
	}
	rt.reconciler.OnReport(rt.onReport)
	rt.reconciler.OnEscalate(rt.onEscalate)

	rt.recommender = safety.NewStopLossRecommender(riskParams(cfg), rt.tracker, rt.tracker, rt.writer, rt.candles, rt.levels)

	rt.dispatcher = stream.NewDispatcher(stream.Options{
		Name:         rt.broker,
		InitialDelay: time.Duration(cfg.Stream.ReconnectInitialDelay) * time.Second,
		MaxDelay:     time.Duration(cfg.Stream.ReconnectMaxDelay) * time.Second,
		DegradeAfter: cfg.Stream.DegradeAfter,
	}, gw, rt.writer, rt.handleEvent, func(ctx context.Context) error {
		_, err := rt.reconciler.Reconcile(ctx, safety.TriggerReconnect)
		return err
	})
	rt.dispatcher.OnStateChange(rt.onStreamState)
}

func sessionTTL(cfg *config.Config) time.Duration {
	if ttl := lock.DefaultTTL(cfg); ttl > 0 {
		return ttl
	}
	return 30 * time.Second
}

func riskParams(cfg *config.Config) safety.RiskParams {
	return safety.RiskParams{
		ATRMultiplier:   cfg.Risk.ATRMultiplier,
		ATRPeriod:       cfg.Risk.ATRPeriod,
		StopLossPercent: cfg.Risk.StopLossPercent,
		RiskReward:      cfg.Risk.RiskReward,
	}
}

// keepAlive 定期续期会话锁，会话停止时退出
func (m *Manager) keepAlive(ctx context.Context, rt *runtime, ttl time.Duration) {
	defer close(rt.done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.lock.Extend(ctx, lock.SessionKey(rt.broker), ttl); err != nil && ctx.Err() == nil {
				logger.Error("❌ [%s] 会话锁续期失败: %v", rt.broker, err)
			}
		}
	}
}

// Stop 停止当前会话
// 只支持保留持仓停止；平仓请先调用 SquareOff。停止后持仓和订单保持只读可查
func (m *Manager) Stop(ctx context.Context, squareOff bool) (*Session, error) {
	if squareOff {
		return nil, liveerr.NewValidation("square_off_positions", "停止时不支持自动平仓，请先执行紧急平仓")
	}
	rt, err := m.active("stop")
	if err != nil {
		return nil, err
	}
	m.stop(ctx, rt)

	// 其他券商仍在运行时，后续命令和查询转到最近启动的那个
	if next := m.latestRunning(); next != nil {
		m.mu.Lock()
		if m.current == rt.broker {
			m.current = next.broker
			logger.Info("🔀 当前会话切换到 [%s] %s", next.broker, next.id)
		}
		m.mu.Unlock()
	}
	return rt.view(), nil
}

func (m *Manager) stop(ctx context.Context, rt *runtime) {
	rt.mu.Lock()
	if rt.status != StatusRunning {
		rt.mu.Unlock()
		return
	}
	rt.status = StatusStopping
	rt.mu.Unlock()
	rt.setStatus(StatusStopping)
	logger.Info("⏹️ [%s] 正在停止会话 %s", rt.broker, rt.id)

	rt.dispatcher.Stop()
	rt.cancel()
	<-rt.done
	rt.orders.Close()
	rt.writer.Stop()

	if err := m.lock.Unlock(ctx, lock.SessionKey(rt.broker)); err != nil {
		logger.Warn("⚠️ [%s] 释放会话锁失败: %v", rt.broker, err)
	}
	rt.setStatus(StatusStopped)
	logger.Info("✅ [%s] 会话 %s 已停止，持仓保留 %d 个", rt.broker, rt.id, len(rt.tracker.Symbols()))
}

// SquareOff 紧急平仓：撤销所有挂单，按市价平掉所有持仓，逐个报告失败
func (m *Manager) SquareOff(ctx context.Context) (*SquareOffReport, error) {
	rt, err := m.active("square_off")
	if err != nil {
		return nil, err
	}
	return rt.squareOff(ctx), nil
}

// latest 最近一次会话（含已停止）
func (m *Manager) latest() *runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == "" {
		return nil
	}
	return m.sessions[m.current]
}

// latestRunning 运行中且最近启动的会话
func (m *Manager) latestRunning() *runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *runtime
	var bestStarted time.Time
	for _, rt := range m.sessions {
		rt.mu.RLock()
		running, started := rt.status == StatusRunning, rt.startedAt
		rt.mu.RUnlock()
		if running && (best == nil || started.After(bestStarted)) {
			best, bestStarted = rt, started
		}
	}
	return best
}

// active 运行中的当前会话，当前会话已停止时退回到其他运行中的会话
func (m *Manager) active(op string) (*runtime, error) {
	rt := m.latest()
	if rt == nil || rt.getStatus() != StatusRunning {
		if alt := m.latestRunning(); alt != nil {
			return alt, nil
		}
	}
	if rt == nil {
		return nil, &liveerr.InvalidStateError{Object: "会话", ID: "-", State: string(StatusStopped), Op: op}
	}
	if st := rt.getStatus(); st != StatusRunning {
		return nil, &liveerr.InvalidStateError{Object: "会话", ID: rt.id, State: string(st), Op: op}
	}
	return rt, nil
}

// viewable 最近一次会话，停止后仍可查询
func (m *Manager) viewable() (*runtime, error) {
	rt := m.latest()
	if rt == nil || rt.tracker == nil {
		return nil, &liveerr.NotFoundError{Object: "会话", ID: "current"}
	}
	return rt, nil
}

// Current 当前会话，从未启动过时返回 nil
func (m *Manager) Current() *Session {
	rt := m.latest()
	if rt == nil {
		return nil
	}
	return rt.view()
}

// Get 按券商查询会话
func (m *Manager) Get(brokerName string) (*Session, error) {
	m.mu.RLock()
	rt, ok := m.sessions[strings.ToLower(brokerName)]
	m.mu.RUnlock()
	if !ok {
		return nil, &liveerr.NotFoundError{Object: "会话", ID: brokerName}
	}
	return rt.view(), nil
}

// Positions 当前会话持仓
func (m *Manager) Positions() ([]*position.Position, error) {
	rt, err := m.viewable()
	if err != nil {
		return nil, err
	}
	return rt.tracker.Snapshot(), nil
}

// Allocation 当前会话资金占用
func (m *Manager) Allocation() (*position.AllocationStatus, error) {
	rt, err := m.viewable()
	if err != nil {
		return nil, err
	}
	return rt.tracker.Allocation(rt.capital), nil
}

// Orders 当前会话订单
func (m *Manager) Orders() ([]*order.Order, error) {
	rt, err := m.viewable()
	if err != nil {
		return nil, err
	}
	return rt.orders.List(), nil
}

// Order 查询单个订单
func (m *Manager) Order(orderID string) (*order.Order, error) {
	rt, err := m.viewable()
	if err != nil {
		return nil, err
	}
	return rt.orders.Get(orderID)
}

// PlaceOrder 下单
func (m *Manager) PlaceOrder(ctx context.Context, req *order.PlaceRequest) (*order.Order, error) {
	rt, err := m.active("place")
	if err != nil {
		return nil, err
	}
	return rt.orders.Place(ctx, req)
}

// CancelOrder 撤单
func (m *Manager) CancelOrder(ctx context.Context, orderID string) (*order.Order, error) {
	rt, err := m.active("cancel")
	if err != nil {
		return nil, err
	}
	return rt.orders.Cancel(ctx, orderID)
}

// Reconcile 手动对账
func (m *Manager) Reconcile(ctx context.Context) (*safety.Report, error) {
	rt, err := m.active("reconcile")
	if err != nil {
		return nil, err
	}
	return rt.reconciler.Reconcile(ctx, safety.TriggerManual)
}

// LastReconcile 最近一次对账报告
func (m *Manager) LastReconcile() (*safety.Report, error) {
	rt, err := m.viewable()
	if err != nil {
		return nil, err
	}
	report := rt.reconciler.LastReport()
	if report == nil {
		return nil, &liveerr.NotFoundError{Object: "对账报告", ID: rt.id}
	}
	return report, nil
}

// Recommend 止损建议
func (m *Manager) Recommend(symbol string) (*safety.SLRecommendation, error) {
	rt, err := m.viewable()
	if err != nil {
		return nil, err
	}
	return rt.recommender.Recommend(strings.ToUpper(strings.TrimSpace(symbol)))
}

// ApplyStopLoss 设置持仓止损
func (m *Manager) ApplyStopLoss(ctx context.Context, req *safety.ApplyRequest) (*position.Position, error) {
	rt, err := m.active("stop_loss")
	if err != nil {
		return nil, err
	}
	return rt.recommender.Apply(ctx, req)
}

// IngestTicks 上游行情
// 模拟撮合网关先撮合挂单，然后经写入协程更新持仓价格
func (m *Manager) IngestTicks(ticks []broker.PriceTick) (int, error) {
	rt, err := m.active("ticks")
	if err != nil {
		return 0, err
	}
	setter, simulated := rt.gw.(broker.PriceSetter)

	accepted := 0
	for _, tick := range ticks {
		symbol := strings.ToUpper(strings.TrimSpace(tick.Symbol))
		if symbol == "" || tick.Price <= 0 {
			continue
		}
		if simulated {
			setter.SetPrice(symbol, tick.Price)
		}
		price := tick.Price
		if rt.writer.Post(func() { rt.applyTick(symbol, price) }) {
			accepted++
		}
	}
	return accepted, nil
}

// AddCandles 上游K线
func (m *Manager) AddCandles(symbol string, candles []indicators.Candle) error {
	rt, err := m.viewable()
	if err != nil {
		return err
	}
	return rt.candles.Add(symbol, candles...)
}

// SetLevels 上游支撑/阻力位
func (m *Manager) SetLevels(symbol string, levels safety.Levels) error {
	rt, err := m.viewable()
	if err != nil {
		return err
	}
	return rt.levels.Set(symbol, levels)
}

// ApplyConfig 热更新：把超时、对账和止损参数推送给运行中的会话
func (m *Manager) ApplyConfig(cfg *config.Config) {
	m.cfgMu.Lock()
	m.cfg = cfg
	m.cfgMu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, rt := range m.sessions {
		if rt.getStatus() != StatusRunning {
			continue
		}
		rt.orders.SetTimeouts(cfg.AckTimeoutFor(name), time.Duration(cfg.Trading.CancelTimeout)*time.Second)
		rt.reconciler.SetInterval(time.Duration(cfg.Trading.ReconcileInterval) * time.Second)
		rt.reconciler.SetTolerance(cfg.Trading.PriceTolerance, cfg.Trading.EscalateAfter)
		rt.recommender.SetParams(riskParams(cfg))
		rt.candles.SetLimit(cfg.Risk.MaxCandles)
		logger.Info("🔄 [%s] 会话参数已热更新", name)
	}
}

// Shutdown 停止所有运行中的会话（进程退出时调用）
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.RLock()
	running := make([]*runtime, 0, len(m.sessions))
	for _, rt := range m.sessions {
		if rt.getStatus() == StatusRunning {
			running = append(running, rt)
		}
	}
	m.mu.RUnlock()

	for _, rt := range running {
		m.stop(ctx, rt)
	}
}
