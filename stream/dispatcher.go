package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"optionsdesk/broker"
	"optionsdesk/liveerr"
	"optionsdesk/logger"
	"optionsdesk/metrics"
)

// Handler 处理一条推送，在写入协程上执行
type Handler func(ev *broker.Event)

// ConnectHook 每次连接（含重连）成功后执行，返回 nil 之前不接受新订单
type ConnectHook func(ctx context.Context) error

// Options 推送连接配置
type Options struct {
	Name         string
	InitialDelay time.Duration
	MaxDelay     time.Duration
	DegradeAfter int // 连续失败次数达到后标记降级
}

// State 推送连接状态
type State struct {
	Connected      bool      `json:"connected"`
	Accepting      bool      `json:"accepting_orders"`
	Degraded       bool      `json:"degraded"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	Failures       int       `json:"consecutive_failures"`
	Reconnects     int64     `json:"reconnects"`
	Received       uint64    `json:"events_received"`
	Applied        uint64    `json:"events_applied"`
	Dropped        uint64    `json:"events_dropped"`
	LastConnected  time.Time `json:"last_connected,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Dispatcher 推送分发器
type Dispatcher struct {
	opts      Options
	gw        broker.Gateway
	writer    *Writer
	handler   Handler
	onConnect ConnectHook

	listenerMu sync.RWMutex
	listener   func(State)

	mu    sync.RWMutex
	state State

	received atomic.Uint64
	applied  atomic.Uint64
	dropped  atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher 创建推送分发器
func NewDispatcher(opts Options, gw broker.Gateway, writer *Writer, handler Handler, onConnect ConnectHook) *Dispatcher {
	if opts.Name == "" {
		opts.Name = gw.GetName()
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	if opts.DegradeAfter <= 0 {
		opts.DegradeAfter = 5
	}
	return &Dispatcher{
		opts:      opts,
		gw:        gw,
		writer:    writer,
		handler:   handler,
		onConnect: onConnect,
	}
}

// OnStateChange 注册状态变化回调
func (d *Dispatcher) OnStateChange(fn func(State)) {
	d.listenerMu.Lock()
	d.listener = fn
	d.listenerMu.Unlock()
}

// Start 启动连接循环
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Add(1)
	go d.connectLoop(ctx)
}

// Stop 断开连接并等待连接循环退出
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// State 当前状态
func (d *Dispatcher) State() State {
	d.mu.RLock()
	st := d.state
	d.mu.RUnlock()
	st.Received = d.received.Load()
	st.Applied = d.applied.Load()
	st.Dropped = d.dropped.Load()
	return st
}

// AcceptingOrders 连接正常且重连后对账已完成时返回 nil
func (d *Dispatcher) AcceptingOrders() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.state.Accepting {
		return nil
	}
	state := "DISCONNECTED"
	if d.state.Connected {
		state = "RECONCILING"
	}
	return &liveerr.InvalidStateError{Object: "推送连接", ID: d.opts.Name, State: state, Op: "place"}
}

func (d *Dispatcher) connectLoop(ctx context.Context) {
	defer d.wg.Done()
	pm := metrics.GetPrometheusMetrics()

	delay := d.opts.InitialDelay
	failures := 0
	for {
		connected, err := d.runOnce(ctx)
		if ctx.Err() != nil {
			d.update(func(s *State) {
				s.Connected = false
				s.Accepting = false
			})
			pm.SetWebSocketStatus(d.opts.Name, false)
			return
		}

		if connected {
			failures = 0
			delay = d.opts.InitialDelay
			logger.Warn("🔌 %v", &liveerr.StreamDisconnect{Broker: d.opts.Name, Attempt: 1, Cause: err})
		} else {
			failures++
			disc := &liveerr.StreamDisconnect{Broker: d.opts.Name, Attempt: failures, Cause: err}
			logger.Warn("⚠️ %v，%s 后重试", disc, delay)
			if failures >= d.opts.DegradeAfter {
				d.markDegraded(failures, disc)
			}
		}

		d.update(func(s *State) {
			s.Connected = false
			s.Accepting = false
			s.Failures = failures
			s.Reconnects++
			if err != nil {
				s.LastError = err.Error()
			}
		})
		pm.SetWebSocketStatus(d.opts.Name, false)
		pm.RecordWebSocketReconnect(d.opts.Name)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > d.opts.MaxDelay {
			delay = d.opts.MaxDelay
		}
	}
}

// runOnce 建立一次连接并运行到断开，connected 表示曾完成连接和对账
func (d *Dispatcher) runOnce(ctx context.Context) (bool, error) {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch, err := d.gw.Subscribe(subCtx)
	if err != nil {
		return false, fmt.Errorf("订阅推送失败: %w", err)
	}

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		d.pump(subCtx, ch)
	}()

	d.update(func(s *State) { s.Connected = true })
	logger.Info("🔗 [%s] 推送已连接，执行对账后恢复下单", d.opts.Name)

	if d.onConnect != nil {
		if err := d.onConnect(subCtx); err != nil {
			cancel()
			<-pumpDone
			return false, fmt.Errorf("连接后对账失败: %w", err)
		}
	}

	d.update(func(s *State) {
		s.Accepting = true
		s.Failures = 0
		s.LastConnected = time.Now()
		s.LastError = ""
		if s.Degraded {
			logger.Info("✅ [%s] 推送已恢复，解除降级", d.opts.Name)
		}
		s.Degraded = false
		s.DegradedReason = ""
	})
	metrics.GetPrometheusMetrics().SetWebSocketStatus(d.opts.Name, true)

	<-pumpDone
	return true, nil
}

// pump 把推送按接收顺序送入写入协程
func (d *Dispatcher) pump(ctx context.Context, ch <-chan *broker.Event) {
	pm := metrics.GetPrometheusMetrics()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.received.Add(1)
			if ev == nil {
				d.dropped.Add(1)
				pm.RecordEventDiscarded(d.opts.Name, "empty")
				continue
			}
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = time.Now()
			}
			pm.RecordEventReceived(d.opts.Name, string(ev.Kind))
			discard := func() {
				d.dropped.Add(1)
				pm.RecordEventDiscarded(d.opts.Name, "writer_stopped")
			}
			if !d.writer.PostOrDrop(func() {
				d.handler(ev)
				d.applied.Add(1)
			}, discard) {
				discard()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) markDegraded(failures int, cause error) {
	d.mu.RLock()
	already := d.state.Degraded
	d.mu.RUnlock()
	if !already {
		logger.Error("🚨 [%s] 推送连续 %d 次重连失败，会话标记为降级（不会停止）", d.opts.Name, failures)
	}
	d.update(func(s *State) {
		s.Degraded = true
		s.DegradedReason = cause.Error()
	})
}

func (d *Dispatcher) update(fn func(s *State)) {
	d.mu.Lock()
	fn(&d.state)
	d.mu.Unlock()

	d.listenerMu.RLock()
	listener := d.listener
	d.listenerMu.RUnlock()
	if listener != nil {
		listener(d.State())
	}
}
