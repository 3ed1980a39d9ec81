// Package stream 券商推送的唯一入口
//
// Writer 是会话的单写入协程，所有订单和持仓修改都按接收顺序在这里执行；
// Dispatcher 负责推送连接、断线重连、重连后的强制对账和降级标记。
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrWriterStopped 写入协程已停止
var ErrWriterStopped = errors.New("写入协程已停止")

type task struct {
	run  func()
	drop func() // 停止时仍在队列中未执行
}

// Writer 单写入协程
type Writer struct {
	ops     chan task
	mu      sync.RWMutex // 入队持读锁，Stop 持写锁等待入队结束后再清空队列
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	started sync.Once
}

// NewWriter 创建写入协程，buffer 为排队任务上限
func NewWriter(buffer int) *Writer {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Writer{
		ops:  make(chan task, buffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start 启动写入协程（重复调用无效）
func (w *Writer) Start() {
	w.started.Do(func() {
		go w.loop()
	})
}

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case t := <-w.ops:
			t.run()
		case <-w.quit:
			return
		}
	}
}

// Do 在写入协程上执行 fn 并等待完成
// 不得在写入协程内部调用，否则会死锁
func (w *Writer) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	t := task{run: func() {
		defer close(finished)
		fn()
	}}

	if err := w.enqueue(ctx, t); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWriterStopped
	}
}

// Post 排队执行 fn，队列满时阻塞，写入协程停止后返回 false
func (w *Writer) Post(fn func()) bool {
	return w.PostOrDrop(fn, nil)
}

// PostOrDrop 同 Post，fn 入队后未执行就被 Stop 丢弃时调用 drop
func (w *Writer) PostOrDrop(fn, drop func()) bool {
	return w.enqueue(context.Background(), task{run: fn, drop: drop}) == nil
}

func (w *Writer) enqueue(ctx context.Context, t task) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	select {
	case <-w.quit:
		return ErrWriterStopped
	default:
	}
	select {
	case w.ops <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-w.quit:
		return ErrWriterStopped
	}
}

// Stop 停止写入协程，已排队未执行的任务被丢弃并回调各自的 drop
func (w *Writer) Stop() {
	w.once.Do(func() {
		close(w.quit)
	})
	// 等待正在入队的调用返回，此后不会再有任务进入队列
	w.mu.Lock()
	w.mu.Unlock()

	w.started.Do(func() {
		close(w.done)
	})
	<-w.done

	for {
		select {
		case t := <-w.ops:
			if t.drop != nil {
				t.drop()
			}
		default:
			return
		}
	}
}
