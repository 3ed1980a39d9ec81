package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWriterRunsInOrder(t *testing.T) {
	w := NewWriter(16)
	w.Start()
	defer w.Stop()

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		if !w.Post(func() { got = append(got, i) }) {
			t.Fatal("写入协程运行中 Post 应成功")
		}
	}
	if err := w.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do 失败: %v", err)
	}

	if len(got) != 10 {
		t.Fatalf("期望 10 个任务, 得到 %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Errorf("第 %d 个任务期望 %d, 得到 %d", i, i, v)
		}
	}
}

func TestWriterSerializesConcurrentCallers(t *testing.T) {
	w := NewWriter(0)
	w.Start()
	defer w.Stop()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = w.Do(context.Background(), func() { counter++ })
		}()
	}
	wg.Wait()

	if counter != 50 {
		t.Errorf("期望 %d, 得到 %d", 50, counter)
	}
}

func TestWriterStopped(t *testing.T) {
	w := NewWriter(4)
	w.Start()
	w.Stop()

	if w.Post(func() {}) {
		t.Error("停止后 Post 应返回 false")
	}
	if err := w.Do(context.Background(), func() {}); !errors.Is(err, ErrWriterStopped) {
		t.Errorf("期望 %v, 得到 %v", ErrWriterStopped, err)
	}
	// 重复停止不阻塞
	w.Stop()
}

func TestWriterStopWithoutStart(t *testing.T) {
	w := NewWriter(4)
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("未启动的写入协程 Stop 不应阻塞")
	}
}

func TestWriterDoRespectsContext(t *testing.T) {
	w := NewWriter(4)
	w.Start()
	defer w.Stop()

	release := make(chan struct{})
	w.Post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Do(ctx, func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("期望 %v, 得到 %v", context.DeadlineExceeded, err)
	}
}

func TestWriterStopDropsQueuedTasks(t *testing.T) {
	w := NewWriter(8)
	var ran, dropped atomic.Int32
	for i := 0; i < 3; i++ {
		if !w.PostOrDrop(func() { ran.Add(1) }, func() { dropped.Add(1) }) {
			t.Fatal("未停止的写入协程应接受任务")
		}
	}

	// 未启动就停止，队列中的任务全部丢弃
	w.Stop()
	if ran.Load() != 0 || dropped.Load() != 3 {
		t.Errorf("期望 执行=0 丢弃=3, 得到 执行=%d 丢弃=%d", ran.Load(), dropped.Load())
	}
	if w.PostOrDrop(func() {}, func() { dropped.Add(1) }) {
		t.Error("停止后 PostOrDrop 应返回 false")
	}
	if dropped.Load() != 3 {
		t.Errorf("入队失败不应回调 drop, 得到 %d", dropped.Load())
	}
}

func TestWriterStopAccountsForEveryTask(t *testing.T) {
	w := NewWriter(16)
	w.Start()

	running := make(chan struct{})
	release := make(chan struct{})
	w.Post(func() {
		close(running)
		<-release
	})
	<-running

	var ran, dropped atomic.Int32
	for i := 0; i < 10; i++ {
		w.PostOrDrop(func() { ran.Add(1) }, func() { dropped.Add(1) })
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	close(release)
	<-stopped

	if total := ran.Load() + dropped.Load(); total != 10 {
		t.Errorf("期望 %d, 得到 %d (执行=%d 丢弃=%d)", 10, total, ran.Load(), dropped.Load())
	}
}
