package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"optionsdesk/logger"
	"optionsdesk/metrics"
)

// StreamOptions 券商推送连接参数
type StreamOptions struct {
	Name         string
	URL          string
	Header       http.Header
	Subscribe    []interface{} // 连接后依次发送的订阅消息
	PingInterval time.Duration
	BufferSize   int
	Decode       func(message []byte) ([]*Event, error)
	Dialer       *websocket.Dialer
}

type wsStream struct {
	opts    StreamOptions
	conn    *websocket.Conn
	out     chan *Event
	writeMu sync.Mutex
	done    chan struct{}
}

// DialStream 建立推送连接，返回的通道在连接断开或 ctx 结束时关闭
// 重连由上层调度器负责
func DialStream(ctx context.Context, opts StreamOptions) (<-chan *Event, error) {
	if opts.Decode == nil {
		return nil, fmt.Errorf("%s 推送未设置解码函数", opts.Name)
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 256
	}

	conn, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s 推送连接失败 (HTTP %d): %w", opts.Name, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%s 推送连接失败: %w", opts.Name, err)
	}

	for _, msg := range opts.Subscribe {
		if err := conn.WriteJSON(msg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s 发送订阅消息失败: %w", opts.Name, err)
		}
	}

	s := &wsStream{
		opts: opts,
		conn: conn,
		out:  make(chan *Event, opts.BufferSize),
		done: make(chan struct{}),
	}

	if opts.PingInterval > 0 {
		s.extendDeadline()
		conn.SetPongHandler(func(string) error {
			s.extendDeadline()
			return nil
		})
		go s.pingLoop()
	}
	go s.closeOnCancel(ctx)
	go s.readLoop(ctx)

	logger.Info("🔌 [%s] 推送已连接: %s", opts.Name, opts.URL)
	return s.out, nil
}

func (s *wsStream) extendDeadline() {
	_ = s.conn.SetReadDeadline(time.Now().Add(2*s.opts.PingInterval + 5*time.Second))
}

func (s *wsStream) closeOnCancel(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.conn.Close()
	case <-s.done:
	}
}

func (s *wsStream) readLoop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("❌ [%s] 推送处理 panic: %v", s.opts.Name, r)
		}
		close(s.done)
		s.conn.Close()
		close(s.out)
	}()

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("⚠️ [%s] 推送读取失败: %v", s.opts.Name, err)
			}
			return
		}
		if s.opts.PingInterval > 0 {
			s.extendDeadline()
		}

		events, err := s.opts.Decode(message)
		if err != nil {
			logger.Warn("⚠️ [%s] 推送消息解析失败: %v, 消息: %s", s.opts.Name, err, truncate(message, 256))
			metrics.GetPrometheusMetrics().RecordEventDiscarded(s.opts.Name, "decode")
			continue
		}
		for _, ev := range events {
			if ev.ReceivedAt.IsZero() {
				ev.ReceivedAt = time.Now()
			}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *wsStream) pingLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				logger.Warn("⚠️ [%s] 发送心跳失败: %v", s.opts.Name, err)
				s.conn.Close()
				return
			}
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
