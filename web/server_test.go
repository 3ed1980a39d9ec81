package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"

	"optionsdesk/broker"
	"optionsdesk/config"
	"optionsdesk/event"
	odi18n "optionsdesk/i18n"
	"optionsdesk/lock"
	"optionsdesk/session"
	"optionsdesk/storage"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := odi18n.Init("zh-CN"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

type testEnv struct {
	router  *gin.Engine
	manager *session.Manager
	bus     *event.EventBus
	hub     *Hub
}

func newTestEnv(t *testing.T, tokenHash string) *testEnv {
	t.Helper()
	cfg := &config.Config{}
	cfg.App.DefaultBroker = "fyers"
	cfg.Brokers = map[string]config.BrokerConfig{"fyers": {}}

	bus := event.NewEventBus(1024)
	m := session.NewManager(cfg, lock.NewNopLock(), bus)
	m.SetGatewayFactory(func(cfg *config.Config, name string, mode broker.Mode) (broker.Gateway, error) {
		gw := broker.NewPaperGateway(name)
		gw.SetPrice("RELIANCE", 2500)
		return gw, nil
	})

	hub := NewHub(bus)
	hub.Start()
	r := gin.New()
	NewServer(m, hub, tokenHash).SetupRoutes(r)

	t.Cleanup(func() {
		hub.Stop()
		m.Shutdown(context.Background())
	})
	return &testEnv{router: r, manager: m, bus: bus, hub: hub}
}

func (e *testEnv) do(method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("响应不是 JSON: %s", w.Body.String())
	}
	return out
}

func TestStatusWithoutSession(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(http.MethodGet, "/live/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("期望 %d, 得到 %d", http.StatusOK, w.Code)
	}
	if got := decode(t, w)["status"]; got != "STOPPED" {
		t.Errorf("期望 %v, 得到 %v", "STOPPED", got)
	}

	w = env.do(http.MethodGet, "/live/positions", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("期望 %d, 得到 %d", http.StatusNotFound, w.Code)
	}
}

func TestPlaceWithoutSessionIsConflict(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(http.MethodPost, "/live/orders/place", map[string]interface{}{
		"symbol": "RELIANCE", "side": "BUY", "order_type": "MARKET", "quantity": 1,
	}, map[string]string{"Accept-Language": "en-US,en;q=0.9"})
	if w.Code != http.StatusConflict {
		t.Fatalf("期望 %d, 得到 %d: %s", http.StatusConflict, w.Code, w.Body.String())
	}
	body := decode(t, w)
	if body["error"] != "error.invalid_state" {
		t.Errorf("期望 %v, 得到 %v", "error.invalid_state", body["error"])
	}
	if msg, _ := body["message"].(string); !strings.Contains(msg, "cannot place") {
		t.Errorf("期望英文错误消息, 得到 %q", msg)
	}
}

func TestStartAndDuplicateStart(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(http.MethodPost, "/live/start", map[string]interface{}{"broker": "fyers", "capital": 100000}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("期望 %d, 得到 %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	sess, _ := decode(t, w)["session"].(map[string]interface{})
	if sess["status"] != "RUNNING" || sess["mode"] != "SANDBOX" {
		t.Errorf("会话状态不正确: %v", sess)
	}

	w = env.do(http.MethodPost, "/live/start", map[string]interface{}{"broker": "fyers"}, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("期望 %d, 得到 %d", http.StatusConflict, w.Code)
	}
	if got := decode(t, w)["error"]; got != "error.already_running" {
		t.Errorf("期望 %v, 得到 %v", "error.already_running", got)
	}

	// 非法订单
	w = env.do(http.MethodPost, "/live/orders/place", map[string]interface{}{
		"symbol": "RELIANCE", "side": "BUY", "order_type": "MARKET", "quantity": 0,
	}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("期望 %d, 得到 %d", http.StatusBadRequest, w.Code)
	}

	// 带平仓的停止需要走紧急平仓接口
	w = env.do(http.MethodPost, "/live/stop", map[string]interface{}{"square_off_positions": true}, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("期望 %d, 得到 %d", http.StatusBadRequest, w.Code)
	}

	w = env.do(http.MethodPost, "/live/stop", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("期望 %d, 得到 %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	sess, _ = decode(t, w)["session"].(map[string]interface{})
	if sess["status"] != "STOPPED" {
		t.Errorf("期望 %v, 得到 %v", "STOPPED", sess["status"])
	}
}

func TestCommandAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("operator-token"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, string(hash))

	w := env.do(http.MethodPost, "/live/reconcile", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("期望 %d, 得到 %d", http.StatusUnauthorized, w.Code)
	}

	w = env.do(http.MethodPost, "/live/reconcile", nil, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("期望 %d, 得到 %d", http.StatusUnauthorized, w.Code)
	}

	// 认证通过后因没有会话返回 409
	w = env.do(http.MethodPost, "/live/reconcile", nil, map[string]string{"X-API-Token": "operator-token"})
	if w.Code != http.StatusConflict {
		t.Errorf("期望 %d, 得到 %d", http.StatusConflict, w.Code)
	}

	// 查询接口不需要认证
	w = env.do(http.MethodGet, "/live/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("期望 %d, 得到 %d", http.StatusOK, w.Code)
	}
}

func TestStreamPushesEvents(t *testing.T) {
	env := newTestEnv(t, "")
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/live/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for env.hub.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("客户端未注册")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.Publish(&event.Event{
		Type:    event.EventTypeAlert,
		Broker:  "fyers",
		Payload: &event.Alert{Kind: event.AlertTargetHit, Symbol: "RELIANCE", Message: "价格 2600 达到止盈 2600"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("读取推送失败: %v", err)
	}
	var msg struct {
		Type    string `json:"type"`
		Broker  string `json:"broker"`
		Payload struct {
			Kind   string `json:"kind"`
			Symbol string `json:"symbol"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != "alert" || msg.Broker != "fyers" || msg.Payload.Kind != "target_hit" {
		t.Errorf("推送内容不正确: %s", data)
	}
}

func TestClassify(t *testing.T) {
	status, key, _ := classify(context.DeadlineExceeded)
	if status != http.StatusInternalServerError || key != "error.internal" {
		t.Errorf("期望 500/error.internal, 得到 %d/%s", status, key)
	}
}

type fakeLogReader struct {
	got storage.LogQueryParams
}

func (f *fakeLogReader) Query(params storage.LogQueryParams) ([]*storage.LogRecord, int, error) {
	f.got = params
	return []*storage.LogRecord{{ID: 1, Level: "WARN", Message: "⚠️ 推送连接断开"}}, 1, nil
}

func TestLogsEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	w := env.do(http.MethodGet, "/live/logs", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("未配置日志库时期望 %d, 得到 %d", http.StatusNotFound, w.Code)
	}

	reader := &fakeLogReader{}
	r := gin.New()
	srv := NewServer(env.manager, env.hub, "")
	srv.SetLogReader(reader)
	srv.SetupRoutes(r)

	req := httptest.NewRequest(http.MethodGet, "/live/logs?level=warn&limit=20", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 %d, 得到 %d", http.StatusOK, rec.Code)
	}
	if reader.got.Level != "warn" || reader.got.Limit != 20 {
		t.Errorf("查询参数不正确: %+v", reader.got)
	}
	if total := decode(t, rec)["total"]; total != float64(1) {
		t.Errorf("期望 %v, 得到 %v", 1, total)
	}

	req = httptest.NewRequest(http.MethodGet, "/live/logs?since=yesterday", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("期望 %d, 得到 %d", http.StatusBadRequest, rec.Code)
	}
}
