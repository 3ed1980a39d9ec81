package upstox

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"optionsdesk/broker"
	"optionsdesk/config"
	"optionsdesk/liveerr"
)

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *UpstoxAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewUpstoxAdapter("upstox", config.BrokerConfig{
		AccessToken: "tok",
		BaseURL:     srv.URL,
		OrderURL:    srv.URL,
		Symbols:     map[string]string{"NIFTY24JUN23000CE": "NSE_FO|43821"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewUpstoxAdapterRequiresToken(t *testing.T) {
	if _, err := NewUpstoxAdapter("upstox", config.BrokerConfig{}); err == nil {
		t.Error("缺少 access_token 时期望返回错误")
	}
}

func TestUpstoxPlaceOrder(t *testing.T) {
	var got PlaceOrderRequest
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("Authorization 头错误: %s", r.Header.Get("Authorization"))
		}
		if r.Method != http.MethodPost || r.URL.Path != "/order/place" {
			t.Errorf("请求路径错误: %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"status":"success","data":{"order_id":"240611000123"}}`))
	})

	ack, err := a.PlaceOrder(context.Background(), &broker.OrderRequest{
		Tag: "t1", Symbol: "NIFTY24JUN23000CE", Side: broker.SideBuy, Type: broker.OrderTypeLimit, Quantity: 75, Price: 120.5,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if ack.BrokerOrderID != "240611000123" {
		t.Errorf("券商订单号错误: %s", ack.BrokerOrderID)
	}
	if got.InstrumentToken != "NSE_FO|43821" || got.TransactionType != "BUY" || got.OrderType != "LIMIT" || got.Product != "I" || got.Tag != "t1" {
		t.Errorf("下单参数转换错误: %+v", got)
	}
}

func TestUpstoxPlaceOrderRejected(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status":"error","errors":[{"errorCode":"UDAPI100060","message":"Insufficient funds"}]}`))
	})

	_, err := a.PlaceOrder(context.Background(), &broker.OrderRequest{Symbol: "X", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 1})
	rej, ok := err.(*liveerr.BrokerRejection)
	if !ok {
		t.Fatalf("期望拒单错误, 得到 %v", err)
	}
	if rej.Code != "UDAPI100060" || rej.Reason != "Insufficient funds" {
		t.Errorf("拒单原因未透传: %+v", rej)
	}
}

func TestUpstoxCancelOrder(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Query().Get("order_id") != "240611000123" {
			t.Errorf("撤单请求错误: %s %s", r.Method, r.URL.String())
		}
		w.Write([]byte(`{"status":"success","data":{"order_id":"240611000123"}}`))
	})
	if err := a.CancelOrder(context.Background(), "240611000123"); err != nil {
		t.Fatalf("撤单失败: %v", err)
	}
}

func TestUpstoxSnapshots(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/portfolio/short-term-positions":
			w.Write([]byte(`{"status":"success","data":[
				{"instrument_token":"NSE_FO|43821","trading_symbol":"NIFTY24JUN23000CE","quantity":-75,"average_price":110,"last_price":100},
				{"instrument_token":"NSE_EQ|2885","trading_symbol":"RELIANCE","quantity":0,"average_price":0,"last_price":2500}
			]}`))
		case "/order/retrieve-all":
			w.Write([]byte(`{"status":"success","data":[
				{"order_id":"1","status":"open","quantity":75,"filled_quantity":25,"average_price":120,"tag":"t1","instrument_token":"NSE_FO|43821","transaction_type":"BUY","order_type":"LIMIT"},
				{"order_id":"2","status":"complete","quantity":10,"filled_quantity":10,"average_price":2500,"instrument_token":"NSE_EQ|2885","trading_symbol":"RELIANCE","transaction_type":"SELL","order_type":"MARKET"}
			]}`))
		default:
			t.Errorf("未预期的请求: %s", r.URL.Path)
		}
	})

	positions, err := a.GetPositions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("期望 1 个持仓（零持仓被过滤）, 得到 %d", len(positions))
	}
	if positions[0].Symbol != "NIFTY24JUN23000CE" || positions[0].Quantity != -75 {
		t.Errorf("持仓转换错误: %+v", positions[0])
	}

	orders, err := a.GetOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 2 {
		t.Fatalf("期望 2 个订单, 得到 %d", len(orders))
	}
	if orders[0].Status != broker.StatusPartiallyFilled || orders[0].Tag != "t1" {
		t.Errorf("部分成交订单转换错误: %+v", orders[0])
	}
	if orders[1].Status != broker.StatusFilled || orders[1].Symbol != "RELIANCE" || orders[1].Side != broker.SideSell {
		t.Errorf("已成交订单转换错误: %+v", orders[1])
	}
}

func TestUpstoxDecode(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})

	events, err := a.decode([]byte(`{"update_type":"order","order_id":"9","status":"trigger pending","quantity":75,"filled_quantity":0,"instrument_token":"NSE_FO|43821","transaction_type":"SELL","order_type":"SL-M"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != broker.EventOrderUpdate {
		t.Fatalf("期望 1 个订单事件, 得到 %+v", events)
	}
	if events[0].Order.Status != broker.StatusOpen || events[0].Order.Type != broker.OrderTypeSLM {
		t.Errorf("订单推送转换错误: %+v", events[0].Order)
	}

	events, err = a.decode([]byte(`{"update_type":"position","instrument_token":"NSE_FO|43821","quantity":75,"average_price":120,"last_price":125}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Kind != broker.EventPriceTick || events[1].Tick.Price != 125 {
		t.Errorf("持仓推送应同时产生行情事件: %+v", events)
	}

	events, err = a.decode([]byte(`{"update_type":"heartbeat"}`))
	if err != nil || len(events) != 0 {
		t.Errorf("心跳消息应被忽略, 得到 %v %v", events, err)
	}
}

func TestFromUpstoxStatus(t *testing.T) {
	tests := []struct {
		status string
		filled int64
		want   broker.OrderStatus
	}{
		{"complete", 10, broker.StatusFilled},
		{"cancelled", 0, broker.StatusCancelled},
		{"rejected", 0, broker.StatusRejected},
		{"validation pending", 0, broker.StatusPending},
		{"open", 0, broker.StatusOpen},
		{"open", 5, broker.StatusPartiallyFilled},
		{"something new", 0, broker.StatusPending},
	}
	for _, tt := range tests {
		if got := fromUpstoxStatus(tt.status, tt.filled); got != tt.want {
			t.Errorf("%s/%d: 期望 %v, 得到 %v", tt.status, tt.filled, tt.want, got)
		}
	}
}
