package fyers

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

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *FyersAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewFyersAdapter("fyers", config.BrokerConfig{
		AppID:       "APP-100",
		AccessToken: "tok",
		BaseURL:     srv.URL,
		Symbols:     map[string]string{"RELIANCE": "NSE:RELIANCE-EQ"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestFyersPlaceOrder(t *testing.T) {
	var got PlaceOrderRequest
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "APP-100:tok" {
			t.Errorf("Authorization 头错误: %s", r.Header.Get("Authorization"))
		}
		if r.Method != http.MethodPost || r.URL.Path != "/orders/sync" {
			t.Errorf("请求路径错误: %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"s":"ok","code":1101,"message":"Order submitted successfully","id":"24061100001"}`))
	})

	ack, err := a.PlaceOrder(context.Background(), &broker.OrderRequest{
		Tag: "abc", Symbol: "RELIANCE", Side: broker.SideSell, Type: broker.OrderTypeSL, Quantity: 50, Price: 2490, TriggerPrice: 2495,
	})
	if err != nil {
		t.Fatalf("下单失败: %v", err)
	}
	if ack.BrokerOrderID != "24061100001" {
		t.Errorf("券商订单号错误: %s", ack.BrokerOrderID)
	}
	if got.Symbol != "NSE:RELIANCE-EQ" || got.Side != -1 || got.Type != 4 || got.OrderTag != "abc" || got.ProductType != "INTRADAY" {
		t.Errorf("下单参数转换错误: %+v", got)
	}
}

func TestFyersPlaceOrderRejected(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"s":"error","code":-50,"message":"Invalid symbol"}`))
	})

	_, err := a.PlaceOrder(context.Background(), &broker.OrderRequest{Symbol: "X", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 1})
	if !liveerr.IsBrokerRejection(err) {
		t.Fatalf("期望拒单错误, 得到 %v", err)
	}
}

func TestFyersPlaceOrderServerError(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"s":"error","code":-1,"message":"gateway"}`))
	})

	_, err := a.PlaceOrder(context.Background(), &broker.OrderRequest{Symbol: "X", Side: broker.SideBuy, Type: broker.OrderTypeMarket, Quantity: 1})
	if err == nil || liveerr.IsBrokerRejection(err) {
		t.Fatalf("5xx 不应视为拒单, 得到 %v", err)
	}
}

func TestFyersSnapshots(t *testing.T) {
	a := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/positions":
			w.Write([]byte(`{"s":"ok","netPositions":[
				{"symbol":"NSE:RELIANCE-EQ","netQty":30,"netAvg":2500.5,"ltp":2510},
				{"symbol":"NSE:SBIN-EQ","netQty":0,"netAvg":0,"ltp":800}]}`))
		case "/orders":
			w.Write([]byte(`{"s":"ok","orderBook":[
				{"id":"1","symbol":"NSE:RELIANCE-EQ","qty":50,"filledQty":50,"status":2,"side":1,"type":2,"tradedPrice":2500,"orderTag":"t1"},
				{"id":"2","symbol":"NSE:SBIN-EQ","qty":10,"filledQty":4,"status":6,"side":-1,"type":1},
				{"id":"3","symbol":"NSE:SBIN-EQ","qty":10,"filledQty":0,"status":5,"side":1,"type":1,"message":"RMS"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	positions, err := a.GetPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Symbol != "RELIANCE" || positions[0].Quantity != 30 {
		t.Errorf("持仓转换错误: %+v", positions)
	}

	orders, err := a.GetOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []broker.OrderStatus{broker.StatusFilled, broker.StatusPartiallyFilled, broker.StatusRejected}
	for i, o := range orders {
		if o.Status != want[i] {
			t.Errorf("订单 %s 状态期望 %s, 得到 %s", o.BrokerOrderID, want[i], o.Status)
		}
	}
	if orders[0].Tag != "t1" || orders[0].Symbol != "RELIANCE" {
		t.Errorf("订单标签或标的转换错误: %+v", orders[0])
	}
	if orders[1].Side != broker.SideSell {
		t.Errorf("卖单方向转换错误: %s", orders[1].Side)
	}
}

func TestFyersDecodeStream(t *testing.T) {
	a, _ := NewFyersAdapter("fyers", config.BrokerConfig{AppID: "a", AccessToken: "b"})

	events, err := a.decode([]byte(`{"s":"ok","orders":{"id":"9","symbol":"NSE:X-EQ","qty":5,"filledQty":5,"status":2,"side":1,"type":2,"tradedPrice":10}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].Kind != broker.EventOrderUpdate || events[0].Order.Status != broker.StatusFilled {
		t.Fatalf("订单推送解析错误: %+v", events)
	}

	events, err = a.decode([]byte(`{"s":"ok","positions":{"symbol":"NSE:X-EQ","netQty":5,"netAvg":10,"ltp":11}}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[1].Kind != broker.EventPriceTick || events[1].Tick.Price != 11 {
		t.Fatalf("持仓推送解析错误: %+v", events)
	}

	// 推送进度序号随成交递增
	partial := a.toOrder(Order{ID: "1", Qty: 10, FilledQty: 3, Status: statusPending})
	filled := a.toOrder(Order{ID: "1", Qty: 10, FilledQty: 10, Status: statusTraded})
	if partial.Sequence >= filled.Sequence {
		t.Errorf("序号应单调递增: %d >= %d", partial.Sequence, filled.Sequence)
	}
}
