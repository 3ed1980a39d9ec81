package broker

import (
	"testing"

	"optionsdesk/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.App.DefaultBroker = "fyers"
	cfg.Brokers = map[string]config.BrokerConfig{
		"fyers":      {AccessToken: "t"},
		"testbroker": {AccessToken: "t"},
		"nobody":     {AccessToken: "t"},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestNewGatewaySandbox(t *testing.T) {
	gw, err := NewGateway(testConfig(), "", ModeSandbox)
	if err != nil {
		t.Fatalf("创建网关失败: %v", err)
	}
	if _, ok := gw.(*PaperGateway); !ok {
		t.Errorf("SANDBOX 模式应返回模拟网关, 得到 %T", gw)
	}
	if gw.GetName() != "fyers" {
		t.Errorf("期望使用默认券商 fyers, 得到 %s", gw.GetName())
	}
}

func TestNewGatewayLive(t *testing.T) {
	Register("testbroker", func(name string, bc config.BrokerConfig) (Gateway, error) {
		return NewPaperGateway(name), nil
	})

	gw, err := NewGateway(testConfig(), "testbroker", ModeLive)
	if err != nil {
		t.Fatalf("创建网关失败: %v", err)
	}
	th, ok := gw.(*Throttled)
	if !ok {
		t.Fatalf("LIVE 模式应包装限流, 得到 %T", gw)
	}
	if _, ok := th.Unwrap().(*PaperGateway); !ok {
		t.Errorf("内层网关类型错误: %T", th.Unwrap())
	}

	if _, err := NewGateway(testConfig(), "nobody", ModeLive); err == nil {
		t.Error("未注册的券商应报错")
	}
	if _, err := NewGateway(testConfig(), "missing", ModeSandbox); err == nil {
		t.Error("未配置的券商应报错")
	}
	if _, err := NewGateway(testConfig(), "fyers", Mode("DEMO")); err == nil {
		t.Error("未知模式应报错")
	}

	defer func() {
		if recover() == nil {
			t.Error("重复注册应 panic")
		}
	}()
	Register("testbroker", nil)
}

func TestOrderStatusRank(t *testing.T) {
	if !(StatusPending.Rank() < StatusOpen.Rank() && StatusOpen.Rank() < StatusPartiallyFilled.Rank()) {
		t.Error("非终态顺序错误")
	}
	for _, s := range []OrderStatus{StatusFilled, StatusCancelled, StatusRejected} {
		if !s.IsTerminal() || s.Rank() != 3 {
			t.Errorf("%s 应为终态", s)
		}
	}
	if StatusOpen.IsTerminal() {
		t.Error("OPEN 不是终态")
	}
}
