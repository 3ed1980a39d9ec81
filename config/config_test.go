package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func createValidConfig() *Config {
	cfg := &Config{}
	cfg.App.DefaultBroker = "fyers"
	cfg.Brokers = map[string]BrokerConfig{
		"fyers": {
			AppID:       "XY1234-100",
			AccessToken: "token",
			Symbols:     map[string]string{"RELIANCE": "NSE:RELIANCE-EQ"},
		},
		"upstox": {
			APIKey:      "key",
			AccessToken: "token",
			AckTimeout:  5,
		},
	}
	return cfg
}

func TestConfigValidate(t *testing.T) {
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("有效配置验证失败: %v", err)
	}

	// 默认值
	if cfg.Trading.AckTimeout != 10 {
		t.Errorf("期望默认确认超时为10, 得到 %d", cfg.Trading.AckTimeout)
	}
	if cfg.Trading.ReconcileInterval != 60 {
		t.Errorf("期望默认对账间隔为60, 得到 %d", cfg.Trading.ReconcileInterval)
	}
	if cfg.Risk.ATRMultiplier != 1.5 || cfg.Risk.ATRPeriod != 14 {
		t.Errorf("ATR 默认参数错误: %v/%d", cfg.Risk.ATRMultiplier, cfg.Risk.ATRPeriod)
	}
	if cfg.Stream.DegradeAfter != 5 {
		t.Errorf("期望默认降级阈值为5, 得到 %d", cfg.Stream.DegradeAfter)
	}
	if cfg.Brokers["fyers"].RateLimit != 10 || cfg.Brokers["fyers"].RateBurst != 10 {
		t.Errorf("限流默认值错误: %+v", cfg.Brokers["fyers"])
	}
	if cfg.App.Timezone != "Asia/Kolkata" {
		t.Errorf("期望默认时区 Asia/Kolkata, 得到 %s", cfg.App.Timezone)
	}

	// 没有券商
	invalid1 := createValidConfig()
	invalid1.Brokers = nil
	if err := invalid1.Validate(); err == nil {
		t.Error("未配置券商应该报错")
	}

	// 默认券商不存在
	invalid2 := createValidConfig()
	invalid2.App.DefaultBroker = "zerodha"
	if err := invalid2.Validate(); err == nil {
		t.Error("默认券商不存在应该报错")
	}

	// 百分比止损必须是小数
	invalid3 := createValidConfig()
	invalid3.Risk.StopLossPercent = 2
	if err := invalid3.Validate(); err == nil {
		t.Error("stop_loss_percent >= 1 应该报错")
	}

	// 数据库类型
	invalid4 := createValidConfig()
	invalid4.Database.Enabled = true
	invalid4.Database.Type = "oracle"
	if err := invalid4.Validate(); err == nil {
		t.Error("不支持的数据库类型应该报错")
	}

	// redis 锁必须配置地址
	invalid5 := createValidConfig()
	invalid5.DistributedLock.Enabled = true
	if err := invalid5.Validate(); err == nil {
		t.Error("redis 锁未配置地址应该报错")
	}
}

func TestAckTimeoutFor(t *testing.T) {
	cfg := createValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	if got := cfg.AckTimeoutFor("upstox"); got != 5*time.Second {
		t.Errorf("期望券商级超时 5s, 得到 %v", got)
	}
	if got := cfg.AckTimeoutFor("fyers"); got != 10*time.Second {
		t.Errorf("期望全局超时 10s, 得到 %v", got)
	}
}

func TestSymbolMapping(t *testing.T) {
	bc := createValidConfig().Brokers["fyers"]
	if got := bc.BrokerSymbol("RELIANCE"); got != "NSE:RELIANCE-EQ" {
		t.Errorf("期望 NSE:RELIANCE-EQ, 得到 %s", got)
	}
	if got := bc.BrokerSymbol("NIFTY24DEC24000CE"); got != "NIFTY24DEC24000CE" {
		t.Errorf("未配置的标的应原样返回, 得到 %s", got)
	}
	if got := bc.InternalSymbol("NSE:RELIANCE-EQ"); got != "RELIANCE" {
		t.Errorf("期望 RELIANCE, 得到 %s", got)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("FYERS_ACCESS_TOKEN", "env-token")
	t.Setenv("UPSTOX_API_KEY", "env-key")

	cfg := createValidConfig()
	cfg.ApplyEnv()

	if cfg.Brokers["fyers"].AccessToken != "env-token" {
		t.Errorf("期望环境变量覆盖令牌, 得到 %s", cfg.Brokers["fyers"].AccessToken)
	}
	if cfg.Brokers["upstox"].APIKey != "env-key" {
		t.Errorf("期望环境变量覆盖 api_key, 得到 %s", cfg.Brokers["upstox"].APIKey)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if err := os.WriteFile(envPath, []byte("OPTIONSDESK_TEST_ENV=loaded\n"), 0644); err != nil {
		t.Fatal(err)
	}
	defer os.Unsetenv("OPTIONSDESK_TEST_ENV")

	if err := LoadEnvFile(filepath.Join(dir, "missing.env"), envPath); err != nil {
		t.Fatalf("加载 .env 失败: %v", err)
	}
	if os.Getenv("OPTIONSDESK_TEST_ENV") != "loaded" {
		t.Error("环境变量未被加载")
	}
}

func TestLoadConfigFromBytes(t *testing.T) {
	data := []byte(`
app:
  default_broker: upstox
brokers:
  upstox:
    api_key: k
    access_token: t
    symbols:
      RELIANCE: "NSE_EQ|INE002A01018"
trading:
  reconcile_interval: 30
risk:
  atr_multiplier: 2
`)
	cfg, err := LoadConfigFromBytes(data)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	if cfg.Trading.ReconcileInterval != 30 {
		t.Errorf("期望对账间隔 30, 得到 %d", cfg.Trading.ReconcileInterval)
	}
	if cfg.Risk.ATRMultiplier != 2 {
		t.Errorf("期望 ATR 倍数 2, 得到 %v", cfg.Risk.ATRMultiplier)
	}
	if cfg.Brokers["upstox"].BrokerSymbol("RELIANCE") != "NSE_EQ|INE002A01018" {
		t.Error("标的映射未加载")
	}

	if _, err := LoadConfigFromBytes([]byte("brokers: [")); err == nil {
		t.Error("非法 yaml 应该报错")
	}
}

func TestConfigDiff(t *testing.T) {
	oldCfg := createValidConfig()
	newCfg := createValidConfig()
	oldCfg.Validate()
	newCfg.Validate()

	diff := DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 0 {
		t.Errorf("预期无变更，得到 %d 个", len(diff.Changes))
	}

	newCfg.Risk.ATRMultiplier = 2.5
	diff = DiffConfig(oldCfg, newCfg)
	if len(diff.Changes) != 1 {
		t.Fatalf("预期1个变更，得到 %d 个", len(diff.Changes))
	}
	if diff.Changes[0].Path != "risk.atr_multiplier" {
		t.Errorf("变更路径错误: %s", diff.Changes[0].Path)
	}
	if diff.RequiresRestart {
		t.Error("risk 变更不应需要重启")
	}

	newCfg.Web.Port = 9999
	diff = DiffConfig(oldCfg, newCfg)
	if !diff.RequiresRestart {
		t.Error("web.port 变更应需要重启")
	}
	if len(diff.HotChanges()) != 1 {
		t.Errorf("预期1个可热更新变更，得到 %d 个", len(diff.HotChanges()))
	}
}

func TestHotReloader(t *testing.T) {
	oldCfg := createValidConfig()
	oldCfg.Validate()
	hr := NewHotReloader(oldCfg)

	var called int
	hr.RegisterCallback(func(o, n *Config, changes []ConfigChange) error {
		called++
		if n.Risk.StopLossPercent != 0.03 {
			t.Errorf("回调收到的新配置错误: %v", n.Risk.StopLossPercent)
		}
		return nil
	})

	newCfg := oldCfg.Clone()
	newCfg.Risk.StopLossPercent = 0.03
	newCfg.Web.Port = 9999

	diff, err := hr.UpdateConfig(newCfg)
	if err != nil {
		t.Fatalf("热更新失败: %v", err)
	}
	if !diff.RequiresRestart {
		t.Error("包含 web.port 变更应提示重启")
	}
	if called != 1 {
		t.Errorf("回调应执行1次，实际 %d 次", called)
	}

	current := hr.GetCurrentConfig()
	if current.Risk.StopLossPercent != 0.03 {
		t.Errorf("可热更新字段应生效, 得到 %v", current.Risk.StopLossPercent)
	}
	if current.Web.Port == 9999 {
		t.Error("需要重启的字段不应生效")
	}
}

func TestDiffConfigLanguageIsHot(t *testing.T) {
	oldCfg := createValidConfig()
	oldCfg.Validate()
	newCfg := oldCfg.Clone()
	newCfg.App.Language = "en-US"

	diff := DiffConfig(oldCfg, newCfg)
	if diff.RequiresRestart {
		t.Error("app.language 变更不应需要重启")
	}

	newCfg.App.Timezone = "UTC"
	diff = DiffConfig(oldCfg, newCfg)
	if !diff.RequiresRestart {
		t.Error("app.timezone 变更应需要重启")
	}
}
