package broker

import (
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"optionsdesk/config"
)

// Constructor 券商网关构造函数
type Constructor func(name string, cfg config.BrokerConfig) (Gateway, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register 注册券商实现（由各券商包的 init 调用）
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("券商 %s 重复注册", name))
	}
	registry[name] = ctor
}

// Registered 已注册的券商
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewGateway 创建券商网关
// SANDBOX 模式返回模拟撮合网关；LIVE 模式使用已注册的券商实现，外层包一层限流
func NewGateway(cfg *config.Config, name string, mode Mode) (Gateway, error) {
	if name == "" {
		name = cfg.App.DefaultBroker
	}
	bc, exists := cfg.Brokers[name]
	if !exists {
		return nil, fmt.Errorf("券商 %s 的配置不存在", name)
	}

	switch mode {
	case ModeSandbox:
		return NewPaperGateway(name), nil
	case ModeLive:
	default:
		return nil, fmt.Errorf("未知的会话模式: %s", mode)
	}

	registryMu.RLock()
	ctor, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("不支持的券商: %s (已支持: %v)", name, Registered())
	}

	gw, err := ctor(name, bc)
	if err != nil {
		return nil, fmt.Errorf("创建 %s 网关失败: %w", name, err)
	}
	return NewThrottled(gw, rate.NewLimiter(rate.Limit(bc.RateLimit), bc.RateBurst)), nil
}
