package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 实盘执行系统配置
type Config struct {
	// 应用配置
	App struct {
		Name          string `yaml:"name"`
		DefaultBroker string `yaml:"default_broker"` // 默认券商 (fyers/upstox)
		Timezone      string `yaml:"timezone"`       // 默认 Asia/Kolkata
		Language      string `yaml:"language"`       // 接口错误信息语言 (zh-CN/en-US)
		EnvFile       string `yaml:"env_file"`       // 券商凭证 .env 文件
	} `yaml:"app"`

	// 券商配置（key 为券商名）
	Brokers map[string]BrokerConfig `yaml:"brokers"`

	// 交易执行配置
	Trading struct {
		AckTimeout        int     `yaml:"ack_timeout"`        // 下单确认超时（秒），默认10
		ReconcileInterval int     `yaml:"reconcile_interval"` // 定时对账间隔（秒），默认60
		PriceTolerance    float64 `yaml:"price_tolerance"`    // 对账均价容差，默认0.05
		EscalateAfter     int     `yaml:"escalate_after"`     // 同一标的连续N次对账差异后告警，默认3
		CancelTimeout     int     `yaml:"cancel_timeout"`     // 撤单调用超时（秒），默认10
		OrderRate         float64 `yaml:"order_rate"`         // 每秒最多提交订单数，默认5
	} `yaml:"trading"`

	// 止损建议配置
	Risk struct {
		ATRMultiplier   float64 `yaml:"atr_multiplier"`    // ATR 倍数，默认1.5
		ATRPeriod       int     `yaml:"atr_period"`        // ATR 周期，默认14
		StopLossPercent float64 `yaml:"stop_loss_percent"` // 百分比止损（小数），默认0.02
		RiskReward      float64 `yaml:"risk_reward"`       // 止盈风险回报比，默认2
		MaxCandles      int     `yaml:"max_candles"`       // 每个标的保留的K线数量，默认200
	} `yaml:"risk"`

	// 推送连接配置
	Stream struct {
		ReconnectInitialDelay int `yaml:"reconnect_initial_delay"` // 首次重连等待（秒），默认1
		ReconnectMaxDelay     int `yaml:"reconnect_max_delay"`     // 最大重连等待（秒），默认60
		DegradeAfter          int `yaml:"degrade_after"`           // 连续失败N次后标记降级，默认5
		PingInterval          int `yaml:"ping_interval"`           // 心跳间隔（秒），默认30
		BufferSize            int `yaml:"buffer_size"`             // 事件缓冲区，默认1024
	} `yaml:"stream"`

	// 系统配置
	System struct {
		LogLevel        string `yaml:"log_level"`
		LogDir          string `yaml:"log_dir"`
		LogToFile       bool   `yaml:"log_to_file"`
		LogDB           string `yaml:"log_db"`           // 运行日志库（sqlite），为空则不落库
		LogRetention    int    `yaml:"log_retention"`    // INFO/WARN 日志保留天数，默认7
		MetricsInterval int    `yaml:"metrics_interval"` // 系统指标采集间隔（秒），默认15
	} `yaml:"system"`

	// 流水数据库配置（会话、订单、对账差异、事件）
	Database struct {
		Enabled      bool   `yaml:"enabled"`
		Type         string `yaml:"type"` // sqlite, postgres, mysql
		DSN          string `yaml:"dsn"`
		MaxOpenConns int    `yaml:"max_open_conns"`
		MaxIdleConns int    `yaml:"max_idle_conns"`
		LogLevel     string `yaml:"log_level"` // silent, error, warn, info
	} `yaml:"database"`

	// 分布式锁配置（多实例部署时保证同一券商只有一个运行中的会话）
	DistributedLock struct {
		Enabled    bool   `yaml:"enabled"`
		Type       string `yaml:"type"` // redis
		Prefix     string `yaml:"prefix"`
		DefaultTTL int    `yaml:"default_ttl"` // 秒
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			PoolSize int    `yaml:"pool_size"`
		} `yaml:"redis"`
	} `yaml:"distributed_lock"`

	// Web 服务配置
	Web struct {
		Enabled      bool   `yaml:"enabled"`
		Host         string `yaml:"host"`
		Port         int    `yaml:"port"`
		APITokenHash string `yaml:"api_token_hash"` // bcrypt 哈希，为空则不校验
	} `yaml:"web"`

	// 告警触发配置（只负责触发，投递通道不在本系统内）
	Notifications struct {
		Enabled bool     `yaml:"enabled"`
		Events  []string `yaml:"events"` // 为空表示全部告警事件
	} `yaml:"notifications"`
}

// BrokerConfig 券商配置
type BrokerConfig struct {
	AppID       string            `yaml:"app_id"`       // Fyers client id
	APIKey      string            `yaml:"api_key"`      // Upstox api key
	AccessToken string            `yaml:"access_token"` // 登录流程在系统外完成，这里只接收令牌
	BaseURL     string            `yaml:"base_url"`
	OrderURL    string            `yaml:"order_url"`
	StreamURL   string            `yaml:"stream_url"`
	Product     string            `yaml:"product"`     // 产品类型，如 INTRADAY / I
	RateLimit   float64           `yaml:"rate_limit"`  // 每秒请求数，默认10
	RateBurst   int               `yaml:"rate_burst"`  // 默认与 rate_limit 相同
	AckTimeout  int               `yaml:"ack_timeout"` // 覆盖 trading.ack_timeout（秒）
	Symbols     map[string]string `yaml:"symbols"`     // 内部标的 -> 券商标的
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes 从字节数组加载配置（用于测试）
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// LoadEnvFile 加载 .env 文件中的券商凭证，文件不存在时忽略
func LoadEnvFile(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("加载环境变量文件失败: %w", err)
	}
	return nil
}

// ApplyEnv 用环境变量覆盖券商凭证，变量名形如 FYERS_ACCESS_TOKEN
func (c *Config) ApplyEnv() {
	for name, bc := range c.Brokers {
		prefix := strings.ToUpper(name) + "_"
		if v := os.Getenv(prefix + "ACCESS_TOKEN"); v != "" {
			bc.AccessToken = v
		}
		if v := os.Getenv(prefix + "APP_ID"); v != "" {
			bc.AppID = v
		}
		if v := os.Getenv(prefix + "API_KEY"); v != "" {
			bc.APIKey = v
		}
		c.Brokers[name] = bc
	}
	if v := os.Getenv("OPTIONSDESK_API_TOKEN_HASH"); v != "" {
		c.Web.APITokenHash = v
	}
}

// Validate 验证配置并填充默认值
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("未配置任何券商，请在 brokers 中添加配置")
	}
	if c.App.DefaultBroker != "" {
		if _, ok := c.Brokers[c.App.DefaultBroker]; !ok {
			return fmt.Errorf("默认券商 %s 的配置不存在", c.App.DefaultBroker)
		}
	}
	if c.App.Name == "" {
		c.App.Name = "optionsdesk"
	}
	if c.App.Timezone == "" {
		c.App.Timezone = "Asia/Kolkata"
	}
	if c.App.Language == "" {
		c.App.Language = "zh-CN"
	}

	for name, bc := range c.Brokers {
		if bc.RateLimit < 0 {
			return fmt.Errorf("券商 %s 的 rate_limit 不能为负数", name)
		}
		if bc.RateLimit == 0 {
			bc.RateLimit = 10
		}
		if bc.RateBurst <= 0 {
			bc.RateBurst = int(bc.RateLimit)
			if bc.RateBurst < 1 {
				bc.RateBurst = 1
			}
		}
		if bc.AckTimeout < 0 {
			return fmt.Errorf("券商 %s 的 ack_timeout 不能为负数", name)
		}
		c.Brokers[name] = bc
	}

	// 交易执行
	if c.Trading.AckTimeout < 0 || c.Trading.ReconcileInterval < 0 {
		return fmt.Errorf("trading 超时和间隔不能为负数")
	}
	if c.Trading.AckTimeout == 0 {
		c.Trading.AckTimeout = 10
	}
	if c.Trading.ReconcileInterval == 0 {
		c.Trading.ReconcileInterval = 60
	}
	if c.Trading.PriceTolerance <= 0 {
		c.Trading.PriceTolerance = 0.05
	}
	if c.Trading.EscalateAfter <= 0 {
		c.Trading.EscalateAfter = 3
	}
	if c.Trading.CancelTimeout <= 0 {
		c.Trading.CancelTimeout = 10
	}
	if c.Trading.OrderRate <= 0 {
		c.Trading.OrderRate = 5
	}

	// 止损建议
	if c.Risk.ATRMultiplier < 0 || c.Risk.StopLossPercent < 0 || c.Risk.RiskReward < 0 {
		return fmt.Errorf("risk 参数不能为负数")
	}
	if c.Risk.StopLossPercent >= 1 {
		return fmt.Errorf("risk.stop_loss_percent 必须小于1（小数形式，如0.02表示2%%）")
	}
	if c.Risk.ATRMultiplier == 0 {
		c.Risk.ATRMultiplier = 1.5
	}
	if c.Risk.ATRPeriod <= 0 {
		c.Risk.ATRPeriod = 14
	}
	if c.Risk.StopLossPercent == 0 {
		c.Risk.StopLossPercent = 0.02
	}
	if c.Risk.RiskReward == 0 {
		c.Risk.RiskReward = 2
	}
	if c.Risk.MaxCandles <= c.Risk.ATRPeriod {
		c.Risk.MaxCandles = 200
	}

	// 推送连接
	if c.Stream.ReconnectInitialDelay <= 0 {
		c.Stream.ReconnectInitialDelay = 1
	}
	if c.Stream.ReconnectMaxDelay <= 0 {
		c.Stream.ReconnectMaxDelay = 60
	}
	if c.Stream.ReconnectMaxDelay < c.Stream.ReconnectInitialDelay {
		return fmt.Errorf("stream.reconnect_max_delay 不能小于 reconnect_initial_delay")
	}
	if c.Stream.DegradeAfter <= 0 {
		c.Stream.DegradeAfter = 5
	}
	if c.Stream.PingInterval <= 0 {
		c.Stream.PingInterval = 30
	}
	if c.Stream.BufferSize <= 0 {
		c.Stream.BufferSize = 1024
	}

	// 系统
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.System.LogDir == "" {
		c.System.LogDir = "logs"
	}
	if c.System.MetricsInterval <= 0 {
		c.System.MetricsInterval = 15
	}
	if c.System.LogRetention <= 0 {
		c.System.LogRetention = 7
	}

	// 数据库
	if c.Database.Enabled {
		if c.Database.Type == "" {
			c.Database.Type = "sqlite"
		}
		switch c.Database.Type {
		case "sqlite", "postgres", "mysql":
		default:
			return fmt.Errorf("不支持的数据库类型: %s", c.Database.Type)
		}
		if c.Database.DSN == "" {
			if c.Database.Type != "sqlite" {
				return fmt.Errorf("数据库类型 %s 必须配置 dsn", c.Database.Type)
			}
			c.Database.DSN = "./data/optionsdesk.db"
		}
		if c.Database.MaxOpenConns <= 0 {
			c.Database.MaxOpenConns = 10
		}
		if c.Database.MaxIdleConns <= 0 {
			c.Database.MaxIdleConns = 5
		}
		if c.Database.LogLevel == "" {
			c.Database.LogLevel = "warn"
		}
	}

	// 分布式锁
	if c.DistributedLock.Enabled {
		if c.DistributedLock.Type == "" {
			c.DistributedLock.Type = "redis"
		}
		if c.DistributedLock.Type == "redis" && c.DistributedLock.Redis.Addr == "" {
			return fmt.Errorf("启用 redis 分布式锁时必须配置 distributed_lock.redis.addr")
		}
	}
	if c.DistributedLock.Prefix == "" {
		c.DistributedLock.Prefix = "optionsdesk:lock:"
	}
	if c.DistributedLock.DefaultTTL <= 0 {
		c.DistributedLock.DefaultTTL = 30
	}
	if c.DistributedLock.Redis.PoolSize <= 0 {
		c.DistributedLock.Redis.PoolSize = 10
	}

	// Web
	if c.Web.Host == "" {
		c.Web.Host = "0.0.0.0"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 28080
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port 超出范围: %d", c.Web.Port)
	}

	return nil
}

// AckTimeoutFor 返回券商的下单确认超时（券商级配置优先）
func (c *Config) AckTimeoutFor(broker string) time.Duration {
	if bc, ok := c.Brokers[broker]; ok && bc.AckTimeout > 0 {
		return time.Duration(bc.AckTimeout) * time.Second
	}
	return time.Duration(c.Trading.AckTimeout) * time.Second
}

// BrokerSymbol 把内部标的映射为券商标的，未配置时原样返回
func (bc BrokerConfig) BrokerSymbol(symbol string) string {
	if s, ok := bc.Symbols[symbol]; ok && s != "" {
		return s
	}
	return symbol
}

// InternalSymbol 把券商标的映射回内部标的
func (bc BrokerConfig) InternalSymbol(brokerSymbol string) string {
	for internal, external := range bc.Symbols {
		if external == brokerSymbol {
			return internal
		}
	}
	return brokerSymbol
}

// Clone 复制配置（map 字段独立，供热更新使用）
func (c *Config) Clone() *Config {
	cp := *c
	cp.Brokers = make(map[string]BrokerConfig, len(c.Brokers))
	for name, bc := range c.Brokers {
		symbols := make(map[string]string, len(bc.Symbols))
		for k, v := range bc.Symbols {
			symbols[k] = v
		}
		bc.Symbols = symbols
		cp.Brokers[name] = bc
	}
	cp.Notifications.Events = append([]string(nil), c.Notifications.Events...)
	return &cp
}
