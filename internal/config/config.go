package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Global    GlobalConfig    `mapstructure:"global"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Stops     []StopConfig    `mapstructure:"stops"`
	Ladder    LadderConfig    `mapstructure:"ladder"`
	Store     StoreConfig     `mapstructure:"store"`
	History   HistoryConfig   `mapstructure:"history"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
}

// GlobalConfig 全局配置
type GlobalConfig struct {
	APIKey      string `mapstructure:"api_key"`      // Poloniex API Key（可选，只用公共接口时留空）
	APISecret   string `mapstructure:"api_secret"`   // Poloniex API Secret
	PublicURL   string `mapstructure:"public_url"`   // 公共接口地址
	PrivateURL  string `mapstructure:"private_url"`  // 私有接口地址
	TimeoutMs   int    `mapstructure:"timeout_ms"`   // 请求超时 (ms)
	ProxyURL    string `mapstructure:"proxy_url"`    // 代理
	JSONNumbers string `mapstructure:"json_numbers"` // string | float | decimal | big
	LogLevel    string `mapstructure:"log_level"`    // 日志级别
	MetricsPort int    `mapstructure:"metrics_port"` // Prometheus 端口，0 表示不启动
}

// RateLimitConfig 窗口许可限速
type RateLimitConfig struct {
	WindowMs int `mapstructure:"window_ms"` // 许可占用时长 (ms)
	Permits  int `mapstructure:"permits"`   // 窗口内最多许可数
}

// StreamConfig 推送配置
type StreamConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	URL              string   `mapstructure:"url"`
	Channels         []string `mapstructure:"channels"`
	PingIntervalSec  int      `mapstructure:"ping_interval_sec"`
	StaleAfterSec    int      `mapstructure:"stale_after_sec"`    // 超过该时长无数据视为不可用
	ReconnectMinMs   int      `mapstructure:"reconnect_min_ms"`   // 初始重连延迟
	ReconnectMaxSec  int      `mapstructure:"reconnect_max_sec"`  // 最大重连延迟
	StopPollInterval int      `mapstructure:"stop_poll_interval"` // 推送关闭时止损单轮询间隔 (秒)
}

// StopConfig 启动时注册的止损单；金额以字符串配置避免浮点误差
type StopConfig struct {
	Market string `mapstructure:"market"`
	Amount string `mapstructure:"amount"` // 负数卖出
	Stop   string `mapstructure:"stop"`
	Limit  string `mapstructure:"limit"`
	Test   bool   `mapstructure:"test"`
}

// LadderConfig 阶梯单默认参数
type LadderConfig struct {
	Rungs             int               `mapstructure:"rungs"`
	OffsetSatoshi     int64             `mapstructure:"offset_satoshi"`
	CancelConcurrency int               `mapstructure:"cancel_concurrency"`
	TradeMins         map[string]string `mapstructure:"trade_mins"` // 基础币 -> 最小下单量
}

// StoreConfig 历史数据存储
type StoreConfig struct {
	Driver              string `mapstructure:"driver"` // memory | sqlite | mongo
	Path                string `mapstructure:"path"`
	URI                 string `mapstructure:"uri"`
	Database            string `mapstructure:"database"`
	SnapshotIntervalSec int    `mapstructure:"snapshot_interval_sec"`
}

// HistoryConfig 回填任务
type HistoryConfig struct {
	ChartMarkets []string `mapstructure:"chart_markets"`
	TradeMarkets []string `mapstructure:"trade_markets"`
	LendingCoins []string `mapstructure:"lending_coins"`
	ChartPeriod  int      `mapstructure:"chart_period"`
	WindowDays   int      `mapstructure:"window_days"`
}

// WatchdogConfig 健康监控
type WatchdogConfig struct {
	CheckIntervalSec  int `mapstructure:"check_interval_sec"`
	FailureThreshold  int `mapstructure:"failure_threshold"`
	RecoveryThreshold int `mapstructure:"recovery_threshold"`
}

var (
	mu           sync.RWMutex
	globalConfig *Config
	configPath   string
	listeners    []func(*Config)
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("global.timeout_ms", 10000)
	v.SetDefault("global.json_numbers", "string")
	v.SetDefault("global.log_level", "info")
	v.SetDefault("rate_limit.window_ms", 1000)
	v.SetDefault("rate_limit.permits", 6)
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.channels", []string{"1002"})
	v.SetDefault("stream.ping_interval_sec", 20)
	v.SetDefault("stream.stale_after_sec", 30)
	v.SetDefault("stream.reconnect_min_ms", 1000)
	v.SetDefault("stream.reconnect_max_sec", 60)
	v.SetDefault("stream.stop_poll_interval", 5)
	v.SetDefault("ladder.rungs", 3)
	v.SetDefault("ladder.offset_satoshi", 10)
	v.SetDefault("ladder.cancel_concurrency", 4)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.database", "poloniex")
	v.SetDefault("store.snapshot_interval_sec", 60)
	v.SetDefault("history.chart_period", 300)
	v.SetDefault("history.window_days", 90)
	v.SetDefault("watchdog.check_interval_sec", 10)
	v.SetDefault("watchdog.failure_threshold", 3)
	v.SetDefault("watchdog.recovery_threshold", 2)
}

// LoadConfig 加载配置文件
func LoadConfig(path string) (*Config, error) {
	configPath = path
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	setDefaults(viper.GetViper())

	// 环境变量覆盖：PHOENIX_GLOBAL_LOG_LEVEL 等
	viper.SetEnvPrefix("PHOENIX")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	// 凭证使用交易所惯用的变量名
	viper.BindEnv("global.api_key", "POLONIEX_API_KEY")
	viper.BindEnv("global.api_secret", "POLONIEX_API_SECRET")
	viper.BindEnv("global.metrics_port", "PHOENIX_METRICS_PORT")
	viper.BindEnv("global.proxy_url", "PHOENIX_PROXY_URL")

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	mu.Lock()
	globalConfig = &cfg
	mu.Unlock()

	// 启动热重载监听
	go watchConfig()

	log.Info().Str("path", path).Msg("配置加载成功")
	return &cfg, nil
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return globalConfig
}

// OnChange 注册热重载回调，新配置通过验证后调用
func OnChange(fn func(*Config)) {
	mu.Lock()
	listeners = append(listeners, fn)
	mu.Unlock()
}

// validateConfig 验证配置有效性
func validateConfig(cfg *Config) error {
	g := cfg.Global
	if (g.APIKey == "") != (g.APISecret == "") {
		return fmt.Errorf("api_key 和 api_secret 必须同时配置或同时留空")
	}
	if g.TimeoutMs < 100 || g.TimeoutMs > 120000 {
		return fmt.Errorf("timeout_ms 必须在 100-120000 之间")
	}
	switch strings.ToLower(g.JSONNumbers) {
	case "", "string", "float", "decimal", "big":
	default:
		return fmt.Errorf("json_numbers 必须是 string/float/decimal/big 之一，当前 %q", g.JSONNumbers)
	}
	if g.MetricsPort < 0 || g.MetricsPort > 65535 {
		return fmt.Errorf("metrics_port 超出范围")
	}

	if cfg.RateLimit.WindowMs <= 0 {
		return fmt.Errorf("rate_limit.window_ms 必须 > 0")
	}
	if cfg.RateLimit.Permits <= 0 || cfg.RateLimit.Permits > 100 {
		return fmt.Errorf("rate_limit.permits 必须在 1-100 之间")
	}

	for i, s := range cfg.Stops {
		if _, err := s.Parse(); err != nil {
			return fmt.Errorf("stops[%d]: %w", i, err)
		}
		if !s.Test && (g.APIKey == "" || g.APISecret == "") {
			return fmt.Errorf("stops[%d]: 非测试止损单需要 API Key", i)
		}
	}

	if cfg.Ladder.Rungs < 1 || cfg.Ladder.Rungs > 50 {
		return fmt.Errorf("ladder.rungs 必须在 1-50 之间")
	}
	if cfg.Ladder.OffsetSatoshi < 0 {
		return fmt.Errorf("ladder.offset_satoshi 不能为负")
	}
	for base, v := range cfg.Ladder.TradeMins {
		d, err := decimal.NewFromString(v)
		if err != nil || !d.IsPositive() {
			return fmt.Errorf("ladder.trade_mins[%s]: 必须是正数", base)
		}
	}

	switch strings.ToLower(cfg.Store.Driver) {
	case "", "memory":
	case "sqlite", "sqlite3":
		if cfg.Store.Path == "" {
			return fmt.Errorf("store.path 不能为空 (sqlite)")
		}
	case "mongo", "mongodb":
		if cfg.Store.URI == "" {
			return fmt.Errorf("store.uri 不能为空 (mongo)")
		}
	default:
		return fmt.Errorf("未知的 store.driver %q", cfg.Store.Driver)
	}

	switch cfg.History.ChartPeriod {
	case 300, 900, 1800, 7200, 14400, 86400:
	default:
		return fmt.Errorf("history.chart_period 无效: %d", cfg.History.ChartPeriod)
	}
	if cfg.History.WindowDays <= 0 {
		return fmt.Errorf("history.window_days 必须 > 0")
	}
	if len(cfg.History.TradeMarkets) > 0 || len(cfg.History.LendingCoins) > 0 {
		if g.APIKey == "" {
			return fmt.Errorf("history: 成交与借贷历史需要 API Key")
		}
	}
	return nil
}

// watchConfig 监听配置文件变化并热重载
func watchConfig() {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("检测到配置文件变化，正在重载...")

		var newCfg Config
		if err := viper.Unmarshal(&newCfg); err != nil {
			log.Error().Err(err).Msg("重载配置失败")
			return
		}

		if err := validateConfig(&newCfg); err != nil {
			log.Error().Err(err).Msg("新配置验证失败，保持旧配置")
			return
		}

		mu.Lock()
		globalConfig = &newCfg
		fns := append(([]func(*Config))(nil), listeners...)
		mu.Unlock()
		for _, fn := range fns {
			fn(&newCfg)
		}
		log.Info().Msg("配置热重载成功")
	})
}

// StopOrder 解析后的止损单参数
type StopOrder struct {
	Market string
	Amount decimal.Decimal
	Stop   decimal.Decimal
	Limit  decimal.Decimal
	Test   bool
}

// Parse 解析并校验止损单
func (s StopConfig) Parse() (StopOrder, error) {
	if s.Market == "" {
		return StopOrder{}, fmt.Errorf("market 不能为空")
	}
	amount, err := decimal.NewFromString(s.Amount)
	if err != nil || amount.IsZero() {
		return StopOrder{}, fmt.Errorf("amount 无效: %q", s.Amount)
	}
	stop, err := decimal.NewFromString(s.Stop)
	if err != nil || !stop.IsPositive() {
		return StopOrder{}, fmt.Errorf("stop 无效: %q", s.Stop)
	}
	limit, err := decimal.NewFromString(s.Limit)
	if err != nil || !limit.IsPositive() {
		return StopOrder{}, fmt.Errorf("limit 无效: %q", s.Limit)
	}
	return StopOrder{Market: strings.ToUpper(s.Market), Amount: amount, Stop: stop, Limit: limit, Test: s.Test}, nil
}

// GetTimeout 请求超时
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Global.TimeoutMs) * time.Millisecond
}

// GetRateWindow 限速窗口
func (c *Config) GetRateWindow() time.Duration {
	return time.Duration(c.RateLimit.WindowMs) * time.Millisecond
}

// GetTradeMins 基础币 -> 最小下单量；未配置时返回 nil
func (c *Config) GetTradeMins() map[string]decimal.Decimal {
	if len(c.Ladder.TradeMins) == 0 {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(c.Ladder.TradeMins))
	for base, v := range c.Ladder.TradeMins {
		out[strings.ToUpper(base)] = decimal.RequireFromString(v)
	}
	return out
}

// HasCredentials 是否配置了私有接口凭证
func (c *Config) HasCredentials() bool {
	return c.Global.APIKey != "" && c.Global.APISecret != ""
}

// Path 当前配置文件路径
func Path() string { return configPath }
