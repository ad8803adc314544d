package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/config"
	gateway "github.com/newplayman/poloniex-phoenix/internal/exchange"
	"github.com/newplayman/poloniex-phoenix/internal/order"
	"github.com/newplayman/poloniex-phoenix/internal/watchdog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var (
	ErrRunnerRunning = errors.New("runner already running")
	ErrRunnerStopped = errors.New("runner stopped, cannot restart")
)

// Runner 组合根：分发器 + 可选推送 + 止损监控 + 看门狗
type Runner struct {
	cfg        *config.Config
	dispatcher *gateway.Dispatcher
	stream     *gateway.StreamClient
	stops      *order.StopMonitor
	geo        *order.GeoOrder
	watchdog   *watchdog.Watchdog

	wg      conc.WaitGroup
	cancel  context.CancelFunc
	started bool
	stopped bool
	mu      sync.Mutex
}

// NewRunner 按配置创建各组件，不发起任何网络调用
func NewRunner(cfg *config.Config) (*Runner, error) {
	d, err := NewDispatcher(cfg)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		cfg:        cfg,
		dispatcher: d,
		stops:      order.NewStopMonitor(d),
	}

	var ticks order.TickerSource = restTicks{d}
	if cfg.Stream.Enabled {
		r.stream = gateway.NewStreamClient(streamConfig(cfg.Stream), d)
		r.stream.AddListener(r.stops)
		ticks = r.stream
	}

	r.geo = order.NewGeoOrder(d, ticks, order.TradeMinimums(cfg.GetTradeMins()))
	if cfg.Ladder.CancelConcurrency > 0 {
		r.geo.CancelConcurrency = cfg.Ladder.CancelConcurrency
	}

	wdCfg := watchdog.Config{
		RestPingInterval:        time.Duration(cfg.Watchdog.CheckIntervalSec) * time.Second,
		RestTimeout:             cfg.GetTimeout(),
		RestFailureThreshold:    cfg.Watchdog.FailureThreshold,
		RestRecoveryThreshold:   cfg.Watchdog.RecoveryThreshold,
		StreamCheckInterval:     time.Duration(cfg.Watchdog.CheckIntervalSec) * time.Second,
		StreamFailureThreshold:  cfg.Watchdog.FailureThreshold,
		StreamRecoveryThreshold: cfg.Watchdog.RecoveryThreshold,
	}
	if r.stream != nil {
		r.watchdog = watchdog.NewWatchdog(wdCfg, d, r.stream, r)
	} else {
		r.watchdog = watchdog.NewWatchdog(wdCfg, d, nil, r)
	}
	return r, nil
}

// NewDispatcher 由配置创建请求分发器
func NewDispatcher(cfg *config.Config) (*gateway.Dispatcher, error) {
	numbers, err := gateway.ParseNumberMode(cfg.Global.JSONNumbers)
	if err != nil {
		return nil, err
	}
	retry := gateway.DefaultRetryPolicy()
	retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		log.Debug().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying request")
	}
	return gateway.NewDispatcher(gateway.DispatcherConfig{
		PublicURL:  cfg.Global.PublicURL,
		PrivateURL: cfg.Global.PrivateURL,
		APIKey:     cfg.Global.APIKey,
		Secret:     cfg.Global.APISecret,
		Timeout:    cfg.GetTimeout(),
		ProxyURL:   cfg.Global.ProxyURL,
		Numbers:    numbers,
		Limiter:    gateway.NewWindowLimiter(cfg.GetRateWindow(), cfg.RateLimit.Permits),
		Retry:      &retry,
	})
}

func streamConfig(c config.StreamConfig) gateway.StreamConfig {
	sc := gateway.DefaultStreamConfig()
	if c.URL != "" {
		sc.URL = c.URL
	}
	if len(c.Channels) > 0 {
		sc.Channels = c.Channels
	}
	if c.PingIntervalSec > 0 {
		sc.PingInterval = time.Duration(c.PingIntervalSec) * time.Second
	}
	if c.StaleAfterSec > 0 {
		sc.StaleAfter = time.Duration(c.StaleAfterSec) * time.Second
	}
	if c.ReconnectMinMs > 0 {
		sc.InitialReconnect = time.Duration(c.ReconnectMinMs) * time.Millisecond
	}
	if c.ReconnectMaxSec > 0 {
		sc.MaxReconnectInterval = time.Duration(c.ReconnectMaxSec) * time.Second
	}
	return sc
}

// restTicks 无推送时按市场取 REST 行情
type restTicks struct{ d *gateway.Dispatcher }

func (r restTicks) Tick(ctx context.Context, market string) (gateway.TickerSnapshot, error) {
	all, err := r.d.ReturnTicker(ctx)
	if err != nil {
		return gateway.TickerSnapshot{}, err
	}
	t, ok := all[strings.ToUpper(market)]
	if !ok {
		return gateway.TickerSnapshot{}, fmt.Errorf("%w: %s", gateway.ErrUnknownMarket, market)
	}
	return t, nil
}

// Dispatcher 请求分发器
func (r *Runner) Dispatcher() *gateway.Dispatcher { return r.dispatcher }

// Stream 推送客户端；推送关闭时为 nil
func (r *Runner) Stream() *gateway.StreamClient { return r.stream }

// Stops 止损监控
func (r *Runner) Stops() *order.StopMonitor { return r.stops }

// GeoOrder 阶梯单服务
func (r *Runner) GeoOrder() *order.GeoOrder { return r.geo }

// Start 启动Runner
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrRunnerStopped
	}
	if r.started {
		return ErrRunnerRunning
	}

	runCtx, cancel := context.WithCancel(ctx)

	// 止损监控和配置中的止损单先于推送就绪
	if err := r.stops.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("启动止损监控失败: %w", err)
	}
	if n := r.ApplyStops(r.cfg.Stops); n > 0 {
		log.Info().Int("stops", n).Msg("已注册配置中的止损单")
	}

	if r.stream != nil {
		log.Info().Strs("channels", r.cfg.Stream.Channels).Msg("正在启动推送...")
		if err := r.stream.Start(runCtx); err != nil {
			r.stops.Stop()
			cancel()
			return fmt.Errorf("启动推送失败: %w", err)
		}
	} else {
		interval := time.Duration(r.cfg.Stream.StopPollInterval) * time.Second
		log.Info().Dur("interval", interval).Msg("推送已关闭，止损单使用 REST 轮询")
		r.wg.Go(func() { r.stops.RunPolling(runCtx, r.dispatcher, interval) })
	}

	r.wg.Go(func() { r.drainStopEvents(runCtx) })
	r.watchdog.Start(runCtx)

	r.cancel = cancel
	r.started = true
	log.Info().Msg("Runner启动完成")
	return nil
}

// ApplyStops 注册止损单并返回新注册的数量。
// 参数完全相同的订单（包括已触发的）不会重复注册，参数不同的同键订单被覆盖。
func (r *Runner) ApplyStops(stops []config.StopConfig) int {
	n := 0
	for i, sc := range stops {
		so, err := sc.Parse()
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("忽略无效止损单")
			continue
		}
		if existing, ok := r.stops.Get(order.StopKey(so.Market, so.Stop)); ok &&
			existing.Amount.Equal(so.Amount) &&
			existing.Limit.Equal(so.Limit) && existing.Test == so.Test {
			continue
		}
		key, replaced, err := r.stops.Register(order.StopLimitOrder{
			Market: so.Market,
			Amount: so.Amount,
			Stop:   so.Stop,
			Limit:  so.Limit,
			Test:   so.Test,
		})
		if err != nil {
			log.Error().Err(err).Int("index", i).Msg("注册止损单失败")
			continue
		}
		log.Info().Str("key", key).Bool("replaced", replaced).Bool("test", so.Test).Msg("止损单已注册")
		n++
	}
	return n
}

// ApplyChannels 按新配置增减推送频道，返回新增和移除的数量；推送关闭时无操作
func (r *Runner) ApplyChannels(channels []string) (added, removed int) {
	if r.stream == nil || len(channels) == 0 {
		return 0, 0
	}
	want := make(map[string]bool, len(channels))
	for _, ch := range channels {
		want[ch] = true
	}
	have := make(map[string]bool)
	for _, ch := range r.stream.Channels() {
		have[ch] = true
		if want[ch] {
			continue
		}
		if err := r.stream.Unsubscribe(ch); err != nil {
			log.Error().Err(err).Str("channel", ch).Msg("取消订阅失败")
		}
		removed++
	}
	for _, ch := range channels {
		if have[ch] {
			continue
		}
		have[ch] = true
		if err := r.stream.Subscribe(ch); err != nil {
			log.Error().Err(err).Str("channel", ch).Msg("订阅失败")
		}
		added++
	}
	return added, removed
}

func (r *Runner) drainStopEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.stops.Events():
			l := log.Info()
			if ev.Order.Err != nil {
				l = log.Warn().Err(ev.Order.Err)
			}
			l.Str("key", ev.Key).Str("state", ev.Order.State.String()).Msg("止损单结束")
		}
	}
}

// Stop 按启动的逆序停止并等待所有协程退出
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if !r.started {
		return
	}

	r.watchdog.Stop()
	if r.stream != nil {
		r.stream.Stop()
	}
	r.cancel()
	r.wg.Wait()
	r.stops.Stop()

	log.Info().Msg("Runner已停止")
}

// EnterSafeMode 看门狗回调：暂停止损触发
func (r *Runner) EnterSafeMode(reason string) {
	log.Warn().Str("reason", reason).Msg("进入安全模式")
	r.stops.Pause(reason)
}

// ExitSafeMode 看门狗回调：恢复止损触发
func (r *Runner) ExitSafeMode(reason string) {
	log.Info().Str("reason", reason).Msg("退出安全模式")
	r.stops.Resume(reason)
}

// ForceStreamReconnect 看门狗回调：丢弃当前推送连接
func (r *Runner) ForceStreamReconnect(reason string) {
	if r.stream == nil {
		return
	}
	log.Warn().Str("reason", reason).Msg("强制推送重连")
	r.stream.Reconnect()
}
