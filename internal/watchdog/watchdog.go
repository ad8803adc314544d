package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/rs/zerolog/log"
)

// RestPinger 定义REST心跳能力
type RestPinger interface {
	Ping(ctx context.Context) error
}

// StreamHealth 推送连接状态
type StreamHealth interface {
	Running() bool
	Live() bool
}

// Hooks Runner 需要实现的自恢复动作
type Hooks interface {
	EnterSafeMode(reason string)
	ExitSafeMode(reason string)
	ForceStreamReconnect(reason string)
}

// Config 看门狗配置
type Config struct {
	RestPingInterval      time.Duration
	RestTimeout           time.Duration
	RestFailureThreshold  int
	RestRecoveryThreshold int

	StreamCheckInterval     time.Duration
	StreamFailureThreshold  int
	StreamRecoveryThreshold int
}

func (c *Config) normalize() {
	if c.RestPingInterval <= 0 {
		c.RestPingInterval = 15 * time.Second
	}
	if c.RestTimeout <= 0 {
		c.RestTimeout = 10 * time.Second
	}
	if c.RestFailureThreshold <= 0 {
		c.RestFailureThreshold = 3
	}
	if c.RestRecoveryThreshold <= 0 {
		c.RestRecoveryThreshold = 2
	}
	if c.StreamCheckInterval <= 0 {
		c.StreamCheckInterval = 5 * time.Second
	}
	if c.StreamFailureThreshold <= 0 {
		c.StreamFailureThreshold = 3
	}
	if c.StreamRecoveryThreshold <= 0 {
		c.StreamRecoveryThreshold = 2
	}
}

// Watchdog 监控REST/推送状态并触发自恢复。
// 任一组件不健康即进入安全模式，全部恢复后才退出。
type Watchdog struct {
	cfg    Config
	rest   RestPinger
	stream StreamHealth
	hooks  Hooks

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu               sync.Mutex
	restFailures     int
	restRecoveries   int
	restUnhealthy    bool
	streamFailures   int
	streamRecoveries int
	streamUnhealthy  bool
	safeMode         bool
}

// NewWatchdog 创建看门狗；rest 或 stream 为 nil 时跳过对应检查
func NewWatchdog(cfg Config, rest RestPinger, stream StreamHealth, hooks Hooks) *Watchdog {
	cfg.normalize()
	return &Watchdog{
		cfg:    cfg,
		rest:   rest,
		stream: stream,
		hooks:  hooks,
	}
}

// Start 启动看门狗
func (w *Watchdog) Start(ctx context.Context) {
	if w.hooks == nil {
		log.Warn().Msg("watchdog 未启用：缺少 hooks")
		return
	}

	childCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if w.rest != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(childCtx, w.cfg.RestPingInterval, func() { w.checkRest(childCtx) })
		}()
	}
	if w.stream != nil {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.loop(childCtx, w.cfg.StreamCheckInterval, w.checkStream)
		}()
	}
}

// Stop 停止看门狗
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
		w.cancel = nil
	}
}

// SafeMode 当前是否处于安全模式
func (w *Watchdog) SafeMode() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.safeMode
}

func (w *Watchdog) loop(ctx context.Context, interval time.Duration, check func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func (w *Watchdog) checkRest(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, w.cfg.RestTimeout)
	err := w.rest.Ping(pingCtx)
	cancel()
	if err != nil && ctx.Err() != nil {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.restFailures++
		w.restRecoveries = 0
		log.Error().Err(err).Int("failures", w.restFailures).Msg("REST心跳失败")
		if w.restFailures >= w.cfg.RestFailureThreshold && !w.restUnhealthy {
			w.restUnhealthy = true
			metrics.SetComponentHealthy("rest", false)
			log.Error().Msg("REST连续失败，进入安全模式")
			w.updateSafeModeLocked("rest_unreachable")
		}
		return
	}

	w.restFailures = 0
	if w.restUnhealthy {
		w.restRecoveries++
		if w.restRecoveries >= w.cfg.RestRecoveryThreshold {
			w.restUnhealthy = false
			w.restRecoveries = 0
			metrics.SetComponentHealthy("rest", true)
			log.Info().Msg("REST恢复")
			w.updateSafeModeLocked("rest_recovered")
		}
	}
}

func (w *Watchdog) checkStream() {
	// 推送被主动停止时不干预
	if !w.stream.Running() {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stream.Live() {
		w.streamFailures++
		w.streamRecoveries = 0
		log.Error().Int("failures", w.streamFailures).Msg("推送长时间无数据，触发重连")
		w.hooks.ForceStreamReconnect("stream_stale")
		if w.streamFailures >= w.cfg.StreamFailureThreshold && !w.streamUnhealthy {
			w.streamUnhealthy = true
			metrics.SetComponentHealthy("stream", false)
			w.updateSafeModeLocked("stream_stale")
		}
		return
	}

	w.streamFailures = 0
	if w.streamUnhealthy {
		w.streamRecoveries++
		if w.streamRecoveries >= w.cfg.StreamRecoveryThreshold {
			w.streamUnhealthy = false
			w.streamRecoveries = 0
			metrics.SetComponentHealthy("stream", true)
			log.Info().Msg("推送恢复")
			w.updateSafeModeLocked("stream_recovered")
		}
	}
}

func (w *Watchdog) updateSafeModeLocked(reason string) {
	unhealthy := w.restUnhealthy || w.streamUnhealthy
	switch {
	case unhealthy && !w.safeMode:
		w.safeMode = true
		w.hooks.EnterSafeMode(reason)
	case !unhealthy && w.safeMode:
		w.safeMode = false
		w.hooks.ExitSafeMode(reason)
	}
}
