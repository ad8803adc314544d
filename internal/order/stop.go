package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gateway "github.com/newplayman/poloniex-phoenix/internal/exchange"
	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OrderPlacer 下单能力（gateway.Dispatcher 实现）
type OrderPlacer interface {
	Buy(ctx context.Context, pair string, rate, amount decimal.Decimal, orderType gateway.OrderType) (gateway.OrderResult, error)
	Sell(ctx context.Context, pair string, rate, amount decimal.Decimal, orderType gateway.OrderType) (gateway.OrderResult, error)
}

// TickerFetcher 全市场行情来源，用于轮询降级
type TickerFetcher interface {
	ReturnTicker(ctx context.Context) (map[string]gateway.TickerSnapshot, error)
}

// StopState 止损单状态
type StopState int

const (
	StopPending StopState = iota
	StopTriggering
	StopTriggered
	StopErrored
	StopCanceled
)

func (s StopState) String() string {
	switch s {
	case StopPending:
		return "pending"
	case StopTriggering:
		return "triggering"
	case StopTriggered:
		return "triggered"
	case StopErrored:
		return "errored"
	case StopCanceled:
		return "canceled"
	}
	return "unknown"
}

var (
	ErrStopNotFound    = errors.New("stop order not found")
	ErrTriggerInFlight = errors.New("stop order is being triggered")
	ErrMonitorRunning  = errors.New("stop monitor already running")
)

// placeTimeout 单次下单（含重试）的上限；监控停止时不会中断进行中的下单
const placeTimeout = 2 * time.Minute

// StopLimitOrder 止损限价单。Amount 为负表示卖出，为正表示买入。
type StopLimitOrder struct {
	Market string
	Amount decimal.Decimal
	Stop   decimal.Decimal
	Limit  decimal.Decimal
	Test   bool // 只标记触发，不真实下单

	State       StopState
	Triggered   bool
	Result      *gateway.OrderResult
	Err         error
	CreatedAt   time.Time
	TriggeredAt time.Time
}

// Key 同一市场同一触发价只保留一个订单
func (o StopLimitOrder) Key() string { return StopKey(o.Market, o.Stop) }

// StopKey 止损单键：市场 + 触发价
func StopKey(market string, stop decimal.Decimal) string {
	return strings.ToUpper(market) + "@" + stop.String()
}

// IsSell 是否卖出方向
func (o StopLimitOrder) IsSell() bool { return o.Amount.IsNegative() }

// ShouldTrigger 卖单：最高买价 >= 触发价；买单：触发价 <= 最低卖价。
// 缺少对应报价（为零）时不触发。
func (o StopLimitOrder) ShouldTrigger(t gateway.TickerSnapshot) bool {
	if o.IsSell() {
		return t.HighestBid.IsPositive() && t.HighestBid.GreaterThanOrEqual(o.Stop)
	}
	return t.LowestAsk.IsPositive() && o.Stop.LessThanOrEqual(t.LowestAsk)
}

// StopEvent 订单进入终态时发出
type StopEvent struct {
	Key   string
	Order StopLimitOrder
}

type firing struct {
	order  *StopLimitOrder
	ticker gateway.TickerSnapshot
}

// StopMonitor 止损单监控器。
// 行情更新时在锁内完成"检查并置为 triggering"，下单由单个后台协程执行，
// 因此同一订单不会被重复触发，推送读循环也不会被网络调用阻塞。
type StopMonitor struct {
	placer OrderPlacer

	mu       sync.Mutex
	orders   map[string]*StopLimitOrder // pending / triggering
	finished map[string]StopLimitOrder

	queueMu sync.Mutex
	queue   []firing
	wake    chan struct{}

	events  chan StopEvent
	running atomic.Bool
	paused  atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewStopMonitor 创建监控器
func NewStopMonitor(placer OrderPlacer) *StopMonitor {
	return &StopMonitor{
		placer:   placer,
		orders:   make(map[string]*StopLimitOrder),
		finished: make(map[string]StopLimitOrder),
		wake:     make(chan struct{}, 1),
		events:   make(chan StopEvent, 64),
	}
}

// Events 终态事件；消费不及时时事件会被丢弃，订单状态仍可通过 Get 查询
func (m *StopMonitor) Events() <-chan StopEvent { return m.events }

// Register 注册止损单。相同市场和触发价的旧订单会被覆盖，replaced 为 true。
func (m *StopMonitor) Register(o StopLimitOrder) (key string, replaced bool, err error) {
	if o.Market == "" {
		return "", false, fmt.Errorf("%w: market required", gateway.ErrInvalidArgument)
	}
	if o.Amount.IsZero() {
		return "", false, fmt.Errorf("%w: amount must be non-zero", gateway.ErrInvalidArgument)
	}
	if !o.Stop.IsPositive() || !o.Limit.IsPositive() {
		return "", false, fmt.Errorf("%w: stop and limit must be positive", gateway.ErrInvalidArgument)
	}
	o.Market = strings.ToUpper(o.Market)
	o.State = StopPending
	o.Triggered = false
	o.Result = nil
	o.Err = nil
	o.CreatedAt = time.Now()
	key = o.Key()

	m.mu.Lock()
	_, replaced = m.orders[key]
	m.orders[key] = &o
	delete(m.finished, key)
	pending := m.countPendingLocked()
	m.mu.Unlock()

	metrics.SetPendingStops(pending)
	if replaced {
		log.Warn().Str("key", key).Msg("stop order replaced an existing order at the same market and stop")
	}
	log.Info().Str("key", key).Str("amount", o.Amount.String()).Str("limit", o.Limit.String()).Bool("test", o.Test).Msg("stop order registered")
	return key, replaced, nil
}

// Cancel 取消待触发订单；已在触发中的订单无法取消
func (m *StopMonitor) Cancel(key string) error {
	m.mu.Lock()
	o, ok := m.orders[key]
	if !ok {
		m.mu.Unlock()
		return ErrStopNotFound
	}
	if o.State != StopPending {
		m.mu.Unlock()
		return ErrTriggerInFlight
	}
	o.State = StopCanceled
	snap := *o
	delete(m.orders, key)
	m.finished[key] = snap
	pending := m.countPendingLocked()
	m.mu.Unlock()

	metrics.SetPendingStops(pending)
	metrics.RecordStopTrigger(snap.Market, "canceled")
	m.emit(StopEvent{Key: key, Order: snap})
	return nil
}

// CancelMarket 取消某市场全部待触发订单，返回数量
func (m *StopMonitor) CancelMarket(market string) int {
	market = strings.ToUpper(market)
	n := 0
	for _, o := range m.Pending() {
		if o.Market == market && m.Cancel(o.Key()) == nil {
			n++
		}
	}
	return n
}

// CancelAll 取消全部待触发订单
func (m *StopMonitor) CancelAll() int {
	n := 0
	for _, o := range m.Pending() {
		if m.Cancel(o.Key()) == nil {
			n++
		}
	}
	return n
}

// Get 查询订单（包括已终结的）
func (m *StopMonitor) Get(key string) (StopLimitOrder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[key]; ok {
		return *o, true
	}
	o, ok := m.finished[key]
	return o, ok
}

// Pending 待触发订单快照
func (m *StopMonitor) Pending() []StopLimitOrder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StopLimitOrder, 0, len(m.orders))
	for _, o := range m.orders {
		if o.State == StopPending {
			out = append(out, *o)
		}
	}
	return out
}

// Markets 有待触发订单的市场
func (m *StopMonitor) Markets() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, o := range m.orders {
		if o.State == StopPending && !seen[o.Market] {
			seen[o.Market] = true
			out = append(out, o.Market)
		}
	}
	return out
}

// Pause 暂停触发（安全模式）
func (m *StopMonitor) Pause(reason string) {
	if !m.paused.Swap(true) {
		log.Warn().Str("reason", reason).Msg("stop monitor paused")
	}
}

// Resume 恢复触发
func (m *StopMonitor) Resume(reason string) {
	if m.paused.Swap(false) {
		log.Info().Str("reason", reason).Msg("stop monitor resumed")
	}
}

// Start 启动下单协程
func (m *StopMonitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrMonitorRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.worker(runCtx)
	}()
	return nil
}

// Stop 停止下单协程并等待进行中的下单完成；队列中尚未下单的订单回到 pending
func (m *StopMonitor) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	m.cancel()
	m.wg.Wait()

	m.queueMu.Lock()
	left := m.queue
	m.queue = nil
	m.queueMu.Unlock()
	m.revert(left)
}

// revert 未下单的触发回到 pending
func (m *StopMonitor) revert(left []firing) {
	if len(left) == 0 {
		return
	}
	m.mu.Lock()
	for _, f := range left {
		if f.order.State == StopTriggering {
			f.order.State = StopPending
		}
	}
	pending := m.countPendingLocked()
	m.mu.Unlock()
	metrics.SetPendingStops(pending)
}

// OnTicker 推送回调：检查并标记，实际下单交给后台协程
func (m *StopMonitor) OnTicker(t gateway.TickerSnapshot) {
	if !m.running.Load() {
		return
	}
	fire := m.collect(t)
	if len(fire) == 0 {
		return
	}
	m.queueMu.Lock()
	m.queue = append(m.queue, fire...)
	m.queueMu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Evaluate 同步评估一次行情（轮询模式和测试使用）
func (m *StopMonitor) Evaluate(ctx context.Context, t gateway.TickerSnapshot) {
	fire := m.collect(t)
	for i, f := range fire {
		if ctx.Err() != nil {
			m.revert(fire[i:])
			return
		}
		m.fire(ctx, f)
	}
}

// RunPolling 无推送时的降级：按 interval 拉取 REST 行情并评估，直到 ctx 结束
func (m *StopMonitor) RunPolling(ctx context.Context, src TickerFetcher, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		markets := m.Markets()
		if len(markets) == 0 {
			continue
		}
		all, err := src.ReturnTicker(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("stop polling: ticker fetch failed")
			continue
		}
		for _, market := range markets {
			if t, ok := all[market]; ok {
				m.Evaluate(ctx, t)
			}
		}
	}
}

// collect 在锁内检查并把满足条件的订单置为 triggering
func (m *StopMonitor) collect(t gateway.TickerSnapshot) []firing {
	if m.paused.Load() {
		return nil
	}
	market := strings.ToUpper(t.Market)
	m.mu.Lock()
	defer m.mu.Unlock()
	var fire []firing
	for _, o := range m.orders {
		if o.Market != market || o.State != StopPending {
			continue
		}
		if o.ShouldTrigger(t) {
			o.State = StopTriggering
			fire = append(fire, firing{order: o, ticker: t})
		}
	}
	return fire
}

func (m *StopMonitor) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		for ctx.Err() == nil {
			m.queueMu.Lock()
			if len(m.queue) == 0 {
				m.queueMu.Unlock()
				break
			}
			f := m.queue[0]
			m.queue = m.queue[1:]
			m.queueMu.Unlock()
			m.fire(ctx, f)
		}
	}
}

// fire 执行一次触发；错误只记录在该订单上
func (m *StopMonitor) fire(ctx context.Context, f firing) {
	o := f.order
	m.mu.Lock()
	market, amount, limit, test, key := o.Market, o.Amount, o.Limit, o.Test, o.Key()
	m.mu.Unlock()

	var (
		res *gateway.OrderResult
		err error
	)
	if !test {
		// 订单可能已被交易所接受，取消只在两次下单之间生效
		placeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), placeTimeout)
		var r gateway.OrderResult
		if amount.IsNegative() {
			r, err = m.placer.Sell(placeCtx, market, limit, amount.Abs(), gateway.OrderTypeLimit)
		} else {
			r, err = m.placer.Buy(placeCtx, market, limit, amount.Abs(), gateway.OrderTypeLimit)
		}
		cancel()
		if err == nil {
			res = &r
		}
	}

	m.mu.Lock()
	o.TriggeredAt = time.Now()
	if err != nil {
		o.State = StopErrored
		o.Err = err
	} else {
		o.State = StopTriggered
		o.Triggered = true
		o.Result = res
	}
	snap := *o
	if m.orders[key] == o {
		delete(m.orders, key)
	}
	m.finished[key] = snap
	pending := m.countPendingLocked()
	m.mu.Unlock()

	metrics.SetPendingStops(pending)
	switch {
	case err != nil:
		metrics.RecordStopTrigger(market, "errored")
		log.Error().Err(err).Str("key", key).Msg("stop order failed")
	case test:
		metrics.RecordStopTrigger(market, "test")
		log.Info().Str("key", key).Str("bid", f.ticker.HighestBid.String()).Str("ask", f.ticker.LowestAsk.String()).Msg("stop order triggered (test)")
	default:
		metrics.RecordStopTrigger(market, "triggered")
		log.Info().Str("key", key).Int64("order", res.OrderNumber).Msg("stop order triggered")
	}
	m.emit(StopEvent{Key: key, Order: snap})
}

func (m *StopMonitor) emit(ev StopEvent) {
	select {
	case m.events <- ev:
	default:
		log.Warn().Str("key", ev.Key).Msg("stop event dropped: no reader")
	}
}

func (m *StopMonitor) countPendingLocked() int {
	n := 0
	for _, o := range m.orders {
		if o.State == StopPending {
			n++
		}
	}
	return n
}
