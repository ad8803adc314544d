package gateway

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

// DefaultStreamURL Poloniex 推送地址
const DefaultStreamURL = "wss://api2.poloniex.com/"

// StreamConfig 推送客户端配置
type StreamConfig struct {
	URL                  string
	Channels             []string      // 默认只订阅 ticker（1002）
	PingInterval         time.Duration // 心跳间隔
	PongWait             time.Duration // 读超时
	WriteWait            time.Duration // 写超时
	HandshakeTimeout     time.Duration
	InitialReconnect     time.Duration // 初始重连延迟
	MaxReconnectInterval time.Duration // 最大重连延迟
	StaleAfter           time.Duration // 超过该时长无数据视为不可用
}

// DefaultStreamConfig 默认配置
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		URL:                  DefaultStreamURL,
		Channels:             []string{strconv.Itoa(ChannelTicker)},
		PingInterval:         20 * time.Second,
		PongWait:             30 * time.Second,
		WriteWait:            10 * time.Second,
		HandshakeTimeout:     10 * time.Second,
		InitialReconnect:     time.Second,
		MaxReconnectInterval: 60 * time.Second,
		StaleAfter:           30 * time.Second,
	}
}

func (c *StreamConfig) normalize() {
	def := DefaultStreamConfig()
	if c.URL == "" {
		c.URL = def.URL
	}
	if len(c.Channels) == 0 {
		c.Channels = def.Channels
	}
	if c.PingInterval <= 0 {
		c.PingInterval = def.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = def.WriteWait
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.InitialReconnect <= 0 {
		c.InitialReconnect = def.InitialReconnect
	}
	if c.MaxReconnectInterval <= 0 {
		c.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = def.StaleAfter
	}
}

// TickerListener 接收每次 ticker 更新；回调在读循环中执行，不能阻塞
type TickerListener interface {
	OnTicker(TickerSnapshot)
}

// TickerSeeder REST 行情来源，用于初始填充缓存和降级
type TickerSeeder interface {
	ReturnTicker(ctx context.Context) (map[string]TickerSnapshot, error)
}

// StreamClient 推送客户端：维护长连接、分发消息、更新行情缓存
type StreamClient struct {
	cfg   StreamConfig
	rest  TickerSeeder
	cache *TickerCache

	mu         sync.RWMutex
	conn       *websocket.Conn
	running    bool
	connected  bool
	channels   []string
	subscribed map[string]bool
	listeners  []TickerListener
	stats      []any
	cancel     context.CancelFunc
	done       chan struct{}
	reconnects int
	lastDial   time.Time

	writeMu     sync.Mutex
	reconnectCh chan struct{}
}

// NewStreamClient 创建推送客户端
func NewStreamClient(cfg StreamConfig, rest TickerSeeder) *StreamClient {
	cfg.normalize()
	return &StreamClient{
		cfg:         cfg,
		rest:        rest,
		cache:       NewTickerCache(),
		channels:    append([]string(nil), cfg.Channels...),
		subscribed:  make(map[string]bool),
		reconnectCh: make(chan struct{}, 1),
	}
}

// Cache 行情缓存（只读使用）
func (c *StreamClient) Cache() *TickerCache { return c.cache }

// AddListener 注册 ticker 监听者
func (c *StreamClient) AddListener(l TickerListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Start 用 REST 行情填充缓存后启动后台连接循环。
// 已在运行时返回 ErrAlreadyRunning，不会启动第二个循环。
// 填充期间调用 Stop 会中止启动并等待其返回。
func (c *StreamClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.running = true
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	err := c.seed(runCtx)
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	if err != nil {
		cancel()
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()
		close(done)
		return fmt.Errorf("seed ticker cache: %w", err)
	}

	go c.run(runCtx, done)
	log.Info().Str("url", c.cfg.URL).Strs("channels", c.cfg.Channels).Msg("stream client started")
	return nil
}

// Stop 通知后台循环（或进行中的启动）退出并等待其完全结束
func (c *StreamClient) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.closeConn()
	<-done
	log.Info().Msg("stream client stopped")
}

// Running 后台循环是否在运行
func (c *StreamClient) Running() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running
}

// Connected 当前是否有活动连接
func (c *StreamClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Subscribed 频道是否已确认订阅
func (c *StreamClient) Subscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed[channel]
}

// Live 连接正常、已订阅 ticker 且数据未过期
func (c *StreamClient) Live() bool {
	c.mu.RLock()
	ok := c.connected && c.subscribed[strconv.Itoa(ChannelTicker)]
	c.mu.RUnlock()
	return ok && time.Since(c.cache.LastUpdate()) <= c.cfg.StaleAfter
}

// Stats 最近一次 1003 频道数据
func (c *StreamClient) Stats() []any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// LastConnect 最近一次建立连接的时间
func (c *StreamClient) LastConnect() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastDial
}

// Reconnects 成功建立连接的总次数
func (c *StreamClient) Reconnects() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// Tick 返回单个市场行情；推送不可用时降级为 REST 调用
func (c *StreamClient) Tick(ctx context.Context, market string) (TickerSnapshot, error) {
	if c.Live() {
		if s, ok := c.cache.Get(market); ok {
			return s, nil
		}
		return TickerSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	all, err := c.fallback(ctx, market)
	if err != nil {
		return TickerSnapshot{}, err
	}
	s, ok := all[normalizePair(market)]
	if !ok {
		return TickerSnapshot{}, fmt.Errorf("%w: %s", ErrUnknownMarket, market)
	}
	return s, nil
}

// Ticks 返回全部行情；推送不可用时降级为 REST 调用
func (c *StreamClient) Ticks(ctx context.Context) (map[string]TickerSnapshot, error) {
	if c.Live() {
		return c.cache.All(), nil
	}
	return c.fallback(ctx, "all")
}

func (c *StreamClient) fallback(ctx context.Context, market string) (map[string]TickerSnapshot, error) {
	log.Warn().Str("market", market).Msg("push ticker is not running, using REST ticker")
	if c.rest == nil {
		return nil, fmt.Errorf("live ticker unavailable and no REST fallback")
	}
	return c.rest.ReturnTicker(ctx)
}

// Channels 当前订阅列表（含尚未确认的）
func (c *StreamClient) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.channels...)
}

// Subscribe 增加频道；已连接时立即发送订阅
func (c *StreamClient) Subscribe(channel string) error {
	c.mu.Lock()
	for _, ch := range c.channels {
		if ch == channel {
			c.mu.Unlock()
			return nil
		}
	}
	c.channels = append(c.channels, channel)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendControl(conn, "subscribe", channel)
}

// Unsubscribe 移除频道；已连接时立即发送取消订阅
func (c *StreamClient) Unsubscribe(channel string) error {
	c.mu.Lock()
	kept := c.channels[:0]
	for _, ch := range c.channels {
		if ch != channel {
			kept = append(kept, ch)
		}
	}
	c.channels = kept
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.sendControl(conn, "unsubscribe", channel)
}

// Reconnect 丢弃当前连接并立即重连
func (c *StreamClient) Reconnect() {
	select {
	case c.reconnectCh <- struct{}{}:
	default:
	}
	c.closeConn()
}

func (c *StreamClient) seed(ctx context.Context) error {
	if c.rest == nil {
		return nil
	}
	snaps, err := c.rest.ReturnTicker(ctx)
	if err != nil {
		return err
	}
	c.cache.Seed(snaps)
	return nil
}

// run 主循环：连接、订阅、读消息，断线后按指数退避重连
func (c *StreamClient) run(ctx context.Context, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.running = false
		c.connected = false
		c.subscribed = make(map[string]bool)
		c.cancel = nil
		c.mu.Unlock()
		metrics.SetWSConnected(false)
		close(done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialReconnect
	bo.MaxInterval = c.cfg.MaxReconnectInterval
	next := func() time.Duration {
		d := bo.NextBackOff()
		if d == backoff.Stop {
			d = c.cfg.MaxReconnectInterval
		}
		return d
	}

	for {
		if ctx.Err() != nil {
			return
		}
		conn, err := c.dial(ctx)
		if err != nil {
			metrics.RecordWSReconnect("error")
			log.Error().Err(err).Str("url", c.cfg.URL).Msg("stream dial failed")
			if !c.wait(ctx, next()) {
				return
			}
			continue
		}
		metrics.RecordWSReconnect("success")
		bo.Reset()

		err = c.session(ctx, conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connected = false
		c.subscribed = make(map[string]bool)
		c.mu.Unlock()
		metrics.SetWSConnected(false)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		delay := next()
		log.Warn().Err(err).Dur("retry_in", delay).Msg("stream disconnected")
		if !c.wait(ctx, delay) {
			return
		}
	}
}

// wait 等待重连延迟；收到 Reconnect 请求时立即返回
func (c *StreamClient) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.reconnectCh:
		return true
	case <-timer.C:
		return true
	}
}

func (c *StreamClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.reconnects++
	c.lastDial = time.Now()
	channels := append([]string(nil), c.channels...)
	c.mu.Unlock()
	metrics.SetWSConnected(true)

	for _, ch := range channels {
		if err := c.sendControl(conn, "subscribe", ch); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	return conn, nil
}

// session 单个连接的读循环和心跳循环，任一结束即关闭连接
func (c *StreamClient) session(ctx context.Context, conn *websocket.Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	var wg conc.WaitGroup
	wg.Go(func() {
		<-sessCtx.Done()
		_ = conn.Close()
	})
	wg.Go(func() {
		c.pingLoop(sessCtx, conn)
	})
	err := c.readLoop(conn)
	cancel()
	wg.Wait()
	return err
}

func (c *StreamClient) readLoop(conn *websocket.Conn) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.handle(data)
	}
}

func (c *StreamClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteWait))
			c.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Msg("stream ping failed")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *StreamClient) sendControl(conn *websocket.Conn, command, channel string) error {
	msg := map[string]any{"command": command, "channel": channelArg(channel)}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// channelArg 数字频道按数字发送，其余按字符串发送
func channelArg(channel string) any {
	if id, err := strconv.Atoi(channel); err == nil {
		return id
	}
	return channel
}

func (c *StreamClient) closeConn() {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// handle 按频道分发单条消息
func (c *StreamClient) handle(data []byte) {
	msg, err := ParseStreamMessage(data)
	if err != nil {
		log.Debug().Err(err).Bytes("data", data).Msg("drop malformed stream message")
		return
	}
	metrics.RecordWSMessage(msg.Kind.String(), len(data))

	switch msg.Kind {
	case KindError:
		log.Error().Str("error", msg.Error).Msg("stream error message")
	case KindSubscription:
		c.mu.Lock()
		c.subscribed[msg.Channel] = msg.Subscribed
		c.mu.Unlock()
		if msg.Subscribed {
			log.Info().Str("channel", msg.Channel).Msg("subscribed")
		} else {
			log.Info().Str("channel", msg.Channel).Msg("unsubscribed")
		}
	case KindHeartbeat:
		c.cache.Touch(time.Now())
	case KindTicker:
		c.handleTicker(msg)
	case KindStats:
		c.mu.Lock()
		c.stats = msg.Payload
		c.mu.Unlock()
		c.cache.Touch(time.Now())
	case KindBook:
		// 不做订单簿重建，仅作为心跳
		c.cache.Touch(time.Now())
	default:
		log.Debug().Str("channel", msg.Channel).Msg("unrecognized channel, dropped")
	}
}

func (c *StreamClient) handleTicker(msg StreamMessage) {
	if len(msg.Ticker) == 0 {
		return
	}
	id, err := ToInt64(msg.Ticker[0])
	if err != nil {
		log.Debug().Err(err).Msg("ticker update without id")
		return
	}
	market, ok := c.cache.MarketByID(id)
	if !ok {
		log.Debug().Int64("id", id).Msg("ticker update for unknown market id")
		return
	}
	snap, err := ParseStreamTicker(market, msg.Ticker)
	if err != nil {
		log.Warn().Err(err).Str("market", market).Msg("bad ticker update")
		return
	}
	c.cache.Put(snap)

	c.mu.Lock()
	// 收到数据即说明订阅有效
	c.subscribed[msg.Channel] = true
	listeners := append([]TickerListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range listeners {
		l.OnTicker(snap)
	}
}
