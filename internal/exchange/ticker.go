package gateway

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// TickerSnapshot 单个市场的行情快照。REST 与推送解码得到相同字段集。
type TickerSnapshot struct {
	Market        string
	ID            int64
	Last          decimal.Decimal
	LowestAsk     decimal.Decimal
	HighestBid    decimal.Decimal
	PercentChange decimal.Decimal
	BaseVolume    decimal.Decimal
	QuoteVolume   decimal.Decimal
	IsFrozen      bool
	High24hr      decimal.Decimal
	Low24hr       decimal.Decimal
}

// 推送 ticker 数组中的字段顺序（第 0 位为市场 id）
var tickerFields = [...]string{
	"last", "lowestAsk", "highestBid", "percentChange",
	"baseVolume", "quoteVolume", "isFrozen", "high24hr", "low24hr",
}

// ParseRESTTicker 解析 returnTicker 中单个市场的对象
func ParseRESTTicker(market string, obj map[string]any) (TickerSnapshot, error) {
	id, err := ToInt64(obj["id"])
	if err != nil {
		return TickerSnapshot{}, fmt.Errorf("ticker %s: id: %w", market, err)
	}
	values := make([]any, len(tickerFields))
	for i, name := range tickerFields {
		values[i] = obj[name]
	}
	return buildTicker(market, id, values)
}

// ParseStreamTicker 解析推送数组 [id, last, lowestAsk, ...]，market 由调用方按 id 查得
func ParseStreamTicker(market string, fields []any) (TickerSnapshot, error) {
	if len(fields) < len(tickerFields)+1 {
		return TickerSnapshot{}, fmt.Errorf("ticker update: expected %d fields, got %d", len(tickerFields)+1, len(fields))
	}
	id, err := ToInt64(fields[0])
	if err != nil {
		return TickerSnapshot{}, fmt.Errorf("ticker update: id: %w", err)
	}
	return buildTicker(market, id, fields[1:len(tickerFields)+1])
}

func buildTicker(market string, id int64, values []any) (TickerSnapshot, error) {
	nums := make([]decimal.Decimal, len(tickerFields))
	for i, name := range tickerFields {
		if name == "isFrozen" {
			continue
		}
		d, err := ToDecimal(values[i])
		if err != nil {
			return TickerSnapshot{}, fmt.Errorf("ticker %s: %s: %w", market, name, err)
		}
		nums[i] = d
	}
	return TickerSnapshot{
		Market:        strings.ToUpper(market),
		ID:            id,
		Last:          nums[0],
		LowestAsk:     nums[1],
		HighestBid:    nums[2],
		PercentChange: nums[3],
		BaseVolume:    nums[4],
		QuoteVolume:   nums[5],
		IsFrozen:      ToBool(values[6]),
		High24hr:      nums[7],
		Low24hr:       nums[8],
	}, nil
}

// TickerCache 行情缓存：推送客户端是唯一写者，读者任意。
// 每次更新整体替换该市场的快照，读者不会读到半写状态。
type TickerCache struct {
	mu         sync.RWMutex
	tickers    map[string]TickerSnapshot
	ids        map[int64]string
	lastUpdate time.Time
}

// NewTickerCache 创建空缓存
func NewTickerCache() *TickerCache {
	return &TickerCache{
		tickers: make(map[string]TickerSnapshot),
		ids:     make(map[int64]string),
	}
}

// Seed 用 REST 全量行情重置缓存和 id 映射
func (c *TickerCache) Seed(snaps map[string]TickerSnapshot) {
	tickers := make(map[string]TickerSnapshot, len(snaps))
	ids := make(map[int64]string, len(snaps))
	for market, s := range snaps {
		tickers[market] = s
		ids[s.ID] = market
	}
	c.mu.Lock()
	c.tickers = tickers
	c.ids = ids
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

// Put 整体替换一个市场的快照并记录心跳
func (c *TickerCache) Put(s TickerSnapshot) {
	c.mu.Lock()
	c.tickers[s.Market] = s
	c.ids[s.ID] = s.Market
	c.lastUpdate = time.Now()
	c.mu.Unlock()
}

// Get 读取单个市场
func (c *TickerCache) Get(market string) (TickerSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.tickers[strings.ToUpper(market)]
	return s, ok
}

// All 返回全部快照的副本
func (c *TickerCache) All() map[string]TickerSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]TickerSnapshot, len(c.tickers))
	for k, v := range c.tickers {
		out[k] = v
	}
	return out
}

// MarketByID 按推送 id 查市场名
func (c *TickerCache) MarketByID(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.ids[id]
	return m, ok
}

// Touch 记录心跳（不改变行情）
func (c *TickerCache) Touch(t time.Time) {
	c.mu.Lock()
	if t.After(c.lastUpdate) {
		c.lastUpdate = t
	}
	c.mu.Unlock()
}

// LastUpdate 最近一次行情或心跳时间
func (c *TickerCache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Len 市场数量
func (c *TickerCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tickers)
}
