package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gateway "github.com/newplayman/poloniex-phoenix/internal/exchange"
	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
)

// Satoshi 最小价格/数量单位
var Satoshi = decimal.New(1, -8)

const amountPlaces = 8

var (
	ErrNoTradeMinimum = errors.New("no trade minimum for base currency")
	ErrBelowMinimum   = errors.New("total amount cannot cover the minimum for every rung")
)

// TradeMinimums 基础币 -> 最小下单量
type TradeMinimums map[string]decimal.Decimal

// DefaultTradeMinimums BTC/USDT/ETH/XMR 市场的最小下单量
func DefaultTradeMinimums() TradeMinimums {
	min := decimal.RequireFromString("0.0001")
	return TradeMinimums{"BTC": min, "USDT": min, "ETH": min, "XMR": min}
}

// For 按市场的基础币（"BTC_ETH" 中的 BTC）查最小下单量
func (m TradeMinimums) For(market string) (decimal.Decimal, error) {
	base := strings.ToUpper(strings.SplitN(market, "_", 2)[0])
	v, ok := m[base]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoTradeMinimum, base)
	}
	return v, nil
}

// Rung 阶梯中的一个子订单
type Rung struct {
	Price       decimal.Decimal
	Amount      decimal.Decimal // 负数卖出
	OrderNumber int64
	Submitted   bool
	Err         error
}

// Side buy / sell
func (r Rung) Side() string {
	if r.Amount.IsNegative() {
		return "sell"
	}
	return "buy"
}

// Ladder 一个逻辑订单拆分出的阶梯。构造后只有提交结果会被修改。
type Ladder struct {
	ID        string
	Market    string
	Total     decimal.Decimal
	Offset    int64 // 相邻子订单的价格间隔（satoshi）
	CreatedAt time.Time

	mu    sync.Mutex
	rungs []Rung
}

// Rungs 子订单快照
func (l *Ladder) Rungs() []Rung {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Rung(nil), l.rungs...)
}

// OrderNumbers 已提交子订单的订单号
func (l *Ladder) OrderNumbers() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []int64
	for _, r := range l.rungs {
		if r.Submitted {
			out = append(out, r.OrderNumber)
		}
	}
	return out
}

// GeoAmounts 公比为 2 的几何数列，和为 |total|，截断到 8 位小数，
// 截断余量加到最大的一档。返回值均为正数，从小到大排列。
func GeoAmounts(total decimal.Decimal, n int) []decimal.Decimal {
	abs := total.Abs()
	denom := decimal.NewFromInt(2).Pow(decimal.NewFromInt(int64(n))).Sub(decimal.NewFromInt(1))
	out := make([]decimal.Decimal, n)
	sum := decimal.Zero
	weight := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		v := abs.Mul(weight).DivRound(denom, amountPlaces+4).Truncate(amountPlaces)
		out[i] = v
		sum = sum.Add(v)
		weight = weight.Mul(decimal.NewFromInt(2))
	}
	out[n-1] = out[n-1].Add(abs.Sub(sum))
	return out
}

// applyMinimum 低于最小量的档位提升到最小量，差额从最大档扣除；
// 若总量仍超出目标，超出部分也从最大档扣除。
func applyMinimum(amounts []decimal.Decimal, total, minimum decimal.Decimal) ([]decimal.Decimal, error) {
	n := len(amounts)
	if total.LessThan(minimum.Mul(decimal.NewFromInt(int64(n)))) {
		return nil, fmt.Errorf("%w: %s over %d rungs, minimum %s", ErrBelowMinimum, total, n, minimum)
	}
	largest := n - 1
	for i := range amounts {
		if i == largest || amounts[i].GreaterThanOrEqual(minimum) {
			continue
		}
		shortfall := minimum.Sub(amounts[i])
		amounts[i] = minimum
		amounts[largest] = amounts[largest].Sub(shortfall)
	}
	sum := decimal.Zero
	for _, a := range amounts {
		sum = sum.Add(a)
	}
	if excess := sum.Sub(total); excess.IsPositive() {
		amounts[largest] = amounts[largest].Sub(excess)
	}
	if amounts[largest].LessThan(minimum) {
		return nil, fmt.Errorf("%w: largest rung %s below minimum %s", ErrBelowMinimum, amounts[largest], minimum)
	}
	return amounts, nil
}

// BuildLadder 根据行情构造阶梯（不下单）。
// 卖单从最低卖价向上、买单从最高买价向下，每档偏移 offset satoshi；
// 最小的数量放在最靠近盘口的位置。
func BuildLadder(market string, total decimal.Decimal, n int, offset int64, t gateway.TickerSnapshot, minimum decimal.Decimal) (*Ladder, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: rung count must be positive", gateway.ErrInvalidArgument)
	}
	if total.IsZero() {
		return nil, fmt.Errorf("%w: amount must be non-zero", gateway.ErrInvalidArgument)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset must not be negative", gateway.ErrInvalidArgument)
	}
	sell := total.IsNegative()
	base := t.HighestBid
	if sell {
		base = t.LowestAsk
	}
	if !base.IsPositive() {
		return nil, fmt.Errorf("%w: no best price for %s", gateway.ErrInvalidArgument, market)
	}

	amounts, err := applyMinimum(GeoAmounts(total, n), total.Abs(), minimum)
	if err != nil {
		return nil, err
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i].LessThan(amounts[j]) })

	step := Satoshi.Mul(decimal.NewFromInt(offset))
	rungs := make([]Rung, n)
	for i, a := range amounts {
		delta := step.Mul(decimal.NewFromInt(int64(i)))
		if sell {
			rungs[i] = Rung{Price: base.Add(delta), Amount: a.Neg()}
			continue
		}
		price := base.Sub(delta)
		if !price.IsPositive() {
			return nil, fmt.Errorf("%w: rung %d price %s not positive", gateway.ErrInvalidArgument, i, price)
		}
		rungs[i] = Rung{Price: price, Amount: a}
	}

	return &Ladder{
		ID:        uuid.NewString(),
		Market:    strings.ToUpper(market),
		Total:     total,
		Offset:    offset,
		CreatedAt: time.Now(),
		rungs:     rungs,
	}, nil
}

// LadderExchange 阶梯单需要的交易所能力
type LadderExchange interface {
	OrderPlacer
	CancelOrder(ctx context.Context, orderNumber int64) (map[string]any, error)
	ReturnOrderTrades(ctx context.Context, orderNumber int64) ([]map[string]any, error)
}

// TickerSource 单市场行情来源（gateway.StreamClient 实现）
type TickerSource interface {
	Tick(ctx context.Context, market string) (gateway.TickerSnapshot, error)
}

// GeoOrder 阶梯单构造与提交
type GeoOrder struct {
	exchange LadderExchange
	ticks    TickerSource
	mins     TradeMinimums
	// CancelConcurrency 并发撤单数
	CancelConcurrency int
}

// NewGeoOrder 创建阶梯单服务；mins 为空时使用默认最小量
func NewGeoOrder(exchange LadderExchange, ticks TickerSource, mins TradeMinimums) *GeoOrder {
	if len(mins) == 0 {
		mins = DefaultTradeMinimums()
	}
	return &GeoOrder{exchange: exchange, ticks: ticks, mins: mins, CancelConcurrency: 4}
}

// Build 读取当前行情并构造阶梯
func (g *GeoOrder) Build(ctx context.Context, market string, total decimal.Decimal, n int, offset int64) (*Ladder, error) {
	minimum, err := g.mins.For(market)
	if err != nil {
		return nil, err
	}
	t, err := g.ticks.Tick(ctx, market)
	if err != nil {
		return nil, fmt.Errorf("ticker %s: %w", market, err)
	}
	return BuildLadder(market, total, n, offset, t, minimum)
}

// Place 构造并提交
func (g *GeoOrder) Place(ctx context.Context, market string, total decimal.Decimal, n int, offset int64) (*Ladder, error) {
	l, err := g.Build(ctx, market, total, n, offset)
	if err != nil {
		return nil, err
	}
	return l, g.Submit(ctx, l)
}

// Submit 逐档提交；遇到第一个失败即停止，已提交的子订单保持挂单状态
func (g *GeoOrder) Submit(ctx context.Context, l *Ladder) error {
	for i, r := range l.Rungs() {
		if r.Submitted {
			continue
		}
		var (
			res gateway.OrderResult
			err error
		)
		if r.Amount.IsNegative() {
			res, err = g.exchange.Sell(ctx, l.Market, r.Price, r.Amount.Abs(), gateway.OrderTypeLimit)
		} else {
			res, err = g.exchange.Buy(ctx, l.Market, r.Price, r.Amount, gateway.OrderTypeLimit)
		}

		l.mu.Lock()
		if err != nil {
			l.rungs[i].Err = err
		} else {
			l.rungs[i].Submitted = true
			l.rungs[i].OrderNumber = res.OrderNumber
			l.rungs[i].Err = nil
		}
		l.mu.Unlock()

		if err != nil {
			metrics.RecordLadderRung(l.Market, r.Side(), "error")
			log.Error().Err(err).Str("ladder", l.ID).Int("rung", i).Msg("ladder rung submit failed")
			return fmt.Errorf("ladder %s rung %d: %w", l.ID, i, err)
		}
		metrics.RecordLadderRung(l.Market, r.Side(), "ok")
		log.Debug().Str("ladder", l.ID).Int("rung", i).Int64("order", res.OrderNumber).
			Str("price", r.Price.String()).Str("amount", r.Amount.String()).Msg("ladder rung placed")
	}
	return nil
}

// Cancel 撤销所有已提交的子订单。撤单被拒绝时查询成交明细确认订单已终结；
// 每档独立处理，所有失败合并返回。
func (g *GeoOrder) Cancel(ctx context.Context, l *Ladder) error {
	workers := g.CancelConcurrency
	if workers <= 0 {
		workers = 1
	}
	p := pool.New().WithErrors().WithMaxGoroutines(workers)
	for _, num := range l.OrderNumbers() {
		p.Go(func() error {
			_, err := g.exchange.CancelOrder(ctx, num)
			if err == nil {
				return nil
			}
			var exErr *gateway.ExchangeError
			if !errors.As(err, &exErr) {
				return fmt.Errorf("cancel %d: %w", num, err)
			}
			if _, qerr := g.exchange.ReturnOrderTrades(ctx, num); qerr != nil {
				return fmt.Errorf("cancel %d: %w", num, errors.Join(err, qerr))
			}
			log.Info().Int64("order", num).Str("reason", exErr.Message).Msg("order already closed")
			return nil
		})
	}
	return p.Wait()
}
