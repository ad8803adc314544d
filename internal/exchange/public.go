package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// 常用时间跨度
const (
	Day   = 24 * time.Hour
	Week  = 7 * Day
	Month = 30 * Day
)

// 合法的 K 线周期（秒）
var chartPeriods = map[int]bool{300: true, 900: true, 1800: true, 7200: true, 14400: true, 86400: true}

// ReturnTicker 全市场行情
func (d *Dispatcher) ReturnTicker(ctx context.Context) (map[string]TickerSnapshot, error) {
	raw, err := d.Invoke(ctx, CmdReturnTicker, nil)
	if err != nil {
		return nil, err
	}
	obj, err := asObject(CmdReturnTicker, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string]TickerSnapshot, len(obj))
	for market, v := range obj {
		fields, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("returnTicker: %s: unexpected %T", market, v)
		}
		snap, err := ParseRESTTicker(market, fields)
		if err != nil {
			return nil, err
		}
		out[snap.Market] = snap
	}
	return out, nil
}

// Return24hVolume 24 小时成交量
func (d *Dispatcher) Return24hVolume(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturn24hVolume, nil)
}

// ReturnOrderBook 订单簿；pair 为空表示 all，depth<=0 时取 20
func (d *Dispatcher) ReturnOrderBook(ctx context.Context, pair string, depth int) (map[string]any, error) {
	if depth <= 0 {
		depth = 20
	}
	args := url.Values{}
	args.Set("currencyPair", normalizePair(pair))
	args.Set("depth", strconv.Itoa(depth))
	return d.invokeObject(ctx, CmdReturnOrderBook, args)
}

// MarketTradeHistory 公共成交历史；零值时间分别取一小时前和当前
func (d *Dispatcher) MarketTradeHistory(ctx context.Context, pair string, start, end time.Time) ([]map[string]any, error) {
	if pair == "" {
		return nil, fmt.Errorf("%w: currency pair required", ErrInvalidArgument)
	}
	now := time.Now()
	if end.IsZero() {
		end = now
	}
	if start.IsZero() {
		start = end.Add(-time.Hour)
	}
	args := url.Values{}
	args.Set("currencyPair", normalizePair(pair))
	args.Set("start", unixArg(start))
	args.Set("end", unixArg(end))
	raw, err := d.Invoke(ctx, CmdMarketTradeHist, args)
	if err != nil {
		return nil, err
	}
	return asList(CmdMarketTradeHist, raw)
}

// ReturnChartData K 线；period 必须是 300/900/1800/7200/14400/86400
func (d *Dispatcher) ReturnChartData(ctx context.Context, pair string, period int, start, end time.Time) ([]map[string]any, error) {
	if pair == "" {
		return nil, fmt.Errorf("%w: currency pair required", ErrInvalidArgument)
	}
	if !chartPeriods[period] {
		return nil, fmt.Errorf("%w: invalid chart period %d", ErrInvalidArgument, period)
	}
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-Day)
	}
	args := url.Values{}
	args.Set("currencyPair", normalizePair(pair))
	args.Set("period", strconv.Itoa(period))
	args.Set("start", unixArg(start))
	args.Set("end", unixArg(end))
	raw, err := d.Invoke(ctx, CmdReturnChartData, args)
	if err != nil {
		return nil, err
	}
	return asList(CmdReturnChartData, raw)
}

// ReturnCurrencies 币种信息
func (d *Dispatcher) ReturnCurrencies(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturnCurrencies, nil)
}

// ReturnLoanOrders 借贷挂单
func (d *Dispatcher) ReturnLoanOrders(ctx context.Context, currency string) (map[string]any, error) {
	if currency == "" {
		return nil, fmt.Errorf("%w: currency required", ErrInvalidArgument)
	}
	args := url.Values{}
	args.Set("currency", strings.ToUpper(currency))
	return d.invokeObject(ctx, CmdReturnLoanOrders, args)
}

func (d *Dispatcher) invokeObject(ctx context.Context, command string, args url.Values) (map[string]any, error) {
	raw, err := d.Invoke(ctx, command, args)
	if err != nil {
		return nil, err
	}
	return asObject(command, raw)
}

// asObject 空列表按空对象处理（交易所对空结果有时返回 []）
func asObject(command string, raw any) (map[string]any, error) {
	switch t := raw.(type) {
	case map[string]any:
		return t, nil
	case []any:
		if len(t) == 0 {
			return map[string]any{}, nil
		}
	}
	return nil, fmt.Errorf("%s: expected object, got %T", command, raw)
}

func asList(command string, raw any) ([]map[string]any, error) {
	switch t := raw.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for i, item := range t {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: item %d: expected object, got %T", command, i, item)
			}
			out = append(out, obj)
		}
		return out, nil
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("%s: expected list, got %T", command, raw)
}

func normalizePair(pair string) string {
	if pair == "" {
		return "all"
	}
	if strings.EqualFold(pair, "all") {
		return "all"
	}
	return strings.ToUpper(pair)
}

func unixArg(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
