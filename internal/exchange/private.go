package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderType 下单附加类型
type OrderType string

const (
	OrderTypeLimit             OrderType = ""
	OrderTypeFillOrKill        OrderType = "fillOrKill"
	OrderTypeImmediateOrCancel OrderType = "immediateOrCancel"
	OrderTypePostOnly          OrderType = "postOnly"
)

// DefaultLendingRate margin 下单默认最高借贷利率
var DefaultLendingRate = decimal.NewFromInt(2)

// OrderResult buy/sell/moveOrder 的返回
type OrderResult struct {
	OrderNumber     int64
	ResultingTrades []map[string]any
}

// OpenOrder 未成交挂单
type OpenOrder struct {
	Market      string
	OrderNumber int64
	Type        string // buy / sell
	Rate        decimal.Decimal
	Amount      decimal.Decimal
	Total       decimal.Decimal
	Date        string
}

// ReturnBalances 可用余额
func (d *Dispatcher) ReturnBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	obj, err := d.invokeObject(ctx, CmdReturnBalances, nil)
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(obj))
	for coin, v := range obj {
		amt, err := ToDecimal(v)
		if err != nil {
			return nil, fmt.Errorf("returnBalances: %s: %w", coin, err)
		}
		out[coin] = amt
	}
	return out, nil
}

// ReturnCompleteBalances 完整余额；account 为空表示 all
func (d *Dispatcher) ReturnCompleteBalances(ctx context.Context, account string) (map[string]any, error) {
	if account == "" {
		account = "all"
	}
	args := url.Values{}
	args.Set("account", account)
	return d.invokeObject(ctx, CmdReturnCompleteBalances, args)
}

// ReturnDepositAddresses 充值地址
func (d *Dispatcher) ReturnDepositAddresses(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturnDepositAddresses, nil)
}

// GenerateNewAddress 生成充值地址
func (d *Dispatcher) GenerateNewAddress(ctx context.Context, currency string) (map[string]any, error) {
	if currency == "" {
		return nil, fmt.Errorf("%w: currency required", ErrInvalidArgument)
	}
	args := url.Values{}
	args.Set("currency", strings.ToUpper(currency))
	return d.invokeObject(ctx, CmdGenerateNewAddress, args)
}

// ReturnDepositsWithdrawals 充提记录；零值时间默认最近一个月
func (d *Dispatcher) ReturnDepositsWithdrawals(ctx context.Context, start, end time.Time) (map[string]any, error) {
	start, end = defaultRange(start, end, Month)
	args := url.Values{}
	args.Set("start", unixArg(start))
	args.Set("end", unixArg(end))
	return d.invokeObject(ctx, CmdReturnDepositsWithdrawals, args)
}

// ReturnOpenOrders 挂单；pair 为空表示全部市场。结果总是按市场分组。
func (d *Dispatcher) ReturnOpenOrders(ctx context.Context, pair string) (map[string][]OpenOrder, error) {
	pair = normalizePair(pair)
	args := url.Values{}
	args.Set("currencyPair", pair)
	raw, err := d.Invoke(ctx, CmdReturnOpenOrders, args)
	if err != nil {
		return nil, err
	}
	grouped, err := groupByMarket(CmdReturnOpenOrders, pair, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]OpenOrder, len(grouped))
	for market, items := range grouped {
		orders := make([]OpenOrder, 0, len(items))
		for _, item := range items {
			o, err := parseOpenOrder(market, item)
			if err != nil {
				return nil, err
			}
			orders = append(orders, o)
		}
		out[market] = orders
	}
	return out, nil
}

func parseOpenOrder(market string, item map[string]any) (OpenOrder, error) {
	num, err := ToInt64(item["orderNumber"])
	if err != nil {
		return OpenOrder{}, fmt.Errorf("open order %s: orderNumber: %w", market, err)
	}
	o := OpenOrder{Market: market, OrderNumber: num, Type: fmt.Sprint(item["type"])}
	if o.Rate, err = ToDecimal(item["rate"]); err != nil {
		return OpenOrder{}, fmt.Errorf("open order %d: rate: %w", num, err)
	}
	if o.Amount, err = ToDecimal(item["amount"]); err != nil {
		return OpenOrder{}, fmt.Errorf("open order %d: amount: %w", num, err)
	}
	if v, ok := item["total"]; ok {
		o.Total, _ = ToDecimal(v)
	}
	if v, ok := item["date"]; ok {
		o.Date = fmt.Sprint(v)
	}
	return o, nil
}

// ReturnTradeHistory 个人成交历史，按市场分组；limit<=0 表示不限
func (d *Dispatcher) ReturnTradeHistory(ctx context.Context, pair string, start, end time.Time, limit int) (map[string][]map[string]any, error) {
	pair = normalizePair(pair)
	start, end = defaultRange(start, end, Week)
	args := url.Values{}
	args.Set("currencyPair", pair)
	args.Set("start", unixArg(start))
	args.Set("end", unixArg(end))
	if limit > 0 {
		args.Set("limit", strconv.Itoa(limit))
	}
	raw, err := d.Invoke(ctx, CmdReturnTradeHistory, args)
	if err != nil {
		return nil, err
	}
	return groupByMarket(CmdReturnTradeHistory, pair, raw)
}

// ReturnAvailableAccountBalances 各账户可用余额；account 为空表示全部
func (d *Dispatcher) ReturnAvailableAccountBalances(ctx context.Context, account string) (map[string]any, error) {
	var args url.Values
	if account != "" {
		args = url.Values{}
		args.Set("account", account)
	}
	return d.invokeObject(ctx, CmdReturnAvailableAccountBalances, args)
}

// ReturnTradableBalances margin 可交易余额
func (d *Dispatcher) ReturnTradableBalances(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturnTradableBalances, nil)
}

// ReturnOpenLoanOffers 未成交的借出挂单
func (d *Dispatcher) ReturnOpenLoanOffers(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturnOpenLoanOffers, nil)
}

// ReturnOrderTrades 订单成交明细
func (d *Dispatcher) ReturnOrderTrades(ctx context.Context, orderNumber int64) ([]map[string]any, error) {
	args := url.Values{}
	args.Set("orderNumber", strconv.FormatInt(orderNumber, 10))
	raw, err := d.Invoke(ctx, CmdReturnOrderTrades, args)
	if err != nil {
		return nil, err
	}
	return asList(CmdReturnOrderTrades, raw)
}

// ReturnActiveLoans 当前借贷
func (d *Dispatcher) ReturnActiveLoans(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturnActiveLoans, nil)
}

// ReturnLendingHistory 借贷历史；零值时间默认最近一个月
func (d *Dispatcher) ReturnLendingHistory(ctx context.Context, start, end time.Time, limit int) ([]map[string]any, error) {
	start, end = defaultRange(start, end, Month)
	args := url.Values{}
	args.Set("start", unixArg(start))
	args.Set("end", unixArg(end))
	if limit > 0 {
		args.Set("limit", strconv.Itoa(limit))
	}
	raw, err := d.Invoke(ctx, CmdReturnLendingHistory, args)
	if err != nil {
		return nil, err
	}
	return asList(CmdReturnLendingHistory, raw)
}

// CreateLoanOffer 挂借出单；duration<=0 时取 2 天
func (d *Dispatcher) CreateLoanOffer(ctx context.Context, currency string, amount, lendingRate decimal.Decimal, autoRenew bool, duration int) (map[string]any, error) {
	if currency == "" || !amount.IsPositive() || !lendingRate.IsPositive() {
		return nil, fmt.Errorf("%w: createLoanOffer needs currency, amount and lendingRate", ErrInvalidArgument)
	}
	if duration <= 0 {
		duration = 2
	}
	args := url.Values{}
	args.Set("currency", strings.ToUpper(currency))
	args.Set("amount", amount.String())
	args.Set("lendingRate", lendingRate.String())
	args.Set("duration", strconv.Itoa(duration))
	args.Set("autoRenew", boolArg(autoRenew))
	return d.invokeObject(ctx, CmdCreateLoanOffer, args)
}

// CancelLoanOffer 撤销借出挂单
func (d *Dispatcher) CancelLoanOffer(ctx context.Context, orderNumber int64) (map[string]any, error) {
	args := url.Values{}
	args.Set("orderNumber", strconv.FormatInt(orderNumber, 10))
	return d.invokeObject(ctx, CmdCancelLoanOffer, args)
}

// ToggleAutoRenew 切换借贷自动续期
func (d *Dispatcher) ToggleAutoRenew(ctx context.Context, orderNumber int64) (map[string]any, error) {
	args := url.Values{}
	args.Set("orderNumber", strconv.FormatInt(orderNumber, 10))
	return d.invokeObject(ctx, CmdToggleAutoRenew, args)
}

// Buy 限价买入
func (d *Dispatcher) Buy(ctx context.Context, pair string, rate, amount decimal.Decimal, orderType OrderType) (OrderResult, error) {
	return d.placeOrder(ctx, CmdBuy, pair, rate, amount, orderType)
}

// Sell 限价卖出
func (d *Dispatcher) Sell(ctx context.Context, pair string, rate, amount decimal.Decimal, orderType OrderType) (OrderResult, error) {
	return d.placeOrder(ctx, CmdSell, pair, rate, amount, orderType)
}

func (d *Dispatcher) placeOrder(ctx context.Context, command, pair string, rate, amount decimal.Decimal, orderType OrderType) (OrderResult, error) {
	args, err := orderArgs(pair, rate, amount)
	if err != nil {
		return OrderResult{}, fmt.Errorf("%s: %w", command, err)
	}
	switch orderType {
	case OrderTypeLimit:
	case OrderTypeFillOrKill, OrderTypeImmediateOrCancel, OrderTypePostOnly:
		args.Set(string(orderType), "1")
	default:
		return OrderResult{}, fmt.Errorf("%w: %s: invalid order type %q", ErrInvalidArgument, command, orderType)
	}
	raw, err := d.Invoke(ctx, command, args)
	if err != nil {
		return OrderResult{}, err
	}
	return parseOrderResult(command, raw)
}

// CancelOrder 撤单
func (d *Dispatcher) CancelOrder(ctx context.Context, orderNumber int64) (map[string]any, error) {
	args := url.Values{}
	args.Set("orderNumber", strconv.FormatInt(orderNumber, 10))
	return d.invokeObject(ctx, CmdCancelOrder, args)
}

// MoveOrder 改价（撤单重下）；amount 为零表示保持原数量。
// orderType 只允许 immediateOrCancel 或 postOnly。
func (d *Dispatcher) MoveOrder(ctx context.Context, orderNumber int64, rate, amount decimal.Decimal, orderType OrderType) (OrderResult, error) {
	if !rate.IsPositive() {
		return OrderResult{}, fmt.Errorf("%w: moveOrder: rate must be positive", ErrInvalidArgument)
	}
	args := url.Values{}
	args.Set("orderNumber", strconv.FormatInt(orderNumber, 10))
	args.Set("rate", rate.String())
	if amount.IsPositive() {
		args.Set("amount", amount.String())
	}
	switch orderType {
	case OrderTypeLimit:
	case OrderTypeImmediateOrCancel, OrderTypePostOnly:
		args.Set(string(orderType), "1")
	default:
		return OrderResult{}, fmt.Errorf("%w: moveOrder: invalid order type %q", ErrInvalidArgument, orderType)
	}
	raw, err := d.Invoke(ctx, CmdMoveOrder, args)
	if err != nil {
		return OrderResult{}, err
	}
	return parseOrderResult(CmdMoveOrder, raw)
}

// Withdraw 提现；paymentID 可选
func (d *Dispatcher) Withdraw(ctx context.Context, currency string, amount decimal.Decimal, address, paymentID string) (map[string]any, error) {
	if currency == "" || address == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: withdraw needs currency, amount and address", ErrInvalidArgument)
	}
	args := url.Values{}
	args.Set("currency", strings.ToUpper(currency))
	args.Set("amount", amount.String())
	args.Set("address", address)
	if paymentID != "" {
		args.Set("paymentId", paymentID)
	}
	return d.invokeObject(ctx, CmdWithdraw, args)
}

// ReturnFeeInfo 手续费等级
func (d *Dispatcher) ReturnFeeInfo(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturnFeeInfo, nil)
}

// TransferBalance 账户间划转
func (d *Dispatcher) TransferBalance(ctx context.Context, currency string, amount decimal.Decimal, fromAccount, toAccount string, confirmed bool) (map[string]any, error) {
	if currency == "" || fromAccount == "" || toAccount == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: transferBalance needs currency, amount and accounts", ErrInvalidArgument)
	}
	args := url.Values{}
	args.Set("currency", strings.ToUpper(currency))
	args.Set("amount", amount.String())
	args.Set("fromAccount", fromAccount)
	args.Set("toAccount", toAccount)
	if confirmed {
		args.Set("confirmed", "1")
	}
	return d.invokeObject(ctx, CmdTransferBalance, args)
}

// ReturnMarginAccountSummary margin 账户汇总
func (d *Dispatcher) ReturnMarginAccountSummary(ctx context.Context) (map[string]any, error) {
	return d.invokeObject(ctx, CmdReturnMarginAccountSummary, nil)
}

// MarginBuy margin 买入；lendingRate 为零时取 DefaultLendingRate
func (d *Dispatcher) MarginBuy(ctx context.Context, pair string, rate, amount, lendingRate decimal.Decimal) (OrderResult, error) {
	return d.marginOrder(ctx, CmdMarginBuy, pair, rate, amount, lendingRate)
}

// MarginSell margin 卖出
func (d *Dispatcher) MarginSell(ctx context.Context, pair string, rate, amount, lendingRate decimal.Decimal) (OrderResult, error) {
	return d.marginOrder(ctx, CmdMarginSell, pair, rate, amount, lendingRate)
}

func (d *Dispatcher) marginOrder(ctx context.Context, command, pair string, rate, amount, lendingRate decimal.Decimal) (OrderResult, error) {
	args, err := orderArgs(pair, rate, amount)
	if err != nil {
		return OrderResult{}, fmt.Errorf("%s: %w", command, err)
	}
	if !lendingRate.IsPositive() {
		lendingRate = DefaultLendingRate
	}
	args.Set("lendingRate", lendingRate.String())
	raw, err := d.Invoke(ctx, command, args)
	if err != nil {
		return OrderResult{}, err
	}
	return parseOrderResult(command, raw)
}

// GetMarginPosition margin 仓位；pair 为空表示全部
func (d *Dispatcher) GetMarginPosition(ctx context.Context, pair string) (map[string]any, error) {
	args := url.Values{}
	args.Set("currencyPair", normalizePair(pair))
	return d.invokeObject(ctx, CmdGetMarginPosition, args)
}

// CloseMarginPosition 平掉 margin 仓位
func (d *Dispatcher) CloseMarginPosition(ctx context.Context, pair string) (map[string]any, error) {
	if pair == "" || strings.EqualFold(pair, "all") {
		return nil, fmt.Errorf("%w: closeMarginPosition needs a single currency pair", ErrInvalidArgument)
	}
	args := url.Values{}
	args.Set("currencyPair", strings.ToUpper(pair))
	return d.invokeObject(ctx, CmdCloseMarginPosition, args)
}

func orderArgs(pair string, rate, amount decimal.Decimal) (url.Values, error) {
	if pair == "" || strings.EqualFold(pair, "all") {
		return nil, fmt.Errorf("%w: currency pair required", ErrInvalidArgument)
	}
	if !rate.IsPositive() || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: rate and amount must be positive", ErrInvalidArgument)
	}
	args := url.Values{}
	args.Set("currencyPair", strings.ToUpper(pair))
	args.Set("rate", rate.String())
	args.Set("amount", amount.String())
	return args, nil
}

func parseOrderResult(command string, raw any) (OrderResult, error) {
	obj, err := asObject(command, raw)
	if err != nil {
		return OrderResult{}, err
	}
	num, err := ToInt64(obj["orderNumber"])
	if err != nil {
		return OrderResult{}, fmt.Errorf("%s: orderNumber: %w", command, err)
	}
	res := OrderResult{OrderNumber: num}
	if trades, ok := obj["resultingTrades"]; ok {
		// moveOrder 返回按市场分组的 map，buy/sell 返回列表
		switch t := trades.(type) {
		case []any:
			res.ResultingTrades, _ = asList(command, t)
		case map[string]any:
			for _, v := range t {
				items, _ := asList(command, v)
				res.ResultingTrades = append(res.ResultingTrades, items...)
			}
		}
	}
	return res, nil
}

// groupByMarket 单一市场时交易所返回列表，all 时返回按市场分组的对象
func groupByMarket(command, pair string, raw any) (map[string][]map[string]any, error) {
	if pair != "all" {
		items, err := asList(command, raw)
		if err != nil {
			return nil, err
		}
		return map[string][]map[string]any{pair: items}, nil
	}
	obj, err := asObject(command, raw)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]map[string]any, len(obj))
	for market, v := range obj {
		items, err := asList(command, v)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			out[market] = items
		}
	}
	return out, nil
}

func defaultRange(start, end time.Time, span time.Duration) (time.Time, time.Time) {
	if end.IsZero() {
		end = time.Now()
	}
	if start.IsZero() {
		start = end.Add(-span)
	}
	return start, end
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
