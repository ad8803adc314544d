package gateway

// 公共/私有命令表。未在表中的命令在发出任何网络请求前即失败。

type commandSpec struct {
	wire    string // 实际发送的 command 参数
	private bool
}

// 公共命令
const (
	CmdReturnTicker     = "returnTicker"
	CmdReturn24hVolume  = "return24hVolume"
	CmdReturnOrderBook  = "returnOrderBook"
	CmdMarketTradeHist  = "marketTradeHist" // 公共成交历史（发送 returnTradeHistory）
	CmdReturnChartData  = "returnChartData"
	CmdReturnCurrencies = "returnCurrencies"
	CmdReturnLoanOrders = "returnLoanOrders"
)

// 私有命令
const (
	CmdReturnBalances                 = "returnBalances"
	CmdReturnCompleteBalances         = "returnCompleteBalances"
	CmdReturnDepositAddresses         = "returnDepositAddresses"
	CmdGenerateNewAddress             = "generateNewAddress"
	CmdReturnDepositsWithdrawals      = "returnDepositsWithdrawals"
	CmdReturnOpenOrders               = "returnOpenOrders"
	CmdReturnTradeHistory             = "returnTradeHistory"
	CmdReturnAvailableAccountBalances = "returnAvailableAccountBalances"
	CmdReturnTradableBalances         = "returnTradableBalances"
	CmdReturnOpenLoanOffers           = "returnOpenLoanOffers"
	CmdReturnOrderTrades              = "returnOrderTrades"
	CmdReturnActiveLoans              = "returnActiveLoans"
	CmdReturnLendingHistory           = "returnLendingHistory"
	CmdCreateLoanOffer                = "createLoanOffer"
	CmdCancelLoanOffer                = "cancelLoanOffer"
	CmdToggleAutoRenew                = "toggleAutoRenew"
	CmdBuy                            = "buy"
	CmdSell                           = "sell"
	CmdCancelOrder                    = "cancelOrder"
	CmdMoveOrder                      = "moveOrder"
	CmdWithdraw                       = "withdraw"
	CmdReturnFeeInfo                  = "returnFeeInfo"
	CmdTransferBalance                = "transferBalance"
	CmdReturnMarginAccountSummary     = "returnMarginAccountSummary"
	CmdMarginBuy                      = "marginBuy"
	CmdMarginSell                     = "marginSell"
	CmdGetMarginPosition              = "getMarginPosition"
	CmdCloseMarginPosition            = "closeMarginPosition"
)

var commandTable = buildCommandTable()

func buildCommandTable() map[string]commandSpec {
	public := []string{
		CmdReturnTicker, CmdReturn24hVolume, CmdReturnOrderBook, CmdReturnChartData,
		CmdReturnCurrencies, CmdReturnLoanOrders,
	}
	private := []string{
		CmdReturnBalances, CmdReturnCompleteBalances, CmdReturnDepositAddresses,
		CmdGenerateNewAddress, CmdReturnDepositsWithdrawals, CmdReturnOpenOrders,
		CmdReturnTradeHistory, CmdReturnAvailableAccountBalances, CmdReturnTradableBalances,
		CmdReturnOpenLoanOffers, CmdReturnOrderTrades, CmdReturnActiveLoans,
		CmdReturnLendingHistory, CmdCreateLoanOffer, CmdCancelLoanOffer, CmdToggleAutoRenew,
		CmdBuy, CmdSell, CmdCancelOrder, CmdMoveOrder, CmdWithdraw, CmdReturnFeeInfo,
		CmdTransferBalance, CmdReturnMarginAccountSummary, CmdMarginBuy, CmdMarginSell,
		CmdGetMarginPosition, CmdCloseMarginPosition,
	}
	table := make(map[string]commandSpec, len(public)+len(private)+1)
	for _, c := range public {
		table[c] = commandSpec{wire: c}
	}
	for _, c := range private {
		table[c] = commandSpec{wire: c, private: true}
	}
	// returnTradeHistory 同名存在公共版本，用别名区分
	table[CmdMarketTradeHist] = commandSpec{wire: CmdReturnTradeHistory}
	return table
}

func lookupCommand(name string) (commandSpec, bool) {
	spec, ok := commandTable[name]
	return spec, ok
}

// IsPrivateCommand 命令是否需要签名
func IsPrivateCommand(name string) bool {
	spec, ok := commandTable[name]
	return ok && spec.private
}
