package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// CancelAllOrders 撤销挂单；market 为空表示全部市场，side 为 buy/sell 时只撤该方向。
// 单笔撤单失败不会中断，所有错误合并返回。
func (d *Dispatcher) CancelAllOrders(ctx context.Context, market, side string) ([]int64, error) {
	open, err := d.ReturnOpenOrders(ctx, market)
	if err != nil {
		return nil, err
	}
	side = strings.ToLower(side)
	var (
		canceled []int64
		errs     []error
	)
	for m, orders := range open {
		for _, o := range orders {
			if side != "" && o.Type != side {
				continue
			}
			if _, err := d.CancelOrder(ctx, o.OrderNumber); err != nil {
				log.Error().Err(err).Str("market", m).Int64("order", o.OrderNumber).Msg("cancel order failed")
				errs = append(errs, fmt.Errorf("cancel %d: %w", o.OrderNumber, err))
				continue
			}
			canceled = append(canceled, o.OrderNumber)
		}
	}
	return canceled, errors.Join(errs...)
}

// CancelAllLoanOffers 撤销借出挂单；currency 为空表示全部币种
func (d *Dispatcher) CancelAllLoanOffers(ctx context.Context, currency string) ([]int64, error) {
	offers, err := d.ReturnOpenLoanOffers(ctx)
	if err != nil {
		return nil, err
	}
	var (
		canceled []int64
		errs     []error
	)
	for coin, v := range offers {
		if currency != "" && !strings.EqualFold(coin, currency) {
			continue
		}
		items, err := asList(CmdReturnOpenLoanOffers, v)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, item := range items {
			id, err := ToInt64(item["id"])
			if err != nil {
				errs = append(errs, fmt.Errorf("loan offer %s: id: %w", coin, err))
				continue
			}
			if _, err := d.CancelLoanOffer(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("cancel loan offer %d: %w", id, err))
				continue
			}
			canceled = append(canceled, id)
		}
	}
	return canceled, errors.Join(errs...)
}

// CloseAllMargins 平掉所有可交易市场上的 margin 仓位
func (d *Dispatcher) CloseAllMargins(ctx context.Context) ([]string, error) {
	tradable, err := d.ReturnTradableBalances(ctx)
	if err != nil {
		return nil, err
	}
	var (
		closed []string
		errs   []error
	)
	for market := range tradable {
		if _, err := d.CloseMarginPosition(ctx, market); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", market, err))
			continue
		}
		closed = append(closed, market)
	}
	return closed, errors.Join(errs...)
}

// AutoRenewAll 将所有已借出贷款的自动续期设为 toggle
func (d *Dispatcher) AutoRenewAll(ctx context.Context, toggle bool) ([]int64, error) {
	loans, err := d.ReturnActiveLoans(ctx)
	if err != nil {
		return nil, err
	}
	provided, err := asList(CmdReturnActiveLoans, loans["provided"])
	if err != nil {
		if loans["provided"] == nil {
			return nil, nil
		}
		return nil, err
	}
	var (
		changed []int64
		errs    []error
	)
	for _, loan := range provided {
		if ToBool(loan["autoRenew"]) == toggle {
			continue
		}
		id, err := ToInt64(loan["id"])
		if err != nil {
			errs = append(errs, fmt.Errorf("active loan id: %w", err))
			continue
		}
		if _, err := d.ToggleAutoRenew(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("toggle %d: %w", id, err))
			continue
		}
		changed = append(changed, id)
	}
	return changed, errors.Join(errs...)
}

// FindOrder 在所有挂单中查找订单
func (d *Dispatcher) FindOrder(ctx context.Context, orderNumber int64) (OpenOrder, bool, error) {
	open, err := d.ReturnOpenOrders(ctx, "all")
	if err != nil {
		return OpenOrder{}, false, err
	}
	for _, orders := range open {
		for _, o := range orders {
			if o.OrderNumber == orderNumber {
				return o, true, nil
			}
		}
	}
	return OpenOrder{}, false, nil
}
