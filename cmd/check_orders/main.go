package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/config"
	gateway "github.com/newplayman/poloniex-phoenix/internal/exchange"
	"github.com/newplayman/poloniex-phoenix/internal/runner"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	market := flag.String("market", "all", "市场，默认全部")
	orderNumber := flag.Int64("order", 0, "只查找该订单号")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	d, err := runner.NewDispatcher(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("创建分发器失败")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if *orderNumber > 0 {
		o, found, err := d.FindOrder(ctx, *orderNumber)
		if err != nil {
			log.Fatal().Err(err).Msg("查询失败")
		}
		if !found {
			log.Warn().Int64("order", *orderNumber).Msg("订单不在挂单中（已成交或已撤销）")
			os.Exit(1)
		}
		printOrder(o)
		return
	}

	log.Info().Str("market", *market).Msg("查询挂单...")
	open, err := d.ReturnOpenOrders(ctx, *market)
	if err != nil {
		log.Fatal().Err(err).Msg("查询失败")
	}

	markets := make([]string, 0, len(open))
	for m := range open {
		markets = append(markets, m)
	}
	sort.Strings(markets)

	total := 0
	for _, m := range markets {
		orders := open[m]
		if len(orders) == 0 {
			continue
		}
		log.Info().Str("market", m).Int("count", len(orders)).Msg("挂单数量")
		for _, o := range orders {
			printOrder(o)
		}
		total += len(orders)
	}
	log.Info().Int("total", total).Msg("查询完成")
}

func printOrder(o gateway.OpenOrder) {
	fmt.Printf("Order: Market=%s ID=%d Type=%s Rate=%s Amount=%s Total=%s Date=%s\n",
		o.Market, o.OrderNumber, o.Type, o.Rate, o.Amount, o.Total, o.Date)
}
