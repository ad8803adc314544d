package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/config"
	"github.com/newplayman/poloniex-phoenix/internal/runner"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

func main() {
	cfgPath := flag.String("config", "config.yaml", "配置文件路径")
	logLevel := flag.String("log", "info", "日志级别 (debug, info, warn, error)")
	market := flag.String("market", "all", "只撤该市场的挂单，默认全部")
	closeMargin := flag.Bool("close-margin", false, "同时平掉所有 margin 仓位")
	stopRenew := flag.Bool("stop-renew", false, "关闭所有已借出贷款的自动续期")
	flag.Parse()

	setupLogger(*logLevel)
	log.Info().Msg("Phoenix 紧急刹车工具启动...")

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	if !cfg.HasCredentials() {
		log.Fatal().Msg("紧急撤单需要 API Key")
	}

	d, err := runner.NewDispatcher(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("创建分发器失败")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	failed := false

	// 先撤销所有挂单
	log.Info().Str("market", *market).Msg("撤销所有挂单...")
	canceled, err := d.CancelAllOrders(ctx, *market, "")
	if err != nil {
		failed = true
		log.Error().Err(err).Msg("部分挂单撤销失败")
	}
	log.Info().Int("count", len(canceled)).Msg("挂单已撤销")

	// 再撤销借出挂单
	offers, err := d.CancelAllLoanOffers(ctx, "")
	if err != nil {
		failed = true
		log.Error().Err(err).Msg("部分借出挂单撤销失败")
	}
	log.Info().Int("count", len(offers)).Msg("借出挂单已撤销")

	if *stopRenew {
		changed, err := d.AutoRenewAll(ctx, false)
		if err != nil {
			failed = true
			log.Error().Err(err).Msg("部分贷款自动续期关闭失败")
		}
		log.Info().Int("count", len(changed)).Msg("自动续期已关闭")
	}

	if *closeMargin {
		closed, err := d.CloseAllMargins(ctx)
		if err != nil {
			failed = true
			log.Error().Err(err).Msg("部分 margin 仓位平仓失败")
		}
		log.Warn().Strs("markets", closed).Msg("margin 仓位已平仓")
	}

	if failed {
		log.Error().Msg("Phoenix 紧急刹车未完全成功，请人工检查")
		os.Exit(1)
	}
	log.Info().Msg("Phoenix 紧急刹车完成。")
}
