package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/config"
	"github.com/newplayman/poloniex-phoenix/internal/history"
	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/newplayman/poloniex-phoenix/internal/runner"
	"github.com/newplayman/poloniex-phoenix/internal/store"
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
	interval := flag.Duration("interval", 0, "循环回填间隔，0 表示只运行一轮")
	port := flag.Int("port", 0, "查询接口端口，0 表示不启动")
	flag.Parse()

	setupLogger(*logLevel)

	cfg, err := config.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.Config{
		Driver:           cfg.Store.Driver,
		Path:             cfg.Store.Path,
		SnapshotInterval: time.Duration(cfg.Store.SnapshotIntervalSec) * time.Second,
		URI:              cfg.Store.URI,
		Database:         cfg.Store.Database,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("打开存储失败")
	}
	defer st.Close()

	d, err := runner.NewDispatcher(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("创建分发器失败")
	}

	syncer := history.NewSyncer(d, st)
	syncer.Window = time.Duration(cfg.History.WindowDays) * 24 * time.Hour
	syncer.ChartPeriod = cfg.History.ChartPeriod
	service := NewBackfillService(syncer, cfg.History)

	if cfg.Global.MetricsPort > 0 {
		if _, err := metrics.StartMetricsServer(cfg.Global.MetricsPort); err != nil {
			log.Error().Err(err).Msg("启动监控服务器失败")
		}
	}

	var srv *http.Server
	if *port > 0 {
		srv = &http.Server{Addr: fmt.Sprintf(":%d", *port), Handler: NewAPIHandler(service, syncer).Routes()}
		go func() {
			log.Info().Int("port", *port).Msg("查询接口已启动")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("查询接口异常退出")
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("收到退出信号，正在关闭...")
		cancel()
	}()

	log.Info().
		Strs("chart", cfg.History.ChartMarkets).
		Strs("trades", cfg.History.TradeMarkets).
		Strs("lending", cfg.History.LendingCoins).
		Str("store", cfg.Store.Driver).
		Msg("开始回填")

	exitCode := 0
	if *interval > 0 {
		service.Run(ctx, *interval)
	} else if err := service.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("回填存在失败")
		exitCode = 1
	}

	if srv != nil {
		if *interval == 0 {
			// 单轮模式下保留查询接口直到收到退出信号
			<-ctx.Done()
		}
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		srv.Shutdown(shutdownCtx)
		done()
	}
	log.Info().Msg("回填已结束")
	if exitCode != 0 {
		st.Close()
		os.Exit(exitCode)
	}
}
