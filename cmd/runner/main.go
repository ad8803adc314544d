package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/newplayman/poloniex-phoenix/internal/config"
	"github.com/newplayman/poloniex-phoenix/internal/metrics"
	"github.com/newplayman/poloniex-phoenix/internal/runner"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	configFile = flag.String("config", "config.yaml", "配置文件路径")
	logLevel   = flag.String("log", "", "日志级别 (debug, info, warn, error)，为空时使用配置")
)

func main() {
	flag.Parse()

	// 单实例锁实现，防止多进程启动
	lockFile := "/tmp/phoenix_runner.lock"
	lock, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0666)
	if err != nil {
		log.Fatal().Err(err).Msg("创建锁文件失败")
	}
	err = syscall.Flock(int(lock.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		log.Fatal().Msg("已有一个Phoenix进程在运行")
	}
	defer func() {
		syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)
		lock.Close()
		os.Remove(lockFile)
	}()

	setupLogger(*logLevel)

	log.Info().Msg("Phoenix Poloniex 客户端启动中...")

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("加载配置失败")
	}
	if *logLevel == "" {
		setupLogger(cfg.Global.LogLevel)
	}

	log.Info().
		Bool("credentials", cfg.HasCredentials()).
		Bool("stream", cfg.Stream.Enabled).
		Int("stops", len(cfg.Stops)).
		Int("permits", cfg.RateLimit.Permits).
		Dur("window", cfg.GetRateWindow()).
		Msg("配置加载成功")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动Prometheus监控
	if cfg.Global.MetricsPort > 0 {
		if _, err := metrics.StartMetricsServer(cfg.Global.MetricsPort); err != nil {
			log.Error().Err(err).Msg("启动监控服务器失败")
		}
	}

	r, err := runner.NewRunner(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("创建Runner失败")
	}

	log.Info().Msg("正在启动Runner...")
	if err := r.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("启动Runner失败")
	}

	// 配置热重载时注册新增或修改的止损单，并同步推送频道
	config.OnChange(func(newCfg *config.Config) {
		if n := r.ApplyStops(newCfg.Stops); n > 0 {
			log.Info().Int("stops", n).Msg("热重载注册止损单")
		}
		if added, removed := r.ApplyChannels(newCfg.Stream.Channels); added+removed > 0 {
			log.Info().Int("added", added).Int("removed", removed).Msg("热重载更新推送频道")
		}
	})

	log.Info().Msg("Phoenix启动完成")

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info().Msg("收到退出信号，正在关闭...")

	// 优雅关闭：Runner 先停止，进行中的下单完成后再取消根 context
	r.Stop()

	log.Info().Msg("Phoenix已关闭")
}

// setupLogger 设置日志
func setupLogger(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
