package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"refwallet.com/internal/custody/app"
	"refwallet.com/internal/custody/service"
	"refwallet.com/pkg/logger"
	"refwallet.com/pkg/metrics"
	"refwallet.com/pkg/safe"
)

const serviceName = "wallet-service"

var configDir = flag.String("c", "", "extra directory to search for wallet-service.yaml")

func main() {
	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Error(context.Background(), "wallet-service exited", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Sync()
}

func run(ctx context.Context) error {
	// 1. 加载配置，手续费参数支持热更新
	var engine atomic.Pointer[service.WithdrawalEngine]
	var paths []string
	if *configDir != "" {
		paths = append(paths, *configDir)
	}
	cfg, err := app.Load(serviceName, func(next *app.Config) { reloadFee(ctx, &engine, next) }, paths...)
	if err != nil {
		return err
	}

	// 2. 日志
	if cfg.Log.Service == "" {
		cfg.Log.Service = cfg.Name
	}
	logger.InitWithConfig(cfg.Log)
	logger.Info(ctx, "config loaded", zap.Any("config", cfg.Redacted()))

	// 3. 装配组件
	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.Close(c)
	}()
	engine.Store(a.Withdrawals)

	// 4. 指标
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	safe.GoCtx(ctx, func(ctx context.Context) {
		metrics.CollectPools(ctx, sqlDB, a.Redis, 15*time.Second)
	})
	srv := metricsServer(cfg.MetricsAddr)
	safe.Go(func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server", zap.Error(err))
		}
	})

	// 5. 后台任务
	scheduler := a.Scheduler()
	scheduler.Start(ctx)
	logger.Info(ctx, "wallet-service started",
		zap.Strings("networks", a.Providers.Networks()),
		zap.String("metrics", srv.Addr))

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	// 6. 优雅退出：先停任务，等正在跑的一轮结束
	if !scheduler.Stop(30 * time.Second) {
		logger.Warn(context.Background(), "tasks did not stop in time")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func metricsServer(addr string) *http.Server {
	if addr == "" {
		addr = ":2113"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

// reloadFee 只热更新手续费，其余配置需要重启
func reloadFee(ctx context.Context, engine *atomic.Pointer[service.WithdrawalEngine], next *app.Config) {
	e := engine.Load()
	if e == nil {
		return
	}
	p, err := next.FeePolicy()
	if err != nil {
		logger.Error(ctx, "ignore invalid fee config", zap.Error(err))
		return
	}
	e.SetFeePolicy(p)
}
