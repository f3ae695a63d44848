package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/app"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/dispatcher"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/submitter"
	"AgentPay-Chain/internal/web3/provider"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(app.ConfigPath(""))
	if err != nil {
		return err
	}
	if err := app.InitLogger(cfg.Logging, "agentpayd"); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("agentpayd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	store, err := app.OpenLedger(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer app.CloseAll(lg, store)

	chainRegistry, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chain, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	contract, err := app.LoadContract(cfg.Contract)
	if err != nil {
		return err
	}

	dispatchQueue, err := app.OpenQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer app.CloseAll(lg, dispatchQueue)

	locker, lockConn, err := app.OpenLocker(ctx, cfg.Lock, store)
	if err != nil {
		return err
	}
	if lockConn != nil {
		defer app.CloseAll(lg, lockConn)
	}

	executor, plugins, err := app.NewAgent(ctx, cfg.Agent)
	if err != nil {
		return err
	}
	if plugins != nil {
		defer app.CloseAll(lg, plugins)
	}
	lg.Info("任务执行器就绪", slog.Any("tasks", executor.Tasks()))

	authService, err := app.NewAuth(cfg.Auth)
	if err != nil {
		return err
	}

	d, err := dispatcher.New(dispatcher.OptionsFromConfig(cfg.Dispatcher), chain, contract, store, dispatchQueue, executor,
		dispatcher.WithLogger(logger.Named("dispatcher")),
		dispatcher.WithLocker(locker),
		dispatcher.WithAlertDispatcher(app.NewAlerter(cfg.Alerting)),
		dispatcher.WithMetrics(metrics.Default),
	)
	if err != nil {
		return err
	}

	apiOpts := []api.Option{
		api.WithDispatcher(d),
		api.WithChain(chain),
		api.WithReceipts(chain),
		api.WithAuth(authService),
		api.WithMetrics(metrics.Default),
	}
	// 未配置私钥时只运行分发器，支付提交接口返回 503。
	if key, err := submitter.LoadKey(cfg.Submitter.PrivateKeyEnv); err == nil {
		sub, err := submitter.New(chain, contract, store, key, submitter.ConfigFrom(cfg.Submitter),
			submitter.WithLogger(logger.Named("submitter")),
			submitter.WithMetrics(metrics.Default),
		)
		if err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithSubmitter(sub))
		lg.Info("支付提交已启用", slog.String("account", sub.Account().Hex()))
	} else {
		lg.Warn("未加载签名私钥，支付提交接口不可用", slog.String("env", cfg.Submitter.PrivateKeyEnv))
	}

	// 分发器退出（例如失去主节点锁）时一并停止 API 服务。
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	dispatcherDone := make(chan error, 1)
	go func() {
		err := d.Run(runCtx)
		if err != nil && !errors.Is(err, context.Canceled) {
			lg.Error("分发器异常退出", slog.String("error", err.Error()))
		}
		cancel()
		dispatcherDone <- err
	}()

	server := api.NewServer(cfg.Server.Address, store, apiOpts...)
	serveErr := server.Start(runCtx)
	cancel()
	dispatchErr := <-dispatcherDone

	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	if dispatchErr != nil && !errors.Is(dispatchErr, context.Canceled) {
		return dispatchErr
	}
	return nil
}
